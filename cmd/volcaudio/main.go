package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"volcaudio/internal/cachekey"
	"volcaudio/internal/config"
	"volcaudio/internal/populate"
	"volcaudio/internal/server"
	"volcaudio/internal/stream"
	"volcaudio/internal/variant"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "volcaudio",
		Short:         "Seismic waveform variant cache and progressive delivery",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", getenvDefault(config.EnvPrefix+"CONFIG", ""), "path to volcaudio.yaml")

	root.AddCommand(newServeCmd(&cfgPath))
	root.AddCommand(newWarmCmd(&cfgPath))
	root.AddCommand(newKeyCmd(&cfgPath))
	root.AddCommand(newEntriesCmd(&cfgPath))
	root.AddCommand(newLsCmd(&cfgPath))
	return root
}

func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP delivery server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			svc := server.New(server.Options{
				Config:     cfg,
				Controller: a.ctrl,
				Populator:  a.pop,
				Store:      a.store,
				Catalog:    a.catalog,
				Logger:     logger,
			})
			defer svc.Close()

			addr := fmt.Sprintf(":%d", cfg.Server.Port)
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", addr, err)
			}
			srv := &http.Server{
				Handler:           svc.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			go func() {
				logger.Info("volcaudio listening",
					"addr", addr,
					"store", cfg.Store.Backend,
					"upstream", cfg.Upstream.Kind,
					"sources", len(cfg.Sources))
				err := srv.Serve(ln)
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
					stop()
				}
			}()

			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func newWarmCmd(cfgPath *string) *cobra.Command {
	var req populate.Request
	cmd := &cobra.Command{
		Use:   "warm",
		Short: "Populate one cache entry (all variants)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			applyDefaults(cmd, cfg, &req)
			a, err := openApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.pop.EnsureCached(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s hit=%t samples=%d rate=%g\n",
				res.CacheKey, res.Hit, res.Metadata.Samples, res.Metadata.SampleRate)
			for _, v := range variant.All() {
				if p, ok := res.Profiles.Variant(v); ok {
					fmt.Fprintf(cmd.OutOrStdout(), "  %-14s %10s -> %-10s %7.1fms\n",
						v, humanize.IBytes(uint64(p.OriginalBytes)), humanize.IBytes(uint64(p.CompressedBytes)), p.CompressMs)
				}
			}
			return nil
		},
	}
	addRequestFlags(cmd, &req)
	return cmd
}

func newKeyCmd(cfgPath *string) *cobra.Command {
	var req populate.Request
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Print the cache key and object locations for a request",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			applyDefaults(cmd, cfg, &req)
			key := cachekey.Derive(req.SourceID, req.HoursAgo, req.DurationHours)
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, key)
			for _, v := range variant.All() {
				fmt.Fprintf(out, "  %-14s %s\n", v, v.Location(key))
			}
			fmt.Fprintf(out, "  %-14s %s\n", "metadata", populate.MetadataKey(key))
			fmt.Fprintf(out, "  %-14s %s\n", "profiles", populate.ProfilesKey(key))
			return nil
		},
	}
	addRequestFlags(cmd, &req)
	return cmd
}

func newEntriesCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "entries",
		Short: "List cataloged cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if cfg.Catalog.Path == "" {
				return errors.New("catalog.path is not configured")
			}
			cat, err := openCatalog(cfg.Catalog.Path)
			if err != nil {
				return err
			}
			defer cat.Close()

			entries, err := cat.List(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KEY\tSOURCE\tWINDOW\tSAMPLES\tSTORED\tSERVED\tPOPULATED")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%dh ago/%dh\t%d\t%s\t%d\t%s\n",
					e.CacheKey, e.SourceID, e.HoursAgo, e.DurationHours, e.Samples,
					humanize.IBytes(uint64(e.StoredBytes)), e.ServeCount, humanize.Time(e.PopulatedAt))
			}
			return tw.Flush()
		},
	}
}

func newLsCmd(cfgPath *string) *cobra.Command {
	var (
		req   populate.Request
		codec string
	)
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List the chunk objects of a chunked variant in delivery order",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			applyDefaults(cmd, cfg, &req)
			c, err := variant.ParseCodec(codec)
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			key := cachekey.Derive(req.SourceID, req.HoursAgo, req.DurationHours)
			objs, err := stream.Enumerate(cmd.Context(), a.store, variant.ChunkPrefix(c, key))
			if err != nil {
				return err
			}
			var total int64
			for _, o := range objs {
				total += o.Size
				fmt.Fprintf(cmd.OutOrStdout(), "%10d  %s\n", o.Size, o.Key)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d chunks, %s\n", len(objs), humanize.IBytes(uint64(total)))
			return nil
		},
	}
	addRequestFlags(cmd, &req)
	cmd.Flags().StringVar(&codec, "codec", "", "codec: int16, gzip or blosc")
	return cmd
}

func addRequestFlags(cmd *cobra.Command, req *populate.Request) {
	cmd.Flags().StringVar(&req.SourceID, "source", "", "source id (default from config)")
	cmd.Flags().IntVar(&req.HoursAgo, "hours-ago", 0, "window end, hours before now")
	cmd.Flags().IntVar(&req.DurationHours, "duration", 0, "window length in hours")
}

func applyDefaults(cmd *cobra.Command, cfg config.Config, req *populate.Request) {
	req.SourceID = config.NormalizeSourceID(req.SourceID)
	if req.SourceID == "" {
		req.SourceID = cfg.Defaults.Source
	}
	if !cmd.Flags().Changed("hours-ago") {
		req.HoursAgo = cfg.Defaults.HoursAgo
	}
	if !cmd.Flags().Changed("duration") {
		req.DurationHours = cfg.Defaults.DurationHours
	}
}

func loadConfig(path string) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := newLogger(cfg.Log.Level)
	if err != nil {
		return config.Config{}, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
