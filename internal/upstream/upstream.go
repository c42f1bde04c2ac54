// Package upstream provides the raw waveform collaborators the cache
// populates from.
package upstream

import (
	"context"
	"fmt"
	"time"
)

// Station selects one seismic channel.
type Station struct {
	Network  string
	Station  string
	Location string
	Channel  string
}

func (s Station) String() string {
	return fmt.Sprintf("%s.%s.%s.%s", s.Network, s.Station, s.Location, s.Channel)
}

// Waveform is the merged sample series for one window.
type Waveform struct {
	Samples    []int32
	SampleRate float64
}

// Duration is the time span the samples cover.
func (w Waveform) Duration() time.Duration {
	if w.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(len(w.Samples)) / w.SampleRate * float64(time.Second))
}

// Source fetches raw samples. Implementations return a
// cacheerr.NoUpstreamData error when the window holds nothing.
type Source interface {
	Fetch(ctx context.Context, st Station, start, end time.Time) (Waveform, error)
}

// Window converts a relative request into absolute UTC bounds:
// end = now - hoursAgo, start = end - durationHours.
func Window(now time.Time, hoursAgo, durationHours int) (start, end time.Time) {
	end = now.UTC().Add(-time.Duration(hoursAgo) * time.Hour)
	start = end.Add(-time.Duration(durationHours) * time.Hour)
	return start, end
}
