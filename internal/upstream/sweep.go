package upstream

import (
	"context"
	"math"
	"time"

	"volcaudio/internal/cacheerr"
)

// Sweep synthesizes a linear ramp from -32768 to 32767 across the window.
// Reordered or dropped chunks show up as discontinuities in the ramp.
type Sweep struct {
	Rate float64
}

func (s Sweep) Fetch(ctx context.Context, _ Station, start, end time.Time) (Waveform, error) {
	if err := ctx.Err(); err != nil {
		return Waveform{}, cacheerr.New(cacheerr.NoUpstreamData, "upstream.sweep", err)
	}
	n := int(end.Sub(start).Seconds() * s.Rate)
	if n <= 0 || s.Rate <= 0 {
		return Waveform{}, cacheerr.Errorf(cacheerr.NoUpstreamData, "upstream.sweep", "empty window %s..%s", start, end)
	}
	return Waveform{Samples: LinearSweep(n), SampleRate: s.Rate}, nil
}

// LinearSweep returns n evenly spaced values from -32768 to 32767.
func LinearSweep(n int) []int32 {
	out := make([]int32, n)
	if n == 1 {
		out[0] = math.MinInt16
		return out
	}
	const lo, hi = float64(math.MinInt16), float64(math.MaxInt16)
	step := (hi - lo) / float64(n-1)
	for i := range out {
		out[i] = int32(lo + step*float64(i))
	}
	out[n-1] = math.MaxInt16
	return out
}
