// Package stream emits stored blobs as a lazy sequence of growing byte
// ranges.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Schedule is the staircase of range sizes. Steps are emitted in order,
// then Steady repeats until the blob ends. It restarts at every blob.
type Schedule struct {
	Steps  []int
	Steady int
}

var DefaultSchedule = Schedule{
	Steps:  []int{8 << 10, 16 << 10, 32 << 10, 64 << 10, 128 << 10, 256 << 10},
	Steady: 512 << 10,
}

// size returns the range size for the n-th range within one blob.
func (s Schedule) size(n int) int {
	if n < len(s.Steps) {
		return s.Steps[n]
	}
	return s.Steady
}

// Sizes returns the range sizes a single blob of total bytes produces.
func (s Schedule) Sizes(total int) []int {
	var out []int
	for n := 0; total > 0; n++ {
		sz := min(s.size(n), total)
		out = append(out, sz)
		total -= sz
	}
	return out
}

func (s Schedule) Validate() error {
	if s.Steady <= 0 {
		return fmt.Errorf("steady range size must be positive")
	}
	for i, n := range s.Steps {
		if n <= 0 {
			return fmt.Errorf("step %d must be positive", i)
		}
	}
	return nil
}

// Getter reads one blob.
type Getter interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Session is the per-delivery record of progress and timing.
type Session struct {
	ID      string
	Started time.Time

	mu        sync.Mutex
	firstByte time.Time
	finished  time.Time
	bytes     int64
	ranges    int
	blobs     int
}

func NewSession() *Session {
	return &Session{ID: uuid.NewString(), Started: time.Now()}
}

func (s *Session) emitted(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firstByte.IsZero() {
		s.firstByte = time.Now()
	}
	s.bytes += int64(n)
	s.ranges++
}

func (s *Session) blobStarted() {
	s.mu.Lock()
	s.blobs++
	s.mu.Unlock()
}

func (s *Session) finish() {
	s.mu.Lock()
	if s.finished.IsZero() {
		s.finished = time.Now()
	}
	s.mu.Unlock()
}

// TimeToFirstByte is zero until the first range is emitted.
func (s *Session) TimeToFirstByte() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firstByte.IsZero() {
		return 0
	}
	return s.firstByte.Sub(s.Started)
}

// Transfer is the time from the first emitted byte to completion, or to
// now while still streaming.
func (s *Session) Transfer() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firstByte.IsZero() {
		return 0
	}
	end := s.finished
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.firstByte)
}

func (s *Session) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

func (s *Session) Ranges() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ranges
}

// Stream yields ranges over the blobs named by keys, fetched one at a time
// and only when the previous blob is exhausted.
type Stream struct {
	ctx     context.Context
	get     Getter
	keys    []string
	sched   Schedule
	session *Session

	next int    // index of the next blob to fetch
	cur  []byte // remainder of the current blob
	step int    // position in the schedule within the current blob
	done bool
}

func New(ctx context.Context, get Getter, keys []string, sched Schedule, session *Session) *Stream {
	if session == nil {
		session = NewSession()
	}
	return &Stream{ctx: ctx, get: get, keys: keys, sched: sched, session: session}
}

func (s *Stream) Session() *Session { return s.session }

// Next returns the next range, or io.EOF after the last one. The returned
// slice aliases the fetched blob and must not be modified. After
// cancellation no further blob is fetched.
func (s *Stream) Next() ([]byte, error) {
	if s.done {
		return nil, io.EOF
	}
	for len(s.cur) == 0 {
		if s.next >= len(s.keys) {
			s.done = true
			s.session.finish()
			return nil, io.EOF
		}
		if err := s.ctx.Err(); err != nil {
			s.done = true
			return nil, err
		}
		b, err := s.get.Get(s.ctx, s.keys[s.next])
		if err != nil {
			s.done = true
			return nil, fmt.Errorf("stream %s: %w", s.keys[s.next], err)
		}
		s.next++
		s.cur = b
		s.step = 0
		s.session.blobStarted()
	}
	n := min(s.sched.size(s.step), len(s.cur))
	out := s.cur[:n]
	s.cur = s.cur[n:]
	s.step++
	s.session.emitted(n)
	return out, nil
}

type flusher interface{ Flush() }

// WriteTo drains the stream into w, flushing after every range when w
// supports it.
func (s *Stream) WriteTo(w io.Writer) (int64, error) {
	f, _ := w.(flusher)
	var total int64
	for {
		b, err := s.Next()
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
		n, err := w.Write(b)
		total += int64(n)
		if err != nil {
			s.done = true
			return total, err
		}
		if f != nil {
			f.Flush()
		}
	}
}
