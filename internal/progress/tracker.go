// Package progress reports call setup progress as a monotonic percentage.
package progress

import (
	"context"
	"sync"
	"time"

	"p2pcall/native/internal/observable"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
)

// Event is a named setup milestone. Each fires at most once per call.
type Event string

const (
	ConnectionReady Event = "connectionReady"
	CreatedPeer     Event = "createdPeer"
	Finished        Event = "finished"
	JoinedRoom      Event = "joinedRoom"
	LocalStream     Event = "localStream"
	ReadyToCall     Event = "readyToCall"
	Started         Event = "started"
)

// DefaultStep is the delay between one-point increments.
const DefaultStep = 25 * time.Millisecond

// Tracker steps a percentage towards milestone values.
type Tracker struct {
	clk  clock.Clock
	step time.Duration

	percent *observable.Value[int]

	mu       sync.Mutex
	occurred map[Event]bool
	gen      int

	stepMu sync.Mutex
}

// New creates a Tracker. A zero step jumps straight to each milestone.
func New(clk clock.Clock, step time.Duration) *Tracker {
	return &Tracker{
		clk:      clk,
		step:     step,
		percent:  observable.New(0),
		occurred: make(map[Event]bool),
	}
}

// Percent exposes the current percentage.
func (t *Tracker) Percent() *observable.Value[int] {
	return t.percent
}

// Occurred reports whether ev has fired since the last Reset.
func (t *Tracker) Occurred(ev Event) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.occurred[ev]
}

// Update marks ev as occurred and advances the percentage to value.
// Repeated events and values below the current percentage do nothing.
func (t *Tracker) Update(ctx context.Context, ev Event, value int) {
	if value > 100 {
		value = 100
	}

	t.mu.Lock()
	if t.occurred[ev] {
		t.mu.Unlock()
		return
	}
	t.occurred[ev] = true
	gen := t.gen
	t.mu.Unlock()

	log.Debug().Str("module", "progress").Str("event", string(ev)).Int("value", value).Msg("milestone")

	t.stepMu.Lock()
	defer t.stepMu.Unlock()

	for i := t.percent.Get(); i < value; i++ {
		if t.stale(gen) {
			return
		}
		t.percent.Set(i + 1)
		if t.step <= 0 || i+1 == value {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-t.clk.After(t.step):
		}
	}
}

// Reset clears all milestones for the next call.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.occurred = make(map[Event]bool)
	t.gen++
	t.mu.Unlock()
	t.percent.Set(0)
}

func (t *Tracker) stale(gen int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen != gen
}
