// Package label mints the unique labels that tie a build request to the agent provisioned for it.
package label

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Label is a decimal nanosecond reading, unique among the labels minted by one Minter.
type Label string

// String implements fmt.Stringer.
func (l Label) String() string { return string(l) }

// Minter issues strictly increasing labels. Each call waits out a short spacing on the clock
// before reading it, and concurrent callers that still observe the same reading are pushed past
// the last issued value.
type Minter struct {
	clock   clockwork.Clock
	spacing time.Duration

	origin int64
	start  time.Time
	last   atomic.Int64
}

// NewMinter creates a Minter. Readings are the wall time at construction plus the monotonic time
// elapsed on clock since, so they never go backwards when the wall clock is adjusted.
func NewMinter(clock clockwork.Clock, spacing time.Duration) *Minter {
	start := clock.Now()
	return &Minter{
		clock:   clock,
		spacing: spacing,
		origin:  start.UnixNano(),
		start:   start,
	}
}

// Mint returns a new label. It is safe for concurrent use.
func (m *Minter) Mint() Label {
	if m.spacing > 0 {
		m.clock.Sleep(m.spacing)
	}
	now := m.origin + int64(m.clock.Since(m.start))
	for {
		last := m.last.Load()
		next := now
		if next <= last {
			next = last + 1
		}
		if m.last.CompareAndSwap(last, next) {
			return Label(strconv.FormatInt(next, 10))
		}
	}
}
