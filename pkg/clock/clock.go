// Package clock abstracts wall-clock access so lifecycle timing logic
// (idle cutoffs, midnight boundaries, keep-alive cadence) can be tested
// without real sleeps.
package clock

import "time"

// Ticker is the subset of time.Ticker the schedulers rely on.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Clock provides the current time and periodic tickers.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// System returns a Clock backed by the real wall clock.
func System() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) NewTicker(d time.Duration) Ticker {
	return &systemTicker{t: time.NewTicker(d)}
}

type systemTicker struct{ t *time.Ticker }

func (s *systemTicker) C() <-chan time.Time { return s.t.C }
func (s *systemTicker) Stop()               { s.t.Stop() }
