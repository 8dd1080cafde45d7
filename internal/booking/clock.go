package booking

import "time"

// Clock is injected wherever the engine needs the current instant, so the
// resolver and policy stay testable with fixed times.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

func SystemClock() Clock { return systemClock{} }
