// Package chat implements the delivery core of the gateway: single-device
// admission with bounded-grace eviction, message fan-out with per-recipient
// failure isolation, and recall handling.
package chat

import "time"

// Clock abstracts time for the eviction grace window and the recall window,
// so tests can drive both without sleeping.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }
