// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import "time"

// Clock abstracts wall-clock reads so tests can drive virtual time.
// Every manager stamps and compares timestamps through its Clock.
type Clock interface {
	Now() time.Time
}

// systemClock reads the real wall clock.
type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

// SystemClock returns the real-time Clock used by default.
func SystemClock() Clock {
	return systemClock{}
}
