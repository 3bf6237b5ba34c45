// SPDX-License-Identifier: GPL-3.0-or-later

package emotiva

import (
	"math/rand"
	"time"
)

// backoffNext computes the delay before retry attempt n (0-indexed: the
// delay before the first retry, after the initial attempt failed).
//
// The formula is base * 2^attempt, clamped to max, with ±25% jitter applied
// after clamping. Shared by Discovery (§4.3), the Protocol Engine's retry
// loop (§4.4), and the Controller's reconnection loop (§4.7) so the formula
// lives in exactly one place.
func backoffNext(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay > max || delay <= 0 {
			delay = max
			break
		}
	}
	if delay > max {
		delay = max
	}
	jitter := 0.75 + rand.Float64()*0.5 // ±25%
	return time.Duration(float64(delay) * jitter)
}
