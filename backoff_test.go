// SPDX-License-Identifier: GPL-3.0-or-later

package emotiva

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// backoffNext never exceeds max, even accounting for jitter headroom, and
// never goes negative.
func TestBackoffNextClampsToMax(t *testing.T) {
	base := 100 * time.Millisecond
	max := 2000 * time.Millisecond

	for attempt := 0; attempt < 20; attempt++ {
		delay := backoffNext(attempt, base, max)
		assert.GreaterOrEqual(t, delay, time.Duration(0))
		assert.LessOrEqual(t, delay, max+max/4)
	}
}

// backoffNext grows with attempt number until clamped.
func TestBackoffNextGrows(t *testing.T) {
	base := 10 * time.Millisecond
	max := 10 * time.Second

	d0 := backoffNext(0, base, max)
	d3 := backoffNext(3, base, max)

	assert.Less(t, d0, d3)
}

// backoffNext treats negative attempt numbers as zero.
func TestBackoffNextNegativeAttempt(t *testing.T) {
	base := 100 * time.Millisecond
	max := 2000 * time.Millisecond

	delay := backoffNext(-1, base, max)
	assert.GreaterOrEqual(t, delay, base*3/4)
	assert.LessOrEqual(t, delay, base*5/4)
}
