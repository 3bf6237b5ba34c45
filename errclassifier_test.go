// SPDX-License-Identifier: GPL-3.0-or-later

package emotiva

import (
	"context"
	"errors"
	"testing"

	"github.com/droman42/pymotivaxmc2/errclass"
	"github.com/stretchr/testify/assert"
)

func TestDefaultErrClassifier(t *testing.T) {
	// Should return empty string for nil error
	result := DefaultErrClassifier.Classify(nil)
	assert.Equal(t, "", result)

	// Should classify known errors using errclass
	result = DefaultErrClassifier.Classify(context.DeadlineExceeded)
	assert.Equal(t, errclass.ETIMEDOUT, result)

	// Should return EGENERIC for unknown errors
	result = DefaultErrClassifier.Classify(errors.New("unknown error"))
	assert.Equal(t, errclass.EGENERIC, result)
}

func TestErrClassifierFunc(t *testing.T) {
	called := false
	fn := ErrClassifierFunc(func(err error) string {
		called = true
		return "custom"
	})

	result := fn.Classify(errors.New("x"))

	assert.True(t, called)
	assert.Equal(t, "custom", result)
}
