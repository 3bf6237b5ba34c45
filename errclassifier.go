// SPDX-License-Identifier: GPL-3.0-or-later

package emotiva

import "github.com/droman42/pymotivaxmc2/errclass"

// ErrClassifier classifies errors into categorical strings for analysis.
//
// Implementations map errors to short, descriptive labels (e.g., "ETIMEDOUT",
// "ECONNRESET") that facilitate systematic analysis of the socket and
// discovery logs emitted by this package.
type ErrClassifier interface {
	Classify(err error) string
}

// ErrClassifierFunc adapts a function to the [ErrClassifier] interface.
//
// This allows using simple functions as classifiers:
//
//	cfg.ErrClassifier = ErrClassifierFunc(errclass.New)
type ErrClassifierFunc func(error) string

var _ ErrClassifier = ErrClassifierFunc(nil)

// Classify implements [ErrClassifier].
func (f ErrClassifierFunc) Classify(err error) string {
	return f(err)
}

// DefaultErrClassifier classifies errors using [errclass.New].
var DefaultErrClassifier = ErrClassifierFunc(errclass.New)
