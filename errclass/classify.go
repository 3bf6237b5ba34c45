// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/common/errclass/errclass.go
//

// Package errclass classifies network errors into short, stable labels
// suitable for structured logging and metrics.
//
// The classification walks the error chain looking for a [syscall.Errno],
// a [context] deadline/cancellation error, or a [net.Error] timeout, and
// maps it to one of the exported label constants. Errors that do not match
// any known case classify as [EGENERIC].
package errclass

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// Label constants returned by [New]. These are intentionally short and
// POSIX-errno-shaped so they read consistently across platforms even
// though the underlying errno values differ (see unix.go, windows.go).
const (
	EADDRNOTAVAIL   = "EADDRNOTAVAIL"
	EADDRINUSE      = "EADDRINUSE"
	ECONNABORTED    = "ECONNABORTED"
	ECONNREFUSED    = "ECONNREFUSED"
	ECONNRESET      = "ECONNRESET"
	EHOSTUNREACH    = "EHOSTUNREACH"
	EINVAL          = "EINVAL"
	EINTR           = "EINTR"
	ENETDOWN        = "ENETDOWN"
	ENETUNREACH     = "ENETUNREACH"
	ENOBUFS         = "ENOBUFS"
	ENOTCONN        = "ENOTCONN"
	EPROTONOSUPPORT = "EPROTONOSUPPORT"
	ETIMEDOUT       = "ETIMEDOUT"
	ECLOSED         = "ECLOSED"
	ECANCELED       = "ECANCELED"
	EGENERIC        = "EGENERIC"
)

// New classifies err into one of the label constants above.
//
// New(nil) returns the empty string, so callers can attach the result to a
// log record unconditionally without a nil check.
func New(err error) string {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ETIMEDOUT
	}
	if errors.Is(err, context.Canceled) {
		return ECANCELED
	}
	if errors.Is(err, net.ErrClosed) {
		return ECLOSED
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		if label, ok := classifyErrno(errno); ok {
			return label
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ETIMEDOUT
	}

	return EGENERIC
}

func classifyErrno(errno syscall.Errno) (string, bool) {
	switch errno {
	case errEADDRNOTAVAIL:
		return EADDRNOTAVAIL, true
	case errEADDRINUSE:
		return EADDRINUSE, true
	case errECONNABORTED:
		return ECONNABORTED, true
	case errECONNREFUSED:
		return ECONNREFUSED, true
	case errECONNRESET:
		return ECONNRESET, true
	case errEHOSTUNREACH:
		return EHOSTUNREACH, true
	case errEINVAL:
		return EINVAL, true
	case errEINTR:
		return EINTR, true
	case errENETDOWN:
		return ENETDOWN, true
	case errENETUNREACH:
		return ENETUNREACH, true
	case errENOBUFS:
		return ENOBUFS, true
	case errENOTCONN:
		return ENOTCONN, true
	case errEPROTONOSUPPORT:
		return EPROTONOSUPPORT, true
	case errETIMEDOUT:
		return ETIMEDOUT, true
	default:
		return "", false
	}
}
