package emotiva

import (
	"log/slog"

	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"
)

// NewSpanID returns a UUIDv7 representing a span.
//
// A span is a sequence of operation that can fail in a single, specific
// way. For example, a workflow to perform a TLS handshake with an endpoint
// or a single DNS-over-HTTPS exchange with an endpoint.
//
// We recommend using a span ID for uniquely identifying spans.
//
// The span terminology is borrowed from OTel.
//
// This function panics if the system random number generator fails,
// which should only happen under extraordinary circumstances.
func NewSpanID() string {
	return runtimex.PanicOnError1(uuid.NewV7()).String()
}

// spanLogger attaches a fixed spanID field to every log record, so all
// lines from one operation correlate. [Discovery.Run] uses it for each
// discovery run.
type spanLogger struct {
	inner  SLogger
	spanID string
}

// withSpanID wraps logger so every Debug/Info call carries a "spanID" field.
func withSpanID(logger SLogger, spanID string) SLogger {
	return &spanLogger{inner: logger, spanID: spanID}
}

// Debug implements [SLogger].
func (s *spanLogger) Debug(msg string, args ...any) {
	s.inner.Debug(msg, append([]any{slog.String("spanID", s.spanID)}, args...)...)
}

// Info implements [SLogger].
func (s *spanLogger) Info(msg string, args ...any) {
	s.inner.Info(msg, append([]any{slog.String("spanID", s.spanID)}, args...)...)
}
