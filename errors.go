// SPDX-License-Identifier: GPL-3.0-or-later

package emotiva

import (
	"errors"
	"fmt"
)

// Sentinel errors not carrying structured fields.
var (
	// ErrNotRunning is returned by Socket Manager operations invoked before
	// start or after stop.
	ErrNotRunning = errors.New("emotiva: socket manager not running")

	// ErrDiscoveryTimeout is returned when discovery exhausts all retries
	// without a matching response.
	ErrDiscoveryTimeout = errors.New("emotiva: discovery timed out")

	// ErrAlreadyConnected is returned by Connect when already Connected.
	// Non-fatal: the caller should treat this as a no-op success.
	ErrAlreadyConnected = errors.New("emotiva: already connected")

	// ErrNotConnected is returned by operations that require a connected
	// engine.
	ErrNotConnected = errors.New("emotiva: not connected")

	// ErrClosingInProgress is returned by Connect when Close is in progress
	// or has completed.
	ErrClosingInProgress = errors.New("emotiva: close in progress")

	// ErrKeepaliveLost is reported via OnConnection when the keepalive
	// monitor expires.
	ErrKeepaliveLost = errors.New("emotiva: keepalive lost")

	// ErrDeviceGoodbye is reported via OnConnection when the device sends
	// an explicit goodbye notification.
	ErrDeviceGoodbye = errors.New("emotiva: device sent goodbye")

	// errNotUDPConn is an internal error used by setBroadcast.
	errNotUDPConn = errors.New("emotiva: not a *net.UDPConn")
)

// ErrPortBindFailed is returned when the Socket Manager cannot bind an
// endpoint. Fatal for the engine.
type ErrPortBindFailed struct {
	Role  EndpointRole
	Port  uint16
	Cause error
}

func (e *ErrPortBindFailed) Error() string {
	return fmt.Sprintf("emotiva: bind failed for role %s port %d: %v", e.Role, e.Port, e.Cause)
}

func (e *ErrPortBindFailed) Unwrap() error { return e.Cause }

// ErrInvalidHost is returned when EngineConfig.Host cannot be parsed into a
// network address.
type ErrInvalidHost struct {
	Host  string
	Cause error
}

func (e *ErrInvalidHost) Error() string {
	return fmt.Sprintf("emotiva: invalid host %q: %v", e.Host, e.Cause)
}

func (e *ErrInvalidHost) Unwrap() error { return e.Cause }

// ErrSendFailed is returned when a send on a Socket Manager endpoint fails.
type ErrSendFailed struct {
	Role  EndpointRole
	Cause error
}

func (e *ErrSendFailed) Error() string {
	return fmt.Sprintf("emotiva: send failed on role %s: %v", e.Role, e.Cause)
}

func (e *ErrSendFailed) Unwrap() error { return e.Cause }

// ErrRecvTimeout is returned when a receive on a Socket Manager endpoint
// exceeds its deadline.
type ErrRecvTimeout struct {
	Role EndpointRole
}

func (e *ErrRecvTimeout) Error() string {
	return fmt.Sprintf("emotiva: recv timeout on role %s", e.Role)
}

// ErrDiscoveryMalformed is returned when a discovery response cannot be
// parsed into a DeviceDescriptor.
type ErrDiscoveryMalformed struct {
	Cause error
}

func (e *ErrDiscoveryMalformed) Error() string {
	return fmt.Sprintf("emotiva: malformed discovery response: %v", e.Cause)
}

func (e *ErrDiscoveryMalformed) Unwrap() error { return e.Cause }

// ErrXMLTooLarge is returned when an inbound payload exceeds MaxXMLBytes.
// No decode is attempted.
type ErrXMLTooLarge struct {
	Size int
	Max  int
}

func (e *ErrXMLTooLarge) Error() string {
	return fmt.Sprintf("emotiva: xml payload too large: %d bytes (max %d)", e.Size, e.Max)
}

// ErrXMLMalformed is returned when a payload fails to parse as XML. Snippet
// carries up to 200 bytes of the offending payload for diagnostics.
type ErrXMLMalformed struct {
	Snippet []byte
	Cause   error
}

func (e *ErrXMLMalformed) Error() string {
	return fmt.Sprintf("emotiva: malformed xml: %v (snippet=%q)", e.Cause, e.Snippet)
}

func (e *ErrXMLMalformed) Unwrap() error { return e.Cause }

// ErrUnknownRoot is returned when a parsed XML document's root element is
// not in the recognised set. Non-fatal; callers may log and drop.
type ErrUnknownRoot struct {
	Root string
}

func (e *ErrUnknownRoot) Error() string {
	return fmt.Sprintf("emotiva: unknown root element %q", e.Root)
}

// ErrAckTimeout is returned when a command's ack does not arrive within
// budget after all retries.
type ErrAckTimeout struct {
	Name string
}

func (e *ErrAckTimeout) Error() string {
	return fmt.Sprintf("emotiva: ack timeout for %q", e.Name)
}

// ErrNak is returned when the device responds to a command with status nak.
type ErrNak struct {
	Name string
}

func (e *ErrNak) Error() string {
	return fmt.Sprintf("emotiva: nak for %q", e.Name)
}

// ErrUnexpectedResponse is returned when a control-channel response's root
// element does not match any expected shape for the outstanding requests.
type ErrUnexpectedResponse struct {
	Root string
}

func (e *ErrUnexpectedResponse) Error() string {
	return fmt.Sprintf("emotiva: unexpected response root %q", e.Root)
}

// ErrCallbackTimeout is recorded (never returned to a public API caller)
// when a user callback exceeds CallbackTimeout.
type ErrCallbackTimeout struct {
	Name string
}

func (e *ErrCallbackTimeout) Error() string {
	return fmt.Sprintf("emotiva: callback timeout for %q", e.Name)
}

// ErrCallbackPanicked is recorded when a user callback panics. The
// dispatcher recovers the panic and isolates it; it never propagates.
type ErrCallbackPanicked struct {
	Name      string
	Recovered any
}

func (e *ErrCallbackPanicked) Error() string {
	return fmt.Sprintf("emotiva: callback panicked for %q: %v", e.Name, e.Recovered)
}
