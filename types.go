// SPDX-License-Identifier: GPL-3.0-or-later

package emotiva

import "time"

// EndpointRole identifies one of the four UDP endpoints owned by the
// Socket Manager.
type EndpointRole string

const (
	// RoleDiscoverReq is the outbound broadcast-ping endpoint.
	RoleDiscoverReq EndpointRole = "discover_req"

	// RoleDiscoverResp is the inbound discovery-response endpoint.
	RoleDiscoverResp EndpointRole = "discover_resp"

	// RoleControl is the bidirectional command/ack endpoint.
	RoleControl EndpointRole = "control"

	// RoleNotify is the inbound notification endpoint.
	RoleNotify EndpointRole = "notify"
)

// ProtocolVersion is one of the wire-protocol versions this engine speaks.
type ProtocolVersion string

const (
	ProtocolV2_0 ProtocolVersion = "2.0"
	ProtocolV3_0 ProtocolVersion = "3.0"
	ProtocolV3_1 ProtocolVersion = "3.1"
)

// DeviceDescriptor is the immutable result of a successful discovery.
type DeviceDescriptor struct {
	Model               string
	Revision            string
	Name                string
	ProtocolVersion     ProtocolVersion
	ControlPort         uint16
	NotifyPort          uint16
	KeepaliveIntervalMs uint32
}

// PropertyName identifies a device property. The core treats it as an
// opaque key; it performs no semantic validation.
type PropertyName string

// AckStatus is the outcome of a single command or subscription entry.
type AckStatus string

const (
	StatusAck AckStatus = "ack"
	StatusNak AckStatus = "nak"
)

// Command is a single control-channel command to send to the device.
type Command struct {
	Name        string
	Value       string
	AckRequired bool
}

// AckResult is the outcome of one command within an emotivaAck frame.
type AckResult struct {
	Name   string
	Status AckStatus
}

// PropertyEvent is a single property-change notification produced by the
// Dispatcher.
type PropertyEvent struct {
	Name    PropertyName
	Value   string
	Visible bool
	Seq     uint32
}

// SubscribeResult is the per-name outcome of a subscribe/unsubscribe
// round-trip.
type SubscribeResult struct {
	Status       AckStatus
	InitialValue string
}

// ConnectionState is the Controller Facade's lifecycle state.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDegraded
	StateClosing
	StateClosed
)

// String implements [fmt.Stringer].
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionEvent describes a single connection-state transition surfaced
// to [ConnectionCallback] registrations.
type ConnectionEvent struct {
	State ConnectionState
	Err   error
}

// PropertyCallback receives property-change events. Implementations must
// return promptly; the Dispatcher enforces [EngineConfig.CallbackTimeout].
type PropertyCallback func(PropertyEvent)

// ConnectionCallback receives connection-state transitions.
type ConnectionCallback func(ConnectionEvent)

// Registration is an opaque handle for a callback registered via
// [*Engine.OnProperty], [*Engine.OnWildcard], or [*Engine.OnConnection].
// Call [*Registration.Unregister] to remove it.
type Registration struct {
	unregister func()
}

// Unregister removes the associated callback. Safe to call more than once.
func (r *Registration) Unregister() {
	if r == nil || r.unregister == nil {
		return
	}
	r.unregister()
}

// EngineStats is a point-in-time snapshot of observable engine counters,
// exposed via [*Engine.Stats].
type EngineStats struct {
	State                ConnectionState
	NotificationsDropped uint64
	SequenceGaps         uint64
	UnknownRoots         uint64
}

// EngineConfig is the caller-provided configuration for an [Engine].
//
// Zero-valued optional fields are filled in with the documented defaults by
// [New]; only Host is required.
type EngineConfig struct {
	// Host is the device's IP address literal; hostnames are rejected with
	// [ErrInvalidHost]. Required.
	Host string

	// ProtocolPref is the protocol version advertised in discovery pings.
	// Defaults to "3.1".
	ProtocolPref ProtocolVersion

	// DiscoverRequestPort is the broadcast destination port of emotivaPing;
	// the sending socket uses an ephemeral local port. Defaults to 7000.
	DiscoverRequestPort uint16

	// DiscoverResponsePort is the local port bound to receive
	// emotivaTransponder. Defaults to 7001.
	DiscoverResponsePort uint16

	// AckTimeout bounds a single command/ack receive window. Defaults to 2s.
	AckTimeout time.Duration

	// MaxRetries bounds retransmissions for discovery and commands.
	// Defaults to 3.
	MaxRetries int

	// RetryBase is the base delay for exponential backoff. Defaults to 100ms.
	RetryBase time.Duration

	// RetryMax clamps backoff delay, and is reused as the inter-attempt cap
	// for Controller reconnection. Defaults to 2s.
	RetryMax time.Duration

	// MaxConcurrentCommands bounds in-flight control-channel requests.
	// Defaults to 5.
	MaxConcurrentCommands int

	// CallbackTimeout bounds a single callback invocation. Defaults to 5s.
	CallbackTimeout time.Duration

	// KeepaliveGrace is added to the device-advertised keepalive interval
	// before the liveness monitor considers the device lost. Defaults to 5s.
	KeepaliveGrace time.Duration

	// MaxXMLBytes bounds the size of any inbound datagram eligible for
	// parsing. Defaults to 65536.
	MaxXMLBytes int

	// DefaultSubscriptions is replayed after every successful connect
	// (initial or reconnect).
	DefaultSubscriptions []PropertyName
}

// withDefaults returns a copy of cfg with zero-valued optional fields
// filled in with their documented defaults.
func (cfg EngineConfig) withDefaults() EngineConfig {
	out := cfg
	if out.ProtocolPref == "" {
		out.ProtocolPref = ProtocolV3_1
	}
	if out.DiscoverRequestPort == 0 {
		out.DiscoverRequestPort = 7000
	}
	if out.DiscoverResponsePort == 0 {
		out.DiscoverResponsePort = 7001
	}
	if out.AckTimeout == 0 {
		out.AckTimeout = 2000 * time.Millisecond
	}
	if out.MaxRetries == 0 {
		out.MaxRetries = 3
	}
	if out.RetryBase == 0 {
		out.RetryBase = 100 * time.Millisecond
	}
	if out.RetryMax == 0 {
		out.RetryMax = 2000 * time.Millisecond
	}
	if out.MaxConcurrentCommands == 0 {
		out.MaxConcurrentCommands = 5
	}
	if out.CallbackTimeout == 0 {
		out.CallbackTimeout = 5000 * time.Millisecond
	}
	if out.KeepaliveGrace == 0 {
		out.KeepaliveGrace = 5000 * time.Millisecond
	}
	if out.MaxXMLBytes == 0 {
		out.MaxXMLBytes = 65536
	}
	return out
}
