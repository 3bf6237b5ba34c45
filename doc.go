// SPDX-License-Identifier: GPL-3.0-or-later

// Package emotiva implements an asynchronous client for Emotiva XMC-series
// A/V processors over their UDP-based XML LAN control protocol (versions
// 2.0, 3.0, and 3.1).
//
// # Core Abstraction
//
// The public surface is a single [*Engine], constructed with [New]:
//
//	e := emotiva.New(emotiva.EngineConfig{Host: "192.168.1.50"}, logger)
//	descriptor, err := e.Connect(ctx)
//	ack, err := e.SendCommand(ctx, "power_on", "", true)
//	e.OnProperty("volume", func(ev emotiva.PropertyEvent) { ... })
//	defer e.Close()
//
// Internally the Engine composes six components, each owning one part of
// the protocol:
//
//   - [Codec]: stateless XML encode/decode for the ten recognised frame
//     shapes (transponder, ack, notify, subscription, unsubscribe, update,
//     menu/bar notify, keepalive, goodbye), normalising both the legacy
//     v2.0 tag-name-as-property shape and the v3.x `name=` attribute shape
//     to one [FrameProperty] representation.
//   - [*SocketManager]: owns the four UDP endpoints (discover_req,
//     discover_resp, control, notify), each with one owned reader goroutine
//     publishing into a bounded, drop-oldest-on-overflow queue.
//   - [*Discovery]: broadcasts `emotivaPing` and awaits `emotivaTransponder`,
//     retrying with exponential backoff and jitter.
//   - [*ProtocolEngine]: serialises commands, subscribe/unsubscribe, and
//     update requests onto the control endpoint, correlating responses FIFO
//     against a semaphore-bounded set of in-flight requests.
//   - [*Dispatcher]: fans decoded `emotivaNotify` frames out to registered
//     [PropertyCallback]s, tracking sequence gaps and enforcing a
//     per-callback timeout with panic isolation.
//   - [*KeepaliveMonitor]: arms a timer for the device-advertised keepalive
//     interval plus a grace period; expiry or an explicit goodbye degrades
//     the connection and triggers reconnection.
//
// These types are exported, but [*Engine] is the entry point that wires
// them together; [Codec] in particular is also usable standalone for
// offline frame inspection.
//
// # Connection Lifecycle
//
// [*Engine] is a state machine: Disconnected -> Connecting -> Connected ->
// Degraded -> Closing -> Closed. [*Engine.Connect] is single-flight:
// concurrent callers observe the identical outcome of one discovery
// exchange. A keepalive timeout or device goodbye moves Connected to
// Degraded and starts a reconnection loop that re-discovers the device,
// rebinds control/notify, and replays the authoritative Subscription Set.
// [*Engine.Close] is idempotent: it cancels the context shared by every
// subordinate goroutine, stops the socket readers, and drains in-flight
// callbacks with a bounded wait before returning. The control reader,
// notify reader, dispatcher loop, and keepalive monitor are not awaited;
// they exit once they observe the cancellation.
//
// # Observability
//
// Every component logs through [SLogger] (compatible with [log/slog]); the
// default is a no-op logger. Two levels are used throughout:
//
//   - Info for lifecycle and protocol events (discover, connect, ack/nak,
//     subscribe, keepalive, connection state changes).
//   - Debug for per-I/O events (datagram send/recv, retry attempts,
//     deadline changes).
//
// Error classification for log fields goes through [ErrClassifier]; this is
// observability metadata, distinct from the typed-error taxonomy in
// errors.go that callers branch on with errors.As/errors.Is.
//
// [NewSpanID] mints a UUIDv7 span identifier; [*Discovery] attaches one to
// every log line of a single discovery run.
//
// # Timeout and Context Philosophy
//
// Every blocking Engine operation accepts a context.Context and is
// cancellation-safe: cancelling a SendCommand/Subscribe/RequestUpdate call
// releases its concurrency-limiting semaphore slot and discards its pending
// response slot within O(1); a response that arrives afterward is held as
// an unmatched response for up to 200 ms and then dropped with a log record.
package emotiva
