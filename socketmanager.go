// SPDX-License-Identifier: GPL-3.0-or-later

package emotiva

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// socketQueueCapacity is the bounded capacity of each endpoint's inbound
// queue. On overflow the oldest frame is dropped and a counter incremented,
// per the Socket Manager's documented backpressure policy.
const socketQueueCapacity = 64

// maxDatagramSize bounds the read buffer used for every endpoint; this is
// independent of (and larger than) EngineConfig.MaxXMLBytes, which governs
// whether the XML Codec attempts to parse a given payload.
const maxDatagramSize = 65536

// newSetBroadcastFunc adapts setBroadcast into a [Func] stage so it can be
// composed into the bind pipeline for endpoints that need SO_BROADCAST (the
// discover_req endpoint, currently the only one). It must run on the raw
// bound connection, before observeFn wraps it, since setBroadcast requires
// unwrapping to *net.UDPConn.
func newSetBroadcastFunc() Func[net.PacketConn, net.PacketConn] {
	return FuncAdapter[net.PacketConn, net.PacketConn](func(_ context.Context, conn net.PacketConn) (net.PacketConn, error) {
		if err := setBroadcast(conn); err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil
	})
}

// inboundDatagram is one received datagram, tagged with its source address.
type inboundDatagram struct {
	Data []byte
	Addr net.Addr
}

// endpointConfig describes one UDP endpoint to bind in [*SocketManager.Start].
type endpointConfig struct {
	Role EndpointRole

	// LocalAddr is passed to [PacketListener.ListenPacket], e.g. "0.0.0.0:7001".
	LocalAddr string

	// Port is recorded only for error reporting ([ErrPortBindFailed]).
	Port uint16

	// RemoteAddr is the default destination for [*SocketManager.Send] when
	// no per-call override is given. nil for inbound-only roles.
	RemoteAddr net.Addr

	// Broadcast enables SO_BROADCAST on the bound socket (discover_req only).
	Broadcast bool
}

// endpointState is the running state of one bound endpoint.
type endpointState struct {
	role       EndpointRole
	conn       net.PacketConn
	remoteAddr net.Addr
	queue      chan inboundDatagram
	dropped    atomic.Uint64
}

// publish delivers dg to the endpoint's queue, dropping the oldest queued
// frame (and incrementing dropped) if the queue is full.
func (st *endpointState) publish(dg inboundDatagram) {
	select {
	case st.queue <- dg:
		return
	default:
	}
	select {
	case <-st.queue:
		st.dropped.Add(1)
	default:
	}
	select {
	case st.queue <- dg:
	default:
	}
}

// SocketManager owns the engine's UDP endpoints: discover_req, discover_resp,
// control, and notify. Start/Stop are serialised and idempotent. Each
// endpoint has exactly one owned reader task publishing into a bounded,
// drop-oldest-on-overflow queue.
type SocketManager struct {
	cfg    *config
	logger SLogger

	mu        sync.Mutex
	running   bool
	endpoints map[EndpointRole]*endpointState
	group     *errgroup.Group
}

// NewSocketManager returns a new, not-yet-started [*SocketManager].
func NewSocketManager(cfg *config, logger SLogger) *SocketManager {
	return &SocketManager{cfg: cfg, logger: logger}
}

// Start binds every endpoint in endpoints and launches one reader task per
// endpoint. Calling Start while already running is a no-op (idempotent).
//
// On any bind failure, every endpoint bound so far in this call is closed
// and the error is returned; the manager remains stopped.
func (sm *SocketManager) Start(ctx context.Context, endpoints []endpointConfig) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.running {
		return nil
	}

	group, groupCtx := errgroup.WithContext(ctx)

	bindFn := NewBindFunc(sm.cfg, sm.logger)
	observeFn := NewObservePacketFunc(sm.cfg, sm.logger)
	cancelFn := NewCancelWatchFunc()
	broadcastFn := newSetBroadcastFunc()

	plainPipeline := Compose3(bindFn, observeFn, cancelFn)
	broadcastPipeline := Compose4(bindFn, broadcastFn, observeFn, cancelFn)

	states := make(map[EndpointRole]*endpointState, len(endpoints))
	closeAll := func() {
		for _, st := range states {
			st.conn.Close()
		}
	}

	for _, ec := range endpoints {
		pipeline := plainPipeline
		if ec.Broadcast {
			pipeline = broadcastPipeline
		}
		conn, err := pipeline.Call(groupCtx, bindRequest{role: ec.Role, address: ec.LocalAddr})
		if err != nil {
			closeAll()
			return &ErrPortBindFailed{Role: ec.Role, Port: ec.Port, Cause: err}
		}

		states[ec.Role] = &endpointState{
			role:       ec.Role,
			conn:       conn,
			remoteAddr: ec.RemoteAddr,
			queue:      make(chan inboundDatagram, socketQueueCapacity),
		}
	}

	for _, st := range states {
		st := st
		group.Go(func() error {
			sm.readLoop(groupCtx, st)
			return nil
		})
	}

	sm.endpoints = states
	sm.group = group
	sm.running = true
	return nil
}

func (sm *SocketManager) readLoop(ctx context.Context, st *endpointState) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := st.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			sm.logger.Info("socketReadError",
				slog.String("role", string(st.role)),
				slog.Any("err", err),
				slog.String("errClass", sm.cfg.ErrClassifier.Classify(err)),
			)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])

		before := st.dropped.Load()
		st.publish(inboundDatagram{Data: data, Addr: addr})
		if after := st.dropped.Load(); after != before {
			sm.logger.Info("socketQueueOverflow",
				slog.String("role", string(st.role)),
				slog.Uint64("dropped", after),
			)
		}
	}
}

// Stop closes every endpoint and waits for all reader tasks to exit.
// Calling Stop when not running is a no-op (idempotent).
func (sm *SocketManager) Stop() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.running {
		return nil
	}

	for _, st := range sm.endpoints {
		st.conn.Close()
	}
	sm.group.Wait()

	sm.endpoints = nil
	sm.group = nil
	sm.running = false
	return nil
}

func (sm *SocketManager) endpointFor(role EndpointRole) (*endpointState, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if !sm.running {
		return nil, ErrNotRunning
	}
	st, ok := sm.endpoints[role]
	if !ok {
		return nil, ErrNotRunning
	}
	return st, nil
}

// Send writes one datagram on role's endpoint. If dest is nil, the
// endpoint's configured default remote address is used.
func (sm *SocketManager) Send(role EndpointRole, data []byte, dest net.Addr) error {
	st, err := sm.endpointFor(role)
	if err != nil {
		return err
	}
	addr := dest
	if addr == nil {
		addr = st.remoteAddr
	}
	if addr == nil {
		return &ErrSendFailed{Role: role, Cause: errors.New("no destination address configured")}
	}
	if _, err := st.conn.WriteTo(data, addr); err != nil {
		return &ErrSendFailed{Role: role, Cause: err}
	}
	return nil
}

// Recv waits for the next datagram on role's endpoint, up to timeout (0
// means no deadline beyond ctx). Returns [ErrRecvTimeout] on expiry.
func (sm *SocketManager) Recv(ctx context.Context, role EndpointRole, timeout time.Duration) (inboundDatagram, error) {
	st, err := sm.endpointFor(role)
	if err != nil {
		return inboundDatagram{}, err
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case dg := <-st.queue:
		return dg, nil
	case <-timeoutCh:
		return inboundDatagram{}, &ErrRecvTimeout{Role: role}
	case <-ctx.Done():
		return inboundDatagram{}, ctx.Err()
	}
}

// Dropped returns the number of frames dropped due to queue overflow on
// role's endpoint, or 0 if role is not currently bound.
func (sm *SocketManager) Dropped(role EndpointRole) uint64 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	st, ok := sm.endpoints[role]
	if !ok {
		return 0
	}
	return st.dropped.Load()
}
