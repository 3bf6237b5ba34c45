//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: connect.go (single-flight connect pattern: first caller
// installs a result holder and a close-on-completion channel; later callers
// wait on it)
//

package emotiva

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

type connectAttempt struct {
	done   chan struct{}
	result DeviceDescriptor
	err    error
}

type closeAttempt struct {
	done chan struct{}
	err  error
}

type connRegistration struct {
	id       uint64
	callback ConnectionCallback
}

// Engine is the public Controller Facade: a single *Engine owns discovery,
// the Socket Manager, the Protocol Engine, the Dispatcher, and the Keepalive
// Monitor, and presents one connect/command/subscribe/callback API.
type Engine struct {
	cfg     EngineConfig
	logger  SLogger
	timeNow func() time.Time

	// dispatcher holds user callback registrations and outlives any single
	// connected lifecycle, so registrations survive reconnection.
	dispatcher *Dispatcher

	mu              sync.Mutex
	state           ConnectionState
	descriptor      DeviceDescriptor
	sm              *SocketManager
	protocol        *ProtocolEngine
	keepalive       *KeepaliveMonitor
	lifecycleCancel context.CancelFunc

	connectAttempt *connectAttempt
	closeAttempt   *closeAttempt

	connMu     sync.RWMutex
	connRegs   []*connRegistration
	nextConnID atomic.Uint64

	// subscriptionSet is the Controller-owned authoritative Subscription
	// Set, replayed after every successful (re)connect. Distinct from the
	// Protocol Engine's per-connection dedup set.
	subsMu          sync.Mutex
	subscriptionSet map[PropertyName]struct{}
}

// New returns a new, not-yet-connected [*Engine]. Zero-valued optional
// fields of cfg are filled in with documented defaults.
func New(cfg EngineConfig, logger SLogger) *Engine {
	if logger == nil {
		logger = DefaultSLogger()
	}
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:             cfg,
		logger:          logger,
		timeNow:         time.Now,
		state:           StateDisconnected,
		dispatcher:      NewDispatcher(cfg, logger),
		subscriptionSet: make(map[PropertyName]struct{}),
	}
}

// State returns the current connection state.
func (e *Engine) State() ConnectionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Stats returns a snapshot of observable engine counters.
func (e *Engine) Stats() EngineStats {
	dropped, gaps, unknown := e.dispatcher.Stats()
	return EngineStats{
		State:                e.State(),
		NotificationsDropped: dropped,
		SequenceGaps:         gaps,
		UnknownRoots:         unknown,
	}
}

// Connect discovers the device and establishes the control/notify endpoints.
// Concurrent callers observe the same outcome (single-flight). Calling
// Connect while already Connected is a no-op returning [ErrAlreadyConnected].
func (e *Engine) Connect(ctx context.Context) (DeviceDescriptor, error) {
	e.mu.Lock()
	switch e.state {
	case StateConnected:
		d := e.descriptor
		e.mu.Unlock()
		return d, ErrAlreadyConnected
	case StateClosing, StateClosed:
		e.mu.Unlock()
		return DeviceDescriptor{}, ErrClosingInProgress
	}
	if e.connectAttempt != nil {
		attempt := e.connectAttempt
		e.mu.Unlock()
		select {
		case <-attempt.done:
			return attempt.result, attempt.err
		case <-ctx.Done():
			return DeviceDescriptor{}, ctx.Err()
		}
	}
	attempt := &connectAttempt{done: make(chan struct{})}
	e.connectAttempt = attempt
	e.state = StateConnecting
	e.mu.Unlock()

	descriptor, err := e.doConnect(ctx)

	e.mu.Lock()
	attempt.result, attempt.err = descriptor, err
	if err != nil {
		e.state = StateDisconnected
	} else {
		e.state = StateConnected
		e.descriptor = descriptor
	}
	e.connectAttempt = nil
	e.mu.Unlock()
	close(attempt.done)

	e.emitConnection(ConnectionEvent{State: e.State(), Err: err})
	return descriptor, err
}

// doConnect performs discovery, binds control/notify, and starts the
// subordinate components. On success it installs a fresh lifecycle context
// shared by every subordinate goroutine.
func (e *Engine) doConnect(ctx context.Context) (DeviceDescriptor, error) {
	discSM := NewSocketManager(newConfig(), e.logger)
	if err := discSM.Start(ctx, []endpointConfig{
		{Role: RoleDiscoverReq, LocalAddr: "0.0.0.0:0", Port: e.cfg.DiscoverRequestPort, Broadcast: true},
		{Role: RoleDiscoverResp, LocalAddr: fmt.Sprintf("0.0.0.0:%d", e.cfg.DiscoverResponsePort), Port: e.cfg.DiscoverResponsePort},
	}); err != nil {
		return DeviceDescriptor{}, err
	}

	disc := NewDiscovery(discSM, e.cfg, e.logger, e.timeNow)
	descriptor, err := disc.Run(ctx)
	discSM.Stop()
	if err != nil {
		return DeviceDescriptor{}, err
	}

	controlPort := descriptor.ControlPort
	if controlPort == 0 {
		controlPort = 7002
	}
	notifyPort := descriptor.NotifyPort
	if notifyPort == 0 {
		notifyPort = 7003
	}

	controlRemote, err := resolveRemoteEndpoint(ctx, e.cfg.Host, controlPort)
	if err != nil {
		return DeviceDescriptor{}, err
	}
	notifyRemote, err := resolveRemoteEndpoint(ctx, e.cfg.Host, notifyPort)
	if err != nil {
		return DeviceDescriptor{}, err
	}

	lifecycleCtx, cancel := context.WithCancel(context.Background())

	sm := NewSocketManager(newConfig(), e.logger)
	if err := sm.Start(lifecycleCtx, []endpointConfig{
		{Role: RoleControl, LocalAddr: "0.0.0.0:0", Port: controlPort, RemoteAddr: controlRemote},
		{Role: RoleNotify, LocalAddr: fmt.Sprintf("0.0.0.0:%d", notifyPort), Port: notifyPort, RemoteAddr: notifyRemote},
	}); err != nil {
		cancel()
		return DeviceDescriptor{}, err
	}

	protocol := NewProtocolEngine(sm, e.cfg, e.logger, e.timeNow)
	keepaliveInterval := time.Duration(descriptor.KeepaliveIntervalMs)*time.Millisecond + e.cfg.KeepaliveGrace
	keepalive := NewKeepaliveMonitor(keepaliveInterval, e.onKeepaliveLost)

	go protocol.Run(lifecycleCtx)
	go e.dispatcher.Run(lifecycleCtx)
	go keepalive.Run(lifecycleCtx)
	go e.notifyReader(lifecycleCtx, sm, keepalive)

	e.mu.Lock()
	e.sm = sm
	e.protocol = protocol
	e.keepalive = keepalive
	e.lifecycleCancel = cancel
	e.mu.Unlock()

	if len(e.cfg.DefaultSubscriptions) > 0 {
		if res, err := protocol.Subscribe(ctx, e.cfg.DefaultSubscriptions); err != nil {
			e.logger.Info("defaultSubscriptionFailed", slog.Any("err", err))
		} else {
			e.subsMu.Lock()
			for n, r := range res {
				if r.Status == StatusAck {
					e.subscriptionSet[n] = struct{}{}
				}
			}
			e.subsMu.Unlock()
		}
	}

	return descriptor, nil
}

// notifyReader continuously decodes notify-endpoint frames and routes them
// to the Keepalive Monitor (keepAlive/goodbye) or the Dispatcher (everything
// else).
func (e *Engine) notifyReader(ctx context.Context, sm *SocketManager, keepalive *KeepaliveMonitor) {
	codec := Codec{}
	for {
		dg, err := sm.Recv(ctx, RoleNotify, 0)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, ErrNotRunning) {
				return
			}
			continue
		}
		frame, err := codec.Decode(dg.Data, e.cfg.MaxXMLBytes)
		if err != nil {
			e.logger.Info("notifyMalformedFrame", slog.Any("err", err))
			continue
		}
		switch frame.Kind {
		case FrameKeepAlive, FrameGoodbye:
			keepalive.HandleFrame(frame)
		default:
			e.dispatcher.HandleFrame(frame)
		}
	}
}

// onKeepaliveLost transitions Connected -> Degraded and starts reconnection.
// Called at most once per connected lifecycle (the Keepalive Monitor itself
// only fires once).
func (e *Engine) onKeepaliveLost(err error) {
	e.mu.Lock()
	if e.state != StateConnected {
		e.mu.Unlock()
		return
	}
	e.state = StateDegraded
	e.mu.Unlock()

	e.emitConnection(ConnectionEvent{State: StateDegraded, Err: err})
	go e.reconnectLoop()
}

// reconnectLoop retries discovery + reconnect with exponential backoff
// (capped at RetryMax, per the Open Question resolution recorded in
// DESIGN.md) until it succeeds or Close is called.
func (e *Engine) reconnectLoop() {
	for attempt := 0; ; attempt++ {
		e.mu.Lock()
		closing := e.state == StateClosing || e.state == StateClosed
		e.mu.Unlock()
		if closing {
			return
		}

		time.Sleep(backoffNext(attempt, e.cfg.RetryBase, e.cfg.RetryMax))

		e.teardownConnectedState()

		ctx := context.Background()
		descriptor, err := e.doConnect(ctx)
		if err != nil {
			e.logger.Info("reconnectFailed", slog.Any("err", err), slog.Int("attempt", attempt))
			continue
		}

		e.mu.Lock()
		e.state = StateConnected
		e.descriptor = descriptor
		e.mu.Unlock()

		e.replaySubscriptionSet(ctx)
		e.emitConnection(ConnectionEvent{State: StateConnected})
		return
	}
}

// replaySubscriptionSet re-subscribes to the authoritative Subscription Set
// on a freshly (re)connected Protocol Engine, then re-establishes current
// values via request_update.
func (e *Engine) replaySubscriptionSet(ctx context.Context) {
	e.subsMu.Lock()
	names := make([]PropertyName, 0, len(e.subscriptionSet))
	for n := range e.subscriptionSet {
		names = append(names, n)
	}
	e.subsMu.Unlock()
	if len(names) == 0 {
		return
	}

	e.mu.Lock()
	protocol := e.protocol
	e.mu.Unlock()
	if protocol == nil {
		return
	}

	if _, err := protocol.Subscribe(ctx, names); err != nil {
		e.logger.Info("resubscribeFailed", slog.Any("err", err))
		return
	}
	if _, err := protocol.RequestUpdate(ctx, names); err != nil {
		e.logger.Info("postReconnectUpdateFailed", slog.Any("err", err))
	}
}

// requireConnected returns the active Protocol Engine, or [ErrNotConnected]
// if the engine is not in the Connected state.
func (e *Engine) requireConnected() (*ProtocolEngine, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateConnected || e.protocol == nil {
		return nil, ErrNotConnected
	}
	return e.protocol, nil
}

// SendCommand sends a single command on the control endpoint.
func (e *Engine) SendCommand(ctx context.Context, name, value string, ackRequired bool) (AckResult, error) {
	protocol, err := e.requireConnected()
	if err != nil {
		return AckResult{}, err
	}
	return protocol.SendCommand(ctx, name, value, ackRequired)
}

// SendCommands batches multiple commands into one control frame.
func (e *Engine) SendCommands(ctx context.Context, cmds []Command) ([]AckResult, error) {
	protocol, err := e.requireConnected()
	if err != nil {
		return nil, err
	}
	return protocol.SendCommands(ctx, cmds)
}

// Subscribe adds names to the authoritative Subscription Set and sends a
// wire subscribe request for any not already subscribed.
func (e *Engine) Subscribe(ctx context.Context, names []PropertyName) (map[PropertyName]SubscribeResult, error) {
	protocol, err := e.requireConnected()
	if err != nil {
		return nil, err
	}
	result, err := protocol.Subscribe(ctx, names)
	if err != nil {
		return nil, err
	}
	e.subsMu.Lock()
	for n, r := range result {
		if r.Status == StatusAck {
			e.subscriptionSet[n] = struct{}{}
		}
	}
	e.subsMu.Unlock()
	return result, nil
}

// Unsubscribe removes names from the authoritative Subscription Set on ack.
func (e *Engine) Unsubscribe(ctx context.Context, names []PropertyName) (map[PropertyName]SubscribeResult, error) {
	protocol, err := e.requireConnected()
	if err != nil {
		return nil, err
	}
	result, err := protocol.Unsubscribe(ctx, names)
	if err != nil {
		return nil, err
	}
	e.subsMu.Lock()
	for n, r := range result {
		if r.Status == StatusAck {
			delete(e.subscriptionSet, n)
		}
	}
	e.subsMu.Unlock()
	return result, nil
}

// RequestUpdate requests current values for names without subscribing.
func (e *Engine) RequestUpdate(ctx context.Context, names []PropertyName) (map[PropertyName]string, error) {
	protocol, err := e.requireConnected()
	if err != nil {
		return nil, err
	}
	return protocol.RequestUpdate(ctx, names)
}

// OnProperty registers cb for property name. The registration survives
// reconnection.
func (e *Engine) OnProperty(name PropertyName, cb PropertyCallback) *Registration {
	return e.dispatcher.OnProperty(name, cb)
}

// OnWildcard registers cb for every property.
func (e *Engine) OnWildcard(cb PropertyCallback) *Registration {
	return e.dispatcher.OnWildcard(cb)
}

// OnConnection registers cb for connection-state transitions.
func (e *Engine) OnConnection(cb ConnectionCallback) *Registration {
	reg := &connRegistration{id: e.nextConnID.Add(1), callback: cb}
	e.connMu.Lock()
	e.connRegs = append(e.connRegs, reg)
	e.connMu.Unlock()
	return &Registration{unregister: func() {
		e.connMu.Lock()
		defer e.connMu.Unlock()
		out := e.connRegs[:0]
		for _, r := range e.connRegs {
			if r.id != reg.id {
				out = append(out, r)
			}
		}
		e.connRegs = out
	}}
}

func (e *Engine) emitConnection(ev ConnectionEvent) {
	e.connMu.RLock()
	regs := make([]*connRegistration, len(e.connRegs))
	copy(regs, e.connRegs)
	e.connMu.RUnlock()
	for _, r := range regs {
		r := r
		go func() {
			defer func() { recover() }()
			r.callback(ev)
		}()
	}
}

// teardownConnectedState cancels the current lifecycle and stops the
// Socket Manager. Safe to call when nothing is connected. The Dispatcher is
// deliberately left running: its registrations outlive any one connection.
func (e *Engine) teardownConnectedState() {
	e.mu.Lock()
	cancel := e.lifecycleCancel
	sm := e.sm
	e.lifecycleCancel = nil
	e.sm = nil
	e.protocol = nil
	e.keepalive = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sm != nil {
		sm.Stop()
	}
}

// Close is idempotent; concurrent callers merge into a single shutdown.
// It cancels every subtask, stops the Socket Manager, and drains the
// Dispatcher with a bounded deadline.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.state == StateClosed {
		e.mu.Unlock()
		return nil
	}
	if e.closeAttempt != nil {
		attempt := e.closeAttempt
		e.mu.Unlock()
		<-attempt.done
		return attempt.err
	}
	attempt := &closeAttempt{done: make(chan struct{})}
	e.closeAttempt = attempt
	e.state = StateClosing
	e.mu.Unlock()

	e.teardownConnectedState()
	err := e.dispatcher.Close()

	e.mu.Lock()
	e.state = StateClosed
	e.closeAttempt = nil
	e.mu.Unlock()

	attempt.err = err
	close(attempt.done)

	e.emitConnection(ConnectionEvent{State: StateClosed})
	return err
}

// resolveRemoteEndpoint builds the device's remote [*net.UDPAddr] for a given
// port, going through [NewEndpointFunc] rather than constructing the address
// by hand so that endpoint construction stays a composable [Func] the way
// the rest of the pipeline is.
func resolveRemoteEndpoint(ctx context.Context, host string, port uint16) (*net.UDPAddr, error) {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil, &ErrInvalidHost{Host: host, Cause: err}
	}
	fn := NewEndpointFunc(netip.AddrPortFrom(addr, port))
	endpoint, err := fn.Call(ctx, Unit{})
	if err != nil {
		return nil, err
	}
	return net.UDPAddrFromAddrPort(endpoint), nil
}
