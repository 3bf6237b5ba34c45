//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: func.go (ctx-threaded operation contract), ioansiran-opcua/monitor/subscription.go (pending-map idiom)
//

package emotiva

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// orphanWindow is how long an unmatched control-channel response is
// buffered before being dropped with a warning.
const orphanWindow = 200 * time.Millisecond

// pendingRequest is one outstanding control-channel round-trip awaiting a
// response for a set of names.
type pendingRequest struct {
	remaining map[string]struct{}
	results   map[string]FrameProperty
	resultCh  chan map[string]FrameProperty
	kind      FrameKind
}

// orphanEntry is a response property that arrived with no matching pending
// request, buffered in case a request registers shortly after. kind records
// the frame it arrived in so it can only satisfy a pending request of the
// same kind (an emotivaSubscription reply must not satisfy an outstanding
// emotivaAck wait for the same property name, and vice versa).
type orphanEntry struct {
	prop FrameProperty
	kind FrameKind
	at   time.Time
}

// ProtocolEngine serialises commands and subscription/update requests onto
// the control endpoint, correlates responses FIFO, and retries with
// backoff on timeout.
type ProtocolEngine struct {
	sm      *SocketManager
	codec   Codec
	cfg     EngineConfig
	logger  SLogger
	timeNow func() time.Time

	sem chan struct{}

	mu      sync.Mutex
	pending *list.List // of *pendingRequest, FIFO by arrival
	orphans map[string]orphanEntry

	subsMu sync.Mutex
	subs   map[PropertyName]struct{}
}

// NewProtocolEngine returns a new [*ProtocolEngine]. cfg must already have
// defaults applied.
func NewProtocolEngine(sm *SocketManager, cfg EngineConfig, logger SLogger, timeNow func() time.Time) *ProtocolEngine {
	return &ProtocolEngine{
		sm:      sm,
		codec:   Codec{},
		cfg:     cfg,
		logger:  logger,
		timeNow: timeNow,
		sem:     make(chan struct{}, cfg.MaxConcurrentCommands),
		pending: list.New(),
		orphans: make(map[string]orphanEntry),
		subs:    make(map[PropertyName]struct{}),
	}
}

// Run consumes the control endpoint until ctx is done or the Socket Manager
// stops. Intended to be launched as a goroutine by the Controller.
func (p *ProtocolEngine) Run(ctx context.Context) {
	for {
		dg, err := p.sm.Recv(ctx, RoleControl, 0)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrNotRunning) {
				return
			}
			continue
		}
		frame, err := p.codec.Decode(dg.Data, p.cfg.MaxXMLBytes)
		if err != nil {
			p.logger.Info("controlMalformedFrame", slog.Any("err", err))
			continue
		}
		switch frame.Kind {
		case FrameAck, FrameSubscription, FrameUnsubscribe, FrameUpdate:
			p.dispatch(frame)
		default:
			p.logger.Info("controlUnknownFrame", slog.Int("kind", int(frame.Kind)))
		}
	}
}

func (p *ProtocolEngine) dispatch(frame Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sweepOrphansLocked()

	for _, prop := range frame.Properties {
		matched := false
		for e := p.pending.Front(); e != nil; e = e.Next() {
			req := e.Value.(*pendingRequest)
			if req.kind != frame.Kind {
				continue
			}
			if _, want := req.remaining[string(prop.Name)]; !want {
				continue
			}
			req.results[string(prop.Name)] = prop
			delete(req.remaining, string(prop.Name))
			matched = true
			if len(req.remaining) == 0 {
				req.resultCh <- req.results
				p.pending.Remove(e)
			}
			break
		}
		if !matched {
			p.orphans[string(prop.Name)] = orphanEntry{prop: prop, kind: frame.Kind, at: p.timeNow()}
		}
	}
}

func (p *ProtocolEngine) sweepOrphansLocked() {
	cutoff := p.timeNow().Add(-orphanWindow)
	for name, o := range p.orphans {
		if o.at.Before(cutoff) {
			delete(p.orphans, name)
			p.logger.Info("controlUnmatchedResponseDropped", slog.String("name", name))
		}
	}
}

// registerPending adds req to the FIFO pending list, first satisfying it
// from any matching buffered orphans. Returns nil if req was fully
// satisfied immediately (no list element to track).
func (p *ProtocolEngine) registerPending(req *pendingRequest) *list.Element {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sweepOrphansLocked()

	for name := range req.remaining {
		if o, ok := p.orphans[name]; ok && o.kind == req.kind {
			req.results[name] = o.prop
			delete(req.remaining, name)
			delete(p.orphans, name)
		}
	}
	if len(req.remaining) == 0 {
		req.resultCh <- req.results
		return nil
	}
	return p.pending.PushBack(req)
}

func (p *ProtocolEngine) removePending(elem *list.Element) {
	if elem == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending.Remove(elem)
}

func (p *ProtocolEngine) acquire(ctx context.Context) error {
	select {
	case p.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *ProtocolEngine) release() {
	<-p.sem
}

// roundTrip sends a frame (rebuilt via encode on every retry) and awaits a
// response satisfying every name in names, retrying with backoff on
// per-attempt timeout. Cancellation releases the semaphore and discards the
// pending response slot in O(1); a response arriving after cancellation is
// buffered as an orphan and dropped with a controlUnmatchedResponseDropped
// log record once it is older than orphanWindow. If every attempt's send
// fails, the last send error is returned instead of [ErrAckTimeout].
func (p *ProtocolEngine) roundTrip(ctx context.Context, names []string, kind FrameKind, encode func() ([]byte, error)) (map[string]FrameProperty, error) {
	if err := p.acquire(ctx); err != nil {
		return nil, err
	}
	defer p.release()

	req := &pendingRequest{
		remaining: toSet(names),
		results:   make(map[string]FrameProperty, len(names)),
		resultCh:  make(chan map[string]FrameProperty, 1),
		kind:      kind,
	}
	elem := p.registerPending(req)
	if elem == nil {
		return <-req.resultCh, nil
	}

	var sendErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffNext(attempt-1, p.cfg.RetryBase, p.cfg.RetryMax)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				p.removePending(elem)
				return nil, ctx.Err()
			}
		}

		payload, err := encode()
		if err != nil {
			p.removePending(elem)
			return nil, err
		}
		if err := p.sm.Send(RoleControl, payload, nil); err != nil {
			sendErr = err
			continue
		}
		sendErr = nil

		select {
		case result := <-req.resultCh:
			return result, nil
		case <-time.After(p.cfg.AckTimeout):
			continue
		case <-ctx.Done():
			p.removePending(elem)
			return nil, ctx.Err()
		}
	}

	p.removePending(elem)
	if sendErr != nil {
		return nil, sendErr
	}
	return nil, &ErrAckTimeout{Name: strings.Join(names, ",")}
}

func toSet(names []string) map[string]struct{} {
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		out[n] = struct{}{}
	}
	return out
}

func propertyNamesToStrings(names []PropertyName) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = string(n)
	}
	return out
}

// SendCommand serialises and sends a single command. If ackRequired is
// false, it returns immediately after a successful send.
func (p *ProtocolEngine) SendCommand(ctx context.Context, name, value string, ackRequired bool) (AckResult, error) {
	if !ackRequired {
		if err := p.acquire(ctx); err != nil {
			return AckResult{}, err
		}
		defer p.release()
		payload, err := p.codec.EncodeControl([]Command{{Name: name, Value: value, AckRequired: false}})
		if err != nil {
			return AckResult{}, err
		}
		if err := p.sm.Send(RoleControl, payload, nil); err != nil {
			return AckResult{}, &ErrSendFailed{Role: RoleControl, Cause: err}
		}
		return AckResult{Name: name, Status: StatusAck}, nil
	}

	results, err := p.roundTrip(ctx, []string{name}, FrameAck, func() ([]byte, error) {
		return p.codec.EncodeControl([]Command{{Name: name, Value: value, AckRequired: true}})
	})
	if err != nil {
		return AckResult{}, err
	}
	prop, ok := results[name]
	if !ok {
		return AckResult{}, &ErrUnexpectedResponse{Root: "emotivaAck"}
	}
	status := prop.Status
	if status == "" {
		status = StatusAck
	}
	result := AckResult{Name: name, Status: status}
	if status == StatusNak {
		return result, &ErrNak{Name: name}
	}
	return result, nil
}

// SendCommands batches cmds into a single emotivaControl frame. Commands
// with AckRequired false resolve immediately with status ack; the rest
// await a single emotivaAck response matched by name, order-independent.
func (p *ProtocolEngine) SendCommands(ctx context.Context, cmds []Command) ([]AckResult, error) {
	var ackNames []string
	for _, c := range cmds {
		if c.AckRequired {
			ackNames = append(ackNames, c.Name)
		}
	}

	encode := func() ([]byte, error) { return p.codec.EncodeControl(cmds) }

	results := map[string]FrameProperty{}
	if len(ackNames) > 0 {
		r, err := p.roundTrip(ctx, ackNames, FrameAck, encode)
		if err != nil {
			return nil, err
		}
		results = r
	} else {
		if err := p.acquire(ctx); err != nil {
			return nil, err
		}
		payload, err := encode()
		if err != nil {
			p.release()
			return nil, err
		}
		sendErr := p.sm.Send(RoleControl, payload, nil)
		p.release()
		if sendErr != nil {
			return nil, &ErrSendFailed{Role: RoleControl, Cause: sendErr}
		}
	}

	out := make([]AckResult, 0, len(cmds))
	for _, c := range cmds {
		if !c.AckRequired {
			out = append(out, AckResult{Name: c.Name, Status: StatusAck})
			continue
		}
		prop, ok := results[c.Name]
		if !ok {
			out = append(out, AckResult{Name: c.Name})
			continue
		}
		status := prop.Status
		if status == "" {
			status = StatusAck
		}
		out = append(out, AckResult{Name: c.Name, Status: status})
	}
	return out, nil
}

// Subscribe sends a wire subscribe request only for names not already in
// the Subscription Set, merges the response, and updates the set on ack.
func (p *ProtocolEngine) Subscribe(ctx context.Context, names []PropertyName) (map[PropertyName]SubscribeResult, error) {
	p.subsMu.Lock()
	var toSend []PropertyName
	for _, n := range names {
		if _, ok := p.subs[n]; !ok {
			toSend = append(toSend, n)
		}
	}
	p.subsMu.Unlock()

	result := make(map[PropertyName]SubscribeResult, len(names))
	for _, n := range names {
		if _, pending := resultHasName(toSend, n); !pending {
			result[n] = SubscribeResult{Status: StatusAck}
		}
	}
	if len(toSend) == 0 {
		return result, nil
	}

	props, err := p.roundTrip(ctx, propertyNamesToStrings(toSend), FrameSubscription, func() ([]byte, error) {
		return p.codec.EncodeSubscription(p.cfg.ProtocolPref, toSend)
	})
	if err != nil {
		return nil, err
	}

	p.subsMu.Lock()
	for _, n := range toSend {
		prop, ok := props[string(n)]
		if ok && (prop.Status == StatusAck || prop.Status == "") {
			p.subs[n] = struct{}{}
			result[n] = SubscribeResult{Status: StatusAck, InitialValue: prop.Value}
		} else {
			result[n] = SubscribeResult{Status: StatusNak}
		}
	}
	p.subsMu.Unlock()

	return result, nil
}

// Unsubscribe is symmetric to Subscribe: ack removes the name from the
// Subscription Set.
func (p *ProtocolEngine) Unsubscribe(ctx context.Context, names []PropertyName) (map[PropertyName]SubscribeResult, error) {
	p.subsMu.Lock()
	var toSend []PropertyName
	for _, n := range names {
		if _, ok := p.subs[n]; ok {
			toSend = append(toSend, n)
		}
	}
	p.subsMu.Unlock()

	result := make(map[PropertyName]SubscribeResult, len(names))
	for _, n := range names {
		if _, pending := resultHasName(toSend, n); !pending {
			result[n] = SubscribeResult{Status: StatusAck}
		}
	}
	if len(toSend) == 0 {
		return result, nil
	}

	props, err := p.roundTrip(ctx, propertyNamesToStrings(toSend), FrameUnsubscribe, func() ([]byte, error) {
		return p.codec.EncodeUnsubscribe(p.cfg.ProtocolPref, toSend)
	})
	if err != nil {
		return nil, err
	}

	p.subsMu.Lock()
	for _, n := range toSend {
		prop, ok := props[string(n)]
		status := StatusAck
		if ok && prop.Status != "" {
			status = prop.Status
		}
		if status == StatusAck {
			delete(p.subs, n)
		}
		result[n] = SubscribeResult{Status: status}
	}
	p.subsMu.Unlock()

	return result, nil
}

// RequestUpdate sends emotivaUpdate and collects a single response frame.
// Values for names that come back naked (no matching property or status
// nak) are omitted from the result.
func (p *ProtocolEngine) RequestUpdate(ctx context.Context, names []PropertyName) (map[PropertyName]string, error) {
	props, err := p.roundTrip(ctx, propertyNamesToStrings(names), FrameUpdate, func() ([]byte, error) {
		return p.codec.EncodeUpdate(p.cfg.ProtocolPref, names)
	})
	if err != nil {
		return nil, err
	}
	out := make(map[PropertyName]string)
	for _, n := range names {
		if prop, ok := props[string(n)]; ok && prop.Status != StatusNak {
			out[n] = prop.Value
		}
	}
	return out, nil
}

func resultHasName(names []PropertyName, target PropertyName) (PropertyName, bool) {
	for _, n := range names {
		if n == target {
			return n, true
		}
	}
	return "", false
}
