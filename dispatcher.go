//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: ioansiran-opcua/monitor/subscription.go (RWMutex-guarded
// registration maps, atomic drop counters)
//

package emotiva

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// dispatchQueueCapacity bounds the Dispatcher's internal event queue.
const dispatchQueueCapacity = 256

// dispatcherDrainTimeout bounds how long Close waits for in-flight callback
// tasks to finish before giving up.
const dispatcherDrainTimeout = 2 * time.Second

// dispatcherMaxConcurrentTasks is the soft cap on concurrently in-flight
// callback invocations (§4.5). It is advisory: exceeding it logs a warning
// rather than blocking delivery, since a hard cap could itself stall the
// dispatch loop.
const dispatcherMaxConcurrentTasks = 256

type queueItemKind int

const (
	itemProperty queueItemKind = iota
	itemMenu
	itemBar
)

type queueItem struct {
	kind  queueItemKind
	event PropertyEvent
	raw   []byte
}

// registration is one OnProperty/OnWildcard callback entry. Events routed to
// the same registration are queued in pending and drained by a single worker
// goroutine, so a given callback never sees two invocations run concurrently
// or out of arrival order (P3, §5); only the worker's wait for a slow or
// hung callback is decoupled from the dispatch loop, via runCallback's
// timeout.
type registration struct {
	id       uint64
	name     PropertyName
	callback PropertyCallback

	qmu     sync.Mutex
	pending []PropertyEvent
	active  bool
}

// Dispatcher consumes decoded notify-endpoint frames, translates them into
// [PropertyEvent]s, and fans them out to registered callbacks. It owns its
// own bounded event queue independent of the Socket Manager's per-endpoint
// queue (§4.2), so a slow callback never stalls the notify reader.
type Dispatcher struct {
	cfg    EngineConfig
	logger SLogger

	mu       sync.RWMutex
	byName   map[PropertyName][]*registration
	wildcard []*registration
	nextRegID atomic.Uint64

	qmu    sync.Mutex
	queue  []queueItem
	notify chan struct{}

	notificationsDropped atomic.Uint64
	sequenceGaps         atomic.Uint64
	unknownRoots         atomic.Uint64

	seqMu   sync.Mutex
	haveSeq bool
	lastSeq uint32

	legacyWarned atomic.Bool

	taskMu     sync.Mutex
	tasks      map[uint64]context.CancelFunc
	nextTaskID uint64
	wg         sync.WaitGroup

	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// NewDispatcher returns a new [*Dispatcher]. cfg must already have defaults
// applied.
func NewDispatcher(cfg EngineConfig, logger SLogger) *Dispatcher {
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:        cfg,
		logger:     logger,
		byName:     make(map[PropertyName][]*registration),
		notify:     make(chan struct{}, 1),
		tasks:      make(map[uint64]context.CancelFunc),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}
}

// Run drains the internal queue and delivers callbacks until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		item, ok := d.pop()
		if ok {
			d.deliver(item)
			continue
		}
		select {
		case <-d.notify:
		case <-ctx.Done():
			return
		}
	}
}

// HandleFrame routes one decoded notify-endpoint frame. FrameKeepAlive and
// FrameGoodbye are the Keepalive Monitor's concern and are not passed here.
func (d *Dispatcher) HandleFrame(frame Frame) {
	switch frame.Kind {
	case FrameNotify:
		d.checkSequence(frame.Sequence)
		if frame.LegacyFormat && d.legacyWarned.CompareAndSwap(false, true) {
			d.logger.Info("legacyNotifyFormat")
		}
		for _, prop := range frame.Properties {
			d.publish(queueItem{kind: itemProperty, event: PropertyEvent{
				Name:    prop.Name,
				Value:   prop.Value,
				Visible: prop.Visible,
				Seq:     frame.Sequence,
			}})
		}
	case FrameMenuNotify:
		d.publish(queueItem{kind: itemMenu, raw: frame.Raw})
	case FrameBarNotify:
		d.publish(queueItem{kind: itemBar, raw: frame.Raw})
	default:
		d.unknownRoots.Add(1)
		d.logger.Info("notifyUnexpectedFrame", slog.Int("kind", int(frame.Kind)))
	}
}

// checkSequence flags gaps >= 1 in the monotonic seq stream. Subtraction on
// uint32 wraps correctly, so wraparound at 2^32 is handled for free.
func (d *Dispatcher) checkSequence(seq uint32) {
	d.seqMu.Lock()
	defer d.seqMu.Unlock()
	if d.haveSeq {
		gap := seq - d.lastSeq
		if gap > 1 && gap < 1<<31 {
			d.sequenceGaps.Add(1)
			d.logger.Info("sequenceGap", slog.Uint64("from", uint64(d.lastSeq)), slog.Uint64("to", uint64(seq)))
		}
	}
	d.haveSeq = true
	d.lastSeq = seq
}

// publish enqueues item, applying the documented backpressure policy on
// overflow: property events coalesce onto the most recent queued entry for
// the same name; non-coalescing events (menu/bar) drop the oldest queued
// entry instead. Either way the superseded event never reaches a callback,
// so both paths increment notificationsDropped (Scenario F).
func (d *Dispatcher) publish(item queueItem) {
	d.qmu.Lock()
	if len(d.queue) >= dispatchQueueCapacity {
		coalesced := false
		if item.kind == itemProperty {
			for i := len(d.queue) - 1; i >= 0; i-- {
				if d.queue[i].kind == itemProperty && d.queue[i].event.Name == item.event.Name {
					d.queue[i] = item
					coalesced = true
					break
				}
			}
		}
		if !coalesced {
			if len(d.queue) > 0 {
				d.queue = d.queue[1:]
			}
			d.queue = append(d.queue, item)
		}
		d.notificationsDropped.Add(1)
		d.logger.Info("notificationsDropped", slog.Uint64("total", d.notificationsDropped.Load()), slog.Bool("coalesced", coalesced))
	} else {
		d.queue = append(d.queue, item)
	}
	d.qmu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) pop() (queueItem, bool) {
	d.qmu.Lock()
	defer d.qmu.Unlock()
	if len(d.queue) == 0 {
		return queueItem{}, false
	}
	item := d.queue[0]
	d.queue = d.queue[1:]
	return item, true
}

func (d *Dispatcher) deliver(item queueItem) {
	switch item.kind {
	case itemProperty:
		d.deliverProperty(item.event)
	case itemMenu:
		d.logger.Info("menuNotify", slog.Int("bytes", len(item.raw)))
	case itemBar:
		d.logger.Info("barNotify", slog.Int("bytes", len(item.raw)))
	}
}

func (d *Dispatcher) deliverProperty(ev PropertyEvent) {
	d.mu.RLock()
	regs := make([]*registration, 0, len(d.byName[ev.Name])+len(d.wildcard))
	regs = append(regs, d.byName[ev.Name]...)
	regs = append(regs, d.wildcard...)
	d.mu.RUnlock()

	for _, reg := range regs {
		d.invoke(reg, ev)
	}
}

// invoke queues ev for delivery to reg, in arrival order. If no worker is
// currently draining reg's queue, one is started; otherwise the running
// worker will pick ev up when it gets there. This is what guarantees P3: two
// events for the same registration are never delivered out of order or
// concurrently with each other, no matter how the dispatch loop interleaves
// them with other registrations' events.
func (d *Dispatcher) invoke(reg *registration, ev PropertyEvent) {
	reg.qmu.Lock()
	reg.pending = append(reg.pending, ev)
	if reg.active {
		reg.qmu.Unlock()
		return
	}
	reg.active = true
	reg.qmu.Unlock()

	if active := d.activeTaskCount(); active >= dispatcherMaxConcurrentTasks {
		d.logger.Info("callbackConcurrencyCapExceeded",
			slog.Int("active", active),
			slog.Int("cap", dispatcherMaxConcurrentTasks),
		)
	}

	d.wg.Add(1)
	go d.runWorker(reg)
}

// runWorker drains reg's pending queue one event at a time until it's empty,
// then marks reg idle so the next invoke call restarts a worker. Only the
// worker's own continuation (waiting on a slow callback) is decoupled from
// the dispatch loop; the worker itself processes reg's events strictly in
// the order invoke queued them.
func (d *Dispatcher) runWorker(reg *registration) {
	defer d.wg.Done()
	for {
		reg.qmu.Lock()
		if len(reg.pending) == 0 {
			reg.active = false
			reg.qmu.Unlock()
			return
		}
		ev := reg.pending[0]
		reg.pending = reg.pending[1:]
		reg.qmu.Unlock()

		d.runCallback(reg, ev)
	}
}

// runCallback invokes reg.callback for ev, bounded by CallbackTimeout, with
// panic recovery. On timeout the callback's goroutine is abandoned (it may
// still be running) and runWorker moves on to reg's next queued event.
func (d *Dispatcher) runCallback(reg *registration, ev PropertyEvent) {
	ctx, cancel := context.WithTimeout(d.baseCtx, d.cfg.CallbackTimeout)
	taskID := d.trackTask(cancel)
	defer d.untrackTask(taskID)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				d.logger.Info("callbackPanicked", slog.String("name", string(ev.Name)), slog.Any("recovered", r),
					slog.Any("err", &ErrCallbackPanicked{Name: string(ev.Name), Recovered: r}))
			}
		}()
		reg.callback(ev)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Info("callbackTimeout", slog.String("name", string(ev.Name)),
			slog.Any("err", &ErrCallbackTimeout{Name: string(ev.Name)}))
	}
}

// activeTaskCount returns the number of callback invocations currently
// in flight, used only to decide whether to log the soft-cap warning.
func (d *Dispatcher) activeTaskCount() int {
	d.taskMu.Lock()
	defer d.taskMu.Unlock()
	return len(d.tasks)
}

func (d *Dispatcher) trackTask(cancel context.CancelFunc) uint64 {
	d.taskMu.Lock()
	defer d.taskMu.Unlock()
	d.nextTaskID++
	id := d.nextTaskID
	d.tasks[id] = cancel
	return id
}

func (d *Dispatcher) untrackTask(id uint64) {
	d.taskMu.Lock()
	defer d.taskMu.Unlock()
	delete(d.tasks, id)
}

// OnProperty registers cb for property name. Multiple registrations per name
// each have their own worker, so their callbacks may run concurrently.
func (d *Dispatcher) OnProperty(name PropertyName, cb PropertyCallback) *Registration {
	reg := &registration{id: d.nextRegID.Add(1), name: name, callback: cb}
	d.mu.Lock()
	d.byName[name] = append(d.byName[name], reg)
	d.mu.Unlock()
	return &Registration{unregister: func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.byName[name] = removeRegistration(d.byName[name], reg.id)
	}}
}

// OnWildcard registers cb for every property, regardless of name.
func (d *Dispatcher) OnWildcard(cb PropertyCallback) *Registration {
	reg := &registration{id: d.nextRegID.Add(1), callback: cb}
	d.mu.Lock()
	d.wildcard = append(d.wildcard, reg)
	d.mu.Unlock()
	return &Registration{unregister: func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.wildcard = removeRegistration(d.wildcard, reg.id)
	}}
}

func removeRegistration(regs []*registration, id uint64) []*registration {
	out := regs[:0]
	for _, r := range regs {
		if r.id != id {
			out = append(out, r)
		}
	}
	return out
}

// Close cancels every in-flight callback task and waits for them to finish,
// up to dispatcherDrainTimeout. Idempotent.
func (d *Dispatcher) Close() error {
	d.taskMu.Lock()
	for _, cancel := range d.tasks {
		cancel()
	}
	d.taskMu.Unlock()
	d.baseCancel()

	waitDone := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(dispatcherDrainTimeout):
		d.logger.Info("dispatcherDrainTimeout")
	}
	return nil
}

// Stats returns a snapshot of the Dispatcher's observable counters.
func (d *Dispatcher) Stats() (notificationsDropped, sequenceGaps, unknownRoots uint64) {
	return d.notificationsDropped.Load(), d.sequenceGaps.Load(), d.unknownRoots.Load()
}
