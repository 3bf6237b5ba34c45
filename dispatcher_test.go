// SPDX-License-Identifier: GPL-3.0-or-later

package emotiva

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDispatcherConfig() EngineConfig {
	return EngineConfig{CallbackTimeout: 200 * time.Millisecond}
}

func TestDispatcherOnPropertyDelivers(t *testing.T) {
	d := NewDispatcher(testDispatcherConfig(), DefaultSLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	defer d.Close()

	got := make(chan PropertyEvent, 1)
	d.OnProperty("volume", func(ev PropertyEvent) { got <- ev })

	d.HandleFrame(Frame{Kind: FrameNotify, Sequence: 1, Properties: []FrameProperty{
		{Name: "volume", Value: "-20", Visible: true},
	}})

	select {
	case ev := <-got:
		assert.Equal(t, PropertyName("volume"), ev.Name)
		assert.Equal(t, "-20", ev.Value)
		assert.EqualValues(t, 1, ev.Seq)
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}
}

func TestDispatcherOnWildcardReceivesEverything(t *testing.T) {
	d := NewDispatcher(testDispatcherConfig(), DefaultSLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	defer d.Close()

	var mu sync.Mutex
	var names []PropertyName
	done := make(chan struct{}, 2)
	d.OnWildcard(func(ev PropertyEvent) {
		mu.Lock()
		names = append(names, ev.Name)
		mu.Unlock()
		done <- struct{}{}
	})

	d.HandleFrame(Frame{Kind: FrameNotify, Properties: []FrameProperty{
		{Name: "volume", Value: "-20"},
		{Name: "mute", Value: "true"},
	}})

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("wildcard callback not invoked enough times")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []PropertyName{"volume", "mute"}, names)
}

func TestDispatcherUnregisterStopsDelivery(t *testing.T) {
	d := NewDispatcher(testDispatcherConfig(), DefaultSLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	defer d.Close()

	calls := make(chan struct{}, 10)
	reg := d.OnProperty("volume", func(ev PropertyEvent) { calls <- struct{}{} })
	reg.Unregister()
	reg.Unregister() // idempotent

	d.HandleFrame(Frame{Kind: FrameNotify, Properties: []FrameProperty{{Name: "volume", Value: "-20"}}})

	select {
	case <-calls:
		t.Fatal("callback invoked after unregister")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDispatcherSequenceGapDetection(t *testing.T) {
	d := NewDispatcher(testDispatcherConfig(), DefaultSLogger())

	d.HandleFrame(Frame{Kind: FrameNotify, Sequence: 1})
	d.HandleFrame(Frame{Kind: FrameNotify, Sequence: 2})
	_, gaps, _ := d.Stats()
	assert.EqualValues(t, 0, gaps)

	d.HandleFrame(Frame{Kind: FrameNotify, Sequence: 10})
	_, gaps, _ = d.Stats()
	assert.EqualValues(t, 1, gaps)
}

func TestDispatcherSequenceWraparound(t *testing.T) {
	d := NewDispatcher(testDispatcherConfig(), DefaultSLogger())

	d.HandleFrame(Frame{Kind: FrameNotify, Sequence: 4294967295})
	d.HandleFrame(Frame{Kind: FrameNotify, Sequence: 0})
	_, gaps, _ := d.Stats()
	assert.EqualValues(t, 0, gaps, "wraparound from max uint32 to 0 is a single step, not a gap")
}

func TestDispatcherLegacyFormatWarnedOnce(t *testing.T) {
	logger, records := newCapturingLogger()
	d := NewDispatcher(testDispatcherConfig(), logger)

	d.HandleFrame(Frame{Kind: FrameNotify, LegacyFormat: true, Properties: []FrameProperty{{Name: "volume", Value: "1"}}})
	d.HandleFrame(Frame{Kind: FrameNotify, LegacyFormat: true, Properties: []FrameProperty{{Name: "volume", Value: "2"}}})

	count := 0
	for _, rec := range *records {
		if rec.Message == "legacyNotifyFormat" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestDispatcherCallbackPanicIsolated(t *testing.T) {
	d := NewDispatcher(testDispatcherConfig(), DefaultSLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	defer d.Close()

	secondCalled := make(chan struct{}, 1)
	d.OnProperty("volume", func(ev PropertyEvent) { panic("boom") })
	d.OnProperty("volume", func(ev PropertyEvent) { secondCalled <- struct{}{} })

	d.HandleFrame(Frame{Kind: FrameNotify, Properties: []FrameProperty{{Name: "volume", Value: "-20"}}})

	select {
	case <-secondCalled:
	case <-time.After(time.Second):
		t.Fatal("sibling callback did not run after panic in another callback")
	}
}

func TestDispatcherCloseIsIdempotentAndDrains(t *testing.T) {
	d := NewDispatcher(testDispatcherConfig(), DefaultSLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
}

func TestDispatcherQueueOverflowCoalescesPropertyEvents(t *testing.T) {
	d := NewDispatcher(testDispatcherConfig(), DefaultSLogger())
	// No Run loop consuming: queue backs up past capacity deliberately.
	for i := 0; i < dispatchQueueCapacity+5; i++ {
		d.publish(queueItem{kind: itemProperty, event: PropertyEvent{Name: "volume", Value: "x"}})
	}
	d.qmu.Lock()
	qlen := len(d.queue)
	d.qmu.Unlock()
	assert.LessOrEqual(t, qlen, dispatchQueueCapacity)
}

func TestDispatcherQueueOverflowDropsOldestNonCoalescing(t *testing.T) {
	d := NewDispatcher(testDispatcherConfig(), DefaultSLogger())
	for i := 0; i < dispatchQueueCapacity+5; i++ {
		d.publish(queueItem{kind: itemMenu, raw: []byte("x")})
	}
	_, _, _ = d.Stats()
	dropped, _, _ := d.Stats()
	assert.GreaterOrEqual(t, dropped, uint64(5))
}

func TestDispatcherQueueOverflowCoalescingCountsAsDropped(t *testing.T) {
	d := NewDispatcher(testDispatcherConfig(), DefaultSLogger())
	// Fill the queue to capacity; names cycle through 26 letters.
	for i := 0; i < dispatchQueueCapacity; i++ {
		d.publish(queueItem{kind: itemProperty, event: PropertyEvent{Name: PropertyName(string(rune('a' + i%26))), Value: "x"}})
	}
	before, _, _ := d.Stats()

	// This publish overflows and coalesces onto the queued "a" entry
	// rather than dropping the oldest distinct entry; it must still count.
	d.publish(queueItem{kind: itemProperty, event: PropertyEvent{Name: "a", Value: "y"}})

	after, _, _ := d.Stats()
	assert.Equal(t, before+1, after, "coalesced (superseded) events must still count toward notifications_dropped")
}

func TestDispatcherDeliversInOrderPerCallback(t *testing.T) {
	d := NewDispatcher(testDispatcherConfig(), DefaultSLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	defer d.Close()

	const n = 50
	received := make(chan string, n)
	d.OnProperty("volume", func(ev PropertyEvent) {
		time.Sleep(time.Millisecond) // encourage overlap if serialization is broken
		received <- ev.Value
	})

	for i := 0; i < n; i++ {
		d.HandleFrame(Frame{Kind: FrameNotify, Sequence: uint32(i), Properties: []FrameProperty{
			{Name: "volume", Value: intToDecimal(i)},
		}})
	}

	for i := 0; i < n; i++ {
		select {
		case v := <-received:
			assert.Equal(t, intToDecimal(i), v, "callback must see values in arrival order")
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func intToDecimal(i int) string {
	return string(rune('0'+i/10)) + string(rune('0'+i%10))
}
