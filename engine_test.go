// SPDX-License-Identifier: GPL-3.0-or-later

package emotiva

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEngineConfig() EngineConfig {
	return EngineConfig{
		Host:        "127.0.0.1",
		MaxRetries:  0,
		RetryBase:   time.Millisecond,
		RetryMax:    2 * time.Millisecond,
		AckTimeout:  10 * time.Millisecond,
		MaxXMLBytes: 65536,
	}
}

func TestEngineInitialStateDisconnected(t *testing.T) {
	e := New(testEngineConfig(), DefaultSLogger())
	assert.Equal(t, StateDisconnected, e.State())
}

func TestEngineOperationsRequireConnected(t *testing.T) {
	e := New(testEngineConfig(), DefaultSLogger())

	_, err := e.SendCommand(context.Background(), "power_on", "", true)
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = e.SendCommands(context.Background(), []Command{{Name: "power_on"}})
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = e.Subscribe(context.Background(), []PropertyName{"volume"})
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = e.Unsubscribe(context.Background(), []PropertyName{"volume"})
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = e.RequestUpdate(context.Background(), []PropertyName{"volume"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestEngineCloseBeforeConnectIsIdempotent(t *testing.T) {
	e := New(testEngineConfig(), DefaultSLogger())

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	assert.Equal(t, StateClosed, e.State())
}

func TestEngineConnectAfterCloseFails(t *testing.T) {
	e := New(testEngineConfig(), DefaultSLogger())
	require.NoError(t, e.Close())

	_, err := e.Connect(context.Background())
	assert.ErrorIs(t, err, ErrClosingInProgress)
}

func TestEngineOnPropertyDelegatesToDispatcher(t *testing.T) {
	e := New(testEngineConfig(), DefaultSLogger())

	got := make(chan PropertyEvent, 1)
	e.OnProperty("volume", func(ev PropertyEvent) { got <- ev })

	e.dispatcher.HandleFrame(Frame{Kind: FrameNotify, Properties: []FrameProperty{{Name: "volume", Value: "-10"}}})

	select {
	case ev := <-got:
		assert.Equal(t, "-10", ev.Value)
	case <-time.After(time.Second):
		t.Fatal("OnProperty callback not invoked via dispatcher")
	}
}

func TestEngineOnConnectionFiresOnClose(t *testing.T) {
	e := New(testEngineConfig(), DefaultSLogger())

	events := make(chan ConnectionEvent, 4)
	e.OnConnection(func(ev ConnectionEvent) { events <- ev })

	require.NoError(t, e.Close())

	select {
	case ev := <-events:
		assert.Equal(t, StateClosed, ev.State)
	case <-time.After(time.Second):
		t.Fatal("OnConnection callback not invoked on Close")
	}
}

func TestEngineOnConnectionUnregisterStopsDelivery(t *testing.T) {
	e := New(testEngineConfig(), DefaultSLogger())

	events := make(chan ConnectionEvent, 4)
	reg := e.OnConnection(func(ev ConnectionEvent) { events <- ev })
	reg.Unregister()

	require.NoError(t, e.Close())

	select {
	case ev := <-events:
		t.Fatalf("unexpected connection event after unregister: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEngineStatsReflectsState(t *testing.T) {
	e := New(testEngineConfig(), DefaultSLogger())
	stats := e.Stats()
	assert.Equal(t, StateDisconnected, stats.State)
	assert.EqualValues(t, 0, stats.NotificationsDropped)
}

// Discovery failure (no responder, fast timeout) drives Connect back to
// Disconnected and surfaces ErrDiscoveryTimeout. Concurrent callers observe
// the identical error via the single-flight path.
func TestEngineConnectConcurrentCallersShareOutcome(t *testing.T) {
	e := New(testEngineConfig(), DefaultSLogger())

	const n = 4
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := e.Connect(context.Background())
			errs <- err
		}()
	}

	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			require.ErrorIs(t, err, ErrDiscoveryTimeout)
		case <-time.After(5 * time.Second):
			t.Fatal("Connect did not return")
		}
	}
	assert.Equal(t, StateDisconnected, e.State())
}
