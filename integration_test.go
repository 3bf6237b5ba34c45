// SPDX-License-Identifier: GPL-3.0-or-later

package emotiva

import (
	"context"
	"encoding/xml"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeDevice is a minimal Emotiva responder bound to a real loopback UDP
// socket. It acks commands it receives on the control channel; it has no
// notify channel.
type fakeDevice struct {
	control *net.UDPConn
}

func newFakeDevice(t *testing.T) *fakeDevice {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &fakeDevice{control: conn}
}

func (d *fakeDevice) addr() *net.UDPAddr {
	return d.control.LocalAddr().(*net.UDPAddr)
}

// serveOneAck reads a single emotivaControl frame and replies with an
// emotivaAck acking every command it named. Errors are returned rather than
// asserted directly since this runs on a non-test goroutine.
func (d *fakeDevice) serveOneAck() error {
	buf := make([]byte, 65536)
	n, from, err := d.control.ReadFrom(buf)
	if err != nil {
		return err
	}

	// The codec only decodes frames a client receives; emotivaControl is
	// client-to-device only, so the device side parses it directly.
	var root xmlElement
	if err := xml.Unmarshal(buf[:n], &root); err != nil {
		return err
	}

	results := make([]AckResult, len(root.Children))
	for i, c := range root.Children {
		results[i] = AckResult{Name: c.XMLName.Local, Status: StatusAck}
	}
	payload, err := encodeTestAck(results)
	if err != nil {
		return err
	}
	_, err = d.control.WriteTo(payload, from)
	return err
}

// encodeTestAck builds an emotivaAck frame the way the real device would;
// Codec has no exported encoder for this direction since the engine only
// ever decodes acks, never emits them.
func encodeTestAck(results []AckResult) ([]byte, error) {
	type ackChild struct {
		XMLName xml.Name
		Status  string `xml:"status,attr"`
	}
	type ackFrame struct {
		XMLName  xml.Name `xml:"emotivaAck"`
		Children []ackChild
	}
	f := ackFrame{}
	for _, r := range results {
		f.Children = append(f.Children, ackChild{XMLName: xml.Name{Local: r.Name}, Status: string(r.Status)})
	}
	body, err := xml.Marshal(f)
	if err != nil {
		return nil, err
	}
	out := append([]byte(xmlDeclaration), body...)
	return out, nil
}

func TestIntegrationProtocolEngineRoundTripOverRealSockets(t *testing.T) {
	device := newFakeDevice(t)

	sm := NewSocketManager(newConfig(), DefaultSLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, sm.Start(ctx, []endpointConfig{
		{Role: RoleControl, LocalAddr: "127.0.0.1:0", RemoteAddr: device.addr()},
	}))
	defer sm.Stop()

	cfg := EngineConfig{
		Host:        "127.0.0.1",
		AckTimeout:  500 * time.Millisecond,
		MaxRetries:  1,
		RetryBase:   10 * time.Millisecond,
		RetryMax:    50 * time.Millisecond,
		MaxXMLBytes: 65536,
	}.withDefaults()

	pe := NewProtocolEngine(sm, cfg, DefaultSLogger(), time.Now)
	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	go pe.Run(runCtx)

	done := make(chan error, 1)
	go func() { done <- device.serveOneAck() }()

	result, err := pe.SendCommand(context.Background(), "power_on", "", true)
	require.NoError(t, err)
	require.Equal(t, StatusAck, result.Status)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("fake device never replied")
	}
}
