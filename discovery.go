//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: connect.go (span-logged operation pattern)
//

package emotiva

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"
)

// Discovery broadcasts emotivaPing and awaits the device's emotivaTransponder
// response, retrying with backoff+jitter.
type Discovery struct {
	sm      *SocketManager
	codec   Codec
	cfg     EngineConfig
	logger  SLogger
	timeNow func() time.Time
}

// NewDiscovery returns a new [*Discovery]. cfg must already have defaults
// applied (see [EngineConfig.withDefaults]).
func NewDiscovery(sm *SocketManager, cfg EngineConfig, logger SLogger, timeNow func() time.Time) *Discovery {
	return &Discovery{sm: sm, codec: Codec{}, cfg: cfg, logger: logger, timeNow: timeNow}
}

// Run broadcasts a ping and awaits the first matching emotivaTransponder,
// retrying up to cfg.MaxRetries additional times with exponential backoff.
// Responses arriving after a device has already been found, or from hosts
// that don't match a caller-supplied Host filter, are discarded.
func (d *Discovery) Run(ctx context.Context) (DeviceDescriptor, error) {
	spanID := NewSpanID()
	logger := withSpanID(d.logger, spanID)

	broadcastAddr := &net.UDPAddr{IP: net.IPv4bcast, Port: int(d.cfg.DiscoverRequestPort)}

	t0 := d.timeNow()
	logger.Info("discoverStart", slog.String("host", d.cfg.Host), slog.Time("t", t0))

	var lastErr error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffNext(attempt-1, d.cfg.RetryBase, d.cfg.RetryMax)
			logger.Debug("discoverRetry", slog.Int("attempt", attempt), slog.Duration("delay", delay))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				logger.Info("discoverDone", slog.Any("err", ctx.Err()), slog.Time("t0", t0), slog.Time("t", d.timeNow()))
				return DeviceDescriptor{}, ctx.Err()
			}
		}

		payload, err := d.codec.EncodePing(d.cfg.ProtocolPref)
		if err != nil {
			return DeviceDescriptor{}, err
		}
		if err := d.sm.Send(RoleDiscoverReq, payload, broadcastAddr); err != nil {
			lastErr = err
			continue
		}

		descriptor, ok, err := d.awaitResponse(ctx, logger, d.cfg.AckTimeout)
		if err != nil {
			logger.Info("discoverDone", slog.Any("err", err), slog.Time("t0", t0), slog.Time("t", d.timeNow()))
			return DeviceDescriptor{}, err
		}
		if ok {
			logger.Info("discoverDone",
				slog.String("model", descriptor.Model),
				slog.Time("t0", t0),
				slog.Time("t", d.timeNow()),
			)
			return descriptor, nil
		}
	}

	if lastErr != nil {
		logger.Info("discoverDone", slog.Any("err", lastErr), slog.Time("t0", t0), slog.Time("t", d.timeNow()))
		return DeviceDescriptor{}, lastErr
	}
	logger.Info("discoverDone", slog.Any("err", ErrDiscoveryTimeout), slog.Time("t0", t0), slog.Time("t", d.timeNow()))
	return DeviceDescriptor{}, ErrDiscoveryTimeout
}

func (d *Discovery) awaitResponse(ctx context.Context, logger SLogger, timeout time.Duration) (DeviceDescriptor, bool, error) {
	deadline := d.timeNow().Add(timeout)
	for {
		remaining := deadline.Sub(d.timeNow())
		if remaining <= 0 {
			return DeviceDescriptor{}, false, nil
		}

		dg, err := d.sm.Recv(ctx, RoleDiscoverResp, remaining)
		if err != nil {
			var timeoutErr *ErrRecvTimeout
			if errors.As(err, &timeoutErr) {
				return DeviceDescriptor{}, false, nil
			}
			return DeviceDescriptor{}, false, err
		}

		if d.cfg.Host != "" && !addrMatchesHost(dg.Addr, d.cfg.Host) {
			logger.Info("discoverHostMismatch", slog.Any("addr", dg.Addr), slog.String("wantHost", d.cfg.Host))
			continue
		}

		frame, err := d.codec.Decode(dg.Data, d.cfg.MaxXMLBytes)
		if err != nil {
			logger.Info("discoverMalformedResponse", slog.Any("err", err))
			continue
		}
		if frame.Kind != FrameTransponder {
			continue
		}
		return *frame.Transponder, true, nil
	}
}

func addrMatchesHost(addr net.Addr, host string) bool {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return true
	}
	wantIP := net.ParseIP(host)
	if wantIP == nil {
		return true
	}
	return udpAddr.IP.Equal(wantIP)
}
