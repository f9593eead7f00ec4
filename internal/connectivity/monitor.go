// Package connectivity answers one question: can we reach the remote store
// right now? It probes actual backend reachability, not link state — a device
// with Wi-Fi but no path to the backend is offline for our purposes.
package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pocketledger/pocketledger/pkg/metrics"
)

// ErrOffline is returned by operations that need the remote store while it is
// unreachable.
var ErrOffline = errors.New("remote store unreachable")

// Pinger is the probe target, satisfied by every remote.Store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor is a point-in-time status oracle. It performs no retries and keeps
// no long-lived cache: callers re-check before every write decision because a
// single operation may span the instant connectivity changes.
type Monitor struct {
	pinger  Pinger
	timeout time.Duration
	logger  *slog.Logger

	// forcedOffline lets the app model airplane mode and lets tests pin the
	// offline path deterministically.
	forcedOffline atomic.Bool
}

func NewMonitor(p Pinger, probeTimeout time.Duration, logger *slog.Logger) *Monitor {
	if probeTimeout <= 0 {
		probeTimeout = 2 * time.Second
	}
	return &Monitor{pinger: p, timeout: probeTimeout, logger: logger}
}

// IsOnline probes the backend with a short deadline and reports the result.
func (m *Monitor) IsOnline(ctx context.Context) bool {
	if m.forcedOffline.Load() {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if err := m.pinger.Ping(probeCtx); err != nil {
		m.logger.Debug("Remote probe failed", "error", err)
		metrics.RemoteReachable.Set(0)
		return false
	}
	metrics.RemoteReachable.Set(1)
	return true
}

// SetForcedOffline pins the monitor offline regardless of probe results.
func (m *Monitor) SetForcedOffline(v bool) {
	m.forcedOffline.Store(v)
}
