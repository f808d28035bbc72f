// Package connectivity tracks whether the central system is reachable. The
// cached flag is the single source of truth consulted by the payment
// processor and the sync coordinator; a background probe refreshes it.
package connectivity

import (
	"context"
	"log"
	"sync"
	"time"
)

// Prober is a reachability check against the remote health endpoint.
type Prober interface {
	Healthy(ctx context.Context) error
}

type Monitor struct {
	prober   Prober
	interval time.Duration

	mu     sync.RWMutex
	online bool

	probeNow    chan struct{}
	transitions chan struct{}
}

func NewMonitor(prober Prober, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{
		prober:      prober,
		interval:    interval,
		probeNow:    make(chan struct{}, 1),
		transitions: make(chan struct{}, 1),
	}
}

// IsOnline returns the last-known state without blocking.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// ReportFailure invalidates the cached state after a failed remote call
// elsewhere in the system and schedules an immediate re-probe.
func (m *Monitor) ReportFailure() {
	m.setOnline(false)
	select {
	case m.probeNow <- struct{}{}:
	default:
	}
}

// OnlineTransitions signals each offline-to-online flip. The channel has a
// one-slot buffer; a slow consumer coalesces transitions rather than blocking
// the probe loop.
func (m *Monitor) OnlineTransitions() <-chan struct{} {
	return m.transitions
}

// Run probes until ctx is cancelled. The first probe happens immediately so
// startup does not wait a full interval for the online indicator.
func (m *Monitor) Run(ctx context.Context) {
	m.probe(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx)
		case <-m.probeNow:
			m.probe(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval/2+time.Second)
	defer cancel()

	err := m.prober.Healthy(probeCtx)
	m.setOnline(err == nil)
}

func (m *Monitor) setOnline(online bool) {
	m.mu.Lock()
	was := m.online
	m.online = online
	m.mu.Unlock()

	if online == was {
		return
	}
	if online {
		log.Println("[connectivity] remote reachable, back online")
		select {
		case m.transitions <- struct{}{}:
		default:
		}
	} else {
		log.Println("[connectivity] remote unreachable, going offline")
	}
}
