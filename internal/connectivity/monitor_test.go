package connectivity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeProber struct {
	mu      sync.Mutex
	healthy bool
	probes  int
}

func (p *fakeProber) Healthy(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes++
	if p.healthy {
		return nil
	}
	return errors.New("unreachable")
}

func (p *fakeProber) setHealthy(v bool) {
	p.mu.Lock()
	p.healthy = v
	p.mu.Unlock()
}

func TestMonitorStartsOfflineUntilProbeSucceeds(t *testing.T) {
	prober := &fakeProber{healthy: false}
	monitor := NewMonitor(prober, 10*time.Millisecond)

	if monitor.IsOnline() {
		t.Fatalf("monitor must start offline before any probe")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Run(ctx)

	time.Sleep(30 * time.Millisecond)
	if monitor.IsOnline() {
		t.Fatalf("expected offline while probes fail")
	}

	prober.setHealthy(true)
	deadline := time.Now().Add(time.Second)
	for !monitor.IsOnline() {
		if time.Now().After(deadline) {
			t.Fatalf("monitor never went online")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReportFailureFlipsOfflineImmediately(t *testing.T) {
	prober := &fakeProber{healthy: true}
	monitor := NewMonitor(prober, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Run(ctx)

	deadline := time.Now().Add(time.Second)
	for !monitor.IsOnline() {
		if time.Now().After(deadline) {
			t.Fatalf("monitor never went online")
		}
		time.Sleep(5 * time.Millisecond)
	}

	prober.setHealthy(false)
	monitor.ReportFailure()
	if monitor.IsOnline() {
		t.Fatalf("ReportFailure must invalidate the cached state without waiting for a probe")
	}
}

func TestOnlineTransitionSignalled(t *testing.T) {
	prober := &fakeProber{healthy: true}
	monitor := NewMonitor(prober, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Run(ctx)

	select {
	case <-monitor.OnlineTransitions():
	case <-time.After(time.Second):
		t.Fatalf("expected an offline-to-online transition signal")
	}
}
