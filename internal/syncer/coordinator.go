// Package syncer guarantees every local mutation eventually reaches the
// central system: durable FIFO queues per entity type, drained in a fixed
// dependency order with idempotent delivery, surviving restarts and repeated
// offline/online transitions.
package syncer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"tillsync/backend/internal/domain"
	"tillsync/backend/internal/remote"
	"tillsync/backend/internal/store"
)

// Ingestor delivers one entry to the remote sync endpoint.
type Ingestor interface {
	SubmitEntity(ctx context.Context, sub remote.SyncSubmission) (remote.SyncResult, error)
}

// Connectivity is the subset of the monitor the coordinator needs.
type Connectivity interface {
	IsOnline() bool
	ReportFailure()
	OnlineTransitions() <-chan struct{}
}

// Settler retroactively authorizes offline-provisional payments once the
// entity queues have drained.
type Settler interface {
	SettleProvisional(ctx context.Context) (settled int, flagged int, err error)
}

type Coordinator struct {
	repo          store.Repository
	ingestor      Ingestor
	monitor       Connectivity
	settler       Settler
	batchSize     int
	submitTimeout time.Duration
	drainInterval time.Duration

	// One drain at a time; the periodic tick and an online transition may
	// race.
	drainMu sync.Mutex
}

func NewCoordinator(repo store.Repository, ingestor Ingestor, monitor Connectivity, settler Settler, batchSize int, submitTimeout time.Duration, drainInterval time.Duration) *Coordinator {
	if batchSize < 1 {
		batchSize = 50
	}
	if submitTimeout <= 0 {
		submitTimeout = 5 * time.Second
	}
	if drainInterval <= 0 {
		drainInterval = 30 * time.Second
	}
	return &Coordinator{
		repo:          repo,
		ingestor:      ingestor,
		monitor:       monitor,
		settler:       settler,
		batchSize:     batchSize,
		submitTimeout: submitTimeout,
		drainInterval: drainInterval,
	}
}

// Enqueue durably records a local mutation for later transmission. It is
// synchronous: when it returns nil the entry is in the queue, so the caller
// may acknowledge the mutation locally.
func (c *Coordinator) Enqueue(ctx context.Context, req domain.SyncEnqueueRequest) (*domain.SyncQueueEntry, error) {
	if req.EntityType == "" || req.EntityID == "" {
		return nil, store.ErrInvalidRequest
	}
	if !knownEntityType(req.EntityType) {
		return nil, fmt.Errorf("%w: unknown entity type %q", store.ErrInvalidRequest, req.EntityType)
	}

	return c.repo.EnqueueSyncEntry(ctx, domain.SyncQueueEntry{
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Operation:  req.Operation,
		Payload:    req.Payload,
		EnqueuedAt: time.Now().UTC(),
	})
}

// Run drains whenever connectivity returns and periodically while online,
// until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.monitor.OnlineTransitions():
		case <-ticker.C:
		}

		if !c.monitor.IsOnline() {
			continue
		}
		stats, err := c.DrainOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[syncer] WARN: drain ended early: %v", err)
		}
		if stats.Delivered > 0 || stats.DeadLetters > 0 || stats.Settled > 0 || stats.Flagged > 0 {
			log.Printf("[syncer] drain: delivered=%d dead=%d deferred=%d settled=%d flagged=%d",
				stats.Delivered, stats.DeadLetters, stats.Deferred, stats.Settled, stats.Flagged)
		}
	}
}

// DrainOnce walks the entity types in dependency order. Within a type,
// entries go strictly FIFO: a transient failure halts that type (preserving
// order) while other types keep draining; a remote rejection dead-letters the
// entry and drain continues. A connectivity flip mid-drain lets the current
// attempt finish, then stops cleanly.
func (c *Coordinator) DrainOnce(ctx context.Context) (domain.DrainStats, error) {
	c.drainMu.Lock()
	defer c.drainMu.Unlock()

	var stats domain.DrainStats

	for _, entityType := range domain.EntityDrainOrder {
		if err := ctx.Err(); err != nil {
			stats.Interrupted = true
			return stats, err
		}
		if !c.monitor.IsOnline() {
			stats.Interrupted = true
			return stats, nil
		}
		if err := c.drainType(ctx, entityType, &stats); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				stats.Interrupted = true
				return stats, err
			}
			// Transient fault on this type; the rest continue.
			stats.Deferred++
		}
	}

	if c.settler != nil && c.monitor.IsOnline() {
		settled, flagged, err := c.settler.SettleProvisional(ctx)
		stats.Settled = settled
		stats.Flagged = flagged
		if err != nil {
			stats.Interrupted = true
			return stats, nil
		}
	}

	return stats, nil
}

func (c *Coordinator) drainType(ctx context.Context, entityType string, stats *domain.DrainStats) error {
	for {
		entries, err := c.repo.PeekSyncEntries(ctx, entityType, c.batchSize)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}

		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !c.monitor.IsOnline() {
				stats.Interrupted = true
				return nil
			}

			if err := c.deliver(ctx, entry, stats); err != nil {
				return err
			}
		}

		if len(entries) < c.batchSize {
			return nil
		}
	}
}

func (c *Coordinator) deliver(ctx context.Context, entry domain.SyncQueueEntry, stats *domain.DrainStats) error {
	submitCtx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	defer cancel()

	result, err := c.ingestor.SubmitEntity(submitCtx, remote.SyncSubmission{
		EntityType:     entry.EntityType,
		EntityID:       entry.EntityID,
		Operation:      entry.Operation,
		Payload:        entry.Payload,
		IdempotencyKey: IdempotencyKey(entry),
	})
	if err != nil {
		// Transient: keep the entry at the head of its queue so ordering
		// holds, and let the monitor re-probe.
		c.monitor.ReportFailure()
		if recErr := c.repo.RecordSyncFailure(ctx, entry.ID, err.Error()); recErr != nil {
			log.Printf("[syncer] WARN: failed to record sync failure for %s: %v", entry.ID, recErr)
		}
		return err
	}

	if !result.Accepted {
		// Remote rejection: one bad record must not block the queue.
		reason := result.Conflict
		if reason == "" {
			reason = "rejected"
		}
		if dlErr := c.repo.MoveToDeadLetter(ctx, entry.ID, reason, time.Now().UTC()); dlErr != nil {
			return dlErr
		}
		stats.DeadLetters++
		log.Printf("[syncer] dead-lettered %s %s/%s: %s", entry.ID, entry.EntityType, entry.EntityID, reason)
		return nil
	}

	if err := c.repo.MarkSynced(ctx, entry.ID, time.Now().UTC()); err != nil {
		return err
	}
	stats.Delivered++
	return nil
}

// IdempotencyKey derives a deterministic delivery key from the entry's
// identity and enqueue time, so repeated delivery after a crash mid-drain
// cannot double-apply remotely.
func IdempotencyKey(entry domain.SyncQueueEntry) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s",
		entry.EntityType, entry.EntityID, entry.Operation, entry.EnqueuedAt.UTC().Format(time.RFC3339Nano))))
	return hex.EncodeToString(sum[:16])
}

func knownEntityType(entityType string) bool {
	for _, known := range domain.EntityDrainOrder {
		if entityType == known {
			return true
		}
	}
	return false
}
