package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"tillsync/backend/internal/domain"
	"tillsync/backend/internal/remote"
	"tillsync/backend/internal/store"
	"tillsync/backend/internal/store/memory"
)

// recordingIngestor captures every submission and scripts outcomes per
// entity ID.
type recordingIngestor struct {
	mu          sync.Mutex
	submissions []remote.SyncSubmission
	rejectIDs   map[string]string
	failIDs     map[string]bool
	seenKeys    map[string]int
}

func newRecordingIngestor() *recordingIngestor {
	return &recordingIngestor{
		rejectIDs: map[string]string{},
		failIDs:   map[string]bool{},
		seenKeys:  map[string]int{},
	}
}

func (r *recordingIngestor) SubmitEntity(_ context.Context, sub remote.SyncSubmission) (remote.SyncResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seenKeys[sub.IdempotencyKey]++
	if r.failIDs[sub.EntityID] {
		return remote.SyncResult{}, remote.ErrUnavailable
	}
	r.submissions = append(r.submissions, sub)
	if reason, ok := r.rejectIDs[sub.EntityID]; ok {
		return remote.SyncResult{Accepted: false, Conflict: reason}, nil
	}
	return remote.SyncResult{Accepted: true}, nil
}

func (r *recordingIngestor) delivered() []remote.SyncSubmission {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]remote.SyncSubmission, len(r.submissions))
	copy(out, r.submissions)
	return out
}

type testMonitor struct {
	mu          sync.Mutex
	online      bool
	transitions chan struct{}
}

func newTestMonitor(online bool) *testMonitor {
	return &testMonitor{online: online, transitions: make(chan struct{}, 1)}
}

func (m *testMonitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *testMonitor) ReportFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online = false
}

func (m *testMonitor) setOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online = online
}

func (m *testMonitor) OnlineTransitions() <-chan struct{} { return m.transitions }

func newTestCoordinator(repo store.Repository, ingestor Ingestor, monitor Connectivity) *Coordinator {
	return NewCoordinator(repo, ingestor, monitor, nil, 50, time.Second, time.Minute)
}

func enqueue(t *testing.T, c *Coordinator, entityType, entityID string) *domain.SyncQueueEntry {
	t.Helper()
	entry, err := c.Enqueue(context.Background(), domain.SyncEnqueueRequest{
		EntityType: entityType,
		EntityID:   entityID,
		Operation:  domain.OpCreate,
		Payload:    json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("enqueue %s/%s: %v", entityType, entityID, err)
	}
	return entry
}

func TestEnqueueRejectsUnknownEntityType(t *testing.T) {
	c := newTestCoordinator(memory.New(), newRecordingIngestor(), newTestMonitor(true))

	_, err := c.Enqueue(context.Background(), domain.SyncEnqueueRequest{
		EntityType: "invoice",
		EntityID:   "inv-1",
		Operation:  domain.OpCreate,
	})
	if !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestDrainDeliversInDependencyOrder(t *testing.T) {
	repo := memory.New()
	ingestor := newRecordingIngestor()
	c := newTestCoordinator(repo, ingestor, newTestMonitor(true))

	// Enqueued in reverse wall-clock order; delivery must still follow the
	// dependency order, not arrival order.
	enqueue(t, c, domain.EntitySale, "sale-1")
	enqueue(t, c, domain.EntityProduct, "prod-1")
	enqueue(t, c, domain.EntityCustomer, "cust-1")

	stats, err := c.DrainOnce(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if stats.Delivered != 3 {
		t.Fatalf("expected 3 delivered, got %d", stats.Delivered)
	}

	got := ingestor.delivered()
	want := []string{domain.EntityCustomer, domain.EntityProduct, domain.EntitySale}
	if len(got) != len(want) {
		t.Fatalf("expected %d submissions, got %d", len(want), len(got))
	}
	for i, entityType := range want {
		if got[i].EntityType != entityType {
			t.Fatalf("position %d: expected %s, got %s", i, entityType, got[i].EntityType)
		}
	}
}

func TestDrainFIFOWithinType(t *testing.T) {
	repo := memory.New()
	ingestor := newRecordingIngestor()
	c := newTestCoordinator(repo, ingestor, newTestMonitor(true))

	for _, id := range []string{"sale-a", "sale-b", "sale-c"} {
		enqueue(t, c, domain.EntitySale, id)
	}

	if _, err := c.DrainOnce(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	got := ingestor.delivered()
	for i, want := range []string{"sale-a", "sale-b", "sale-c"} {
		if got[i].EntityID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, got[i].EntityID)
		}
	}
}

func TestDrainTransientFaultHaltsOnlyThatType(t *testing.T) {
	repo := memory.New()
	ingestor := newRecordingIngestor()
	monitor := newTestMonitor(true)
	c := newTestCoordinator(repo, ingestor, monitor)

	enqueue(t, c, domain.EntityCustomer, "cust-1")
	enqueue(t, c, domain.EntityCustomer, "cust-2")
	enqueue(t, c, domain.EntityProduct, "prod-1")
	ingestor.failIDs["cust-1"] = true

	stats, err := c.DrainOnce(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if stats.Deferred != 1 {
		t.Fatalf("expected 1 deferred type, got %d", stats.Deferred)
	}

	// cust-2 must stay behind cust-1; the product queue is independent...
	// except the transient fault flipped the monitor offline, which stops
	// later types too. Bring it back and drain again.
	if monitor.IsOnline() {
		t.Fatalf("transient fault must flip the monitor offline")
	}
	queueDepthIs(t, repo, domain.EntityCustomer, 2)

	ingestor.failIDs = map[string]bool{}
	monitor.setOnline(true)
	stats, err = c.DrainOnce(context.Background())
	if err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if stats.Delivered != 3 {
		t.Fatalf("expected 3 delivered on recovery, got %d", stats.Delivered)
	}

	got := ingestor.delivered()
	if got[0].EntityID != "cust-1" || got[1].EntityID != "cust-2" {
		t.Fatalf("FIFO violated after transient fault: %s, %s", got[0].EntityID, got[1].EntityID)
	}
}

func TestDrainRejectionDeadLettersAndContinues(t *testing.T) {
	repo := memory.New()
	ingestor := newRecordingIngestor()
	c := newTestCoordinator(repo, ingestor, newTestMonitor(true))

	enqueue(t, c, domain.EntitySale, "sale-bad")
	enqueue(t, c, domain.EntitySale, "sale-good")
	ingestor.rejectIDs["sale-bad"] = "unknown product reference"

	stats, err := c.DrainOnce(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if stats.DeadLetters != 1 || stats.Delivered != 1 {
		t.Fatalf("expected 1 dead letter and 1 delivered, got %d/%d", stats.DeadLetters, stats.Delivered)
	}

	letters, err := repo.ListDeadLetters(context.Background(), 0)
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(letters) != 1 || letters[0].Entry.EntityID != "sale-bad" {
		t.Fatalf("expected sale-bad dead-lettered, got %v", letters)
	}
	if letters[0].Reason != "unknown product reference" {
		t.Fatalf("expected rejection reason preserved, got %q", letters[0].Reason)
	}
	queueDepthIs(t, repo, domain.EntitySale, 0)
}

func TestDrainReplayUsesStableIdempotencyKey(t *testing.T) {
	repo := memory.New()
	ingestor := newRecordingIngestor()
	c := newTestCoordinator(repo, ingestor, newTestMonitor(true))

	entry := enqueue(t, c, domain.EntityStockMovement, "mv-1")

	// One transient fault, then success: both attempts must carry the same
	// idempotency key so the remote can deduplicate.
	ingestor.failIDs["mv-1"] = true
	if _, err := c.DrainOnce(context.Background()); err != nil {
		t.Fatalf("first drain: %v", err)
	}
	ingestor.failIDs = map[string]bool{}

	monitor := newTestMonitor(true)
	c = newTestCoordinator(repo, ingestor, monitor)
	if _, err := c.DrainOnce(context.Background()); err != nil {
		t.Fatalf("second drain: %v", err)
	}

	key := IdempotencyKey(*entry)
	if ingestor.seenKeys[key] != 2 {
		t.Fatalf("expected both attempts under key %s, got %d", key, ingestor.seenKeys[key])
	}
	if len(ingestor.delivered()) != 1 {
		t.Fatalf("expected exactly one successful delivery, got %d", len(ingestor.delivered()))
	}
}

func TestIdempotencyKeyDeterministic(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC)
	a := domain.SyncQueueEntry{EntityType: domain.EntitySale, EntityID: "s-1", Operation: domain.OpCreate, EnqueuedAt: at}
	b := domain.SyncQueueEntry{EntityType: domain.EntitySale, EntityID: "s-1", Operation: domain.OpCreate, EnqueuedAt: at}

	if IdempotencyKey(a) != IdempotencyKey(b) {
		t.Fatalf("identical entries must derive identical keys")
	}

	c := b
	c.Operation = domain.OpUpdate
	if IdempotencyKey(a) == IdempotencyKey(c) {
		t.Fatalf("different operations must derive different keys")
	}
}

func TestDrainStopsWhenConnectivityDropsMidDrain(t *testing.T) {
	repo := memory.New()
	monitor := newTestMonitor(true)
	ingestor := newRecordingIngestor()
	c := newTestCoordinator(repo, ingestor, monitor)

	enqueue(t, c, domain.EntityCustomer, "cust-1")
	enqueue(t, c, domain.EntitySale, "sale-1")

	// The customer delivery succeeds, then the link drops before the sale
	// queue is reached.
	dropAfterFirst := &droppingIngestor{inner: ingestor, monitor: monitor, after: 1}
	c = newTestCoordinator(repo, dropAfterFirst, monitor)

	stats, err := c.DrainOnce(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if !stats.Interrupted {
		t.Fatalf("expected the drain to report an interruption")
	}
	if stats.Delivered != 1 {
		t.Fatalf("expected 1 delivered before the drop, got %d", stats.Delivered)
	}
	queueDepthIs(t, repo, domain.EntitySale, 1)
}

// droppingIngestor flips the monitor offline after n successful submissions.
type droppingIngestor struct {
	inner   *recordingIngestor
	monitor *testMonitor
	after   int
	count   int
}

func (d *droppingIngestor) SubmitEntity(ctx context.Context, sub remote.SyncSubmission) (remote.SyncResult, error) {
	result, err := d.inner.SubmitEntity(ctx, sub)
	if err == nil {
		d.count++
		if d.count >= d.after {
			d.monitor.setOnline(false)
		}
	}
	return result, err
}

func TestRunDrainsOnOnlineTransition(t *testing.T) {
	repo := memory.New()
	ingestor := newRecordingIngestor()
	monitor := newTestMonitor(true)
	c := NewCoordinator(repo, ingestor, monitor, nil, 50, time.Second, time.Hour)

	enqueue(t, c, domain.EntitySale, "sale-run")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	monitor.transitions <- struct{}{}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("drain did not happen after online transition")
		default:
		}
		if len(ingestor.delivered()) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func queueDepthIs(t *testing.T, repo store.Repository, entityType string, want int) {
	t.Helper()
	depths, err := repo.QueueDepths(context.Background())
	if err != nil {
		t.Fatalf("queue depths: %v", err)
	}
	for _, depth := range depths {
		if depth.EntityType == entityType {
			if depth.Pending != want {
				t.Fatalf("expected %s depth %d, got %d", entityType, want, depth.Pending)
			}
			return
		}
	}
	if want != 0 {
		t.Fatalf("entity type %s missing from depths", entityType)
	}
}
