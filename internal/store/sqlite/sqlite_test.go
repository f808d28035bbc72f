package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"tillsync/backend/internal/domain"
	"tillsync/backend/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func appendPayment(t *testing.T, s *Store, rec domain.PaymentRecord) *domain.PaymentRecord {
	t.Helper()
	stored, err := s.AppendPayment(context.Background(), rec)
	if err != nil {
		t.Fatalf("append payment: %v", err)
	}
	return stored
}

func enqueueEntry(t *testing.T, s *Store, entityType, entityID string, at time.Time) *domain.SyncQueueEntry {
	t.Helper()
	entry, err := s.EnqueueSyncEntry(context.Background(), domain.SyncQueueEntry{
		EntityType: entityType,
		EntityID:   entityID,
		Operation:  domain.OpCreate,
		Payload:    []byte(`{}`),
		EnqueuedAt: at,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return entry
}

func TestPaymentRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	stored := appendPayment(t, s, domain.PaymentRecord{
		StoreID: "st", SaleID: "sale-1", Method: domain.MethodCard, Currency: "USD",
		AmountCents: 1500, Mode: domain.ModeOnline, Status: domain.StatusSettled,
		AuthorizationRef: "auth-1", IdempotencyKey: "rk-1",
		RequestedAt: now, SettledAt: &now,
	})

	got, err := s.GetPaymentByID(ctx, stored.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AmountCents != 1500 || got.Status != domain.StatusSettled || got.IdempotencyKey != "rk-1" {
		t.Fatalf("unexpected record %+v", got)
	}
	if got.SettledAt == nil || !got.SettledAt.Equal(now) {
		t.Fatalf("settled_at mismatch: %v vs %v", got.SettledAt, now)
	}

	byKey, err := s.FindPaymentByIdempotency(ctx, "rk-1")
	if err != nil {
		t.Fatalf("find by key: %v", err)
	}
	if byKey.ID != stored.ID {
		t.Fatalf("expected %s, got %s", stored.ID, byKey.ID)
	}
}

func TestAppendPaymentDuplicateKeyReturnsExistingRecord(t *testing.T) {
	s := newTestStore(t)

	first := appendPayment(t, s, domain.PaymentRecord{
		StoreID: "st", SaleID: "sale", Method: domain.MethodCash,
		AmountCents: 100, Status: domain.StatusPending,
		Mode: domain.ModeOfflineProvisional, IdempotencyKey: "k1",
	})

	existing, err := s.AppendPayment(context.Background(), domain.PaymentRecord{
		StoreID: "st", SaleID: "sale", Method: domain.MethodCash,
		AmountCents: 100, Status: domain.StatusPending,
		Mode: domain.ModeOfflineProvisional, IdempotencyKey: "k1",
	})
	if !errors.Is(err, store.ErrDuplicateIdempotency) {
		t.Fatalf("expected ErrDuplicateIdempotency, got %v", err)
	}
	if existing == nil || existing.ID != first.ID {
		t.Fatalf("expected the stored record back, got %v", existing)
	}
}

func TestSetPaymentStatusTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := appendPayment(t, s, domain.PaymentRecord{
		StoreID: "st", SaleID: "sale", Method: domain.MethodCash,
		AmountCents: 100, Status: domain.StatusPending,
		Mode: domain.ModeOfflineProvisional,
	})

	updated, err := s.SetPaymentStatus(ctx, rec.ID, domain.StatusSettled, "ref-1", &now)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if updated.Status != domain.StatusSettled || updated.AuthorizationRef != "ref-1" {
		t.Fatalf("unexpected record %+v", updated)
	}

	if _, err := s.SetPaymentStatus(ctx, rec.ID, domain.StatusFailed, "", nil); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition out of settled, got %v", err)
	}
	if _, err := s.SetPaymentStatus(ctx, "missing", domain.StatusSettled, "", nil); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.SetPaymentStatus(ctx, rec.ID, domain.StatusReversed, "", nil); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition to reversed, got %v", err)
	}
}

func TestFlagPaymentForReview(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := appendPayment(t, s, domain.PaymentRecord{
		StoreID: "st", SaleID: "sale", Method: domain.MethodCash,
		AmountCents: 100, Status: domain.StatusPending,
		Mode: domain.ModeOfflineProvisional,
	})

	if err := s.FlagPaymentForReview(ctx, rec.ID, "invalid charge"); err != nil {
		t.Fatalf("flag: %v", err)
	}
	got, err := s.GetPaymentByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusFailed || !got.NeedsReview {
		t.Fatalf("expected failed + needs_review, got %+v", got)
	}
}

func TestOutstandingOfflineAndPendingList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	appendPayment(t, s, domain.PaymentRecord{
		StoreID: "main", SaleID: "s1", Method: domain.MethodCash,
		AmountCents: 300, Status: domain.StatusPending, Mode: domain.ModeOfflineProvisional,
	})
	appendPayment(t, s, domain.PaymentRecord{
		StoreID: "branch-2", SaleID: "s2", Method: domain.MethodCash,
		AmountCents: 400, Status: domain.StatusPending, Mode: domain.ModeOfflineProvisional,
	})
	appendPayment(t, s, domain.PaymentRecord{
		StoreID: "main", SaleID: "s3", Method: domain.MethodCash,
		AmountCents: 500, Status: domain.StatusSettled, Mode: domain.ModeOnline,
	})

	outstanding, err := s.OutstandingOffline(ctx, "main", domain.MethodCash)
	if err != nil {
		t.Fatalf("outstanding: %v", err)
	}
	if outstanding != 300 {
		t.Fatalf("expected 300, got %d", outstanding)
	}

	scoped, err := s.ListPendingOffline(ctx, "main", 0)
	if err != nil {
		t.Fatalf("scoped list: %v", err)
	}
	if len(scoped) != 1 {
		t.Fatalf("expected 1 scoped record, got %d", len(scoped))
	}
	all, err := s.ListPendingOffline(ctx, "", 0)
	if err != nil {
		t.Fatalf("all-stores list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 records across stores, got %d", len(all))
	}
}

func TestPeekSyncEntriesFIFOAcrossSecondBoundaries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// A whole-second timestamp must still sort before a fractional one in
	// the same second.
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	enqueueEntry(t, s, domain.EntitySale, "a-first", base)
	enqueueEntry(t, s, domain.EntitySale, "b-second", base.Add(500*time.Millisecond))
	enqueueEntry(t, s, domain.EntitySale, "c-third", base.Add(time.Second))

	entries, err := s.PeekSyncEntries(ctx, domain.EntitySale, 0)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	want := []string{"a-first", "b-second", "c-third"}
	if len(entries) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(entries))
	}
	for i, id := range want {
		if entries[i].EntityID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, entries[i].EntityID)
		}
	}
}

func TestMarkSyncedRemovesEntryAndAdvancesCursor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	first := enqueueEntry(t, s, domain.EntitySale, "s-1", base)
	second := enqueueEntry(t, s, domain.EntitySale, "s-2", base.Add(250*time.Millisecond))

	if err := s.MarkSynced(ctx, first.ID, time.Now().UTC()); err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	entries, err := s.PeekSyncEntries(ctx, domain.EntitySale, 0)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != second.ID {
		t.Fatalf("expected only the second entry, got %v", entries)
	}

	cursor, err := s.GetSyncCursor(ctx, domain.EntitySale)
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if !cursor.Equal(first.EnqueuedAt) {
		t.Fatalf("expected cursor at %v, got %v", first.EnqueuedAt, cursor)
	}

	// The fractional-second entry must advance the cursor past the
	// whole-second one.
	if err := s.MarkSynced(ctx, second.ID, time.Now().UTC()); err != nil {
		t.Fatalf("mark second synced: %v", err)
	}
	cursor, err = s.GetSyncCursor(ctx, domain.EntitySale)
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if !cursor.Equal(second.EnqueuedAt) {
		t.Fatalf("expected cursor at %v, got %v", second.EnqueuedAt, cursor)
	}

	if err := s.MarkSynced(ctx, first.ID, time.Now().UTC()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on replay, got %v", err)
	}
}

func TestDeadLetterLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := enqueueEntry(t, s, domain.EntityProduct, "p-1", time.Now().UTC())

	if err := s.MoveToDeadLetter(ctx, entry.ID, "schema mismatch", time.Now().UTC()); err != nil {
		t.Fatalf("move to dead letter: %v", err)
	}
	entries, err := s.PeekSyncEntries(ctx, domain.EntityProduct, 0)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty queue, got %d entries", len(entries))
	}
	letters, err := s.ListDeadLetters(ctx, 0)
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(letters) != 1 || letters[0].Reason != "schema mismatch" {
		t.Fatalf("unexpected dead letters %v", letters)
	}

	requeued, err := s.RequeueDeadLetter(ctx, entry.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if requeued.EntityID != "p-1" {
		t.Fatalf("unexpected requeued entry %+v", requeued)
	}
	entries, _ = s.PeekSyncEntries(ctx, domain.EntityProduct, 0)
	if len(entries) != 1 {
		t.Fatalf("expected 1 live entry after requeue, got %d", len(entries))
	}

	if err := s.MoveToDeadLetter(ctx, entry.ID, "still bad", time.Now().UTC()); err != nil {
		t.Fatalf("move again: %v", err)
	}
	if err := s.ResolveDeadLetter(ctx, entry.ID); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := s.ResolveDeadLetter(ctx, entry.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound resolving twice, got %v", err)
	}
}

func TestRecordSyncFailureIncrementsAttempts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := enqueueEntry(t, s, domain.EntityStockMovement, "mv-1", time.Now().UTC())
	if err := s.RecordSyncFailure(ctx, entry.ID, "remote unavailable"); err != nil {
		t.Fatalf("record failure: %v", err)
	}

	entries, err := s.PeekSyncEntries(ctx, domain.EntityStockMovement, 0)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(entries) != 1 || entries[0].AttemptCount != 1 || entries[0].LastError != "remote unavailable" {
		t.Fatalf("unexpected entry %+v", entries)
	}
}

func TestQueueDepthsGroupedByType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enqueueEntry(t, s, domain.EntitySale, "s-1", time.Now().UTC())
	enqueueEntry(t, s, domain.EntitySale, "s-2", time.Now().UTC())
	enqueueEntry(t, s, domain.EntityCustomer, "c-1", time.Now().UTC())

	depths, err := s.QueueDepths(ctx)
	if err != nil {
		t.Fatalf("depths: %v", err)
	}
	byType := map[string]int{}
	for _, depth := range depths {
		byType[depth.EntityType] = depth.Pending
	}
	if byType[domain.EntitySale] != 2 || byType[domain.EntityCustomer] != 1 {
		t.Fatalf("unexpected depths %v", byType)
	}
}

func TestUserAccounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateUser(ctx, domain.UserAccount{
		Username: "kiosk", Password: "hashed", Role: "cashier",
		Active: true, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	if err := s.UpdateUserPassword(ctx, "kiosk", "rehashed"); err != nil {
		t.Fatalf("update password: %v", err)
	}
	users, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 1 || users[0].Password != "rehashed" || !users[0].Active {
		t.Fatalf("unexpected users %v", users)
	}

	if err := s.UpdateUserPassword(ctx, "ghost", "x"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
