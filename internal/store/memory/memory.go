package memory

import (
	"context"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"tillsync/backend/internal/domain"
	"tillsync/backend/internal/store"
	"tillsync/backend/internal/xid"
)

type Store struct {
	mu             sync.RWMutex
	paymentsByID   map[string]*domain.PaymentRecord
	paymentsByIdem map[string]string
	paymentOrder   []string
	queues         map[string][]*domain.SyncQueueEntry
	deadLetters    map[string]domain.DeadLetter
	cursors        map[string]time.Time
	users          map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		paymentsByID:   make(map[string]*domain.PaymentRecord),
		paymentsByIdem: make(map[string]string),
		queues:         make(map[string][]*domain.SyncQueueEntry),
		deadLetters:    make(map[string]domain.DeadLetter),
		cursors:        make(map[string]time.Time),
		users:          make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store with dev/demo user accounts. Credentials are read
// from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD; hardcoded dev defaults
// are used with a warning when unset. Durable deployments use sqlite or
// postgres instead.
func NewSeeded() *Store {
	s := New()
	s.users = seedUsers()
	return s
}

func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) AppendPayment(_ context.Context, rec domain.PaymentRecord) (*domain.PaymentRecord, error) {
	if rec.StoreID == "" || rec.Method == "" || rec.AmountCents <= 0 {
		return nil, store.ErrInvalidRequest
	}
	if rec.Status == domain.StatusReversed && rec.OriginalPaymentID == "" {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.IdempotencyKey != "" {
		if existingID, exists := s.paymentsByIdem[rec.IdempotencyKey]; exists {
			existing := *s.paymentsByID[existingID]
			return &existing, store.ErrDuplicateIdempotency
		}
	}

	if rec.ID == "" {
		rec.ID = xid.New("pay")
	}
	if rec.RequestedAt.IsZero() {
		rec.RequestedAt = time.Now().UTC()
	}

	stored := rec
	s.paymentsByID[stored.ID] = &stored
	s.paymentOrder = append(s.paymentOrder, stored.ID)
	if stored.IdempotencyKey != "" {
		s.paymentsByIdem[stored.IdempotencyKey] = stored.ID
	}

	out := stored
	return &out, nil
}

func (s *Store) GetPaymentByID(_ context.Context, id string) (*domain.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.paymentsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *rec
	return &out, nil
}

func (s *Store) FindPaymentByIdempotency(_ context.Context, key string) (*domain.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.paymentsByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *s.paymentsByID[id]
	return &out, nil
}

func (s *Store) ListPaymentsBySale(_ context.Context, saleID string) ([]domain.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]domain.PaymentRecord, 0, 4)
	for _, id := range s.paymentOrder {
		rec := s.paymentsByID[id]
		if rec.SaleID == saleID {
			records = append(records, *rec)
		}
	}
	return records, nil
}

func (s *Store) SetPaymentStatus(_ context.Context, id string, status string, authorizationRef string, settledAt *time.Time) (*domain.PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.paymentsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if rec.Status != domain.StatusPending {
		return nil, store.ErrInvalidTransition
	}
	if status != domain.StatusSettled && status != domain.StatusFailed {
		return nil, store.ErrInvalidTransition
	}

	rec.Status = status
	if authorizationRef != "" {
		rec.AuthorizationRef = authorizationRef
	}
	rec.SettledAt = settledAt

	out := *rec
	return &out, nil
}

func (s *Store) MarkPaymentRetry(_ context.Context, id string, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.paymentsByID[id]
	if !ok {
		return store.ErrNotFound
	}
	rec.AttemptCount++
	rec.FailureReason = lastError
	return nil
}

func (s *Store) FlagPaymentForReview(_ context.Context, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.paymentsByID[id]
	if !ok {
		return store.ErrNotFound
	}
	if rec.Status != domain.StatusPending {
		return store.ErrInvalidTransition
	}
	rec.Status = domain.StatusFailed
	rec.NeedsReview = true
	rec.FailureReason = reason
	return nil
}

func (s *Store) OutstandingOffline(_ context.Context, storeID string, method string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, rec := range s.paymentsByID {
		if rec.StoreID == storeID && rec.Method == method &&
			rec.Mode == domain.ModeOfflineProvisional && rec.Status == domain.StatusPending {
			total += rec.AmountCents
		}
	}
	return total, nil
}

// ListPendingOffline filters by store when storeID is non-empty; an empty
// storeID spans every store.
func (s *Store) ListPendingOffline(_ context.Context, storeID string, limit int) ([]domain.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]domain.PaymentRecord, 0, 16)
	for _, id := range s.paymentOrder {
		rec := s.paymentsByID[id]
		if (storeID == "" || rec.StoreID == storeID) && rec.Mode == domain.ModeOfflineProvisional && rec.Status == domain.StatusPending {
			records = append(records, *rec)
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].RequestedAt.Before(records[j].RequestedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *Store) SumRefundedCents(_ context.Context, originalPaymentID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, rec := range s.paymentsByID {
		if rec.OriginalPaymentID == originalPaymentID && rec.Status == domain.StatusReversed {
			total += rec.AmountCents
		}
	}
	return total, nil
}

func (s *Store) GetLedgerSummary(_ context.Context, storeID string, from time.Time, to time.Time) (domain.LedgerSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := domain.LedgerSummary{
		StoreID:              storeID,
		From:                 from,
		To:                   to,
		SettledCentsByMethod: map[string]int64{},
	}
	for _, rec := range s.paymentsByID {
		if rec.StoreID != storeID || rec.RequestedAt.Before(from) || rec.RequestedAt.After(to) {
			continue
		}
		switch rec.Status {
		case domain.StatusSettled:
			summary.SettledCentsByMethod[rec.Method] += rec.AmountCents
		case domain.StatusReversed:
			summary.ReversedCents += rec.AmountCents
		case domain.StatusPending:
			if rec.Mode == domain.ModeOfflineProvisional {
				summary.PendingOfflineCents += rec.AmountCents
			}
		case domain.StatusFailed:
			summary.FailedCount++
		}
		if rec.NeedsReview {
			summary.NeedsReviewCount++
		}
	}
	return summary, nil
}

func (s *Store) EnqueueSyncEntry(_ context.Context, entry domain.SyncQueueEntry) (*domain.SyncQueueEntry, error) {
	if entry.EntityType == "" || entry.EntityID == "" {
		return nil, store.ErrInvalidRequest
	}
	switch entry.Operation {
	case domain.OpCreate, domain.OpUpdate, domain.OpDelete:
	default:
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("sync")
	}
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now().UTC()
	}

	stored := entry
	s.queues[stored.EntityType] = append(s.queues[stored.EntityType], &stored)

	out := stored
	return &out, nil
}

func (s *Store) PeekSyncEntries(_ context.Context, entityType string, limit int) ([]domain.SyncQueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	queue := s.queues[entityType]
	if limit <= 0 || limit > len(queue) {
		limit = len(queue)
	}
	entries := make([]domain.SyncQueueEntry, 0, limit)
	for _, entry := range queue[:limit] {
		entries = append(entries, *entry)
	}
	return entries, nil
}

// MarkSynced removes the entry and advances its type's cursor in one critical
// section, so a crash can never leave a removed entry behind the cursor.
func (s *Store) MarkSynced(_ context.Context, entryID string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.removeFromQueue(entryID)
	if err != nil {
		return err
	}
	if entry.EnqueuedAt.After(s.cursors[entry.EntityType]) {
		s.cursors[entry.EntityType] = entry.EnqueuedAt
	}
	return nil
}

func (s *Store) RecordSyncFailure(_ context.Context, entryID string, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, queue := range s.queues {
		for _, entry := range queue {
			if entry.ID == entryID {
				entry.AttemptCount++
				entry.LastError = lastError
				return nil
			}
		}
	}
	return store.ErrNotFound
}

func (s *Store) MoveToDeadLetter(_ context.Context, entryID string, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.removeFromQueue(entryID)
	if err != nil {
		return err
	}
	s.deadLetters[entry.ID] = domain.DeadLetter{Entry: *entry, Reason: reason, DeadAt: at}
	return nil
}

func (s *Store) ListDeadLetters(_ context.Context, limit int) ([]domain.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	letters := make([]domain.DeadLetter, 0, len(s.deadLetters))
	for _, letter := range s.deadLetters {
		letters = append(letters, letter)
	}
	sort.SliceStable(letters, func(i, j int) bool {
		return letters[i].DeadAt.Before(letters[j].DeadAt)
	})
	if limit > 0 && len(letters) > limit {
		letters = letters[:limit]
	}
	return letters, nil
}

// RequeueDeadLetter puts a manually reconciled entry back at the tail of its
// type's queue with a fresh enqueue time.
func (s *Store) RequeueDeadLetter(_ context.Context, entryID string, at time.Time) (*domain.SyncQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	letter, ok := s.deadLetters[entryID]
	if !ok {
		return nil, store.ErrNotFound
	}
	delete(s.deadLetters, entryID)

	entry := letter.Entry
	entry.EnqueuedAt = at
	entry.LastError = ""
	stored := entry
	s.queues[stored.EntityType] = append(s.queues[stored.EntityType], &stored)

	out := stored
	return &out, nil
}

func (s *Store) ResolveDeadLetter(_ context.Context, entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deadLetters[entryID]; !ok {
		return store.ErrNotFound
	}
	delete(s.deadLetters, entryID)
	return nil
}

func (s *Store) GetSyncCursor(_ context.Context, entityType string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[entityType], nil
}

func (s *Store) QueueDepths(_ context.Context) ([]domain.QueueDepth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	depths := make([]domain.QueueDepth, 0, len(s.queues))
	for _, entityType := range domain.EntityDrainOrder {
		if n := len(s.queues[entityType]); n > 0 {
			depths = append(depths, domain.QueueDepth{EntityType: entityType, Pending: n})
		}
	}
	return depths, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" {
		return store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[username]; exists {
		return store.ErrInvalidRequest
	}
	user.Username = username
	s.users[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].Username < users[j].Username
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.users[username] = user
	return nil
}

// removeFromQueue must be called with s.mu held.
func (s *Store) removeFromQueue(entryID string) (*domain.SyncQueueEntry, error) {
	for entityType, queue := range s.queues {
		for i, entry := range queue {
			if entry.ID == entryID {
				s.queues[entityType] = append(queue[:i:i], queue[i+1:]...)
				return entry, nil
			}
		}
	}
	return nil, store.ErrNotFound
}
