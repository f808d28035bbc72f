package store

import (
	"context"
	"errors"
	"time"

	"tillsync/backend/internal/domain"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrInvalidRequest        = errors.New("invalid request")
	ErrNotRefundable         = errors.New("payment not refundable")
	ErrRefundExceedsOriginal = errors.New("refund exceeds original amount")
	ErrInvalidTransition     = errors.New("invalid status transition")

	// ErrDuplicateIdempotency is returned by AppendPayment together with the
	// previously stored record when the idempotency key already exists.
	ErrDuplicateIdempotency = errors.New("duplicate idempotency key")
)

// Repository is the durable storage contract shared by the payment ledger and
// the sync queue. Implementations must make MarkSynced (entry removal + cursor
// advance) atomic, and must reject payment status transitions other than
// pending->settled and pending->failed.
type Repository interface {
	// Payment ledger. Records are append-only; reversal is a new record.
	// AppendPayment with an already-stored idempotency key returns the
	// existing record and ErrDuplicateIdempotency.
	AppendPayment(ctx context.Context, rec domain.PaymentRecord) (*domain.PaymentRecord, error)
	GetPaymentByID(ctx context.Context, id string) (*domain.PaymentRecord, error)
	FindPaymentByIdempotency(ctx context.Context, key string) (*domain.PaymentRecord, error)
	ListPaymentsBySale(ctx context.Context, saleID string) ([]domain.PaymentRecord, error)
	SetPaymentStatus(ctx context.Context, id string, status string, authorizationRef string, settledAt *time.Time) (*domain.PaymentRecord, error)
	MarkPaymentRetry(ctx context.Context, id string, lastError string) error
	FlagPaymentForReview(ctx context.Context, id string, reason string) error
	OutstandingOffline(ctx context.Context, storeID string, method string) (int64, error)
	// ListPendingOffline with an empty storeID spans every store.
	ListPendingOffline(ctx context.Context, storeID string, limit int) ([]domain.PaymentRecord, error)
	SumRefundedCents(ctx context.Context, originalPaymentID string) (int64, error)
	GetLedgerSummary(ctx context.Context, storeID string, from time.Time, to time.Time) (domain.LedgerSummary, error)

	// Sync queue. FIFO per entity type by enqueue time.
	EnqueueSyncEntry(ctx context.Context, entry domain.SyncQueueEntry) (*domain.SyncQueueEntry, error)
	PeekSyncEntries(ctx context.Context, entityType string, limit int) ([]domain.SyncQueueEntry, error)
	MarkSynced(ctx context.Context, entryID string, syncedAt time.Time) error
	RecordSyncFailure(ctx context.Context, entryID string, lastError string) error
	MoveToDeadLetter(ctx context.Context, entryID string, reason string, at time.Time) error
	ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error)
	RequeueDeadLetter(ctx context.Context, entryID string, at time.Time) (*domain.SyncQueueEntry, error)
	ResolveDeadLetter(ctx context.Context, entryID string) error
	GetSyncCursor(ctx context.Context, entityType string) (time.Time, error)
	QueueDepths(ctx context.Context) ([]domain.QueueDepth, error)

	// User accounts for the auth manager.
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
