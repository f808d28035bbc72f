package domain

import (
	"encoding/json"
	"time"
)

// Payment methods. Methods absent from the offline limit configuration are
// never offline-capable.
const (
	MethodCash        = "cash"
	MethodCard        = "card"
	MethodMobileMoney = "mobile_money"
)

// Payment modes.
const (
	ModeOnline             = "online"
	ModeOfflineProvisional = "offline_provisional"
)

// Payment statuses. The store enforces the only legal transitions:
// pending->settled and pending->failed. Reversal never touches the original
// record; it is a new linked record with status reversed.
const (
	StatusPending  = "pending"
	StatusSettled  = "settled"
	StatusFailed   = "failed"
	StatusReversed = "reversed"
)

// Failure reasons carried on failed PaymentRecords so the checkout flow can
// distinguish "try another method" from "no connectivity".
const (
	ReasonDeclined      = "declined"
	ReasonConnectivity  = "connectivity"
	ReasonOfflineLimit  = "offline limit exceeded"
	ReasonInvalidCharge = "charge reported invalid"
)

type PaymentRequest struct {
	StoreID        string `json:"store_id"`
	SaleID         string `json:"sale_id"`
	Method         string `json:"method"`
	Currency       string `json:"currency"`
	AmountCents    int64  `json:"amount_cents"`
	IdempotencyKey string `json:"idempotency_key"`
}

type PaymentRecord struct {
	ID                string     `json:"id"`
	StoreID           string     `json:"store_id"`
	SaleID            string     `json:"sale_id"`
	Method            string     `json:"method"`
	Currency          string     `json:"currency"`
	AmountCents       int64      `json:"amount_cents"`
	Mode              string     `json:"mode"`
	Status            string     `json:"status"`
	AuthorizationRef  string     `json:"authorization_ref,omitempty"`
	FailureReason     string     `json:"failure_reason,omitempty"`
	IdempotencyKey    string     `json:"idempotency_key,omitempty"`
	OriginalPaymentID string     `json:"original_payment_id,omitempty"`
	RefundReason      string     `json:"refund_reason,omitempty"`
	AttemptCount      int        `json:"attempt_count"`
	NeedsReview       bool       `json:"needs_review"`
	RequestedAt       time.Time  `json:"requested_at"`
	SettledAt         *time.Time `json:"settled_at,omitempty"`
}

type PaymentResponse struct {
	Payment   PaymentRecord `json:"payment"`
	Duplicate bool          `json:"duplicate"`
}

type RefundRequest struct {
	PaymentID   string `json:"payment_id"`
	AmountCents int64  `json:"amount_cents"`
	Reason      string `json:"reason"`
	ManagerPIN  string `json:"manager_pin"`
}

// MethodLimit bounds offline acceptance for one payment method.
type MethodLimit struct {
	MaxSingleCents    int64 `json:"max_single_cents"`
	MaxAggregateCents int64 `json:"max_aggregate_cents"`
}

// Syncable entity types. Reference data must reach the remote system before
// the transactional data that references it.
const (
	EntityCustomer      = "customer"
	EntityStaff         = "staff"
	EntityProduct       = "product"
	EntitySale          = "sale"
	EntityStockMovement = "stock_movement"
	EntityPayment       = "payment"
)

// EntityDrainOrder is the fixed cross-type dependency order used by the sync
// coordinator.
var EntityDrainOrder = []string{
	EntityCustomer,
	EntityStaff,
	EntityProduct,
	EntitySale,
	EntityStockMovement,
	EntityPayment,
}

// Sync operations.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

type SyncQueueEntry struct {
	ID           string          `json:"id"`
	EntityType   string          `json:"entity_type"`
	EntityID     string          `json:"entity_id"`
	Operation    string          `json:"operation"`
	Payload      json.RawMessage `json:"payload"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	AttemptCount int             `json:"attempt_count"`
	LastError    string          `json:"last_error,omitempty"`
}

type DeadLetter struct {
	Entry  SyncQueueEntry `json:"entry"`
	Reason string         `json:"reason"`
	DeadAt time.Time      `json:"dead_at"`
}

type SyncEnqueueRequest struct {
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Operation  string          `json:"operation"`
	Payload    json.RawMessage `json:"payload"`
}

// DrainStats summarizes one pass of the sync coordinator.
type DrainStats struct {
	Delivered   int  `json:"delivered"`
	DeadLetters int  `json:"dead_letters"`
	Deferred    int  `json:"deferred"`
	Settled     int  `json:"settled"`
	Flagged     int  `json:"flagged"`
	Interrupted bool `json:"interrupted"`
}

type QueueDepth struct {
	EntityType string `json:"entity_type"`
	Pending    int    `json:"pending"`
}

type StatusResponse struct {
	Online                  bool         `json:"online"`
	QueueDepths             []QueueDepth `json:"queue_depths"`
	DeadLetterCount         int          `json:"dead_letter_count"`
	PendingOfflinePayments  int          `json:"pending_offline_payments"`
	OutstandingOfflineCents int64        `json:"outstanding_offline_cents"`
	At                      string       `json:"at"`
}

// LedgerSummary aggregates settled and outstanding amounts for a store over a
// reporting window.
type LedgerSummary struct {
	StoreID              string           `json:"store_id"`
	From                 time.Time        `json:"from"`
	To                   time.Time        `json:"to"`
	SettledCentsByMethod map[string]int64 `json:"settled_cents_by_method"`
	ReversedCents        int64            `json:"reversed_cents"`
	PendingOfflineCents  int64            `json:"pending_offline_cents"`
	FailedCount          int              `json:"failed_count"`
	NeedsReviewCount     int              `json:"needs_review_count"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type UserAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// AuthorizationResult is the remote authorization outcome, cached per
// idempotency key so a settlement retry cannot double-charge.
type AuthorizationResult struct {
	Authorized       bool   `json:"authorized"`
	AuthorizationRef string `json:"authorization_ref,omitempty"`
	RejectionReason  string `json:"rejection_reason,omitempty"`
}
