// Package payment is the only entry point that produces PaymentRecords. It
// chooses online vs offline handling from the connectivity monitor and the
// offline limit policy, and appends every outcome to the ledger before
// responding.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"tillsync/backend/internal/cache"
	"tillsync/backend/internal/domain"
	"tillsync/backend/internal/policy"
	"tillsync/backend/internal/remote"
	"tillsync/backend/internal/store"
	"tillsync/backend/internal/xid"
)

// Authorizer submits a charge to the central system.
type Authorizer interface {
	Authorize(ctx context.Context, req remote.AuthorizationRequest) (domain.AuthorizationResult, error)
}

// Connectivity is the subset of the monitor the processor needs.
type Connectivity interface {
	IsOnline() bool
	ReportFailure()
}

const authorizationCacheTTL = 24 * time.Hour

type Processor struct {
	repo             store.Repository
	authorizer       Authorizer
	monitor          Connectivity
	policy           *policy.OfflineLimitPolicy
	authCache        cache.AuthorizationCache
	authorizeTimeout time.Duration
	defaultStoreID   string

	// Serializes outstanding-offline accounting per (store, method) so
	// concurrent requests see a consistent running total.
	lockMu      sync.Mutex
	methodLocks map[string]*sync.Mutex
}

func NewProcessor(repo store.Repository, authorizer Authorizer, monitor Connectivity, limitPolicy *policy.OfflineLimitPolicy, authCache cache.AuthorizationCache, authorizeTimeout time.Duration, defaultStoreID string) *Processor {
	if authCache == nil {
		authCache = cache.NoopAuthorizationCache{}
	}
	if authorizeTimeout <= 0 {
		authorizeTimeout = 2 * time.Second
	}
	if defaultStoreID == "" {
		defaultStoreID = "main-store"
	}
	return &Processor{
		repo:             repo,
		authorizer:       authorizer,
		monitor:          monitor,
		policy:           limitPolicy,
		authCache:        authCache,
		authorizeTimeout: authorizeTimeout,
		defaultStoreID:   defaultStoreID,
		methodLocks:      make(map[string]*sync.Mutex),
	}
}

// ProcessPayment executes one payment request to a terminal-state or
// pending-offline PaymentRecord. Declines and policy rejections come back as
// failed records, not errors; only invalid input, cancellation before the
// ledger append, and storage faults surface as errors.
func (p *Processor) ProcessPayment(ctx context.Context, req domain.PaymentRequest) (domain.PaymentResponse, error) {
	if req.StoreID == "" {
		req.StoreID = p.defaultStoreID
	}
	if req.Currency == "" {
		req.Currency = "USD"
	}
	if req.Method == "" || req.SaleID == "" || req.AmountCents <= 0 {
		return domain.PaymentResponse{}, store.ErrInvalidRequest
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = xid.New("payreq")
	}

	if existing, err := p.repo.FindPaymentByIdempotency(ctx, req.IdempotencyKey); err == nil {
		return domain.PaymentResponse{Payment: *existing, Duplicate: true}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.PaymentResponse{}, err
	}

	rec := domain.PaymentRecord{
		ID:             xid.New("pay"),
		StoreID:        req.StoreID,
		SaleID:         req.SaleID,
		Method:         req.Method,
		Currency:       req.Currency,
		AmountCents:    req.AmountCents,
		IdempotencyKey: req.IdempotencyKey,
		RequestedAt:    time.Now().UTC(),
	}

	connectivityFallback := false
	if p.monitor.IsOnline() {
		result, err := p.authorize(ctx, req.IdempotencyKey, remote.AuthorizationRequest{
			Method:         req.Method,
			AmountCents:    req.AmountCents,
			Currency:       req.Currency,
			IdempotencyKey: req.IdempotencyKey,
		})
		switch {
		case err == nil && result.Authorized:
			now := time.Now().UTC()
			rec.Mode = domain.ModeOnline
			rec.Status = domain.StatusSettled
			rec.AuthorizationRef = result.AuthorizationRef
			rec.SettledAt = &now
			return p.appendAndEnqueue(ctx, rec)
		case err == nil:
			// Business rejection: terminal, never retried.
			rec.Mode = domain.ModeOnline
			rec.Status = domain.StatusFailed
			rec.FailureReason = rejectionReason(result.RejectionReason)
			return p.appendAndEnqueue(ctx, rec)
		default:
			// Timeout or unreachable: the link may have just dropped.
			p.monitor.ReportFailure()
			connectivityFallback = true
		}
	}

	return p.processOffline(ctx, rec, connectivityFallback)
}

// processOffline evaluates the offline limit policy under the per-(store,
// method) lock so the read-check-append sequence is atomic with respect to
// concurrent requests on the same method.
func (p *Processor) processOffline(ctx context.Context, rec domain.PaymentRecord, connectivityFallback bool) (domain.PaymentResponse, error) {
	lock := p.methodLock(rec.StoreID, rec.Method)
	lock.Lock()
	defer lock.Unlock()

	outstanding, err := p.repo.OutstandingOffline(ctx, rec.StoreID, rec.Method)
	if err != nil {
		return domain.PaymentResponse{}, err
	}

	if p.policy.CanAcceptOffline(rec.Method, rec.AmountCents, outstanding) {
		rec.Mode = domain.ModeOfflineProvisional
		rec.Status = domain.StatusPending
		return p.appendAndEnqueue(ctx, rec)
	}

	rec.Mode = domain.ModeOfflineProvisional
	rec.Status = domain.StatusFailed
	if connectivityFallback {
		rec.FailureReason = domain.ReasonConnectivity
	} else {
		rec.FailureReason = domain.ReasonOfflineLimit
	}
	return p.appendAndEnqueue(ctx, rec)
}

// appendAndEnqueue is the log-before-respond step. Cancellation is honored
// only before the append; once the record is durable its lifecycle runs to a
// terminal state.
func (p *Processor) appendAndEnqueue(ctx context.Context, rec domain.PaymentRecord) (domain.PaymentResponse, error) {
	if err := ctx.Err(); err != nil {
		return domain.PaymentResponse{}, err
	}

	stored, err := p.repo.AppendPayment(ctx, rec)
	if errors.Is(err, store.ErrDuplicateIdempotency) {
		// A concurrent request with the same key won the append race.
		return domain.PaymentResponse{Payment: *stored, Duplicate: true}, nil
	}
	if err != nil {
		return domain.PaymentResponse{}, err
	}

	if stored.Status == domain.StatusSettled || stored.Status == domain.StatusPending || stored.Status == domain.StatusReversed {
		p.enqueueForSync(ctx, *stored)
	}

	return domain.PaymentResponse{Payment: *stored}, nil
}

func (p *Processor) enqueueForSync(ctx context.Context, rec domain.PaymentRecord) {
	payload, err := json.Marshal(rec)
	if err != nil {
		log.Printf("[payment] WARN: failed to marshal payment %s for sync: %v", rec.ID, err)
		return
	}
	_, err = p.repo.EnqueueSyncEntry(ctx, domain.SyncQueueEntry{
		EntityType: domain.EntityPayment,
		EntityID:   rec.ID,
		Operation:  domain.OpCreate,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	})
	if err != nil {
		log.Printf("[payment] WARN: failed to enqueue payment %s for sync: %v", rec.ID, err)
	}
}

// RefundPayment creates a reversal record linked to a settled original.
// Partial refunds are allowed as long as the running refunded total stays
// within the original amount; the original record is never mutated.
func (p *Processor) RefundPayment(ctx context.Context, req domain.RefundRequest) (domain.PaymentRecord, error) {
	if req.PaymentID == "" || req.AmountCents <= 0 {
		return domain.PaymentRecord{}, store.ErrInvalidRequest
	}

	original, err := p.repo.GetPaymentByID(ctx, req.PaymentID)
	if err != nil {
		return domain.PaymentRecord{}, err
	}
	if original.Status != domain.StatusSettled {
		return domain.PaymentRecord{}, store.ErrNotRefundable
	}
	if req.AmountCents > original.AmountCents {
		return domain.PaymentRecord{}, store.ErrRefundExceedsOriginal
	}

	refunded, err := p.repo.SumRefundedCents(ctx, original.ID)
	if err != nil {
		return domain.PaymentRecord{}, err
	}
	if refunded+req.AmountCents > original.AmountCents {
		return domain.PaymentRecord{}, store.ErrRefundExceedsOriginal
	}

	rec := domain.PaymentRecord{
		ID:                xid.New("rev"),
		StoreID:           original.StoreID,
		SaleID:            original.SaleID,
		Method:            original.Method,
		Currency:          original.Currency,
		AmountCents:       req.AmountCents,
		Mode:              original.Mode,
		Status:            domain.StatusReversed,
		OriginalPaymentID: original.ID,
		RefundReason:      req.Reason,
		RequestedAt:       time.Now().UTC(),
	}

	resp, err := p.appendAndEnqueue(ctx, rec)
	if err != nil {
		return domain.PaymentRecord{}, err
	}
	log.Printf("[payment] refund %s of %d against %s (%s)", resp.Payment.ID, req.AmountCents, original.ID, req.Reason)
	return resp.Payment, nil
}

// SettleProvisional resubmits pending offline records for remote
// authorization. Settled on success; retry count incremented and left pending
// on transient faults; flagged for manual review, never discarded, when the
// remote reports the charge invalid.
func (p *Processor) SettleProvisional(ctx context.Context) (settled int, flagged int, err error) {
	// Empty store selector: records accepted under any store ID settle.
	pending, err := p.repo.ListPendingOffline(ctx, "", 0)
	if err != nil {
		return 0, 0, err
	}

	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			return settled, flagged, err
		}

		result, err := p.authorize(ctx, rec.IdempotencyKey, remote.AuthorizationRequest{
			Method:         rec.Method,
			AmountCents:    rec.AmountCents,
			Currency:       rec.Currency,
			IdempotencyKey: rec.IdempotencyKey,
		})
		if err != nil {
			p.monitor.ReportFailure()
			if retryErr := p.repo.MarkPaymentRetry(ctx, rec.ID, err.Error()); retryErr != nil {
				log.Printf("[payment] WARN: failed to record settlement retry for %s: %v", rec.ID, retryErr)
			}
			// Connectivity is gone again; later drains pick up the rest.
			return settled, flagged, err
		}

		if result.Authorized {
			now := time.Now().UTC()
			if _, err := p.repo.SetPaymentStatus(ctx, rec.ID, domain.StatusSettled, result.AuthorizationRef, &now); err != nil {
				log.Printf("[payment] WARN: failed to settle %s: %v", rec.ID, err)
				continue
			}
			settled++
			continue
		}

		reason := fmt.Sprintf("%s: %s", domain.ReasonInvalidCharge, rejectionReason(result.RejectionReason))
		if err := p.repo.FlagPaymentForReview(ctx, rec.ID, reason); err != nil {
			log.Printf("[payment] WARN: failed to flag %s for review: %v", rec.ID, err)
			continue
		}
		flagged++
	}

	return settled, flagged, nil
}

// authorize consults the cache before the wire so a retried key can never be
// charged twice, then caches fresh outcomes.
func (p *Processor) authorize(ctx context.Context, key string, req remote.AuthorizationRequest) (domain.AuthorizationResult, error) {
	if cached, hit, err := p.authCache.Get(ctx, key); err == nil && hit {
		return *cached, nil
	} else if err != nil {
		log.Printf("[payment] WARN: authorization cache read failed for %s: %v", key, err)
	}

	authCtx, cancel := context.WithTimeout(ctx, p.authorizeTimeout)
	defer cancel()

	result, err := p.authorizer.Authorize(authCtx, req)
	if err != nil {
		return domain.AuthorizationResult{}, err
	}

	if cacheErr := p.authCache.Set(ctx, key, &result, authorizationCacheTTL); cacheErr != nil {
		log.Printf("[payment] WARN: authorization cache write failed for %s: %v", key, cacheErr)
	}
	return result, nil
}

func (p *Processor) methodLock(storeID string, method string) *sync.Mutex {
	key := storeID + "|" + method
	p.lockMu.Lock()
	defer p.lockMu.Unlock()

	lock, ok := p.methodLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		p.methodLocks[key] = lock
	}
	return lock
}

func rejectionReason(reason string) string {
	if reason == "" {
		return domain.ReasonDeclined
	}
	return reason
}
