// Package policy decides whether a payment may be accepted without
// connectivity. It is pure configuration lookup plus bounds checks; the
// processor owns outstanding-total accounting.
package policy

import "tillsync/backend/internal/domain"

type OfflineLimitPolicy struct {
	limits map[string]domain.MethodLimit
}

func NewOfflineLimitPolicy(limits map[string]domain.MethodLimit) *OfflineLimitPolicy {
	if limits == nil {
		limits = map[string]domain.MethodLimit{}
	}
	return &OfflineLimitPolicy{limits: limits}
}

// CanAcceptOffline fails closed: methods without a configured limit are never
// offline-capable, and both the single-payment and aggregate-outstanding
// bounds must hold.
func (p *OfflineLimitPolicy) CanAcceptOffline(method string, amountCents int64, outstandingCents int64) bool {
	if amountCents <= 0 {
		return false
	}
	limit, ok := p.limits[method]
	if !ok {
		return false
	}
	if amountCents > limit.MaxSingleCents {
		return false
	}
	if outstandingCents+amountCents > limit.MaxAggregateCents {
		return false
	}
	return true
}

// Limit returns the configured limit for a method, if any.
func (p *OfflineLimitPolicy) Limit(method string) (domain.MethodLimit, bool) {
	limit, ok := p.limits[method]
	return limit, ok
}
