package cache

import (
	"context"
	"time"

	"tillsync/backend/internal/domain"
)

// AuthorizationCache remembers remote authorization outcomes per idempotency
// key so a settlement retry after a crash cannot double-charge a card.
type AuthorizationCache interface {
	Get(ctx context.Context, key string) (*domain.AuthorizationResult, bool, error)
	Set(ctx context.Context, key string, value *domain.AuthorizationResult, ttl time.Duration) error
}

type NoopAuthorizationCache struct{}

func (NoopAuthorizationCache) Get(_ context.Context, _ string) (*domain.AuthorizationResult, bool, error) {
	return nil, false, nil
}

func (NoopAuthorizationCache) Set(_ context.Context, _ string, _ *domain.AuthorizationResult, _ time.Duration) error {
	return nil
}
