// Package remote is the HTTP client for the central system: payment
// authorization, sync ingestion, and the connectivity probe. Transient faults
// (transport errors, timeouts, 5xx) are returned as errors wrapping
// ErrUnavailable; business outcomes (declines, conflicts) are values.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"tillsync/backend/internal/domain"
)

var ErrUnavailable = errors.New("remote unavailable")

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		// Per-call deadlines come from the caller's context; this is a
		// hard backstop against a missing deadline.
		http: &http.Client{},
	}
}

type AuthorizationRequest struct {
	Method         string `json:"method"`
	AmountCents    int64  `json:"amount_cents"`
	Currency       string `json:"currency"`
	IdempotencyKey string `json:"idempotency_key"`
}

type SyncSubmission struct {
	EntityType     string          `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	Operation      string          `json:"operation"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type SyncResult struct {
	Accepted bool   `json:"accepted"`
	Conflict string `json:"conflict,omitempty"`
}

// Authorize submits a charge for remote authorization. A decline is not an
// error: it comes back as an unauthorized result with a rejection reason.
func (c *Client) Authorize(ctx context.Context, req AuthorizationRequest) (domain.AuthorizationResult, error) {
	var result domain.AuthorizationResult
	if err := c.postJSON(ctx, "/v1/authorize", req, &result); err != nil {
		return domain.AuthorizationResult{}, err
	}
	return result, nil
}

// SubmitEntity delivers one sync queue entry. A rejected submission (remote
// validation error or conflict) is a result, not an error.
func (c *Client) SubmitEntity(ctx context.Context, sub SyncSubmission) (SyncResult, error) {
	var result SyncResult
	if err := c.postJSON(ctx, "/v1/sync", sub, &result); err != nil {
		return SyncResult{}, err
	}
	return result, nil
}

// Healthy probes the remote health endpoint. Any failure means unreachable.
func (c *Client) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, dest any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	// 2xx and 4xx both carry a decodable business outcome (declines and
	// conflicts are expressed in the response body, not the status code
	// alone).
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("%w: undecodable response (status %d): %v", ErrUnavailable, resp.StatusCode, err)
	}
	return nil
}
