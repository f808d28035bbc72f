// Package sqlite is the terminal-local durable repository. An offline-capable
// terminal cannot assume a reachable database server, so the ledger and the
// sync queue live in an embedded SQLite file that survives restarts.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"tillsync/backend/internal/domain"
	"tillsync/backend/internal/store"
	"tillsync/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at the given path and ensures all
// tables exist. Pass ":memory:" for an in-memory database.
func New(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// Single writer; the driver serializes, and WAL keeps readers cheap.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := createTables(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func createTables(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS payments (
			id TEXT PRIMARY KEY,
			store_id TEXT NOT NULL,
			sale_id TEXT NOT NULL,
			method TEXT NOT NULL,
			currency TEXT NOT NULL,
			amount_cents INTEGER NOT NULL,
			mode TEXT NOT NULL,
			status TEXT NOT NULL,
			authorization_ref TEXT NOT NULL DEFAULT '',
			failure_reason TEXT NOT NULL DEFAULT '',
			idempotency_key TEXT,
			original_payment_id TEXT NOT NULL DEFAULT '',
			refund_reason TEXT NOT NULL DEFAULT '',
			attempt_count INTEGER NOT NULL DEFAULT 0,
			needs_review INTEGER NOT NULL DEFAULT 0,
			requested_at TEXT NOT NULL,
			settled_at TEXT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_idem ON payments(idempotency_key) WHERE idempotency_key IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_payments_sale ON payments(sale_id)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_outstanding ON payments(store_id, method, mode, status)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_original ON payments(original_payment_id)`,

		`CREATE TABLE IF NOT EXISTS sync_queue (
			id TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			payload BLOB,
			enqueued_at TEXT NOT NULL,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_type_time ON sync_queue(entity_type, enqueued_at)`,

		`CREATE TABLE IF NOT EXISTS dead_letters (
			id TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			payload BLOB,
			enqueued_at TEXT NOT NULL,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL,
			dead_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS sync_cursors (
			entity_type TEXT PRIMARY KEY,
			position TEXT NOT NULL,
			advanced_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS users (
			username TEXT PRIMARY KEY,
			password TEXT NOT NULL,
			role TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// timeLayout is fixed-width so TEXT timestamps compare lexicographically in
// the same order as chronologically; RFC3339Nano drops trailing zeros and
// would sort a whole-second value after a fractional one in the same second.
// All stored values are UTC.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func (s *Store) AppendPayment(ctx context.Context, rec domain.PaymentRecord) (*domain.PaymentRecord, error) {
	if rec.StoreID == "" || rec.Method == "" || rec.AmountCents <= 0 {
		return nil, store.ErrInvalidRequest
	}
	if rec.Status == domain.StatusReversed && rec.OriginalPaymentID == "" {
		return nil, store.ErrInvalidRequest
	}
	if rec.ID == "" {
		rec.ID = xid.New("pay")
	}
	if rec.RequestedAt.IsZero() {
		rec.RequestedAt = time.Now().UTC()
	}

	var idem any
	if rec.IdempotencyKey != "" {
		idem = rec.IdempotencyKey
	}
	var settledAt any
	if rec.SettledAt != nil {
		settledAt = rec.SettledAt.UTC().Format(timeLayout)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (id, store_id, sale_id, method, currency, amount_cents, mode, status,
			authorization_ref, failure_reason, idempotency_key, original_payment_id, refund_reason,
			attempt_count, needs_review, requested_at, settled_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`, rec.ID, rec.StoreID, rec.SaleID, rec.Method, rec.Currency, rec.AmountCents, rec.Mode, rec.Status,
		rec.AuthorizationRef, rec.FailureReason, idem, rec.OriginalPaymentID, rec.RefundReason,
		rec.AttemptCount, boolToInt(rec.NeedsReview), rec.RequestedAt.UTC().Format(timeLayout), settledAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") && rec.IdempotencyKey != "" {
			existing, findErr := s.FindPaymentByIdempotency(ctx, rec.IdempotencyKey)
			if findErr == nil {
				return existing, store.ErrDuplicateIdempotency
			}
		}
		return nil, err
	}

	out := rec
	return &out, nil
}

const paymentColumns = `id, store_id, sale_id, method, currency, amount_cents, mode, status,
	authorization_ref, failure_reason, COALESCE(idempotency_key, ''), original_payment_id,
	refund_reason, attempt_count, needs_review, requested_at, settled_at`

func (s *Store) GetPaymentByID(ctx context.Context, id string) (*domain.PaymentRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id)
	return scanPayment(row)
}

func (s *Store) FindPaymentByIdempotency(ctx context.Context, key string) (*domain.PaymentRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE idempotency_key = ?`, key)
	return scanPayment(row)
}

func (s *Store) ListPaymentsBySale(ctx context.Context, saleID string) ([]domain.PaymentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payments WHERE sale_id = ? ORDER BY requested_at, id
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPayments(rows)
}

func (s *Store) SetPaymentStatus(ctx context.Context, id string, status string, authorizationRef string, settledAt *time.Time) (*domain.PaymentRecord, error) {
	if status != domain.StatusSettled && status != domain.StatusFailed {
		return nil, store.ErrInvalidTransition
	}

	var settled any
	if settledAt != nil {
		settled = settledAt.UTC().Format(timeLayout)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE payments
		SET status = ?, authorization_ref = CASE WHEN ? != '' THEN ? ELSE authorization_ref END, settled_at = ?
		WHERE id = ? AND status = ?
	`, status, authorizationRef, authorizationRef, settled, id, domain.StatusPending)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// Either unknown or not pending; distinguish for the caller.
		if _, err := s.GetPaymentByID(ctx, id); errors.Is(err, store.ErrNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, store.ErrInvalidTransition
	}
	return s.GetPaymentByID(ctx, id)
}

func (s *Store) MarkPaymentRetry(ctx context.Context, id string, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payments SET attempt_count = attempt_count + 1, failure_reason = ? WHERE id = ?
	`, lastError, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) FlagPaymentForReview(ctx context.Context, id string, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payments SET status = ?, needs_review = 1, failure_reason = ?
		WHERE id = ? AND status = ?
	`, domain.StatusFailed, reason, id, domain.StatusPending)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := s.GetPaymentByID(ctx, id); errors.Is(err, store.ErrNotFound) {
			return store.ErrNotFound
		}
		return store.ErrInvalidTransition
	}
	return nil
}

func (s *Store) OutstandingOffline(ctx context.Context, storeID string, method string) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_cents), 0) FROM payments
		WHERE store_id = ? AND method = ? AND mode = ? AND status = ?
	`, storeID, method, domain.ModeOfflineProvisional, domain.StatusPending).Scan(&total)
	return total, err
}

// ListPendingOffline filters by store when storeID is non-empty; an empty
// storeID spans every store.
func (s *Store) ListPendingOffline(ctx context.Context, storeID string, limit int) ([]domain.PaymentRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE (? = '' OR store_id = ?) AND mode = ? AND status = ?
		ORDER BY requested_at, id
		LIMIT ?
	`, storeID, storeID, domain.ModeOfflineProvisional, domain.StatusPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPayments(rows)
}

func (s *Store) SumRefundedCents(ctx context.Context, originalPaymentID string) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_cents), 0) FROM payments
		WHERE original_payment_id = ? AND status = ?
	`, originalPaymentID, domain.StatusReversed).Scan(&total)
	return total, err
}

func (s *Store) GetLedgerSummary(ctx context.Context, storeID string, from time.Time, to time.Time) (domain.LedgerSummary, error) {
	summary := domain.LedgerSummary{
		StoreID:              storeID,
		From:                 from,
		To:                   to,
		SettledCentsByMethod: map[string]int64{},
	}

	fromStr := from.UTC().Format(timeLayout)
	toStr := to.UTC().Format(timeLayout)

	rows, err := s.db.QueryContext(ctx, `
		SELECT method, COALESCE(SUM(amount_cents), 0) FROM payments
		WHERE store_id = ? AND status = ? AND requested_at BETWEEN ? AND ?
		GROUP BY method
	`, storeID, domain.StatusSettled, fromStr, toStr)
	if err != nil {
		return summary, err
	}
	defer rows.Close()
	for rows.Next() {
		var method string
		var cents int64
		if err := rows.Scan(&method, &cents); err != nil {
			return summary, err
		}
		summary.SettledCentsByMethod[method] = cents
	}
	if err := rows.Err(); err != nil {
		return summary, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = ? THEN amount_cents ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? AND mode = ? THEN amount_cents ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN needs_review = 1 THEN 1 ELSE 0 END), 0)
		FROM payments
		WHERE store_id = ? AND requested_at BETWEEN ? AND ?
	`, domain.StatusReversed,
		domain.StatusPending, domain.ModeOfflineProvisional,
		domain.StatusFailed,
		storeID, fromStr, toStr).Scan(
		&summary.ReversedCents, &summary.PendingOfflineCents, &summary.FailedCount, &summary.NeedsReviewCount)
	return summary, err
}

func (s *Store) EnqueueSyncEntry(ctx context.Context, entry domain.SyncQueueEntry) (*domain.SyncQueueEntry, error) {
	if entry.EntityType == "" || entry.EntityID == "" {
		return nil, store.ErrInvalidRequest
	}
	switch entry.Operation {
	case domain.OpCreate, domain.OpUpdate, domain.OpDelete:
	default:
		return nil, store.ErrInvalidRequest
	}
	if entry.ID == "" {
		entry.ID = xid.New("sync")
	}
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_queue (id, entity_type, entity_id, operation, payload, enqueued_at, attempt_count, last_error)
		VALUES (?,?,?,?,?,?,?,?)
	`, entry.ID, entry.EntityType, entry.EntityID, entry.Operation, []byte(entry.Payload),
		entry.EnqueuedAt.UTC().Format(timeLayout), entry.AttemptCount, entry.LastError)
	if err != nil {
		return nil, err
	}

	out := entry
	return &out, nil
}

func (s *Store) PeekSyncEntries(ctx context.Context, entityType string, limit int) ([]domain.SyncQueueEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, operation, payload, enqueued_at, attempt_count, last_error
		FROM sync_queue
		WHERE entity_type = ?
		ORDER BY enqueued_at, id
		LIMIT ?
	`, entityType, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.SyncQueueEntry, 0, 16)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// MarkSynced removes the entry and advances its type's cursor in one
// transaction.
func (s *Store) MarkSynced(ctx context.Context, entryID string, syncedAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var entityType, enqueuedAt string
	err = tx.QueryRowContext(ctx, `SELECT entity_type, enqueued_at FROM sync_queue WHERE id = ?`, entryID).
		Scan(&entityType, &enqueuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, entryID); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_cursors (entity_type, position, advanced_at) VALUES (?,?,?)
		ON CONFLICT(entity_type) DO UPDATE SET
			position = CASE WHEN excluded.position > position THEN excluded.position ELSE position END,
			advanced_at = excluded.advanced_at
	`, entityType, enqueuedAt, syncedAt.UTC().Format(timeLayout))
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) RecordSyncFailure(ctx context.Context, entryID string, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue SET attempt_count = attempt_count + 1, last_error = ? WHERE id = ?
	`, lastError, entryID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) MoveToDeadLetter(ctx context.Context, entryID string, reason string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO dead_letters (id, entity_type, entity_id, operation, payload, enqueued_at, attempt_count, last_error, reason, dead_at)
		SELECT id, entity_type, entity_id, operation, payload, enqueued_at, attempt_count, last_error, ?, ?
		FROM sync_queue WHERE id = ?
	`, reason, at.UTC().Format(timeLayout), entryID)
	if err != nil {
		return err
	}
	if err := requireAffected(res); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, entryID); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, operation, payload, enqueued_at, attempt_count, last_error, reason, dead_at
		FROM dead_letters
		ORDER BY dead_at, id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	letters := make([]domain.DeadLetter, 0, 16)
	for rows.Next() {
		var letter domain.DeadLetter
		var payload []byte
		var enqueuedAt, deadAt string
		if err := rows.Scan(&letter.Entry.ID, &letter.Entry.EntityType, &letter.Entry.EntityID,
			&letter.Entry.Operation, &payload, &enqueuedAt, &letter.Entry.AttemptCount,
			&letter.Entry.LastError, &letter.Reason, &deadAt); err != nil {
			return nil, err
		}
		letter.Entry.Payload = payload
		if letter.Entry.EnqueuedAt, err = time.Parse(timeLayout, enqueuedAt); err != nil {
			return nil, err
		}
		if letter.DeadAt, err = time.Parse(timeLayout, deadAt); err != nil {
			return nil, err
		}
		letters = append(letters, letter)
	}
	return letters, rows.Err()
}

func (s *Store) RequeueDeadLetter(ctx context.Context, entryID string, at time.Time) (*domain.SyncQueueEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var entry domain.SyncQueueEntry
	var payload []byte
	err = tx.QueryRowContext(ctx, `
		SELECT id, entity_type, entity_id, operation, payload, attempt_count FROM dead_letters WHERE id = ?
	`, entryID).Scan(&entry.ID, &entry.EntityType, &entry.EntityID, &entry.Operation, &payload, &entry.AttemptCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	entry.Payload = payload
	entry.EnqueuedAt = at.UTC()

	if _, err := tx.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, entryID); err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_queue (id, entity_type, entity_id, operation, payload, enqueued_at, attempt_count, last_error)
		VALUES (?,?,?,?,?,?,?,'')
	`, entry.ID, entry.EntityType, entry.EntityID, entry.Operation, payload,
		entry.EnqueuedAt.Format(timeLayout), entry.AttemptCount)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	out := entry
	return &out, nil
}

func (s *Store) ResolveDeadLetter(ctx context.Context, entryID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, entryID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) GetSyncCursor(ctx context.Context, entityType string) (time.Time, error) {
	var position string
	err := s.db.QueryRowContext(ctx, `SELECT position FROM sync_cursors WHERE entity_type = ?`, entityType).Scan(&position)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(timeLayout, position)
}

func (s *Store) QueueDepths(ctx context.Context) ([]domain.QueueDepth, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, COUNT(*) FROM sync_queue GROUP BY entity_type
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byType := map[string]int{}
	for rows.Next() {
		var entityType string
		var count int
		if err := rows.Scan(&entityType, &count); err != nil {
			return nil, err
		}
		byType[entityType] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	depths := make([]domain.QueueDepth, 0, len(byType))
	for _, entityType := range domain.EntityDrainOrder {
		if n := byType[entityType]; n > 0 {
			depths = append(depths, domain.QueueDepth{EntityType: entityType, Pending: n})
		}
	}
	return depths, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" {
		return store.ErrInvalidRequest
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at) VALUES (?,?,?,?,?)
	`, user.Username, user.Password, user.Role, boolToInt(user.Active), user.CreatedAt.UTC().Format(timeLayout))
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at FROM users ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 8)
	for rows.Next() {
		var user domain.UserAccount
		var active int
		var createdAt string
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &active, &createdAt); err != nil {
			return nil, err
		}
		user.Active = active != 0
		if user.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password = ? WHERE username = ?`, password, username)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*domain.PaymentRecord, error) {
	var rec domain.PaymentRecord
	var needsReview int
	var requestedAt string
	var settledAt sql.NullString
	err := row.Scan(&rec.ID, &rec.StoreID, &rec.SaleID, &rec.Method, &rec.Currency, &rec.AmountCents,
		&rec.Mode, &rec.Status, &rec.AuthorizationRef, &rec.FailureReason, &rec.IdempotencyKey,
		&rec.OriginalPaymentID, &rec.RefundReason, &rec.AttemptCount, &needsReview, &requestedAt, &settledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.NeedsReview = needsReview != 0
	if rec.RequestedAt, err = time.Parse(timeLayout, requestedAt); err != nil {
		return nil, err
	}
	if settledAt.Valid {
		parsed, err := time.Parse(timeLayout, settledAt.String)
		if err != nil {
			return nil, err
		}
		rec.SettledAt = &parsed
	}
	return &rec, nil
}

func collectPayments(rows *sql.Rows) ([]domain.PaymentRecord, error) {
	records := make([]domain.PaymentRecord, 0, 16)
	for rows.Next() {
		rec, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func scanEntry(rows *sql.Rows) (domain.SyncQueueEntry, error) {
	var entry domain.SyncQueueEntry
	var payload []byte
	var enqueuedAt string
	err := rows.Scan(&entry.ID, &entry.EntityType, &entry.EntityID, &entry.Operation, &payload,
		&enqueuedAt, &entry.AttemptCount, &entry.LastError)
	if err != nil {
		return entry, err
	}
	entry.Payload = payload
	entry.EnqueuedAt, err = time.Parse(timeLayout, enqueuedAt)
	return entry, err
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
