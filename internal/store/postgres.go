package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"fiscal-sync/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// ListSyncableTenants returns active tenants holding an active certificate
// and at least one active notification channel.
func (s *Store) ListSyncableTenants(ctx context.Context) ([]models.Tenant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT t.id, t.name, t.tax_id, t.timezone, t.active, t.daily_cap, t.created_at
		FROM tenants t
		JOIN tenant_certificates c ON c.tenant_id = t.id AND c.active
		WHERE t.active
		  AND EXISTS (SELECT 1 FROM notification_channels n WHERE n.tenant_id = t.id AND n.active)
		ORDER BY t.id
	`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []models.Tenant
	for rows.Next() {
		var t models.Tenant
		var cap pgtype.Int4
		if err := rows.Scan(&t.ID, &t.Name, &t.TaxID, &t.Timezone, &t.Active, &cap, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		if cap.Valid {
			v := int(cap.Int32)
			t.DailyCap = &v
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTenant fetches one tenant by id.
func (s *Store) GetTenant(ctx context.Context, id string) (models.Tenant, error) {
	var t models.Tenant
	var cap pgtype.Int4
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, tax_id, timezone, active, daily_cap, created_at FROM tenants WHERE id = $1
	`, id).Scan(&t.ID, &t.Name, &t.TaxID, &t.Timezone, &t.Active, &cap, &t.CreatedAt)
	if err != nil {
		return models.Tenant{}, fmt.Errorf("get tenant: %w", err)
	}
	if cap.Valid {
		v := int(cap.Int32)
		t.DailyCap = &v
	}
	return t, nil
}

// GetCertificate loads a tenant's active certificate bundle. The second
// return is false when the tenant has no active certificate (soft no-op
// for the sync run).
func (s *Store) GetCertificate(ctx context.Context, tenantID string) (models.Certificate, bool, error) {
	var c models.Certificate
	var expires pgtype.Timestamptz
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, bundle, password, active, expires_at
		FROM tenant_certificates WHERE tenant_id = $1 AND active
	`, tenantID).Scan(&c.TenantID, &c.Bundle, &c.Password, &c.Active, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Certificate{}, false, nil
	}
	if err != nil {
		return models.Certificate{}, false, fmt.Errorf("get certificate: %w", err)
	}
	if expires.Valid {
		c.ExpiresAt = expires.Time
	}
	return c, true, nil
}

// ActiveChannels lists a tenant's active notification channels.
func (s *Store) ActiveChannels(ctx context.Context, tenantID string) ([]models.Channel, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, instance, contact, active
		FROM notification_channels WHERE tenant_id = $1 AND active ORDER BY id
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var out []models.Channel
	for rows.Next() {
		var ch models.Channel
		if err := rows.Scan(&ch.ID, &ch.TenantID, &ch.Instance, &ch.Contact, &ch.Active); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// GetCursorState returns the tenant's sync watermark, zero-valued when
// the tenant has never synced.
func (s *Store) GetCursorState(ctx context.Context, tenantID string) (models.CursorState, error) {
	var st models.CursorState
	var attempt, success pgtype.Timestamptz
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, last_cursor, last_attempt_at, last_success_at, status_tag
		FROM sync_cursor_state WHERE tenant_id = $1
	`, tenantID).Scan(&st.TenantID, &st.LastCursor, &attempt, &success, &st.StatusTag)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CursorState{TenantID: tenantID, LastCursor: "000000000000000"}, nil
	}
	if err != nil {
		return models.CursorState{}, fmt.Errorf("get cursor state: %w", err)
	}
	if attempt.Valid {
		t := attempt.Time
		st.LastAttemptAt = &t
	}
	if success.Valid {
		t := success.Time
		st.LastSuccessAt = &t
	}
	return st, nil
}

// UpsertCursorState persists cursor and run status atomically so forward
// progress survives unrelated downstream failures.
func (s *Store) UpsertCursorState(ctx context.Context, st models.CursorState) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_cursor_state (tenant_id, last_cursor, last_attempt_at, last_success_at, status_tag)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id) DO UPDATE SET
			last_cursor = EXCLUDED.last_cursor,
			last_attempt_at = EXCLUDED.last_attempt_at,
			last_success_at = COALESCE(EXCLUDED.last_success_at, sync_cursor_state.last_success_at),
			status_tag = EXCLUDED.status_tag
	`, st.TenantID, st.LastCursor, st.LastAttemptAt, st.LastSuccessAt, st.StatusTag)
	if err != nil {
		return fmt.Errorf("upsert cursor state: %w", err)
	}
	return nil
}

// CreateDispatchParams collects inputs required to insert a dispatch record.
type CreateDispatchParams struct {
	TenantID    string
	Target      string
	Instance    string
	OriginLogID string
	Text        string
	MaxAttempts int
}

// CreateDispatch inserts a queued dispatch record.
func (s *Store) CreateDispatch(ctx context.Context, p CreateDispatchParams) (models.DispatchRecord, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 5
	}
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO dispatches (id, tenant_id, target, instance, origin_log_id, body, status, attempts, max_attempts, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $9, $9)
	`, id, p.TenantID, p.Target, p.Instance, emptyToNil(p.OriginLogID), p.Text, models.DispatchQueued, p.MaxAttempts, now)
	if err != nil {
		return models.DispatchRecord{}, fmt.Errorf("insert dispatch: %w", err)
	}

	return models.DispatchRecord{
		ID:            id,
		TenantID:      p.TenantID,
		Target:        p.Target,
		Instance:      p.Instance,
		OriginLogID:   emptyToNil(p.OriginLogID),
		Text:          p.Text,
		Status:        models.DispatchQueued,
		MaxAttempts:   p.MaxAttempts,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// GetDispatch fetches a dispatch record by id.
func (s *Store) GetDispatch(ctx context.Context, id string) (models.DispatchRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, target, instance, origin_log_id, body, status, attempts, max_attempts, next_attempt_at, error_code, error_message, sent_at, created_at, updated_at
		FROM dispatches WHERE id = $1
	`, id)

	var d models.DispatchRecord
	var origin, code, msg pgtype.Text
	var sentAt pgtype.Timestamptz
	if err := row.Scan(&d.ID, &d.TenantID, &d.Target, &d.Instance, &origin, &d.Text, &d.Status, &d.Attempts, &d.MaxAttempts, &d.NextAttemptAt, &code, &msg, &sentAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.DispatchRecord{}, fmt.Errorf("dispatch not found: %w", err)
		}
		return models.DispatchRecord{}, fmt.Errorf("scan dispatch: %w", err)
	}
	d.OriginLogID = textPtr(origin)
	d.ErrorCode = textPtr(code)
	d.ErrorMessage = textPtr(msg)
	if sentAt.Valid {
		t := sentAt.Time
		d.SentAt = &t
	}
	return d, nil
}

// ClaimDispatch conditionally transitions a record to sending. A false
// return means another worker already claimed it or it already finished.
func (s *Store) ClaimDispatch(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dispatches SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
	`, id, models.DispatchSending, []string{models.DispatchQueued, models.DispatchRetry, models.DispatchFailed})
	if err != nil {
		return false, fmt.Errorf("claim dispatch: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// DeferDispatch reverts a claimed record to retry without consuming an
// attempt (rate-limit delay).
func (s *Store) DeferDispatch(ctx context.Context, id string, nextAt time.Time, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE dispatches SET status = $2, next_attempt_at = $3, error_code = $4, updated_at = NOW()
		WHERE id = $1
	`, id, models.DispatchRetry, nextAt, reason)
	return err
}

// SetDispatchAttempts bumps the attempt counter before invoking the provider.
func (s *Store) SetDispatchAttempts(ctx context.Context, id string, attempts int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE dispatches SET attempts = $2, updated_at = NOW() WHERE id = $1
	`, id, attempts)
	return err
}

// MarkDispatchSent finalizes a successful send and clears error fields.
func (s *Store) MarkDispatchSent(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE dispatches SET status = $2, sent_at = NOW(), error_code = NULL, error_message = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.DispatchSent)
	return err
}

// RetryDispatch schedules another attempt after a provider failure.
func (s *Store) RetryDispatch(ctx context.Context, id string, nextAt time.Time, code, msg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE dispatches SET status = $2, next_attempt_at = $3, error_code = $4, error_message = $5, updated_at = NOW()
		WHERE id = $1
	`, id, models.DispatchRetry, nextAt, code, msg)
	return err
}

// MarkDispatchDead dead-letters a record. Terminal.
func (s *Store) MarkDispatchDead(ctx context.Context, id string, code, msg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE dispatches SET status = $2, error_code = $3, error_message = $4, updated_at = NOW()
		WHERE id = $1
	`, id, models.DispatchDead, code, msg)
	return err
}

// ListPolicies loads all explicit rate-limit policy rows.
func (s *Store) ListPolicies(ctx context.Context) ([]models.RateLimitPolicy, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT scope, scope_ref, max_per_minute, min_delay_ms, max_delay_ms FROM rate_limit_policies
	`)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	var out []models.RateLimitPolicy
	for rows.Next() {
		var p models.RateLimitPolicy
		if err := rows.Scan(&p.Scope, &p.ScopeRef, &p.MaxPerMinute, &p.MinDelayMs, &p.MaxDelayMs); err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DailyCap resolves a tenant's daily send cap override. Second return is
// false when the tenant row is missing or carries no override.
func (s *Store) DailyCap(ctx context.Context, tenantID string) (int, bool, error) {
	var cap pgtype.Int4
	err := s.pool.QueryRow(ctx, `SELECT daily_cap FROM tenants WHERE id = $1`, tenantID).Scan(&cap)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query daily cap: %w", err)
	}
	if !cap.Valid {
		return 0, false, nil
	}
	return int(cap.Int32), true, nil
}

// RecordImport appends one row to the per-day import ledger. Conflicts are
// ignored so a redelivered document never duplicates the ledger.
func (s *Store) RecordImport(ctx context.Context, doc models.ImportedDoc) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO document_imports (tenant_id, cursor, schema_name, archive_key, imported_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, cursor) DO NOTHING
	`, doc.TenantID, doc.Cursor, doc.Schema, doc.ArchiveKey, doc.ImportedAt)
	return err
}

// ListImportsBetween returns ledger rows for one tenant inside [from, to).
func (s *Store) ListImportsBetween(ctx context.Context, tenantID string, from, to time.Time) ([]models.ImportedDoc, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, cursor, schema_name, archive_key, imported_at
		FROM document_imports
		WHERE tenant_id = $1 AND imported_at >= $2 AND imported_at < $3
		ORDER BY cursor
	`, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list imports: %w", err)
	}
	defer rows.Close()

	var out []models.ImportedDoc
	for rows.Next() {
		var d models.ImportedDoc
		if err := rows.Scan(&d.TenantID, &d.Cursor, &d.Schema, &d.ArchiveKey, &d.ImportedAt); err != nil {
			return nil, fmt.Errorf("scan import: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// MarkLogProcessed flags the originating message log after a confirmed send.
func (s *Store) MarkLogProcessed(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE message_logs SET processed = TRUE, failed = FALSE WHERE id = $1`, id)
	return err
}

// MarkLogFailed flags the originating message log after a dead-lettered send.
func (s *Store) MarkLogFailed(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE message_logs SET failed = TRUE WHERE id = $1`, id)
	return err
}

// DeadDispatches lists recent dead-lettered records for operational inspection.
func (s *Store) DeadDispatches(ctx context.Context, limit int) ([]models.DispatchRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM dispatches WHERE status = $1 ORDER BY updated_at DESC LIMIT $2
	`, models.DispatchDead, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead dispatches: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan dead dispatch: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]models.DispatchRecord, 0, len(ids))
	for _, id := range ids {
		d, err := s.GetDispatch(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
