package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/austindbirch/integration_builder/internal/db"
)

var columnNames = []string{
	"id", "tenant_id", "connector_id", "event_id", "source_event", "envelope", "status",
	"attempt_count", "max_attempts", "next_attempt_at", "last_attempt_at", "delivered_at",
	"duration_ms", "request_payload", "request_headers", "response_status", "response_body",
	"last_error", "created_at", "updated_at",
}

func columns(alias string) string {
	if alias == "" {
		return strings.Join(columnNames, ", ")
	}
	qualified := make([]string, len(columnNames))
	for i, c := range columnNames {
		qualified[i] = alias + "." + c
	}
	return strings.Join(qualified, ", ")
}

// PostgresStore keeps deliveries in integration_deliveries
type PostgresStore struct {
	db db.Querier
}

func NewPostgresStore(q db.Querier) *PostgresStore {
	return &PostgresStore{db: q}
}

func scanDelivery(row pgx.Row) (Delivery, error) {
	var (
		d                     Delivery
		status                string
		attempts, maxAttempts int32
		duration, respStatus  int32
		envelope, headers     []byte
	)
	err := row.Scan(
		&d.ID, &d.TenantID, &d.ConnectorID, &d.EventID, &d.SourceEvent, &envelope, &status,
		&attempts, &maxAttempts, &d.NextAttemptAt, &d.LastAttemptAt, &d.DeliveredAt,
		&duration, &d.RequestPayload, &headers, &respStatus, &d.ResponseBody,
		&d.LastError, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return Delivery{}, err
	}
	d.Envelope = envelope
	d.Status = Status(status)
	d.AttemptCount = int(attempts)
	d.MaxAttempts = int(maxAttempts)
	d.DurationMs = int(duration)
	d.ResponseStatus = int(respStatus)
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &d.RequestHeaders); err != nil {
			return Delivery{}, fmt.Errorf("decode request headers: %w", err)
		}
	}
	return d, nil
}

func (s *PostgresStore) query(ctx context.Context, op, sql string, args ...any) ([]Delivery, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// isUniqueViolation reports a 23505 from Postgres
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PostgresStore) Enqueue(ctx context.Context, nd NewDelivery) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO integration_deliveries (
			id, tenant_id, connector_id, event_id, source_event, envelope,
			status, attempt_count, max_attempts, next_attempt_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, 'PENDING', 0, $7, $8, $8, $8)
		ON CONFLICT (connector_id, event_id) DO NOTHING`,
		nd.ID, nd.TenantID, nd.ConnectorID, nd.EventID, nd.SourceEvent, nd.Envelope, nd.MaxAttempts, nd.At,
	)
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("enqueue delivery: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimDue locks due rows with SKIP LOCKED and flips them to PROCESSING in the
// same statement. The outer status predicate is the compare-and-swap.
func (s *PostgresStore) ClaimDue(ctx context.Context, limit int, now time.Time) ([]Delivery, error) {
	if limit <= 0 {
		return nil, nil
	}
	out, err := s.query(ctx, "claim due deliveries", `
		UPDATE integration_deliveries d
		SET status = 'PROCESSING', last_attempt_at = $2, updated_at = $2
		FROM (
			SELECT id
			FROM integration_deliveries
			WHERE status IN ('PENDING', 'RETRY_SCHEDULED')
				AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
			ORDER BY next_attempt_at ASC NULLS FIRST, created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		) due
		WHERE d.id = due.id AND d.status IN ('PENDING', 'RETRY_SCHEDULED')
		RETURNING `+columns("d"), limit, now)
	if err != nil {
		return nil, err
	}
	// RETURNING order is unspecified
	sortDue(out)
	return out, nil
}

func (s *PostgresStore) BeginAttempt(ctx context.Context, tenantID, id string, claim, now time.Time) (time.Time, error) {
	now = stamp(now)
	tag, err := s.db.Exec(ctx, `
		UPDATE integration_deliveries
		SET last_attempt_at = $4, updated_at = $4
		WHERE tenant_id = $1 AND id = $2 AND status = 'PROCESSING' AND last_attempt_at = $3`,
		tenantID, id, claim, now,
	)
	if err != nil {
		return time.Time{}, fmt.Errorf("begin delivery attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return time.Time{}, ErrNotProcessing
	}
	return now, nil
}

func (s *PostgresStore) RecordOutcome(ctx context.Context, tenantID, id string, o Outcome) error {
	if err := o.Validate(); err != nil {
		return err
	}
	o = o.normalized()

	var headers []byte
	if o.RequestHeaders != nil {
		b, err := json.Marshal(o.RequestHeaders)
		if err != nil {
			return fmt.Errorf("encode request headers: %w", err)
		}
		headers = b
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE integration_deliveries
		SET status = $3,
			attempt_count = $4,
			next_attempt_at = $5,
			delivered_at = COALESCE($6, delivered_at),
			duration_ms = $7,
			request_payload = $8,
			request_headers = $9,
			response_status = $10,
			response_body = $11,
			last_error = $12,
			updated_at = $13
		WHERE tenant_id = $1 AND id = $2 AND status = 'PROCESSING'
			AND ($14::timestamptz IS NULL OR last_attempt_at = $14)`,
		tenantID, id, string(o.Status), o.AttemptCount, o.NextAttemptAt, o.deliveredAt(), o.DurationMs,
		o.RequestPayload, headers, o.ResponseStatus, o.ResponseBody, o.Error, o.At, o.Claim,
	)
	if err != nil {
		return fmt.Errorf("record delivery outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotProcessing
	}
	return nil
}

func (s *PostgresStore) RequeueAllDLQ(ctx context.Context, tenantID, connectorID string, now time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE integration_deliveries
		SET status = 'RETRY_SCHEDULED', next_attempt_at = $3, last_error = '', updated_at = $3
		WHERE tenant_id = $1 AND connector_id = $2 AND status = 'DLQ'`,
		tenantID, connectorID, now,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue dlq: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) RecentForConnector(ctx context.Context, tenantID, connectorID string, since time.Time) ([]Delivery, error) {
	return s.query(ctx, "recent deliveries", `
		SELECT `+columns("")+`
		FROM integration_deliveries
		WHERE tenant_id = $1 AND connector_id = $2 AND created_at >= $3
		ORDER BY created_at DESC`, tenantID, connectorID, since)
}

func (s *PostgresStore) Get(ctx context.Context, tenantID, id string) (Delivery, error) {
	d, err := scanDelivery(s.db.QueryRow(ctx, `
		SELECT `+columns("")+`
		FROM integration_deliveries
		WHERE tenant_id = $1 AND id = $2`, tenantID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Delivery{}, ErrNotFound
	}
	if err != nil {
		return Delivery{}, fmt.Errorf("get delivery: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) ListDLQ(ctx context.Context, tenantID, connectorID string, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.query(ctx, "list dlq", `
		SELECT `+columns("")+`
		FROM integration_deliveries
		WHERE tenant_id = $1 AND connector_id = $2 AND status = 'DLQ'
		ORDER BY updated_at DESC
		LIMIT $3`, tenantID, connectorID, limit)
}

func (s *PostgresStore) CountByStatus(ctx context.Context, tenantID string, status Status) (int, error) {
	var n int64
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM integration_deliveries
		WHERE tenant_id = $1 AND status = $2`, tenantID, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count deliveries: %w", err)
	}
	return int(n), nil
}

func (s *PostgresStore) ReclaimStale(ctx context.Context, staleBefore, now time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE integration_deliveries
		SET status = 'RETRY_SCHEDULED', next_attempt_at = $2, last_error = $3, updated_at = $2
		WHERE status = 'PROCESSING' AND last_attempt_at < $1`,
		staleBefore, now, ErrCodeStaleReclaimed,
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale deliveries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
