package connector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/austindbirch/integration_builder/internal/db"
)

const columns = `id, tenant_id, name, source_event, enabled, destination_type, method, url,
	headers_template, body_template, timeout_ms, retry_max_attempts, retry_backoff_base_ms,
	auth_mode, auth_header_name, secret_provider_key, deleted_at, last_success_at,
	last_failure_at, last_error, created_at, updated_at`

// PostgresStore keeps connectors in integration_connectors
type PostgresStore struct {
	db db.Querier
}

func NewPostgresStore(q db.Querier) *PostgresStore {
	return &PostgresStore{db: q}
}

func scanConnector(row pgx.Row) (Connector, error) {
	var (
		c                  Connector
		destType, authMode string
		headers, body      []byte
		timeout, retries   int32
		backoffBase        int32
	)
	err := row.Scan(
		&c.ID, &c.TenantID, &c.Name, &c.SourceEvent, &c.Enabled, &destType, &c.Method, &c.URL,
		&headers, &body, &timeout, &retries, &backoffBase,
		&authMode, &c.AuthHeaderName, &c.SecretProviderKey, &c.DeletedAt, &c.LastSuccessAt,
		&c.LastFailureAt, &c.LastError, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return Connector{}, err
	}
	c.DestinationType = DestinationType(destType)
	c.AuthMode = AuthMode(authMode)
	c.Headers = headers
	c.Body = body
	c.TimeoutMs = int(timeout)
	c.RetryMaxAttempts = int(retries)
	c.RetryBackoffBaseMs = int(backoffBase)
	return c, nil
}

func (s *PostgresStore) query(ctx context.Context, op, sql string, args ...any) ([]Connector, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []Connector
	for rows.Next() {
		c, err := scanConnector(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func (s *PostgresStore) List(ctx context.Context, tenantID string) ([]Connector, error) {
	return s.query(ctx, "list connectors", `
		SELECT `+columns+`
		FROM integration_connectors
		WHERE tenant_id = $1 AND deleted_at IS NULL
		ORDER BY created_at, id`, tenantID)
}

func (s *PostgresStore) Get(ctx context.Context, tenantID, id string) (Connector, error) {
	c, err := scanConnector(s.db.QueryRow(ctx, `
		SELECT `+columns+`
		FROM integration_connectors
		WHERE tenant_id = $1 AND id = $2`, tenantID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Connector{}, ErrNotFound
	}
	if err != nil {
		return Connector{}, fmt.Errorf("get connector: %w", err)
	}
	return c, nil
}

// nullJSON maps an empty template to SQL NULL
func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func (s *PostgresStore) Upsert(ctx context.Context, c Connector) (Connector, error) {
	out, err := scanConnector(s.db.QueryRow(ctx, `
		INSERT INTO integration_connectors (
			id, tenant_id, name, source_event, enabled, destination_type, method, url,
			headers_template, body_template, timeout_ms, retry_max_attempts, retry_backoff_base_ms,
			auth_mode, auth_header_name, secret_provider_key, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $17)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			source_event = EXCLUDED.source_event,
			enabled = EXCLUDED.enabled,
			destination_type = EXCLUDED.destination_type,
			method = EXCLUDED.method,
			url = EXCLUDED.url,
			headers_template = EXCLUDED.headers_template,
			body_template = EXCLUDED.body_template,
			timeout_ms = EXCLUDED.timeout_ms,
			retry_max_attempts = EXCLUDED.retry_max_attempts,
			retry_backoff_base_ms = EXCLUDED.retry_backoff_base_ms,
			auth_mode = EXCLUDED.auth_mode,
			auth_header_name = EXCLUDED.auth_header_name,
			secret_provider_key = EXCLUDED.secret_provider_key,
			updated_at = EXCLUDED.updated_at
		WHERE integration_connectors.tenant_id = EXCLUDED.tenant_id
			AND integration_connectors.deleted_at IS NULL
		RETURNING `+columns,
		c.ID, c.TenantID, c.Name, c.SourceEvent, c.Enabled, string(c.DestinationType), c.Method, c.URL,
		nullJSON(c.Headers), nullJSON(c.Body), c.TimeoutMs, c.RetryMaxAttempts, c.RetryBackoffBaseMs,
		string(c.AuthMode), c.AuthHeaderName, c.SecretProviderKey, c.UpdatedAt,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Connector{}, ErrNotFound
	}
	if err != nil {
		return Connector{}, fmt.Errorf("upsert connector: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) SoftDelete(ctx context.Context, tenantID, id string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE integration_connectors
		SET deleted_at = COALESCE(deleted_at, $3), enabled = FALSE, updated_at = $3
		WHERE tenant_id = $1 AND id = $2`, tenantID, id, at)
	if err != nil {
		return fmt.Errorf("delete connector: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) FindEnabledForEvent(ctx context.Context, tenantID, eventName string) ([]Connector, error) {
	return s.query(ctx, "find connectors for event", `
		SELECT `+columns+`
		FROM integration_connectors
		WHERE tenant_id = $1 AND source_event = $2 AND enabled AND deleted_at IS NULL
		ORDER BY created_at, id`, tenantID, eventName)
}

func (s *PostgresStore) RecordSuccess(ctx context.Context, tenantID, id string, at time.Time) error {
	return s.exec(ctx, "record connector success", `
		UPDATE integration_connectors
		SET last_success_at = $3, last_error = ''
		WHERE tenant_id = $1 AND id = $2`, tenantID, id, at)
}

func (s *PostgresStore) RecordFailure(ctx context.Context, tenantID, id string, at time.Time, msg string) error {
	return s.exec(ctx, "record connector failure", `
		UPDATE integration_connectors
		SET last_failure_at = $3, last_error = $4
		WHERE tenant_id = $1 AND id = $2`, tenantID, id, at, msg)
}

func (s *PostgresStore) exec(ctx context.Context, op, sql string, args ...any) error {
	tag, err := s.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
