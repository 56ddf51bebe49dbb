package auditstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PostgresConfig holds the configuration for the Postgres audit store.
type PostgresConfig struct {
	// DSN is a pgx connection string or URL.
	DSN string
	// Table names the audit table. Defaults to "audit_records".
	Table string
}

// tableNamePattern guards the table identifier interpolated into DDL and
// insert statements.
var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresStore writes audit records to a Postgres table through a pgx
// connection pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	table  string
	logger zerolog.Logger
}

// NewPostgresStore connects a pool, pings it and ensures the audit table
// exists.
func NewPostgresStore(ctx context.Context, cfg *PostgresConfig, logger zerolog.Logger) (*PostgresStore, error) {
	if cfg == nil {
		return nil, errors.New("postgres config cannot be nil")
	}
	if cfg.Table == "" {
		cfg.Table = "audit_records"
	}
	if !tableNamePattern.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid audit table name %q", cfg.Table)
	}

	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{
		pool:   pool,
		table:  cfg.Table,
		logger: logger.With().Str("component", "PostgresStore").Str("table", cfg.Table).Logger(),
	}
	if err = store.ensureTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) ensureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		service TEXT NOT NULL,
		use_case TEXT NOT NULL,
		message_id TEXT NOT NULL,
		original_message_id TEXT NOT NULL,
		status TEXT NOT NULL,
		reference_type TEXT NOT NULL,
		reference_value TEXT NOT NULL,
		group_label TEXT NOT NULL DEFAULT '',
		affected_count INTEGER NOT NULL DEFAULT 0,
		result TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to ensure audit table %q: %w", s.table, err)
	}
	return nil
}

// Insert writes a single record. A conflicting ID leaves the first write in
// place.
func (s *PostgresStore) Insert(ctx context.Context, record *AuditRecord) error {
	query := fmt.Sprintf(`INSERT INTO %s
		(id, service, use_case, message_id, original_message_id, status,
		 reference_type, reference_value, group_label, affected_count, result, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING`, s.table)

	_, err := s.pool.Exec(ctx, query,
		record.ID,
		record.Service,
		record.UseCase,
		record.MessageID,
		record.OriginalMessageID,
		string(record.Status),
		record.ReferenceType,
		record.ReferenceValue,
		record.GroupLabel,
		record.AffectedCount,
		record.Result,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit record %q: %w", record.ID, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
