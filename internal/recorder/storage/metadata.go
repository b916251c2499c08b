package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
)

// PostgresStore implements RecordingIndex using PostgreSQL
type PostgresStore struct {
	db     *sqlx.DB
	logger *zap.Logger
	config PostgresConfig
}

// PostgresConfig contains PostgreSQL configuration
type PostgresConfig struct {
	Host            string
	Port            int
	Database        string
	Username        string
	Password        string
	SSLMode         string // disable, require, verify-ca, verify-full
	MaxConnections  int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// NewPostgresStore creates a new PostgreSQL recording index
func NewPostgresStore(ctx context.Context, config PostgresConfig) (*PostgresStore, error) {
	if config.Port == 0 {
		config.Port = 5432
	}
	if config.SSLMode == "" {
		config.SSLMode = "require"
	}
	if config.MaxConnections == 0 {
		config.MaxConnections = 10
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 5
	}
	if config.ConnMaxLifetime == 0 {
		config.ConnMaxLifetime = 5 * time.Minute
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.Username, config.Password, config.Database, config.SSLMode,
	)

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	if config.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := NewPostgresStoreFromDB(db)
	store.config = config

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// NewPostgresStoreFromDB wraps an already opened handle.
func NewPostgresStoreFromDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: zap.L().Named("postgres-store"),
	}
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS call_recordings (
		id UUID PRIMARY KEY,
		call_id TEXT NOT NULL,
		claim_id TEXT NOT NULL DEFAULT '',
		claim_number TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL,
		content_type TEXT NOT NULL,
		size_bytes BIGINT NOT NULL DEFAULT 0,
		chunks INTEGER NOT NULL DEFAULT 0,
		started_by TEXT NOT NULL DEFAULT '',
		stopped_by TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMPTZ NOT NULL,
		stopped_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_call_recordings_claim ON call_recordings(claim_id, started_at DESC);
	CREATE INDEX IF NOT EXISTS idx_call_recordings_call ON call_recordings(call_id);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// SaveRecording inserts rec, or updates the URL and size when a row with
// the same ID already exists.
func (s *PostgresStore) SaveRecording(ctx context.Context, rec *Recording) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	query := `
		INSERT INTO call_recordings (
			id, call_id, claim_id, claim_number, url, content_type,
			size_bytes, chunks, started_by, stopped_by, started_at, stopped_at
		) VALUES (
			:id, :call_id, :claim_id, :claim_number, :url, :content_type,
			:size_bytes, :chunks, :started_by, :stopped_by, :started_at, :stopped_at
		)
		ON CONFLICT (id) DO UPDATE SET
			url = EXCLUDED.url,
			size_bytes = EXCLUDED.size_bytes,
			chunks = EXCLUDED.chunks
		RETURNING created_at
	`

	rows, err := s.db.NamedQueryContext(ctx, query, rec)
	if err != nil {
		return fmt.Errorf("failed to save recording: %w", err)
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&rec.CreatedAt); err != nil {
			return fmt.Errorf("failed to read recording row: %w", err)
		}
	}

	s.logger.Debug("Recording indexed",
		zap.String("id", rec.ID),
		zap.String("callId", rec.CallID),
		zap.String("claimId", rec.ClaimID))
	return rows.Err()
}

// RecordingsForClaim lists recordings for a claim, newest first.
func (s *PostgresStore) RecordingsForClaim(ctx context.Context, claimID string) ([]*Recording, error) {
	var recs []*Recording
	err := s.db.SelectContext(ctx, &recs, `
		SELECT id, call_id, claim_id, claim_number, url, content_type,
		       size_bytes, chunks, started_by, stopped_by, started_at, stopped_at, created_at
		FROM call_recordings
		WHERE claim_id = $1
		ORDER BY started_at DESC`, claimID)
	if err != nil {
		return nil, fmt.Errorf("failed to query recordings: %w", err)
	}
	return recs, nil
}

func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
