// Package store persists newsletter subscribers and activation audit
// records in PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/tbleier/capgate/api/schemas"
)

// ErrSubscriberNotFound is returned when a confirm targets an unknown email.
var ErrSubscriberNotFound = errors.New("subscriber not found")

// DBPool abstracts pgxpool.Pool so the store can run against pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Subscriber is one newsletter signup.
type Subscriber struct {
	ID          string
	Email       string
	Confirmed   bool
	CreatedAt   time.Time
	ConfirmedAt *time.Time
}

// Store provides the PostgreSQL persistence layer.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a store and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS subscribers (
		id UUID PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		confirmed BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		confirmed_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS activation_runs (
		id UUID PRIMARY KEY,
		source TEXT NOT NULL,
		page_url TEXT,
		containers INT NOT NULL,
		activated INT NOT NULL,
		failed INT NOT NULL,
		duration_ms BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS activation_containers (
		run_id UUID NOT NULL REFERENCES activation_runs(id) ON DELETE CASCADE,
		ordinal INT NOT NULL,
		container_id TEXT,
		box_id TEXT,
		button_id TEXT,
		state TEXT NOT NULL,
		diagnostic TEXT,
		detail TEXT,
		PRIMARY KEY (run_id, ordinal)
	)`,
	`CREATE TABLE IF NOT EXISTS activation_daily_stats (
		day DATE PRIMARY KEY,
		runs BIGINT NOT NULL DEFAULT 0,
		containers BIGINT NOT NULL DEFAULT 0,
		activated BIGINT NOT NULL DEFAULT 0,
		failed BIGINT NOT NULL DEFAULT 0
	)`,
}

// Migrate creates the schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	s.log.Info("Database schema is up to date.")
	return nil
}

// SaveSubscriber upserts an email address and reports whether a new row was
// created. Re-subscribing an existing address is a no-op.
func (s *Store) SaveSubscriber(ctx context.Context, email string) (Subscriber, bool, error) {
	sub := Subscriber{
		ID:        uuid.New().String(),
		Email:     email,
		CreatedAt: time.Now().UTC(),
	}

	// xmax = 0 distinguishes a fresh insert from a conflict update.
	row := s.pool.QueryRow(ctx, `
		INSERT INTO subscribers (id, email, confirmed, created_at)
		VALUES ($1, $2, FALSE, $3)
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING id, confirmed, created_at, (xmax = 0)`,
		sub.ID, sub.Email, sub.CreatedAt)

	var created bool
	if err := row.Scan(&sub.ID, &sub.Confirmed, &sub.CreatedAt, &created); err != nil {
		return Subscriber{}, false, fmt.Errorf("failed to upsert subscriber: %w", err)
	}

	s.log.Debug("Subscriber saved.", zap.String("email", email), zap.Bool("created", created))
	return sub, created, nil
}

// ConfirmSubscriber marks an email address confirmed.
func (s *Store) ConfirmSubscriber(ctx context.Context, email string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE subscribers
		SET confirmed = TRUE, confirmed_at = $1
		WHERE email = $2 AND NOT confirmed`,
		time.Now().UTC(), email)
	if err != nil {
		return fmt.Errorf("failed to confirm subscriber: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrSubscriberNotFound, email)
	}
	return nil
}

// ListSubscribers returns subscribers ordered by signup time.
func (s *Store) ListSubscribers(ctx context.Context, confirmedOnly bool) ([]Subscriber, error) {
	query := `
		SELECT id, email, confirmed, created_at, confirmed_at
		FROM subscribers`
	if confirmedOnly {
		query += `
		WHERE confirmed`
	}
	query += `
		ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscribers: %w", err)
	}
	defer rows.Close()

	var subs []Subscriber
	for rows.Next() {
		var sub Subscriber
		if err := rows.Scan(&sub.ID, &sub.Email, &sub.Confirmed, &sub.CreatedAt, &sub.ConfirmedAt); err != nil {
			return nil, fmt.Errorf("failed to scan subscriber row: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return subs, nil
}

// RecordActivation writes one activation report transactionally: the run
// row and the daily stats upsert go through a single batch, then the
// per-container outcomes are bulk-loaded with CopyFrom.
func (s *Store) RecordActivation(ctx context.Context, report schemas.ActivationReport) error {
	runID := report.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	activated, failed := report.Counts()
	createdAt := report.StartedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		// Rollback after a successful commit reports ErrTxClosed; that is
		// the normal path, not a failure.
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction.", zap.Error(rollbackErr))
		}
	}()

	batch := &pgx.Batch{}
	batch.Queue(`
		INSERT INTO activation_runs (id, source, page_url, containers, activated, failed, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		runID, report.Source, report.PageURL,
		len(report.Containers), activated, failed,
		report.Duration.Milliseconds(), createdAt)
	batch.Queue(`
		INSERT INTO activation_daily_stats (day, runs, containers, activated, failed)
		VALUES ($1::date, 1, $2, $3, $4)
		ON CONFLICT (day) DO UPDATE SET
			runs = activation_daily_stats.runs + 1,
			containers = activation_daily_stats.containers + EXCLUDED.containers,
			activated = activation_daily_stats.activated + EXCLUDED.activated,
			failed = activation_daily_stats.failed + EXCLUDED.failed`,
		createdAt, len(report.Containers), activated, failed)

	br := tx.SendBatch(ctx, batch)
	if br == nil {
		return errors.New("failed to send batch: batch results is nil")
	}
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("failed to execute batch statement %d: %w", i, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("failed to close batch results: %w", err)
	}

	if len(report.Containers) > 0 {
		rows := make([][]interface{}, len(report.Containers))
		for i, c := range report.Containers {
			rows[i] = []interface{}{
				runID, c.Ordinal, c.ContainerID, c.BoxID, c.ButtonID,
				string(c.State), string(c.Diagnostic), c.Detail,
			}
		}
		copied, err := tx.CopyFrom(
			ctx,
			pgx.Identifier{"activation_containers"},
			[]string{"run_id", "ordinal", "container_id", "box_id", "button_id", "state", "diagnostic", "detail"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("failed to copy container outcomes: %w", err)
		}
		if int(copied) != len(report.Containers) {
			return fmt.Errorf("mismatch in copied container count: expected %d, got %d",
				len(report.Containers), copied)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.log.Info("Activation run recorded.",
		zap.String("run_id", runID),
		zap.String("source", report.Source),
		zap.Int("containers", len(report.Containers)),
		zap.Int("activated", activated),
		zap.Int("failed", failed))
	return nil
}
