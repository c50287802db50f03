package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresOptions carries connection pool tuning.
type PostgresOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration

	// PollInterval is the re-check cadence for live reads.
	PollInterval time.Duration
}

// PostgresStore persists logs in two tables: a registry of log keys and an
// append-only record table whose bigserial id provides the total order and
// therefore the offset.
type PostgresStore struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewPostgresStore opens the database, applies pool settings and runs the
// embedded migrations.
func NewPostgresStore(databaseURL string, opts PostgresOptions) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Run migrations
	if err := RunMigrations(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}

	return &PostgresStore{db: db, pollInterval: pollInterval}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Create(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO logs (key) VALUES ($1) ON CONFLICT (key) DO NOTHING`, key)
	if err != nil {
		return classify(err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, key string, data []byte) (string, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO log_records (log_key, data)
		 SELECT $1, $2 WHERE EXISTS (SELECT 1 FROM logs WHERE key = $1)
		 RETURNING id`, key, data).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrLogNotFound
	}
	if err != nil {
		return "", classify(err)
	}
	return FormatOffset(id), nil
}

func (s *PostgresStore) Read(ctx context.Context, key string, fromOffset string, mode ReadMode, opts ReadOptions) (Batch, error) {
	from, err := ParseOffset(fromOffset)
	if err != nil {
		return Batch{}, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultBatchLimit
	}

	batch, err := s.page(ctx, key, from, limit)
	if err != nil {
		return Batch{}, err
	}
	if len(batch.Records) > 0 || mode == ReadCatchup || opts.Wait <= 0 {
		return batch, nil
	}

	// Live mode with nothing new: re-poll until data arrives or the wait
	// deadline passes.
	deadline := time.Now().Add(opts.Wait)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			batch, err = s.page(ctx, key, from, limit)
			if err != nil {
				return Batch{}, err
			}
			if len(batch.Records) > 0 || time.Now().After(deadline) {
				return batch, nil
			}
		case <-ctx.Done():
			return Batch{}, ctx.Err()
		}
	}
}

func (s *PostgresStore) page(ctx context.Context, key string, from int64, limit int) (Batch, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM logs WHERE key = $1)`, key).Scan(&exists); err != nil {
		return Batch{}, classify(err)
	}
	if !exists {
		return Batch{}, ErrLogNotFound
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, data FROM log_records
		 WHERE log_key = $1 AND id > $2
		 ORDER BY id ASC LIMIT $3`, key, from, limit+1)
	if err != nil {
		return Batch{}, classify(err)
	}
	defer rows.Close()

	batch := Batch{NextOffset: FormatOffset(from)}
	count := 0
	more := false
	for rows.Next() {
		var id int64
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return Batch{}, classify(err)
		}
		if count == limit {
			more = true
			break
		}
		batch.Records = append(batch.Records, Record{Offset: FormatOffset(id), Data: data})
		batch.NextOffset = FormatOffset(id)
		count++
	}
	if err := rows.Err(); err != nil {
		return Batch{}, classify(err)
	}

	batch.UpToDate = !more
	batch.Cursor = batch.NextOffset
	return batch, nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM logs WHERE key = $1`, key)
	if err != nil {
		return classify(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if affected == 0 {
		return ErrLogNotFound
	}
	// Records cascade via the foreign key.
	return nil
}

// classify maps driver failures onto the transient/fatal split the callers
// act on. Connection-level problems are worth retrying; everything else is
// surfaced as-is.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, driver.ErrBadConn) {
		return MarkRetryable(err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		class := pqErr.Code.Class()
		switch class {
		case "08", // connection exceptions
			"53", // insufficient resources
			"57", // operator intervention (shutdown, crash)
			"40": // transaction rollback (serialization, deadlock)
			return MarkRetryable(err)
		}
		return err
	}

	// lib/pq surfaces some transport errors as plain errors.
	msg := err.Error()
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "broken pipe") {
		return MarkRetryable(err)
	}
	return err
}
