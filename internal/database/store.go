package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hyperasset/hyperasset/internal/domain"
)

// Row is one fetched row keyed by column name.
type Row map[string]any

// Store layers retrying execute/fetch operations over a DB. Transient
// connection errors are retried up to 3 times with exponential backoff;
// syntax and constraint errors fail fast.
type Store struct {
	db *DB
}

// NewStore creates a retrying store over db.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// DB exposes the wrapped database.
func (s *Store) DB() *DB {
	return s.db
}

// Execute runs a statement and returns the number of affected rows.
func (s *Store) Execute(ctx context.Context, query string, args ...any) (int64, error) {
	var affected int64
	err := s.withRetry(ctx, func() error {
		res, err := s.db.conn.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	return affected, err
}

// ExecuteMany runs the same statement once per argument tuple inside a single
// transaction. All-or-nothing.
func (s *Store) ExecuteMany(ctx context.Context, query string, argSets [][]any) error {
	return s.withRetry(ctx, func() error {
		return WithTransaction(s.db.conn, func(tx *sql.Tx) error {
			stmt, err := tx.PrepareContext(ctx, query)
			if err != nil {
				return err
			}
			defer stmt.Close()
			for _, args := range argSets {
				if _, err := stmt.ExecContext(ctx, args...); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// FetchOne returns the first row or nil when no row matches.
func (s *Store) FetchOne(ctx context.Context, query string, args ...any) (Row, error) {
	rows, err := s.FetchAll(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// FetchAll returns every matching row.
func (s *Store) FetchAll(ctx context.Context, query string, args ...any) ([]Row, error) {
	var out []Row
	err := s.withRetry(ctx, func() error {
		rows, err := s.db.conn.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		cols, err := rows.Columns()
		if err != nil {
			return err
		}

		out = nil
		for rows.Next() {
			values := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range values {
				ptrs[i] = &values[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return err
			}
			row := make(Row, len(cols))
			for i, col := range cols {
				row[col] = values[i]
			}
			out = append(out, row)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Result carries the outcome of an async operation.
type Result[T any] struct {
	Value T
	Err   error
}

// ExecuteAsync runs Execute on a background goroutine and delivers the
// result on the returned channel.
func (s *Store) ExecuteAsync(ctx context.Context, query string, args ...any) <-chan Result[int64] {
	ch := make(chan Result[int64], 1)
	go func() {
		affected, err := s.Execute(ctx, query, args...)
		ch <- Result[int64]{Value: affected, Err: err}
	}()
	return ch
}

// FetchAllAsync runs FetchAll on a background goroutine.
func (s *Store) FetchAllAsync(ctx context.Context, query string, args ...any) <-chan Result[[]Row] {
	ch := make(chan Result[[]Row], 1)
	go func() {
		rows, err := s.FetchAll(ctx, query, args...)
		ch <- Result[[]Row]{Value: rows, Err: err}
	}()
	return ch
}

// Health reports pool status for health endpoints.
func (s *Store) Health(ctx context.Context) (*Stats, error) {
	if err := s.db.QuickCheck(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConnection, err)
	}
	return s.db.GetStats(), nil
}

// withRetry retries fn on transient errors with exponential backoff.
func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	backoff := retryBaseBackoff
	for attempt := 0; attempt < maxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", domain.ErrTimeout, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("%w: %v", domain.ErrConnection, lastErr)
}

// isTransient distinguishes retryable connection trouble from hard SQL
// errors. Constraint and syntax failures are never retried.
func isTransient(err error) bool {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "constraint") ||
		strings.Contains(msg, "syntax") ||
		strings.Contains(msg, "no such") {
		return false
	}
	return strings.Contains(msg, "locked") ||
		strings.Contains(msg, "busy") ||
		strings.Contains(msg, "connection") ||
		strings.Contains(msg, "i/o")
}
