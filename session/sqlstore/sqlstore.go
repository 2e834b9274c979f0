/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package sqlstore is a session.Store backed by a SQL database. Each session
// is a single row holding the JSON document, the fencing token and a version
// column. Transactions lock the row (MySQL) or the database (SQLite) so that
// concurrent commits on a review serialize.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"chainguard.dev/prreview/session"
	"github.com/chainguard-dev/clog"
	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// Driver names accepted by Open.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// errConflict means the row changed between read and write, which only
// happens when another process wrote without holding the lock.
var errConflict = errors.New("concurrent modification of session row")

type dialect struct {
	schema    string
	selectRow string
	upsert    string
}

var dialects = map[string]dialect{
	DriverSQLite: {
		schema: `
			CREATE TABLE IF NOT EXISTS review_sessions (
				review_id TEXT PRIMARY KEY,
				head_sha TEXT NOT NULL,
				status TEXT NOT NULL,
				doc TEXT NOT NULL,
				version INTEGER NOT NULL
			)`,
		selectRow: `SELECT doc, version FROM review_sessions WHERE review_id = ?`,
		upsert: `
			INSERT INTO review_sessions (review_id, head_sha, status, doc, version)
			VALUES (?, ?, ?, ?, 1)
			ON CONFLICT(review_id) DO UPDATE SET
				head_sha = excluded.head_sha,
				status = excluded.status,
				doc = excluded.doc,
				version = review_sessions.version + 1`,
	},
	DriverMySQL: {
		schema: `
			CREATE TABLE IF NOT EXISTS review_sessions (
				review_id VARCHAR(255) PRIMARY KEY,
				head_sha VARCHAR(64) NOT NULL,
				status VARCHAR(32) NOT NULL,
				doc LONGTEXT NOT NULL,
				version BIGINT NOT NULL
			) ENGINE=InnoDB`,
		selectRow: `SELECT doc, version FROM review_sessions WHERE review_id = ? FOR UPDATE`,
		upsert: `
			INSERT INTO review_sessions (review_id, head_sha, status, doc, version)
			VALUES (?, ?, ?, ?, 1)
			ON DUPLICATE KEY UPDATE
				head_sha = VALUES(head_sha),
				status = VALUES(status),
				doc = VALUES(doc),
				version = version + 1`,
	},
}

const updateRow = `
	UPDATE review_sessions SET head_sha = ?, status = ?, doc = ?, version = version + 1
	WHERE review_id = ? AND version = ?`

// Store is a SQL-backed session.Store.
type Store struct {
	db      *sql.DB
	dialect dialect
	feed    *session.Feed
	now     func() time.Time
}

var _ session.Store = (*Store)(nil)

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the time source used for CreatedAt/UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open connects to the database, creates the schema if needed and returns a
// Store that announces writes on feed (which may be nil).
//
// For SQLite the dsn is a file path; for MySQL it is a go-sql-driver DSN such
// as "user:pass@tcp(localhost:3306)/reviews".
func Open(ctx context.Context, driver, dsn string, feed *session.Feed, opts ...Option) (*Store, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", driver, err)
	}

	switch driver {
	case DriverSQLite:
		// A single connection serializes every transaction in this process.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	case DriverMySQL:
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		db.SetConnMaxIdleTime(10 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to %s database: %w", driver, err)
	}
	if _, err := db.ExecContext(ctx, d.schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s := &Store{db: db, dialect: d, feed: feed, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// inTx runs fn in a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// load reads the session row inside tx. A missing row returns a nil session.
func (s *Store) load(ctx context.Context, tx *sql.Tx, reviewID string) (*session.Session, int64, error) {
	var raw string
	var version int64
	err := tx.QueryRowContext(ctx, s.dialect.selectRow, reviewID).Scan(&raw, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	} else if err != nil {
		return nil, 0, fmt.Errorf("reading session %s: %w", reviewID, err)
	}
	doc := &session.Session{}
	if err := json.Unmarshal([]byte(raw), doc); err != nil {
		return nil, 0, fmt.Errorf("decoding session %s: %w", reviewID, err)
	}
	return doc, version, nil
}

// CreateOrReplace implements session.Store.
func (s *Store) CreateOrReplace(ctx context.Context, reviewID string, info session.PRInfo, domains []string) (*session.Session, error) {
	if err := info.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pr info: %w", err)
	}
	doc := session.New(reviewID, info, domains, s.now())
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding session: %w", err)
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		prev, _, err := s.load(ctx, tx, reviewID)
		if err != nil {
			return err
		}
		if prev != nil && prev.PRInfo.HeadSHA != info.HeadSHA {
			clog.FromContext(ctx).With("review_id", reviewID).
				With("previous_sha", prev.PRInfo.HeadSHA).
				With("head_sha", info.HeadSHA).
				Info("Replacing session for new revision")
		}
		if _, err := tx.ExecContext(ctx, s.dialect.upsert, reviewID, info.HeadSHA, string(doc.Status), string(raw)); err != nil {
			return fmt.Errorf("writing session %s: %w", reviewID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.feed.Publish(ctx, session.Change{ReviewID: reviewID, HeadSHA: info.HeadSHA, Status: doc.Status})
	return doc, nil
}

// ConditionalCommit implements session.Store.
func (s *Store) ConditionalCommit(ctx context.Context, reviewID, expectedHeadSHA string, mutate session.Mutation) (*session.Session, error) {
	var next *session.Session
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		current, version, err := s.load(ctx, tx, reviewID)
		if err != nil {
			return err
		}
		next, err = session.Apply(current, reviewID, expectedHeadSHA, mutate, s.now())
		if err != nil {
			return err
		}
		raw, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encoding session: %w", err)
		}
		res, err := tx.ExecContext(ctx, updateRow, next.PRInfo.HeadSHA, string(next.Status), string(raw), reviewID, version)
		if err != nil {
			return fmt.Errorf("writing session %s: %w", reviewID, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("writing session %s: %w", reviewID, err)
		} else if n != 1 {
			return fmt.Errorf("%w: %s", errConflict, reviewID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.feed.Publish(ctx, session.Change{ReviewID: reviewID, HeadSHA: next.PRInfo.HeadSHA, Status: next.Status})
	return next, nil
}

// Read implements session.Store.
func (s *Store) Read(ctx context.Context, reviewID string) (*session.Session, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM review_sessions WHERE review_id = ?`, reviewID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", session.ErrNotFound, reviewID)
	} else if err != nil {
		return nil, fmt.Errorf("reading session %s: %w", reviewID, err)
	}
	doc := &session.Session{}
	if err := json.Unmarshal([]byte(raw), doc); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", reviewID, err)
	}
	return doc, nil
}

// List returns every stored session, most recently updated first. An empty
// status matches all sessions.
func (s *Store) List(ctx context.Context, status session.Status) ([]*session.Session, error) {
	query := `SELECT doc FROM review_sessions`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []*session.Session
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		doc := &session.Session{}
		if err := json.Unmarshal([]byte(raw), doc); err != nil {
			return nil, fmt.Errorf("decoding session: %w", err)
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	slices.SortFunc(out, func(a, b *session.Session) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return out, nil
}
