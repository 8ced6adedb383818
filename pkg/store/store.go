// Package store owns all on-disk state: prompts, jobs, results, audits, and
// usage snapshots in a single SQLite file.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/s123104/night-pilot/pkg/nperrors"
	"github.com/s123104/night-pilot/pkg/store/upgrades"
)

const (
	busyRetries   = 3
	busyBaseDelay = 50 * time.Millisecond
)

// Store wraps the engine database. Readers run concurrently; the write path
// is serialized by SQLite and retried on transient contention.
type Store struct {
	db  *dbutil.Database
	log zerolog.Logger

	// degraded flips when an invariant violation surfaces; writes are then
	// rejected until restart.
	degraded atomic.Bool
}

// New opens (creating if needed) the engine database at path and applies
// pending migrations.
func New(ctx context.Context, path string, log zerolog.Logger) (*Store, error) {
	uri := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on&_busy_timeout=5000&_txlock=immediate", path)
	rawDB, err := sql.Open("sqlite3", uri)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db, err := dbutil.NewWithDB(rawDB, "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("wrap database: %w", err)
	}
	return NewWithDB(ctx, db, log)
}

// NewWithDB wraps an existing database handle. Tests use this with :memory:.
func NewWithDB(ctx context.Context, db *dbutil.Database, log zerolog.Logger) (*Store, error) {
	log = log.With().Str("component", "store").Logger()
	db.Log = dbutil.ZeroLogger(log)
	db.UpgradeTable = upgrades.Table
	if err := db.Upgrade(ctx); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database answers queries.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return s.wrapError(err)
	}
	return nil
}

// Degraded reports whether the store has been switched to read-only after an
// internal error.
func (s *Store) Degraded() bool {
	return s.degraded.Load()
}

// doWrite runs fn with busy-retry and degraded-mode gating. All mutating
// store methods go through here.
func (s *Store) doWrite(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.degraded.Load() {
		return fmt.Errorf("%w: store degraded to read-only", nperrors.ErrInternal)
	}
	var err error
	for attempt := 0; attempt <= busyRetries; attempt++ {
		if attempt > 0 {
			delay := busyBaseDelay << (attempt - 1)
			jitter := time.Duration(rand.Int64N(int64(delay / 2)))
			select {
			case <-time.After(delay + jitter):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(s.wrapError(err), nperrors.ErrStoreBusy) {
			break
		}
		s.log.Debug().Err(err).Int("attempt", attempt+1).Msg("Store busy, retrying write")
	}
	wrapped := s.wrapError(err)
	if errors.Is(wrapped, nperrors.ErrInternal) {
		s.degraded.Store(true)
		s.log.Error().Err(err).Msg("Internal store error, degrading to read-only")
	}
	return wrapped
}

// wrapError normalizes driver errors into the engine taxonomy.
func (s *Store) wrapError(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{
		nperrors.ErrValidation, nperrors.ErrNotFound, nperrors.ErrConflict,
		nperrors.ErrAlreadyRunning, nperrors.ErrStoreBusy, nperrors.ErrInternal,
	} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: no matching row", nperrors.ErrNotFound)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return fmt.Errorf("%w: %v", nperrors.ErrStoreBusy, err)
		case sqlite3.ErrConstraint:
			if sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
				return fmt.Errorf("%w: unique violation: %v", nperrors.ErrConflict, err)
			}
			return fmt.Errorf("%w: constraint violation: %v", nperrors.ErrConflict, err)
		case sqlite3.ErrIoErr, sqlite3.ErrFull, sqlite3.ErrCantOpen:
			return fmt.Errorf("io error: %w", err)
		}
	}
	return fmt.Errorf("%w: %v", nperrors.ErrInternal, err)
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func msToTimePtr(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := msToTime(ms.Int64)
	return &t
}

func timePtrToMs(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
