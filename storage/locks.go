package storage

import (
	"context"

	"github.com/go-pg/pg/v10"
	"golang.org/x/xerrors"
)

var (
	// SchemaLock guards schema installation and migration.
	SchemaLock AdvisoryLock = 0x6465616c0001
	// TagLock serializes classification passes between concurrent tagger runs.
	TagLock AdvisoryLock = 0x6465616c0002
)

// An AdvisoryLock is a lock that is managed by Postgres but is only enforced by the application. Session scoped
// advisory locks are automatically released at the end of a session.
type AdvisoryLock int64

// LockExclusive tries to acquire a session scoped exclusive advisory lock.
func (l AdvisoryLock) LockExclusive(ctx context.Context, db *pg.DB) error {
	var acquired bool
	_, err := db.QueryOneContext(ctx, pg.Scan(&acquired), `SELECT pg_try_advisory_lock(?);`, int64(l))
	if err != nil {
		return xerrors.Errorf("acquiring exclusive lock: %w", err)
	}
	if !acquired {
		return xerrors.Errorf("failed to acquire exclusive lock")
	}
	return nil
}

// UnlockExclusive releases an exclusive advisory lock.
func (l AdvisoryLock) UnlockExclusive(ctx context.Context, db *pg.DB) error {
	var released bool
	_, err := db.QueryOneContext(ctx, pg.Scan(&released), `SELECT pg_advisory_unlock(?);`, int64(l))
	if err != nil {
		return xerrors.Errorf("unlocking exclusive lock: %w", err)
	}
	if !released {
		return xerrors.Errorf("exclusive lock not released (maybe it was not held)")
	}
	return nil
}

// LockTx acquires a transaction scoped exclusive advisory lock, waiting for a holder in another session to
// finish. The lock is released when tx commits or rolls back.
func (l AdvisoryLock) LockTx(ctx context.Context, tx *pg.Tx) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(?);`, int64(l)); err != nil {
		return xerrors.Errorf("acquiring transaction lock: %w", err)
	}
	return nil
}
