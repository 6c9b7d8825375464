package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/go-pg/pg/v10"
	"golang.org/x/xerrors"
)

var testDatabase = os.Getenv("DEAL_IMPORTER_TEST_DB")

// testLock is held by a test for the duration it needs the database to itself.
const testLock int64 = 0x6465616c7465

// DatabaseAvailable reports whether a database is available for testing
func DatabaseAvailable() bool {
	return testDatabase != ""
}

// Database returns the connection string for connecting to the test database
func Database() string {
	return testDatabase
}

// WaitForExclusiveDatabase blocks until no other test holds the test database and returns a function that
// releases it. Tests from different packages share one database, so every test that writes must call this.
func WaitForExclusiveDatabase(ctx context.Context, tb testing.TB) (func(), error) {
	opt, err := pg.ParseURL(testDatabase)
	if err != nil {
		return nil, xerrors.Errorf("parse test database url: %w", err)
	}
	// advisory locks belong to a session so pin a single connection
	opt.PoolSize = 1
	db := pg.Connect(opt)

	if _, err := db.ExecContext(ctx, `SELECT pg_advisory_lock(?)`, testLock); err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("acquire test database lock: %w", err)
	}

	return func() {
		if _, err := db.Exec(`SELECT pg_advisory_unlock(?)`, testLock); err != nil {
			tb.Logf("release test database lock: %v", err)
		}
		if err := db.Close(); err != nil {
			tb.Logf("close test database lock connection: %v", err)
		}
	}, nil
}
