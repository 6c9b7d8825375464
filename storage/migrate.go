package storage

import (
	"context"
	"strconv"

	"github.com/go-pg/migrations/v8"
	"github.com/go-pg/pg/v10"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/deal-importer/schemas"
	v1 "github.com/filecoin-project/deal-importer/schemas/v1"
)

const versionTable = "importer_version"

// GetSchemaVersions returns the schema version in the database and the latest schema version defined by the available
// migrations.
func (d *Database) GetSchemaVersions(ctx context.Context) (schemas.Version, schemas.Version, error) {
	latest := LatestSchemaVersion()

	// If we're already connected then use that connection
	if d.db != nil {
		dbVersion, _, err := getDatabaseSchemaVersion(ctx, d.db, d.schemaConfig)
		return dbVersion, latest, err
	}

	db, err := d.connectWithRetry(ctx)
	if err != nil {
		return schemas.Version{}, schemas.Version{}, err
	}
	defer db.Close() // nolint: errcheck
	dbVersion, _, err := getDatabaseSchemaVersion(ctx, db, d.schemaConfig)
	return dbVersion, latest, err
}

// getDatabaseSchemaVersion returns the schema version in use by the database and whether the schema versioning
// tables have been initialized. If no schema version tables can be found then the database is assumed to be
// uninitialized and a zero version and false value will be returned.
func getDatabaseSchemaVersion(ctx context.Context, db *pg.DB, cfg schemas.Config) (schemas.Version, bool, error) {
	vvExists, err := tableExists(ctx, db, cfg.SchemaName, versionTable)
	if err != nil {
		return schemas.Version{}, false, xerrors.Errorf("checking if %s exists: %w", versionTable, err)
	}

	migExists, err := tableExists(ctx, db, cfg.SchemaName, "gopg_migrations")
	if err != nil {
		return schemas.Version{}, false, xerrors.Errorf("checking if gopg_migrations exists: %w", err)
	}

	if !migExists || !vvExists {
		return schemas.Version{}, false, nil
	}

	var major int
	_, err = db.QueryOneContext(ctx, pg.Scan(&major), `SELECT major FROM ? LIMIT 1`, pg.SafeQuery(cfg.SchemaName+"."+versionTable))
	if err != nil && err != pg.ErrNoRows {
		return schemas.Version{}, false, err
	}
	if major == 0 {
		return schemas.Version{}, false, nil
	}

	coll, err := collectionForVersion(schemas.Version{Major: major}, cfg)
	if err != nil {
		return schemas.Version{}, false, err
	}

	migration, err := coll.Version(db)
	if err != nil {
		return schemas.Version{}, false, xerrors.Errorf("unable to determine schema version: %w", err)
	}

	return schemas.Version{Major: major, Patch: int(migration)}, true, nil
}

func tableExists(ctx context.Context, db *pg.DB, schemaName string, tableName string) (bool, error) {
	var exists bool
	_, err := db.QueryOneContext(ctx, pg.Scan(&exists), `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema=? AND table_name=?)`, schemaName, tableName)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// initDatabaseSchema initializes the version tables for tracking schema version installed in the database
func initDatabaseSchema(ctx context.Context, db *pg.DB, cfg schemas.Config, major int) error {
	if cfg.SchemaName != "public" {
		if _, err := db.ExecContext(ctx, `CREATE SCHEMA IF NOT EXISTS ?`, pg.Ident(cfg.SchemaName)); err != nil {
			return xerrors.Errorf("ensure schema exists: %w", err)
		}
	}

	vvTableName := cfg.SchemaName + "." + versionTable
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS ? (
			"major" int NOT NULL,
			PRIMARY KEY ("major")
		)
	`, pg.SafeQuery(vvTableName)); err != nil {
		return xerrors.Errorf("ensure %s exists: %w", versionTable, err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO ? (major) VALUES (?) ON CONFLICT DO NOTHING`, pg.SafeQuery(vvTableName), major); err != nil {
		return xerrors.Errorf("record major version: %w", err)
	}

	migTableName := cfg.SchemaName + ".gopg_migrations"
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS ? (
			id serial,
			version bigint,
			created_at timestamptz
		)
	`, pg.SafeQuery(migTableName)); err != nil {
		return xerrors.Errorf("ensure gopg_migrations exists: %w", err)
	}

	return nil
}

func validateDatabaseSchemaVersion(ctx context.Context, db *pg.DB, cfg schemas.Config) (schemas.Version, error) {
	dbVersion, initialized, err := getDatabaseSchemaVersion(ctx, db, cfg)
	if err != nil {
		return schemas.Version{}, xerrors.Errorf("get schema version: %w", err)
	}

	if !initialized {
		return schemas.Version{}, xerrors.Errorf("schema not installed in database, run the migrate command: %w", ErrSchemaTooOld)
	}

	latestVersion := LatestSchemaVersion()
	switch {
	case latestVersion.Before(dbVersion):
		return schemas.Version{}, ErrSchemaTooNew
	case dbVersion.Before(latestVersion):
		return schemas.Version{}, ErrSchemaTooOld
	default:
		return dbVersion, nil
	}
}

// VerifyCurrentSchema checks that the database schema matches the latest version without connecting the pool.
func (d *Database) VerifyCurrentSchema(ctx context.Context) error {
	db, err := d.connectWithRetry(ctx)
	if err != nil {
		return err
	}
	defer db.Close() // nolint: errcheck

	_, err = validateDatabaseSchemaVersion(ctx, db, d.schemaConfig)
	return err
}

// LatestSchemaVersion returns the most recent version of the model schema. It is based on the highest migration
// version in the highest major schema version.
func LatestSchemaVersion() schemas.Version {
	return v1.Version()
}

// MigrateSchema migrates the database schema to the latest version based on the list of migrations available
func (d *Database) MigrateSchema(ctx context.Context) error {
	return d.MigrateSchemaTo(ctx, LatestSchemaVersion())
}

// MigrateSchemaTo migrates the database schema to a specific version. Only upgrades within the current major
// version are supported.
func (d *Database) MigrateSchemaTo(ctx context.Context, target schemas.Version) error {
	db, err := d.connectWithRetry(ctx)
	if err != nil {
		return err
	}
	defer db.Close() // nolint: errcheck

	dbVersion, initialized, err := getDatabaseSchemaVersion(ctx, db, d.schemaConfig)
	if err != nil {
		return xerrors.Errorf("get schema versions: %w", err)
	}
	log.Infof("current database schema is version %s", dbVersion)

	if initialized && target.Major != dbVersion.Major {
		return xerrors.Errorf("cannot migrate to a different major schema version. database version=%s, target version=%s", dbVersion, target)
	}

	latestVersion := LatestSchemaVersion()
	if latestVersion.Major != target.Major || latestVersion.Patch < target.Patch {
		return xerrors.Errorf("no migrations found for version %s", target)
	}

	if dbVersion == target {
		log.Infof("database schema is already at version %s", dbVersion)
		return nil
	}
	if initialized && target.Before(dbVersion) {
		return xerrors.Errorf("cannot downgrade schema from %s to %s", dbVersion, target)
	}

	coll, err := collectionForVersion(target, d.schemaConfig)
	if err != nil {
		return xerrors.Errorf("no schema definition corresponds to version %s: %w", target, err)
	}

	if err := checkMigrationSequence(coll, dbVersion.Patch, target.Patch); err != nil {
		return xerrors.Errorf("check migration sequence: %w", err)
	}

	// Acquire an exclusive lock on the schema so we know no other instances are running
	if err := SchemaLock.LockExclusive(ctx, db); err != nil {
		return xerrors.Errorf("acquiring schema lock: %w", err)
	}
	defer func() {
		if err := SchemaLock.UnlockExclusive(ctx, db); err != nil {
			log.Errorf("failed to release exclusive lock: %v", err)
		}
	}()

	if !initialized {
		log.Infof("creating base schema for major version %d", target.Major)

		base, err := v1.GetBase(d.schemaConfig)
		if err != nil {
			return xerrors.Errorf("render base schema: %w", err)
		}
		if err := initDatabaseSchema(ctx, db, d.schemaConfig, target.Major); err != nil {
			return xerrors.Errorf("initializing schema version tables: %w", err)
		}
		if _, err := db.ExecContext(ctx, base); err != nil {
			return xerrors.Errorf("creating base schema: %w", err)
		}
		dbVersion.Major = target.Major
	}

	log.Infof("running schema migration from version %s to version %s", dbVersion, target)
	_, newDBPatch, err := coll.Run(db, "up", strconv.Itoa(target.Patch))
	if err != nil {
		return xerrors.Errorf("run migration: %w", err)
	}
	dbVersion.Patch = int(newDBPatch)

	log.Infof("current database schema is now version %s", dbVersion)
	return nil
}

func checkMigrationSequence(coll *migrations.Collection, from, to int) error {
	versions := map[int64]bool{}
	for _, m := range coll.Migrations() {
		if versions[m.Version] {
			return xerrors.Errorf("duplicate migration for schema version %d", m.Version)
		}
		versions[m.Version] = true
	}

	for i := from + 1; i <= to; i++ {
		if !versions[int64(i)] {
			return xerrors.Errorf("missing migration for schema version %d", i)
		}
	}
	return nil
}

func collectionForVersion(version schemas.Version, cfg schemas.Config) (*migrations.Collection, error) {
	switch version.Major {
	case v1.MajorVersion:
		return v1.GetPatches(cfg)
	default:
		return nil, xerrors.Errorf("unsupported major version: %d", version.Major)
	}
}
