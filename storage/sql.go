package storage

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-pg/pg/v10"
	logging "github.com/ipfs/go-log/v2"
	"github.com/lib/pq"
	"go.uber.org/zap/zapcore"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/deal-importer/metrics"
	"github.com/filecoin-project/deal-importer/model"
	"github.com/filecoin-project/deal-importer/model/market"
	"github.com/filecoin-project/deal-importer/schemas"
)

var log = logging.Logger("deal-importer/storage")

// MaxPostgresNameLength is the limit on identifiers such as the application name.
const MaxPostgresNameLength = 64

var (
	ErrSchemaTooOld = errors.New("database schema is too old and requires migration")
	ErrSchemaTooNew = errors.New("database schema is too new for this version of deal-importer")
	ErrNameTooLong  = errors.New("name exceeds maximum length for postgres application names")
	ErrNotConnected = errors.New("database is not connected")
)

var _ model.Storage = (*Database)(nil)

type Database struct {
	opt            *pg.Options
	schemaConfig   schemas.Config
	autoMigrate    bool
	connectTimeout time.Duration

	db      *pg.DB
	version schemas.Version
}

// A DatabaseOption adjusts pool and startup behaviour of a Database.
type DatabaseOption func(*Database)

// WithMinIdleConns keeps at least n connections open in the pool.
func WithMinIdleConns(n int) DatabaseOption {
	return func(d *Database) { d.opt.MinIdleConns = n }
}

// WithPoolTimeout bounds how long a caller waits for a free pooled connection.
func WithPoolTimeout(t time.Duration) DatabaseOption {
	return func(d *Database) {
		if t > 0 {
			d.opt.PoolTimeout = t
		}
	}
}

// WithIdleTimeout closes pooled connections that have been idle for longer than t.
func WithIdleTimeout(t time.Duration) DatabaseOption {
	return func(d *Database) {
		if t > 0 {
			d.opt.IdleTimeout = t
		}
	}
}

// WithDialTimeout bounds establishing a single connection.
func WithDialTimeout(t time.Duration) DatabaseOption {
	return func(d *Database) {
		if t > 0 {
			d.opt.DialTimeout = t
		}
	}
}

// WithAutoMigrate installs or upgrades the schema during Connect.
func WithAutoMigrate(b bool) DatabaseOption {
	return func(d *Database) { d.autoMigrate = b }
}

// WithConnectTimeout is the total time Connect keeps retrying an unreachable database.
func WithConnectTimeout(t time.Duration) DatabaseOption {
	return func(d *Database) { d.connectTimeout = t }
}

func NewDatabase(ctx context.Context, url string, poolSize int, name string, schemaName string, opts ...DatabaseOption) (*Database, error) {
	if len(name) > MaxPostgresNameLength {
		return nil, ErrNameTooLong
	}

	opt, err := pg.ParseURL(url)
	if err != nil {
		return nil, xerrors.Errorf("parse database URL: %w", err)
	}
	if poolSize > 0 {
		opt.PoolSize = poolSize
	}
	if name != "" {
		opt.ApplicationName = name
	}
	if schemaName == "" {
		schemaName = "public"
	}
	if schemaName != "public" {
		searchPath := "SET search_path TO " + pq.QuoteIdentifier(schemaName) + ",public"
		opt.OnConnect = func(ctx context.Context, conn *pg.Conn) error {
			_, err := conn.ExecContext(ctx, searchPath)
			if err != nil {
				log.Errorf("failed to set search_path for schema %s: %v", schemaName, err)
			}
			return err
		}
	}

	d := &Database{
		opt:            opt,
		schemaConfig:   schemas.Config{SchemaName: schemaName},
		connectTimeout: time.Minute,
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Connect opens the connection pool and verifies that the installed schema matches this build.
func (d *Database) Connect(ctx context.Context) error {
	if d.db != nil {
		return nil
	}

	if d.autoMigrate {
		dbVersion, latest, err := d.GetSchemaVersions(ctx)
		if err != nil {
			return xerrors.Errorf("get schema versions: %w", err)
		}
		if dbVersion.Before(latest) {
			if err := d.MigrateSchema(ctx); err != nil {
				return xerrors.Errorf("auto migrate: %w", err)
			}
		}
	}

	db, err := d.connectWithRetry(ctx)
	if err != nil {
		return err
	}

	dbVersion, err := validateDatabaseSchemaVersion(ctx, db, d.schemaConfig)
	if err != nil {
		_ = db.Close() // nolint: errcheck
		return err
	}

	d.db = db
	d.version = dbVersion
	log.Infow("connected to database", "schema", d.schemaConfig.SchemaName, "version", dbVersion.String(), "pool_size", d.opt.PoolSize)
	return nil
}

func (d *Database) connectWithRetry(ctx context.Context) (*pg.DB, error) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = d.connectTimeout

	var db *pg.DB
	err := backoff.RetryNotify(func() error {
		var err error
		db, err = connect(ctx, d.opt)
		return err
	}, backoff.WithContext(bo, ctx), func(err error, next time.Duration) {
		log.Warnw("database unavailable, retrying", "error", err, "retry_in", next)
	})
	if err != nil {
		return nil, xerrors.Errorf("connect: %w", err)
	}
	return db, nil
}

func connect(ctx context.Context, opt *pg.Options) (*pg.DB, error) {
	db := pg.Connect(opt)
	db.AddQueryHook(&LogQueryHook{})

	// Check if connection credentials are valid and PostgreSQL is up and running.
	if err := db.Ping(ctx); err != nil {
		_ = db.Close() // nolint: errcheck
		return nil, xerrors.Errorf("ping database: %w", err)
	}
	return db, nil
}

func (d *Database) Close(ctx context.Context) error {
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

// AsORM returns the underlying go-pg handle for queries that are not model persistence.
func (d *Database) AsORM() *pg.DB {
	return d.db
}

func (d *Database) SchemaName() string {
	return d.schemaConfig.SchemaName
}

// PoolSize returns the configured maximum number of pooled connections.
func (d *Database) PoolSize() int {
	return d.opt.PoolSize
}

// RecordPoolStats reports connection pool usage to the metrics registry.
func (d *Database) RecordPoolStats(ctx context.Context) {
	if d.db == nil {
		return
	}
	st := d.db.PoolStats()
	metrics.RecordCount(metrics.WithTagValue(ctx, metrics.ConnState, "total"), metrics.DBConns, int(st.TotalConns))
	metrics.RecordCount(metrics.WithTagValue(ctx, metrics.ConnState, "idle"), metrics.DBConns, int(st.IdleConns))
}

// PersistBatch persists a batch of persistables in a single transaction.
func (d *Database) PersistBatch(ctx context.Context, ps ...model.Persistable) error {
	if d.db == nil {
		return ErrNotConnected
	}
	return d.db.RunInTransaction(ctx, func(tx *pg.Tx) error {
		txs := &TxStorage{tx: tx}
		for _, p := range ps {
			if err := p.Persist(ctx, txs); err != nil {
				return err
			}
		}
		return nil
	})
}

// UnresolvedClients returns every deal client that has no row in client_mappings.
func (d *Database) UnresolvedClients(ctx context.Context) ([]string, error) {
	if d.db == nil {
		return nil, ErrNotConnected
	}
	var clients []string
	if _, err := d.db.QueryContext(ctx, &clients, `
		SELECT DISTINCT d.client
		FROM market_deals d
		LEFT JOIN client_mappings m ON m.client = d.client
		WHERE m.client IS NULL`); err != nil {
		return nil, xerrors.Errorf("query unresolved clients: %w", err)
	}
	return clients, nil
}

// ForEachClientMapping calls fn for every stored mapping.
func (d *Database) ForEachClientMapping(ctx context.Context, fn func(client, address string) error) error {
	if d.db == nil {
		return ErrNotConnected
	}
	err := d.db.ModelContext(ctx, (*market.ClientMapping)(nil)).ForEach(func(m *market.ClientMapping) error {
		return fn(m.Client, m.ClientAddress)
	})
	if err != nil {
		return xerrors.Errorf("iterate client mappings: %w", err)
	}
	return nil
}

var _ model.StorageBatch = (*TxStorage)(nil)

// TxStorage persists models inside an open transaction.
type TxStorage struct {
	tx *pg.Tx
}

// PersistModel inserts a model or a pointer to a slice of models. Upsertable models control their own conflict
// handling; everything else is inserted with ON CONFLICT DO NOTHING.
func (s *TxStorage) PersistModel(ctx context.Context, m interface{}) error {
	rows := 1
	value := reflect.ValueOf(m)
	if value.Kind() == reflect.Ptr {
		value = value.Elem()
	}
	if value.Kind() == reflect.Slice || value.Kind() == reflect.Array {
		rows = value.Len()
		if rows == 0 {
			return nil
		}
	}

	stop := metrics.Timer(ctx, metrics.PersistDuration)
	defer stop()

	q := s.tx.ModelContext(ctx, m)
	if u, ok := m.(model.Upsertable); ok {
		q = q.OnConflict(u.ConflictTarget())
		for _, set := range u.UpsertSet() {
			q = q.Set(set)
		}
	} else {
		q = q.OnConflict("DO NOTHING")
	}

	if _, err := q.Insert(); err != nil {
		return xerrors.Errorf("persisting %T: %w", m, err)
	}
	metrics.RecordCount(ctx, metrics.PersistModel, rows)
	return nil
}

// IsConnectionError reports whether err came from the connection rather than from a statement the database
// rejected. Such an error may mean the database is gone or only that one pooled connection broke.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr pg.Error
	if errors.As(err, &pgErr) {
		code := pgErr.Field('C')
		// class 08 is connection exception, 57P0x is operator intervention such as admin shutdown
		return strings.HasPrefix(code, "08") || strings.HasPrefix(code, "57P")
	}
	return true
}

// availabilityPingTimeout bounds the ping that follows a connection error.
const availabilityPingTimeout = 5 * time.Second

// Unavailable reports whether err means the database can no longer be used. Statement errors never do. A
// connection error only does when the pool cannot reach the database either.
func (d *Database) Unavailable(ctx context.Context, err error) bool {
	if !IsConnectionError(err) {
		return false
	}
	if d.db == nil {
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, availabilityPingTimeout)
	defer cancel()
	if perr := d.db.Ping(ctx); perr != nil {
		log.Errorw("database unreachable", "error", err, "ping_error", perr)
		return true
	}
	log.Warnw("connection failed but database is reachable", "error", err)
	return false
}

// LogQueryHook logs failed statements at error level and every statement at debug level.
type LogQueryHook struct{}

func (LogQueryHook) BeforeQuery(ctx context.Context, evt *pg.QueryEvent) (context.Context, error) {
	return ctx, nil
}

func (LogQueryHook) AfterQuery(ctx context.Context, evt *pg.QueryEvent) error {
	debug := log.Desugar().Core().Enabled(zapcore.DebugLevel)
	if evt.Err == nil && !debug {
		return nil
	}

	q, err := evt.FormattedQuery()
	if err != nil {
		return nil
	}
	if len(q) > 2048 {
		q = append(q[:2048:2048], "..."...)
	}

	if evt.Err != nil {
		log.Errorw("query failed", "error", evt.Err, "duration", time.Since(evt.StartTime), "query", string(q))
		return nil
	}
	rows := 0
	if evt.Result != nil {
		rows = evt.Result.RowsAffected()
	}
	log.Debugw("query executed", "duration", time.Since(evt.StartTime), "rows", rows, "query", string(q))
	return nil
}
