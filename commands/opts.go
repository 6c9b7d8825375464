package commands

import (
	"context"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/deal-importer/config"
	"github.com/filecoin-project/deal-importer/storage"
	"github.com/filecoin-project/deal-importer/wait"
)

type ImporterCmdOpts struct {
	Config string

	DB                  string
	DBName              string
	DBSchema            string
	DBPoolSize          int
	DBMinIdleConns      int
	DBIdleTimeoutMs     int
	DBConnectTimeoutMs  int
	DBStartupTimeout    time.Duration
	DBAllowMigrations   bool
	DBPoolStatsInterval time.Duration
}

var ImporterCmdFlags ImporterCmdOpts

// GlobalFlags are accepted by every command. Values given on the command line or through the environment
// override the config file.
var GlobalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:        "config",
		EnvVars:     []string{"DEAL_IMPORTER_CONFIG"},
		Value:       config.DefaultPath,
		Usage:       "Path to the toml config `FILE`",
		Destination: &ImporterCmdFlags.Config,
	},
	&cli.StringFlag{
		Name:        "db",
		EnvVars:     []string{"DEAL_IMPORTER_DB"},
		Usage:       "Postgres connection `URL`, defaults to the config file or the PG* environment",
		Destination: &ImporterCmdFlags.DB,
	},
	&cli.StringFlag{
		Name:        "db-name",
		EnvVars:     []string{"DEAL_IMPORTER_DB_NAME"},
		Value:       "deal-importer",
		Usage:       "Application name reported to postgres",
		Destination: &ImporterCmdFlags.DBName,
	},
	&cli.StringFlag{
		Name:        "db-schema",
		EnvVars:     []string{"DEAL_IMPORTER_DB_SCHEMA"},
		Value:       "public",
		Usage:       "Postgres schema holding the importer tables",
		Destination: &ImporterCmdFlags.DBSchema,
	},
	&cli.IntFlag{
		Name:        "db-pool-size",
		EnvVars:     []string{"POLL_MAX", "DEAL_IMPORTER_DB_POOL_SIZE"},
		Value:       128,
		Usage:       "Maximum number of open database connections",
		Destination: &ImporterCmdFlags.DBPoolSize,
	},
	&cli.IntFlag{
		Name:        "db-min-idle-conns",
		EnvVars:     []string{"POOL_MIN"},
		Value:       32,
		Usage:       "Number of idle database connections kept open",
		Destination: &ImporterCmdFlags.DBMinIdleConns,
	},
	&cli.IntFlag{
		Name:        "db-idle-timeout-ms",
		EnvVars:     []string{"POLL_IDLE_TIMEOUT"},
		Usage:       "Close connections idle for longer than this many milliseconds, 0 keeps the driver default",
		Destination: &ImporterCmdFlags.DBIdleTimeoutMs,
	},
	&cli.IntFlag{
		Name:        "db-connect-timeout-ms",
		EnvVars:     []string{"POLL_CONNECTION_TIMEOUT"},
		Usage:       "Timeout in milliseconds for establishing one connection, 0 keeps the driver default",
		Destination: &ImporterCmdFlags.DBConnectTimeoutMs,
	},
	&cli.DurationFlag{
		Name:        "db-startup-timeout",
		EnvVars:     []string{"DEAL_IMPORTER_DB_STARTUP_TIMEOUT"},
		Value:       time.Minute,
		Usage:       "How long to keep retrying an unreachable database at startup",
		Destination: &ImporterCmdFlags.DBStartupTimeout,
	},
	&cli.BoolFlag{
		Name:        "db-allow-migrations",
		EnvVars:     []string{"DEAL_IMPORTER_DB_ALLOW_MIGRATIONS"},
		Usage:       "Install or upgrade the schema on startup",
		Destination: &ImporterCmdFlags.DBAllowMigrations,
	},
	&cli.DurationFlag{
		Name:        "db-pool-stats-interval",
		Value:       10 * time.Second,
		Usage:       "How often connection pool statistics are recorded",
		Destination: &ImporterCmdFlags.DBPoolStatsInterval,
	},
	&cli.StringFlag{
		Name:        "log-level",
		EnvVars:     []string{"GOLOG_LOG_LEVEL"},
		Value:       "info",
		Usage:       "Set the default log level for all loggers to `LEVEL`",
		Destination: &ImporterLogFlags.LogLevel,
	},
	&cli.StringFlag{
		Name:        "log-level-named",
		EnvVars:     []string{"DEAL_IMPORTER_LOG_LEVEL_NAMED"},
		Usage:       "A comma delimited list of named loggers and log levels formatted as name:level, for example 'logger1:debug,logger2:info'",
		Destination: &ImporterLogFlags.LogLevelNamed,
	},
	&cli.BoolFlag{
		Name:        "tracing",
		EnvVars:     []string{"DEAL_IMPORTER_TRACING"},
		Usage:       "Export traces to jaeger",
		Destination: &ImporterTracingFlags.Enabled,
	},
	&cli.StringFlag{
		Name:        "jaeger-endpoint",
		EnvVars:     []string{"JAEGER_ENDPOINT"},
		Value:       "http://localhost:14268/api/traces",
		Destination: &ImporterTracingFlags.ProviderURL,
	},
	&cli.StringFlag{
		Name:        "jaeger-service-name",
		EnvVars:     []string{"JAEGER_SERVICE_NAME"},
		Value:       "deal-importer",
		Destination: &ImporterTracingFlags.ServiceName,
	},
	&cli.Float64Flag{
		Name:        "jaeger-sampler-param",
		EnvVars:     []string{"JAEGER_SAMPLER_PARAM"},
		Value:       0.0001,
		Destination: &ImporterTracingFlags.JaegerSamplerParam,
	},
	&cli.StringFlag{
		Name:        "prometheus-port",
		EnvVars:     []string{"DEAL_IMPORTER_PROMETHEUS_PORT"},
		Usage:       "Serve metrics on `ADDR`, for example :9991. Metrics are disabled when empty",
		Destination: &ImporterMetricFlags.PrometheusPort,
	},
}

// setup configures logging, metrics and tracing and loads the config file with flag overrides applied.
func setup(cctx *cli.Context) (*config.Conf, error) {
	if err := setupLogging(ImporterLogFlags); err != nil {
		return nil, xerrors.Errorf("setup logging: %w", err)
	}
	cfg, err := loadConfig(cctx)
	if err != nil {
		return nil, err
	}
	applyMetricsFlags(cctx, &cfg.Metrics)

	if err := setupMetrics(ImporterMetricOpts{PrometheusPort: cfg.Metrics.PrometheusPort}); err != nil {
		return nil, xerrors.Errorf("setup metrics: %w", err)
	}
	if err := setupTracing(ImporterTracingOpts{
		Enabled:            cfg.Metrics.Tracing,
		ServiceName:        ImporterTracingFlags.ServiceName,
		ProviderURL:        cfg.Metrics.JaegerEndpoint,
		JaegerSamplerParam: cfg.Metrics.SampleRatio,
	}); err != nil {
		return nil, xerrors.Errorf("setup tracing: %w", err)
	}
	return cfg, nil
}

func applyMetricsFlags(cctx *cli.Context, m *config.MetricsConf) {
	if cctx.IsSet("prometheus-port") {
		m.PrometheusPort = ImporterMetricFlags.PrometheusPort
	}
	if cctx.IsSet("tracing") {
		m.Tracing = ImporterTracingFlags.Enabled
	}
	if cctx.IsSet("jaeger-endpoint") {
		m.JaegerEndpoint = ImporterTracingFlags.ProviderURL
	}
	if cctx.IsSet("jaeger-sampler-param") {
		m.SampleRatio = ImporterTracingFlags.JaegerSamplerParam
	}
}

func loadConfig(cctx *cli.Context) (*config.Conf, error) {
	path, err := config.ExpandPath(ImporterCmdFlags.Config)
	if err != nil {
		return nil, err
	}
	cfg, err := config.FromFile(path)
	if err != nil {
		return nil, xerrors.Errorf("load config %s: %w", path, err)
	}
	applyStorageFlags(cctx, &cfg.Storage)
	return cfg, nil
}

func applyStorageFlags(cctx *cli.Context, s *config.StorageConf) {
	if cctx.IsSet("db") {
		s.URL = ImporterCmdFlags.DB
		s.URLEnv = ""
	}
	if cctx.IsSet("db-name") {
		s.ApplicationName = ImporterCmdFlags.DBName
	}
	if cctx.IsSet("db-schema") {
		s.SchemaName = ImporterCmdFlags.DBSchema
	}
	if cctx.IsSet("db-pool-size") {
		s.PoolSize = ImporterCmdFlags.DBPoolSize
	}
	if cctx.IsSet("db-min-idle-conns") {
		s.MinIdleConns = ImporterCmdFlags.DBMinIdleConns
	}
	if cctx.IsSet("db-idle-timeout-ms") {
		s.IdleTimeout = config.Duration(time.Duration(ImporterCmdFlags.DBIdleTimeoutMs) * time.Millisecond)
	}
	if cctx.IsSet("db-connect-timeout-ms") {
		s.DialTimeout = config.Duration(time.Duration(ImporterCmdFlags.DBConnectTimeoutMs) * time.Millisecond)
	}
	if cctx.IsSet("db-startup-timeout") {
		s.ConnectTimeout = config.Duration(ImporterCmdFlags.DBStartupTimeout)
	}
	if cctx.IsSet("db-allow-migrations") {
		s.AutoMigrate = ImporterCmdFlags.DBAllowMigrations
	}
}

// openDatabase connects to the configured database and starts recording pool statistics until ctx ends.
func openDatabase(ctx context.Context, s config.StorageConf) (*storage.Database, error) {
	url := s.DatabaseURL()
	if url == "" {
		return nil, xerrors.Errorf("no database configured: set --db, %s or PGHOST", s.URLEnv)
	}

	db, err := storage.NewDatabase(ctx, url, s.PoolSize, s.ApplicationName, s.SchemaName,
		storage.WithMinIdleConns(s.MinIdleConns),
		storage.WithPoolTimeout(time.Duration(s.PoolTimeout)),
		storage.WithIdleTimeout(time.Duration(s.IdleTimeout)),
		storage.WithDialTimeout(time.Duration(s.DialTimeout)),
		storage.WithConnectTimeout(time.Duration(s.ConnectTimeout)),
		storage.WithAutoMigrate(s.AutoMigrate),
	)
	if err != nil {
		return nil, xerrors.Errorf("new database: %w", err)
	}
	if err := db.Connect(ctx); err != nil {
		return nil, xerrors.Errorf("connect database: %w", err)
	}

	if interval := ImporterCmdFlags.DBPoolStatsInterval; interval > 0 {
		go func() {
			_ = wait.RepeatUntil(ctx, interval, func(ctx context.Context) (bool, error) {
				db.RecordPoolStats(ctx)
				return false, nil
			})
		}()
	}
	return db, nil
}
