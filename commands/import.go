package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/deal-importer/config"
	"github.com/filecoin-project/deal-importer/ingest"
	"github.com/filecoin-project/deal-importer/lens"
	"github.com/filecoin-project/deal-importer/lens/lotus"
	"github.com/filecoin-project/deal-importer/queue"
	"github.com/filecoin-project/deal-importer/storage"
	"github.com/filecoin-project/deal-importer/tasks/clientmapping"
)

type importOpts struct {
	Input            string
	BatchSize        int
	QueueSize        int
	Backlog          int
	ProgressInterval int64
	Progress         bool
	APIInfo          string
	APIToken         string
	NoResolve        bool
	S3Region         string
	S3Endpoint       string
	S3PathStyle      bool
}

var importFlags importOpts

var importCmdFlags = []cli.Flag{
	&cli.StringFlag{
		Name:        "input",
		Aliases:     []string{"i"},
		EnvVars:     []string{"INPUT_URL", "INPUT_FILE"},
		Usage:       "Deal dump to import: an http(s) url, s3://bucket/key or a file path. Names ending in .zst are decompressed",
		Destination: &importFlags.Input,
	},
	&cli.IntFlag{
		Name:        "batch-size",
		EnvVars:     []string{"BATCH_SIZE"},
		Value:       ingest.DefaultBatchSize,
		Usage:       "Number of deals written per transaction",
		Destination: &importFlags.BatchSize,
	},
	&cli.IntFlag{
		Name:        "queue-size",
		EnvVars:     []string{"QUEUE_SIZE"},
		Value:       8,
		Usage:       "Maximum number of batches and client lookups in flight, limited to the database pool size",
		Destination: &importFlags.QueueSize,
	},
	&cli.IntFlag{
		Name:        "backlog",
		Usage:       "Number of tasks that may wait for a worker before reading pauses",
		Destination: &importFlags.Backlog,
	},
	&cli.Int64Flag{
		Name:        "progress-interval",
		Value:       ingest.DefaultProgressInterval,
		Usage:       "Log progress every `N` deals",
		Destination: &importFlags.ProgressInterval,
	},
	&cli.BoolFlag{
		Name:        "progress",
		Usage:       "Draw a progress bar while reading the input",
		Destination: &importFlags.Progress,
	},
	&cli.StringFlag{
		Name:        "api",
		EnvVars:     []string{"FULLNODE_API_INFO"},
		Usage:       "Node used to resolve client addresses: an endpoint url or <token>:<multiaddr>",
		Destination: &importFlags.APIInfo,
	},
	&cli.StringFlag{
		Name:        "api-token",
		EnvVars:     []string{"GLIF_AUTH"},
		Usage:       "Bearer token for the node api",
		Destination: &importFlags.APIToken,
	},
	&cli.BoolFlag{
		Name:        "no-resolve",
		Usage:       "Do not resolve client addresses",
		Destination: &importFlags.NoResolve,
	},
	&cli.StringFlag{
		Name:        "s3-region",
		EnvVars:     []string{"AWS_REGION"},
		Destination: &importFlags.S3Region,
	},
	&cli.StringFlag{
		Name:        "s3-endpoint",
		Usage:       "Custom endpoint for s3 compatible object stores",
		Destination: &importFlags.S3Endpoint,
	},
	&cli.BoolFlag{
		Name:        "s3-path-style",
		Destination: &importFlags.S3PathStyle,
	},
}

var ImportCmd = &cli.Command{
	Name:  "import",
	Usage: "Import a market deals dump into the database and resolve new clients.",
	Description: `
	Streams a StateMarketDeals json dump, upserting deals in batches. Batches
	that cannot be decoded or written are logged and skipped. The command
	fails only when the input cannot be read or the database is unreachable.
`,
	Flags: importCmdFlags,
	Action: func(cctx *cli.Context) error {
		cfg, err := setup(cctx)
		if err != nil {
			return err
		}
		applyImportFlags(cctx, cfg)

		ctx := cctx.Context
		db, err := openDatabase(ctx, cfg.Storage)
		if err != nil {
			return err
		}
		defer db.Close(context.Background()) // nolint: errcheck

		report, err := runImport(ctx, cfg, db)
		printImportReport(cctx.App.Writer, report)
		return err
	},
}

func applyImportFlags(cctx *cli.Context, cfg *config.Conf) {
	if cctx.IsSet("input") {
		cfg.Source.Location = importFlags.Input
	}
	if cctx.IsSet("batch-size") {
		cfg.Import.BatchSize = importFlags.BatchSize
	}
	if cctx.IsSet("queue-size") {
		cfg.Import.QueueSize = importFlags.QueueSize
	}
	if cctx.IsSet("backlog") {
		cfg.Import.Backlog = importFlags.Backlog
	}
	if cctx.IsSet("progress-interval") {
		cfg.Import.ProgressInterval = importFlags.ProgressInterval
	}
	if cctx.IsSet("progress") {
		cfg.Source.Progress = importFlags.Progress
	}
	if cctx.IsSet("api") {
		cfg.Resolver.APIInfo = importFlags.APIInfo
	}
	if cctx.IsSet("api-token") {
		cfg.Resolver.APIToken = importFlags.APIToken
	}
	if importFlags.NoResolve {
		cfg.Resolver.Enabled = false
	}
	if cctx.IsSet("s3-region") {
		cfg.Source.S3Region = importFlags.S3Region
	}
	if cctx.IsSet("s3-endpoint") {
		cfg.Source.S3Endpoint = importFlags.S3Endpoint
	}
	if cctx.IsSet("s3-path-style") {
		cfg.Source.S3UsePathStyle = importFlags.S3PathStyle
	}
}

// clampQueueSize keeps the number of concurrent tasks within the connection pool, since every task holds a
// connection for its whole transaction.
func clampQueueSize(queueSize, poolSize int) int {
	if queueSize < 1 {
		queueSize = 1
	}
	if poolSize > 0 && queueSize > poolSize {
		log.Warnw("queue size exceeds database pool size, limiting it to the pool size", "queue_size", queueSize, "pool_size", poolSize)
		return poolSize
	}
	return queueSize
}

func runImport(ctx context.Context, cfg *config.Conf, db *storage.Database) (*ingest.Report, error) {
	workers := clampQueueSize(cfg.Import.QueueSize, db.PoolSize())
	q := queue.New("import", workers, queue.WithBacklog(cfg.Import.Backlog))
	defer q.Stop()

	src, err := ingest.OpenSource(ctx, cfg.Source.Location,
		ingest.WithProgress(cfg.Source.Progress),
		ingest.WithS3(ingest.S3Options{
			Region:       cfg.Source.S3Region,
			Endpoint:     cfg.Source.S3Endpoint,
			UsePathStyle: cfg.Source.S3UsePathStyle,
		}),
	)
	if err != nil {
		return nil, err
	}

	opts := []ingest.ImporterOpt{
		ingest.WithBatchSize(cfg.Import.BatchSize),
		ingest.WithProgressInterval(cfg.Import.ProgressInterval),
	}

	resolver, closer, err := newResolver(ctx, cfg.Resolver, db)
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	if resolver != nil {
		defer closer()
		opts = append(opts, ingest.WithResolver(resolver))
	}

	log.Infow("starting import", "input", cfg.Source.Location, "batch_size", cfg.Import.BatchSize, "queue_size", workers, "resolve_clients", resolver != nil)
	return ingest.NewImporter(src, ingest.NewStorageWriter(db), q, opts...).Run(ctx)
}

// newResolver returns nil when resolution is disabled, no credential is configured or the node cannot be reached.
func newResolver(ctx context.Context, rc config.ResolverConf, store clientmapping.MappingStore) (*clientmapping.Resolver, lens.APICloser, error) {
	if !rc.Enabled {
		log.Info("client resolution disabled")
		return nil, nil, nil
	}

	opener, err := lotus.NewAPIOpener(rc.APIInfo, rc.Token())
	if err != nil {
		return nil, nil, xerrors.Errorf("resolver api: %w", err)
	}
	if !opener.Authorized() {
		log.Warnw("no api token configured, client resolution disabled", "token_env", rc.TokenEnv)
		return nil, nil, nil
	}

	api, closer, err := opener.Open(ctx)
	if err != nil {
		// an unreachable node leaves clients unresolved until a later run
		log.Warnw("failed to open node api, client resolution disabled", "addr", opener.Addr(), "error", err)
		return nil, nil, nil
	}
	r, err := clientmapping.NewResolver(api, store, clientmapping.WithCacheSize(rc.CacheSize))
	if err != nil {
		closer()
		return nil, nil, err
	}
	return r, closer, nil
}

func printImportReport(w io.Writer, r *ingest.Report) {
	if r == nil {
		return
	}
	fmt.Fprintf(w, "total records processed: %d\n", r.Read)
	fmt.Fprintf(w, "deals persisted:         %d in %d batches\n", r.Persisted, r.Batches)
	fmt.Fprintf(w, "failed batches:          %d (%d transcode, %d write)\n", r.FailedBatches(), r.TranscodeFailures, r.WriteFailures)
	fmt.Fprintf(w, "clients resolved:        %d (%d failed)\n", r.Resolved, r.ResolveFailures)
	fmt.Fprintf(w, "duration:                %s\n", r.Duration)
}
