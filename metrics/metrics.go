package metrics

import (
	"context"
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var defaultMillisecondsDistribution = view.Distribution(0.01, 0.05, 0.1, 0.3, 0.6, 0.8, 1, 2, 3, 4, 5, 6, 8, 10, 13, 16, 20, 25, 30, 40, 50, 65, 80, 100, 130, 160, 200, 250, 300, 400, 500, 650, 800, 1000, 2000, 5000, 10000, 20000, 30000, 50000, 100000, 200000, 500000, 1000000, 2000000, 5000000, 10000000)

var (
	Name, _      = tag.NewKey("name")       // name of running instance
	Table, _     = tag.NewKey("table")      // name of table data is persisted for
	Queue, _     = tag.NewKey("queue")      // name of the bounded queue
	Failure, _   = tag.NewKey("failure")    // kind of batch failure: transcode or write
	API, _       = tag.NewKey("api")        // name of method on the rpc api
	TagPass, _   = tag.NewKey("tag_pass")   // name of the classification pass
	ConnState, _ = tag.NewKey("conn_state") // database connection state
)

var (
	DealsRead           = stats.Int64("deals_read", "Number of deal records read from the source", stats.UnitDimensionless)
	DealsPersisted      = stats.Int64("deals_persisted", "Number of deal records upserted", stats.UnitDimensionless)
	BatchFailure        = stats.Int64("batch_failure", "Number of batches abandoned", stats.UnitDimensionless)
	PersistDuration     = stats.Float64("persist_duration_ms", "Duration of a models persist operation", stats.UnitMilliseconds)
	PersistModel        = stats.Int64("persist_model", "Number of models persisted", stats.UnitDimensionless)
	ClientsResolved     = stats.Int64("clients_resolved", "Number of client identifiers resolved to an account key", stats.UnitDimensionless)
	ResolveFailure      = stats.Int64("resolve_failure", "Number of client identifiers that could not be resolved", stats.UnitDimensionless)
	RPCRequestDuration  = stats.Float64("rpc_request_duration_ms", "Duration of rpc api requests", stats.UnitMilliseconds)
	QueueActiveWorkers  = stats.Int64("queue_active_workers", "Current number of queue tasks executing", stats.UnitDimensionless)
	QueueWaitingWorkers = stats.Int64("queue_waiting_workers", "Current number of queue tasks waiting to execute", stats.UnitDimensionless)
	TagPassDuration     = stats.Float64("tag_pass_duration_ms", "Duration of a deal classification pass", stats.UnitMilliseconds)
	TagPassRows         = stats.Int64("tag_pass_rows", "Number of deal tag rows written by a classification pass", stats.UnitDimensionless)
	DBConns             = stats.Int64("db_conns", "Database connections held", stats.UnitDimensionless)
)

var DefaultViews = []*view.View{
	{
		Name:        DealsRead.Name() + "_total",
		Measure:     DealsRead,
		Aggregation: view.Sum(),
	},
	{
		Name:        DealsPersisted.Name() + "_total",
		Measure:     DealsPersisted,
		Aggregation: view.Sum(),
	},
	{
		Name:        BatchFailure.Name() + "_total",
		Measure:     BatchFailure,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Failure},
	},
	{
		Measure:     PersistDuration,
		Aggregation: defaultMillisecondsDistribution,
		TagKeys:     []tag.Key{Table},
	},
	{
		Name:        PersistModel.Name() + "_total",
		Measure:     PersistModel,
		Aggregation: view.Sum(),
		TagKeys:     []tag.Key{Table},
	},
	{
		Name:        ClientsResolved.Name() + "_total",
		Measure:     ClientsResolved,
		Aggregation: view.Count(),
	},
	{
		Name:        ResolveFailure.Name() + "_total",
		Measure:     ResolveFailure,
		Aggregation: view.Count(),
	},
	{
		Measure:     RPCRequestDuration,
		Aggregation: defaultMillisecondsDistribution,
		TagKeys:     []tag.Key{API},
	},
	{
		Name:        "rpc_request_total",
		Measure:     RPCRequestDuration,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{API},
	},
	{
		Measure:     QueueActiveWorkers,
		Aggregation: view.LastValue(),
		TagKeys:     []tag.Key{Queue},
	},
	{
		Measure:     QueueWaitingWorkers,
		Aggregation: view.LastValue(),
		TagKeys:     []tag.Key{Queue},
	},
	{
		Measure:     TagPassDuration,
		Aggregation: defaultMillisecondsDistribution,
		TagKeys:     []tag.Key{TagPass},
	},
	{
		Measure:     TagPassRows,
		Aggregation: view.LastValue(),
		TagKeys:     []tag.Key{TagPass},
	},
	{
		Measure:     DBConns,
		Aggregation: view.LastValue(),
		TagKeys:     []tag.Key{ConnState},
	},
}

// SinceInMilliseconds returns the duration of time since the provide time as a float64.
func SinceInMilliseconds(startTime time.Time) float64 {
	return float64(time.Since(startTime).Nanoseconds()) / 1e6
}

// Timer is a function stopwatch, calling it starts the timer,
// calling the returned function will record the duration.
func Timer(ctx context.Context, m *stats.Float64Measure) func() {
	start := time.Now()
	return func() {
		stats.Record(ctx, m.M(SinceInMilliseconds(start)))
	}
}

// RecordInc is a convenience function that increments a counter.
func RecordInc(ctx context.Context, m *stats.Int64Measure) {
	stats.Record(ctx, m.M(1))
}

// RecordCount is a convenience function that increments a counter by a count.
func RecordCount(ctx context.Context, m *stats.Int64Measure, count int) {
	stats.Record(ctx, m.M(int64(count)))
}

// WithTagValue is a convenience function that upserts the tag value in the given context.
func WithTagValue(ctx context.Context, k tag.Key, v string) context.Context {
	ctx, _ = tag.New(ctx, tag.Upsert(k, v))
	return ctx
}
