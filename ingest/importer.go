package ingest

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/deal-importer/metrics"
	"github.com/filecoin-project/deal-importer/queue"
)

// DefaultProgressInterval is how many deals are read between progress log lines.
const DefaultProgressInterval = 10000

// A ClientResolver is told about every client of a persisted deal and resolves unknown ones on the import queue.
type ClientResolver interface {
	Observe(client string)
	// Run submits resolution work until Close is called and the remaining clients have been submitted.
	Run(ctx context.Context, q *queue.Bounded) error
	Close()
	Stats() (resolved int64, failed int64)
}

type ImporterOpt func(i *Importer)

func WithBatchSize(n int) ImporterOpt {
	return func(i *Importer) {
		if n > 0 {
			i.batchSize = n
		}
	}
}

func WithResolver(r ClientResolver) ImporterOpt {
	return func(i *Importer) { i.resolver = r }
}

func WithProgressInterval(n int64) ImporterOpt {
	return func(i *Importer) {
		if n > 0 {
			i.progressEvery = n
		}
	}
}

// Report summarizes an import run.
type Report struct {
	Read              int64
	Persisted         int64
	Batches           int64
	TranscodeFailures int64
	WriteFailures     int64
	Resolved          int64
	ResolveFailures   int64
	Duration          time.Duration
}

// FailedBatches is the number of batches that were abandoned for any reason.
func (r *Report) FailedBatches() int64 {
	return r.TranscodeFailures + r.WriteFailures
}

// Importer reads a deal source, cuts it into batches and upserts every batch on the queue. Batches that cannot be
// transcoded or written are logged and skipped; an unreadable source or an unavailable store ends the run.
type Importer struct {
	src      DealSource
	writer   DealWriter
	queue    *queue.Bounded
	resolver ClientResolver

	batchSize     int
	progressEvery int64

	read              atomic.Int64
	persisted         atomic.Int64
	batches           atomic.Int64
	transcodeFailures atomic.Int64
	writeFailures     atomic.Int64
}

func NewImporter(src DealSource, writer DealWriter, q *queue.Bounded, opts ...ImporterOpt) *Importer {
	i := &Importer{
		src:           src,
		writer:        writer,
		queue:         q,
		batchSize:     DefaultBatchSize,
		progressEvery: DefaultProgressInterval,
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Run imports the whole source and returns when every batch and every client resolution has finished. The returned
// error is non-nil only for conditions that stopped the run; the report is always populated.
func (i *Importer) Run(ctx context.Context) (*Report, error) {
	start := time.Now()

	var resolverDone chan error
	if i.resolver != nil {
		resolverDone = make(chan error, 1)
		go func() {
			resolverDone <- i.resolver.Run(ctx, i.queue)
		}()
	}

	fatal := i.produce(ctx)
	if err := ctx.Err(); err != nil {
		// queued work is skipped once the run is cancelled
		i.queue.Fail(err)
		if fatal == nil {
			fatal = err
		}
	}

	// in-flight tasks always finish before Run returns, even after cancellation
	drainCtx := context.WithoutCancel(ctx)
	if err := i.queue.Drain(drainCtx); err != nil && fatal == nil {
		fatal = err
	}

	if i.resolver != nil {
		i.resolver.Close()
		if err := <-resolverDone; err != nil {
			log.Warnw("client resolution stopped early", "error", err)
		}
		if err := i.queue.Drain(drainCtx); err != nil && fatal == nil {
			fatal = err
		}
	}

	if err := i.src.Close(); err != nil {
		fatal = multierr.Append(fatal, xerrors.Errorf("close source: %w", err))
	}

	report := i.report(time.Since(start))
	log.Infow("import finished",
		"processed", report.Read,
		"persisted", report.Persisted,
		"batches", report.Batches,
		"failed_batches", report.FailedBatches(),
		"resolved", report.Resolved,
		"resolve_failures", report.ResolveFailures,
		"duration", report.Duration,
	)
	if fatal != nil {
		log.Errorw("import stopped", "error", fatal)
	}
	return report, fatal
}

// produce feeds batches to the queue until the source ends or something fatal happens.
func (i *Importer) produce(ctx context.Context) error {
	batcher := NewBatcher(i.src, i.batchSize)
	for {
		batch, err := batcher.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			// stop queued batches from starting, in-flight ones still finish
			i.queue.Fail(err)
			return err
		}
		i.countRead(ctx, len(batch))

		if err := i.queue.Submit(ctx, i.persistTask(batch)); err != nil {
			i.queue.Fail(err)
			return err
		}
	}
}

func (i *Importer) countRead(ctx context.Context, n int) {
	total := i.read.Add(int64(n))
	metrics.RecordCount(ctx, metrics.DealsRead, n)
	if total/i.progressEvery > (total-int64(n))/i.progressEvery {
		log.Infof("processed %d deals", total)
	}
}

func (i *Importer) persistTask(batch []RawDeal) queue.Task {
	return func(ctx context.Context) error {
		first, last := batch[0].Key, batch[len(batch)-1].Key
		ctx, span := otel.Tracer("").Start(ctx, "Importer.PersistBatch")
		span.SetAttributes(attribute.String("first", first), attribute.String("last", last), attribute.Int("size", len(batch)))
		defer span.End()

		deals, err := TranscodeBatch(batch)
		if err != nil {
			i.transcodeFailures.Inc()
			metrics.RecordInc(metrics.WithTagValue(ctx, metrics.Failure, "transcode"), metrics.BatchFailure)
			span.SetStatus(codes.Error, err.Error())
			log.Errorw("failed to transcode batch", "first", first, "last", last, "error", err, "batch", formatBatch(batch))
			return nil
		}

		if err := i.writer.WriteDeals(ctx, deals); err != nil {
			span.SetStatus(codes.Error, err.Error())
			var wf *WriteFailure
			if errors.As(err, &wf) {
				i.writeFailures.Inc()
				metrics.RecordInc(metrics.WithTagValue(ctx, metrics.Failure, "write"), metrics.BatchFailure)
				log.Errorw("failed to insert batch", "first", wf.FirstKey, "last", wf.LastKey, "error", wf.Err)
				return nil
			}
			return err
		}

		i.persisted.Add(int64(len(deals)))
		i.batches.Inc()
		metrics.RecordCount(ctx, metrics.DealsPersisted, len(deals))

		if i.resolver != nil {
			for _, d := range deals {
				i.resolver.Observe(d.Client)
			}
		}
		return nil
	}
}

func (i *Importer) report(d time.Duration) *Report {
	r := &Report{
		Read:              i.read.Load(),
		Persisted:         i.persisted.Load(),
		Batches:           i.batches.Load(),
		TranscodeFailures: i.transcodeFailures.Load(),
		WriteFailures:     i.writeFailures.Load(),
		Duration:          d,
	}
	if i.resolver != nil {
		r.Resolved, r.ResolveFailures = i.resolver.Stats()
	}
	return r
}

// formatBatch renders a batch as key=value lines for the error log.
func formatBatch(batch []RawDeal) string {
	var sb strings.Builder
	for _, raw := range batch {
		sb.WriteString(raw.Key)
		sb.WriteByte('=')
		sb.Write(raw.Value)
		sb.WriteByte('\n')
	}
	return sb.String()
}
