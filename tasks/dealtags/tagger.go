// Package dealtags classifies verified, activated deals into the deal_tags table.
package dealtags

import (
	"context"
	"time"

	"github.com/go-pg/pg/v10"
	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/multierr"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/deal-importer/metrics"
	"github.com/filecoin-project/deal-importer/storage"
)

var log = logging.Logger("deal-importer/tasks/dealtags")

const (
	// DefaultThreshold is the total piece size an owner must exceed to be eligible for uniqueness.
	DefaultThreshold int64 = 1 << 40
	// DefaultMaturity is how long ago an owner's latest sector must have started.
	DefaultMaturity = 6 * 7 * 24 * time.Hour
)

// restricted selects the deals every pass works on together with their logical owner.
const restricted = `
restricted AS (
	SELECT d.deal_id, d.piece_cid, d.provider, d.piece_size, d.sector_start_epoch,
		COALESCE(cm.client_address, d.client) AS owner
	FROM market_deals d
	LEFT JOIN client_mappings cm ON cm.client = d.client
	WHERE d.verified_deal AND d.sector_start_epoch > 0
)`

const overReplicatedQuery = `
WITH` + restricted + `
INSERT INTO deal_tags (deal_id, cid_overreplicated, sector_start, piece_size)
SELECT deal_id,
	row_number() OVER (PARTITION BY piece_cid, provider ORDER BY sector_start_epoch, deal_id) > 1,
	to_timestamp(epoch_to_timestamp(sector_start_epoch)),
	piece_size
FROM restricted
ON CONFLICT (deal_id) DO UPDATE SET
	cid_overreplicated = EXCLUDED.cid_overreplicated,
	sector_start = EXCLUDED.sector_start,
	piece_size = EXCLUDED.piece_size`

const sharedQuery = `
WITH` + restricted + `,
owners AS (
	SELECT piece_cid, count(DISTINCT owner) AS owners
	FROM restricted
	GROUP BY piece_cid
)
INSERT INTO deal_tags (deal_id, cid_shared, sector_start, piece_size)
SELECT r.deal_id,
	row_number() OVER (PARTITION BY r.owner, r.piece_cid ORDER BY r.sector_start_epoch, r.deal_id) > 1 AND o.owners > 1,
	to_timestamp(epoch_to_timestamp(r.sector_start_epoch)),
	r.piece_size
FROM restricted r
JOIN owners o ON o.piece_cid = r.piece_cid
WHERE true
ON CONFLICT (deal_id) DO UPDATE SET
	cid_shared = EXCLUDED.cid_shared,
	sector_start = EXCLUDED.sector_start,
	piece_size = EXCLUDED.piece_size`

const uniqueQuery = `
WITH` + restricted + `,
eligible AS (
	SELECT owner
	FROM restricted
	GROUP BY owner
	HAVING SUM(piece_size) > CAST(? AS numeric)
		AND to_timestamp(epoch_to_timestamp(MAX(sector_start_epoch))) + CAST(? AS bigint) * interval '1 second' <= CAST(? AS timestamptz)
)
INSERT INTO deal_tags (deal_id, cid_unique, sector_start, piece_size)
SELECT r.deal_id,
	row_number() OVER (PARTITION BY r.owner, r.piece_cid ORDER BY r.sector_start_epoch, r.deal_id) = 1 AND e.owner IS NOT NULL,
	to_timestamp(epoch_to_timestamp(r.sector_start_epoch)),
	r.piece_size
FROM restricted r
LEFT JOIN eligible e ON e.owner = r.owner
WHERE true
ON CONFLICT (deal_id) DO UPDATE SET
	cid_unique = EXCLUDED.cid_unique,
	sector_start = EXCLUDED.sector_start,
	piece_size = EXCLUDED.piece_size`

const pruneQuery = `
DELETE FROM deal_tags t
WHERE NOT EXISTS (
	SELECT 1 FROM market_deals d
	WHERE d.deal_id = t.deal_id AND d.verified_deal AND d.sector_start_epoch > 0
)`

type TaggerOpt func(t *Tagger)

// WithClock sets the clock the uniqueness pass reads its evaluation time from.
func WithClock(c clock.Clock) TaggerOpt {
	return func(t *Tagger) { t.clock = c }
}

func WithThreshold(bytes int64) TaggerOpt {
	return func(t *Tagger) {
		if bytes > 0 {
			t.threshold = bytes
		}
	}
}

func WithMaturity(d time.Duration) TaggerOpt {
	return func(t *Tagger) {
		if d > 0 {
			t.maturity = d
		}
	}
}

// Tagger runs the classification passes. Each pass runs in its own transaction holding storage.TagLock so
// concurrent taggers never interleave their writes.
type Tagger struct {
	db        *storage.Database
	clock     clock.Clock
	threshold int64
	maturity  time.Duration
}

func NewTagger(db *storage.Database, opts ...TaggerOpt) *Tagger {
	t := &Tagger{
		db:        db,
		clock:     clock.New(),
		threshold: DefaultThreshold,
		maturity:  DefaultMaturity,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// TagReport holds the number of rows each pass wrote.
type TagReport struct {
	Pruned         int
	OverReplicated int
	Shared         int
	Unique         int
	Duration       time.Duration
}

// Run prunes stale tags and then runs every pass. The passes are independent, so a failing pass does not stop
// the ones after it; all failures are returned together.
func (t *Tagger) Run(ctx context.Context) (*TagReport, error) {
	start := t.clock.Now()
	report := &TagReport{}

	var err error
	report.Pruned, err = t.Prune(ctx)
	if err != nil {
		return report, err
	}

	passes := []struct {
		rows *int
		fn   func(context.Context) (int, error)
	}{
		{&report.OverReplicated, t.TagOverReplicated},
		{&report.Shared, t.TagShared},
		{&report.Unique, t.TagUnique},
	}
	var errs error
	for _, p := range passes {
		n, perr := p.fn(ctx)
		if perr != nil {
			errs = multierr.Append(errs, perr)
			continue
		}
		*p.rows = n
	}

	report.Duration = t.clock.Since(start)
	log.Infow("tagging finished",
		"pruned", report.Pruned,
		"overreplicated", report.OverReplicated,
		"shared", report.Shared,
		"unique", report.Unique,
		"duration", report.Duration,
	)
	return report, errs
}

// TagOverReplicated marks every deal after the first for the same piece with the same provider.
func (t *Tagger) TagOverReplicated(ctx context.Context) (int, error) {
	return t.pass(ctx, "overreplicated", overReplicatedQuery)
}

// TagShared marks repeat deals of an owner for a piece that more than one owner has stored.
func (t *Tagger) TagShared(ctx context.Context) (int, error) {
	return t.pass(ctx, "shared", sharedQuery)
}

// TagUnique marks the first deal of an eligible owner for each piece. An owner is eligible when its total piece
// size exceeds the threshold and its latest sector started at least the maturity period before now.
func (t *Tagger) TagUnique(ctx context.Context) (int, error) {
	now := t.clock.Now().UTC()
	return t.pass(ctx, "unique", uniqueQuery, t.threshold, int64(t.maturity/time.Second), now)
}

// Prune removes tags of deals that are no longer verified and activated.
func (t *Tagger) Prune(ctx context.Context) (int, error) {
	return t.pass(ctx, "prune", pruneQuery)
}

func (t *Tagger) pass(ctx context.Context, name string, query string, params ...interface{}) (int, error) {
	ctx = metrics.WithTagValue(ctx, metrics.TagPass, name)
	ctx, span := otel.Tracer("").Start(ctx, "Tagger."+name)
	defer span.End()
	stop := metrics.Timer(ctx, metrics.TagPassDuration)
	defer stop()

	var rows int
	err := t.db.AsORM().RunInTransaction(ctx, func(tx *pg.Tx) error {
		if err := storage.TagLock.LockTx(ctx, tx); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, query, params...)
		if err != nil {
			return err
		}
		rows = res.RowsAffected()
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		log.Errorw("tag pass failed", "pass", name, "error", err)
		return 0, xerrors.Errorf("%s pass: %w", name, err)
	}

	span.SetAttributes(attribute.Int("rows", rows))
	metrics.RecordCount(ctx, metrics.TagPassRows, rows)
	log.Infow("tag pass complete", "pass", name, "rows", rows)
	return rows, nil
}
