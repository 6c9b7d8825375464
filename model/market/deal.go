package market

import (
	"context"
	"strconv"

	"go.opencensus.io/tag"

	"github.com/filecoin-project/deal-importer/metrics"
	"github.com/filecoin-project/deal-importer/model"
)

// Deal is one storage market deal. Proposal columns are written once; the three lifecycle epochs are
// overwritten every time the deal is seen again.
type Deal struct {
	tableName struct{} `pg:"market_deals"` // nolint: structcheck,unused

	DealID       uint64 `pg:",pk,use_zero"`
	PieceCID     string `pg:",notnull"`
	PieceSize    string `pg:"type:numeric,notnull"`
	VerifiedDeal bool   `pg:",notnull,use_zero"`
	Client       string `pg:",notnull"`
	Provider     string `pg:",notnull"`
	Label        string `pg:",use_zero"`

	StartEpoch           int64  `pg:",notnull,use_zero"`
	EndEpoch             int64  `pg:",notnull,use_zero"`
	StoragePricePerEpoch string `pg:"type:numeric,notnull"`
	ProviderCollateral   string `pg:"type:numeric,notnull"`
	ClientCollateral     string `pg:"type:numeric,notnull"`

	SectorStartEpoch int64 `pg:",notnull,use_zero"`
	LastUpdatedEpoch int64 `pg:",notnull,use_zero"`
	SlashEpoch       int64 `pg:",notnull,use_zero"`
}

// MutableColumns are the only columns rewritten when a deal already exists.
var MutableColumns = []string{"sector_start_epoch", "last_updated_epoch", "slash_epoch"}

const dealConflict = "(deal_id) DO UPDATE"

func dealUpsertSet() []string {
	set := make([]string, 0, len(MutableColumns))
	for _, c := range MutableColumns {
		set = append(set, c+" = EXCLUDED."+c)
	}
	return set
}

func (d *Deal) ConflictTarget() string { return dealConflict }
func (d *Deal) UpsertSet() []string    { return dealUpsertSet() }

func (d *Deal) Persist(ctx context.Context, s model.StorageBatch) error {
	ctx, _ = tag.New(ctx, tag.Upsert(metrics.Table, "market_deals"))
	return s.PersistModel(ctx, d)
}

// Deals is a batch of deals written with a single multi-row statement.
type Deals []*Deal

func (ds Deals) ConflictTarget() string { return dealConflict }
func (ds Deals) UpsertSet() []string    { return dealUpsertSet() }

func (ds Deals) Persist(ctx context.Context, s model.StorageBatch) error {
	if len(ds) == 0 {
		return nil
	}
	ctx, _ = tag.New(ctx, tag.Upsert(metrics.Table, "market_deals"))
	return s.PersistModel(ctx, &ds)
}

// Dedup returns the batch with a single row per deal id, holding the values of the last occurrence at the
// position of the first. A bulk upsert cannot touch the same row twice.
func (ds Deals) Dedup() Deals {
	last := make(map[uint64]int, len(ds))
	for i, d := range ds {
		last[d.DealID] = i
	}
	if len(last) == len(ds) {
		return ds
	}

	out := make(Deals, 0, len(last))
	seen := make(map[uint64]bool, len(last))
	for _, d := range ds {
		if seen[d.DealID] {
			continue
		}
		seen[d.DealID] = true
		out = append(out, ds[last[d.DealID]])
	}
	return out
}

// KeyRange returns the first and last deal ids of the batch in source order.
func (ds Deals) KeyRange() (string, string) {
	if len(ds) == 0 {
		return "", ""
	}
	return strconv.FormatUint(ds[0].DealID, 10), strconv.FormatUint(ds[len(ds)-1].DealID, 10)
}
