package dealtags

import (
	"context"
	"testing"
	"time"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/raulk/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/deal-importer/model/market"
	"github.com/filecoin-project/deal-importer/storage"
	"github.com/filecoin-project/deal-importer/testutil"
)

const (
	tib = "1099511627776"
	gib = "10737418240"
)

// evaluationEpoch is far enough past every test deal for owners to be mature.
const evaluationEpoch abi.ChainEpoch = 1_000_000

func connectTestDatabase(ctx context.Context, t *testing.T) *storage.Database {
	t.Helper()
	if testing.Short() || !testutil.DatabaseAvailable() {
		t.Skip("short testing requested or DEAL_IMPORTER_TEST_DB not set")
	}

	release, err := testutil.WaitForExclusiveDatabase(ctx, t)
	require.NoError(t, err)
	t.Cleanup(release)

	d, err := storage.NewDatabase(ctx, testutil.Database(), 4, "deal-importer-test", "public", storage.WithAutoMigrate(true))
	require.NoError(t, err)
	require.NoError(t, d.Connect(ctx))
	t.Cleanup(func() { _ = d.Close(context.Background()) })

	_, err = d.AsORM().ExecContext(ctx, `TRUNCATE TABLE market_deals, client_mappings, deal_tags`)
	require.NoError(t, err)
	return d
}

func deal(id uint64, piece, client, provider, size string, sectorStart abi.ChainEpoch) *market.Deal {
	return &market.Deal{
		DealID:               id,
		PieceCID:             piece,
		PieceSize:            size,
		VerifiedDeal:         true,
		Client:               client,
		Provider:             provider,
		StartEpoch:           1,
		EndEpoch:             2_000_000,
		StoragePricePerEpoch: "0",
		ProviderCollateral:   "0",
		ClientCollateral:     "0",
		SectorStartEpoch:     int64(sectorStart),
		LastUpdatedEpoch:     -1,
		SlashEpoch:           -1,
	}
}

func newTestTagger(d *storage.Database) *Tagger {
	clk := clock.NewMock()
	clk.Set(EpochToTime(evaluationEpoch))
	return NewTagger(d, WithClock(clk))
}

func tagsByDeal(ctx context.Context, t *testing.T, d *storage.Database) map[uint64]market.DealTag {
	var tags []market.DealTag
	require.NoError(t, d.AsORM().ModelContext(ctx, &tags).Order("deal_id").Select())
	out := make(map[uint64]market.DealTag, len(tags))
	for _, tag := range tags {
		out[tag.DealID] = tag
	}
	return out
}

func TestTagOverReplicated(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	d := connectTestDatabase(ctx, t)

	unverified := deal(5, "p1", "f0100", "f01000", gib, 5)
	unverified.VerifiedDeal = false
	require.NoError(t, d.PersistBatch(ctx, market.Deals{
		deal(3, "p1", "f0100", "f01000", gib, 30),
		deal(1, "p1", "f0100", "f01000", gib, 10),
		deal(2, "p1", "f0101", "f01000", gib, 20),
		deal(4, "p1", "f0100", "f02000", gib, 15),
		unverified,
		deal(6, "p1", "f0100", "f01000", gib, -1),
	}))

	rows, err := newTestTagger(d).TagOverReplicated(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, rows)

	tags := tagsByDeal(ctx, t, d)
	require.Len(t, tags, 4)
	assert.False(t, tags[1].CidOverreplicated)
	assert.True(t, tags[2].CidOverreplicated)
	assert.True(t, tags[3].CidOverreplicated)
	assert.False(t, tags[4].CidOverreplicated)
	assert.Equal(t, EpochToTime(30), tags[3].SectorStart.UTC())
	assert.Equal(t, gib, tags[3].PieceSize)
}

func TestTagShared(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	d := connectTestDatabase(ctx, t)

	require.NoError(t, d.PersistBatch(ctx,
		market.Deals{
			// two owners store p2
			deal(11, "p2", "f0a", "f01000", gib, 10),
			deal(12, "p2", "f0a", "f01000", gib, 20),
			deal(13, "p2", "f0b", "f01000", gib, 15),
			// only one owner stores p3
			deal(14, "p3", "f0a", "f01000", gib, 10),
			deal(15, "p3", "f0a", "f01000", gib, 20),
			// f0c and f0d are the same owner
			deal(16, "p4", "f0c", "f01000", gib, 10),
			deal(17, "p4", "f0d", "f01000", gib, 20),
			deal(18, "p4", "f0e", "f01000", gib, 30),
		},
		market.ClientMappings{
			{Client: "f0c", ClientAddress: "f1owner"},
			{Client: "f0d", ClientAddress: "f1owner"},
		},
	))

	_, err := newTestTagger(d).TagShared(ctx)
	require.NoError(t, err)

	tags := tagsByDeal(ctx, t, d)
	want := map[uint64]bool{11: false, 12: true, 13: false, 14: false, 15: false, 16: false, 17: true, 18: false}
	for id, shared := range want {
		assert.Equal(t, shared, tags[id].CidShared, "deal %d", id)
	}
}

func TestTagUnique(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	d := connectTestDatabase(ctx, t)

	require.NoError(t, d.PersistBatch(ctx, market.Deals{
		// 3 TiB stored long ago
		deal(21, "p5", "f0big", "f01000", tib, 100),
		deal(22, "p6", "f0big", "f01000", tib, 200),
		deal(23, "p5", "f0big", "f02000", tib, 300),
		// far below the threshold
		deal(24, "p7", "f0small", "f01000", gib, 100),
		// large but its latest sector is only hours old
		deal(25, "p8", "f0fresh", "f01000", tib, 100),
		deal(26, "p9", "f0fresh", "f01000", tib, evaluationEpoch-1000),
	}))

	_, err := newTestTagger(d).TagUnique(ctx)
	require.NoError(t, err)

	tags := tagsByDeal(ctx, t, d)
	want := map[uint64]bool{21: true, 22: true, 23: false, 24: false, 25: false, 26: false}
	for id, unique := range want {
		assert.Equal(t, unique, tags[id].CidUnique, "deal %d", id)
	}
}

func TestTaggerRunIsRepeatable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	d := connectTestDatabase(ctx, t)

	require.NoError(t, d.PersistBatch(ctx, market.Deals{
		deal(31, "p1", "f0a", "f01000", tib, 10),
		deal(32, "p1", "f0a", "f01000", tib, 20),
		deal(33, "p1", "f0b", "f02000", tib, 30),
		deal(34, "p2", "f0b", "f02000", gib, 40),
	}))

	tagger := newTestTagger(d)
	first, err := tagger.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, first.OverReplicated)
	before := tagsByDeal(ctx, t, d)

	_, err = tagger.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, tagsByDeal(ctx, t, d))
}

func TestPruneRemovesStaleTags(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	d := connectTestDatabase(ctx, t)

	require.NoError(t, d.PersistBatch(ctx, market.Deals{deal(41, "p1", "f0a", "f01000", gib, 10)}))
	_, err := d.AsORM().ExecContext(ctx, `INSERT INTO deal_tags (deal_id, cid_unique) VALUES (41, true), (999, true)`)
	require.NoError(t, err)

	pruned, err := newTestTagger(d).Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	tags := tagsByDeal(ctx, t, d)
	assert.Contains(t, tags, uint64(41))
	assert.NotContains(t, tags, uint64(999))
}
