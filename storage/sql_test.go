package storage

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/go-pg/pg/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/deal-importer/model/market"
	"github.com/filecoin-project/deal-importer/testutil"
)

func connectTestDatabase(ctx context.Context, t *testing.T) *Database {
	t.Helper()
	if testing.Short() || !testutil.DatabaseAvailable() {
		t.Skip("short testing requested or DEAL_IMPORTER_TEST_DB not set")
	}

	release, err := testutil.WaitForExclusiveDatabase(ctx, t)
	require.NoError(t, err)
	t.Cleanup(release)

	d, err := NewDatabase(ctx, testutil.Database(), 4, "deal-importer-test", "public", WithAutoMigrate(true), WithConnectTimeout(5*time.Second))
	require.NoError(t, err)
	require.NoError(t, d.Connect(ctx))
	t.Cleanup(func() { _ = d.Close(context.Background()) })

	_, err = d.AsORM().ExecContext(ctx, `TRUNCATE TABLE market_deals, client_mappings, deal_tags`)
	require.NoError(t, err)
	return d
}

func testDeal(id uint64) *market.Deal {
	return &market.Deal{
		DealID:               id,
		PieceCID:             "baga6ea4seaqao7s73y24kcutaosvacpdjgfe5pw76ooefnyqw4ynr3d2y6x2mpq",
		PieceSize:            "34359738368",
		VerifiedDeal:         true,
		Client:               "f01234",
		Provider:             "f05678",
		Label:                "original",
		StartEpoch:           100,
		EndEpoch:             200,
		StoragePricePerEpoch: "0",
		ProviderCollateral:   "6700000000000000000",
		ClientCollateral:     "0",
		SectorStartEpoch:     -1,
		LastUpdatedEpoch:     -1,
		SlashEpoch:           -1,
	}
}

func TestSchemaIsCurrent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	d := connectTestDatabase(ctx, t)

	dbVersion, latest, err := d.GetSchemaVersions(ctx)
	require.NoError(t, err)
	assert.Equal(t, latest, dbVersion)
}

func TestPersistDealsUpsertsLifecycleOnly(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	d := connectTestDatabase(ctx, t)

	require.NoError(t, d.PersistBatch(ctx, market.Deals{testDeal(1), testDeal(2)}))

	changed := testDeal(1)
	changed.Label = "rewritten"
	changed.PieceSize = "1"
	changed.SectorStartEpoch = 150
	changed.LastUpdatedEpoch = 160
	changed.SlashEpoch = 170
	require.NoError(t, d.PersistBatch(ctx, market.Deals{changed}))

	var got market.Deal
	require.NoError(t, d.AsORM().ModelContext(ctx, &got).Where("deal_id = ?", 1).Select())
	assert.Equal(t, "original", got.Label)
	assert.Equal(t, "34359738368", got.PieceSize)
	assert.EqualValues(t, 150, got.SectorStartEpoch)
	assert.EqualValues(t, 160, got.LastUpdatedEpoch)
	assert.EqualValues(t, 170, got.SlashEpoch)

	count, err := d.AsORM().ModelContext(ctx, (*market.Deal)(nil)).Count()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestPersistDealsIsIdempotent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	d := connectTestDatabase(ctx, t)

	batch := market.Deals{testDeal(7), testDeal(8), testDeal(9)}
	require.NoError(t, d.PersistBatch(ctx, batch))

	var first []market.Deal
	require.NoError(t, d.AsORM().ModelContext(ctx, &first).Order("deal_id").Select())

	require.NoError(t, d.PersistBatch(ctx, batch))

	var second []market.Deal
	require.NoError(t, d.AsORM().ModelContext(ctx, &second).Order("deal_id").Select())
	assert.Equal(t, first, second)
}

func TestPersistBatchIsAtomic(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	d := connectTestDatabase(ctx, t)

	broken := testDeal(11)
	broken.PieceSize = "not-a-number"
	err := d.PersistBatch(ctx, market.Deals{testDeal(10)}, market.Deals{broken})
	require.Error(t, err)
	assert.False(t, d.Unavailable(ctx, err), "rejected statement should not look like an outage: %v", err)

	count, err := d.AsORM().ModelContext(ctx, (*market.Deal)(nil)).Count()
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestClientMappingsAreInsertOnly(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	d := connectTestDatabase(ctx, t)

	require.NoError(t, d.PersistBatch(ctx, market.Deals{testDeal(1)}))
	unresolved, err := d.UnresolvedClients(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"f01234"}, unresolved)

	require.NoError(t, d.PersistBatch(ctx, &market.ClientMapping{Client: "f01234", ClientAddress: "f1first"}))
	require.NoError(t, d.PersistBatch(ctx, market.ClientMappings{{Client: "f01234", ClientAddress: "f1second"}}))

	got := map[string]string{}
	require.NoError(t, d.ForEachClientMapping(ctx, func(client, address string) error {
		got[client] = address
		return nil
	}))
	assert.Equal(t, map[string]string{"f01234": "f1first"}, got)

	unresolved, err = d.UnresolvedClients(ctx)
	require.NoError(t, err)
	assert.Empty(t, unresolved)
}

type fakePgError struct {
	code string
}

func (e fakePgError) Error() string            { return "pg error " + e.code }
func (e fakePgError) Field(f byte) string      { return map[byte]string{'C': e.code}[f] }
func (e fakePgError) IntegrityViolation() bool { return e.code[:2] == "23" }

func TestIsConnectionError(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "unique violation", err: fakePgError{code: "23505"}, want: false},
		{name: "invalid text representation", err: xerrors.Errorf("persisting: %w", fakePgError{code: "22P02"}), want: false},
		{name: "connection failure", err: fakePgError{code: "08006"}, want: true},
		{name: "admin shutdown", err: fakePgError{code: "57P01"}, want: true},
		{name: "network", err: xerrors.Errorf("persisting: %w", &net.OpError{Op: "dial", Err: errors.New("connection refused")}), want: true},
		{name: "broken connection", err: xerrors.Errorf("persisting: %w", io.EOF), want: true},
		{name: "not connected", err: ErrNotConnected, want: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsConnectionError(tc.err))
		})
	}
}

func TestUnavailableWithoutReachableDatabase(t *testing.T) {
	ctx := context.Background()
	d, err := NewDatabase(ctx, "postgres://postgres@127.0.0.1:1/postgres?sslmode=disable", 1, "deal-importer-test", "public",
		WithDialTimeout(time.Second))
	require.NoError(t, err)

	// never connected
	assert.True(t, d.Unavailable(ctx, ErrNotConnected))

	// a pool whose database refuses connections
	d.db = pg.Connect(d.opt)
	defer func() { _ = d.Close(ctx) }()
	assert.True(t, d.Unavailable(ctx, io.EOF))
	assert.False(t, d.Unavailable(ctx, fakePgError{code: "23505"}))
}

func TestUnavailableIgnoresSingleBrokenConnection(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	d := connectTestDatabase(ctx, t)

	assert.False(t, d.Unavailable(ctx, xerrors.Errorf("persisting: %w", io.EOF)))
	assert.False(t, d.Unavailable(ctx, fakePgError{code: "57P01"}))
}
