package ingest

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/filecoin-project/deal-importer/model"
	"github.com/filecoin-project/deal-importer/model/market"
	"github.com/filecoin-project/deal-importer/storage"
)

// A DealWriter upserts one batch of deals atomically. A *WriteFailure means the batch was rejected and the run
// may continue; any other error means the store can no longer be used.
type DealWriter interface {
	WriteDeals(ctx context.Context, deals market.Deals) error
}

// availabilityChecker is implemented by stores that can tell a broken connection from a database that is gone.
type availabilityChecker interface {
	Unavailable(ctx context.Context, err error) bool
}

// StorageWriter writes deals through a model.Storage such as a storage.Database.
type StorageWriter struct {
	store model.Storage
	// unavailable reports whether a persist error means the store is gone rather than the batch was bad
	unavailable func(context.Context, error) bool
}

var _ DealWriter = (*StorageWriter)(nil)

func NewStorageWriter(store model.Storage) *StorageWriter {
	w := &StorageWriter{
		store: store,
		unavailable: func(_ context.Context, err error) bool {
			return storage.IsConnectionError(err)
		},
	}
	if c, ok := store.(availabilityChecker); ok {
		w.unavailable = c.Unavailable
	}
	return w
}

func (w *StorageWriter) WriteDeals(ctx context.Context, deals market.Deals) error {
	if len(deals) == 0 {
		return nil
	}
	err := w.store.PersistBatch(ctx, deals)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil || w.unavailable(ctx, err) {
		return xerrors.Errorf("deal store unavailable: %w", err)
	}

	first, last := deals.KeyRange()
	return &WriteFailure{FirstKey: first, LastKey: last, Count: len(deals), Err: err}
}
