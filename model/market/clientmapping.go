package market

import (
	"context"

	"go.opencensus.io/tag"

	"github.com/filecoin-project/deal-importer/metrics"
	"github.com/filecoin-project/deal-importer/model"
)

// ClientMapping records the account key address a deal client resolved to. Mappings are never rewritten.
type ClientMapping struct {
	tableName struct{} `pg:"client_mappings"` // nolint: structcheck,unused

	Client        string `pg:",pk,notnull"`
	ClientAddress string `pg:",notnull"`
}

const clientMappingConflict = "(client) DO NOTHING"

func (c *ClientMapping) ConflictTarget() string { return clientMappingConflict }
func (c *ClientMapping) UpsertSet() []string    { return nil }

func (c *ClientMapping) Persist(ctx context.Context, s model.StorageBatch) error {
	ctx, _ = tag.New(ctx, tag.Upsert(metrics.Table, "client_mappings"))
	return s.PersistModel(ctx, c)
}

type ClientMappings []*ClientMapping

func (cs ClientMappings) ConflictTarget() string { return clientMappingConflict }
func (cs ClientMappings) UpsertSet() []string    { return nil }

func (cs ClientMappings) Persist(ctx context.Context, s model.StorageBatch) error {
	if len(cs) == 0 {
		return nil
	}
	ctx, _ = tag.New(ctx, tag.Upsert(metrics.Table, "client_mappings"))
	return s.PersistModel(ctx, &cs)
}
