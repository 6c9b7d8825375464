package market

import (
	"time"
)

// DealTag is the derived classification of a verified, activated deal. Rows are produced by the tagging
// passes in SQL and read back through this type.
type DealTag struct {
	tableName struct{} `pg:"deal_tags"` // nolint: structcheck,unused

	DealID            uint64 `pg:",pk,use_zero"`
	CidOverreplicated bool   `pg:",use_zero"`
	CidShared         bool   `pg:",use_zero"`
	CidUnique         bool   `pg:",use_zero"`
	SectorStart       time.Time
	PieceSize         string `pg:"type:numeric"`
}
