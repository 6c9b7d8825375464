package lens

import (
	"context"

	"github.com/filecoin-project/go-address"
	"github.com/ipfs/go-cid"
)

// TipSetKey identifies the tipset a state query is evaluated against. A nil key selects the chain head and is
// sent as JSON null.
type TipSetKey []cid.Cid

// EmptyTSK selects the chain head.
var EmptyTSK TipSetKey

// AccountKeyAPI is the slice of the Filecoin node API used to map client ID addresses to their account key.
type AccountKeyAPI interface {
	StateAccountKey(ctx context.Context, addr address.Address, tsk TipSetKey) (address.Address, error)
}

type APICloser func()

type APIOpener interface {
	Open(context.Context) (AccountKeyAPI, APICloser, error)
}
