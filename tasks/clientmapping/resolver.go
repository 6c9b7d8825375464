// Package clientmapping resolves deal client ID addresses to the account key addresses that own them.
package clientmapping

import (
	"context"
	"fmt"
	"sync"

	"github.com/filecoin-project/go-address"
	lru "github.com/hashicorp/golang-lru"
	logging "github.com/ipfs/go-log/v2"
	"github.com/puzpuzpuz/xsync/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/atomic"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/deal-importer/lens"
	"github.com/filecoin-project/deal-importer/metrics"
	"github.com/filecoin-project/deal-importer/model"
	"github.com/filecoin-project/deal-importer/model/market"
	"github.com/filecoin-project/deal-importer/queue"
)

var log = logging.Logger("deal-importer/tasks/clientmapping")

const DefaultCacheSize = 100_000

// MappingStore is the storage the resolver reads known mappings from and writes new ones to.
type MappingStore interface {
	model.Storage
	UnresolvedClients(ctx context.Context) ([]string, error)
	ForEachClientMapping(ctx context.Context, fn func(client, address string) error) error
}

// ResolveFailure is a client that could not be resolved in this run. It is retried on the next run.
type ResolveFailure struct {
	Client string
	Err    error
}

func (f *ResolveFailure) Error() string {
	return fmt.Sprintf("resolve client %s: %v", f.Client, f.Err)
}

func (f *ResolveFailure) Unwrap() error { return f.Err }

type clientState int32

const (
	statePending clientState = iota
	stateSubmitted
	stateFailed
)

type Option func(r *Resolver)

func WithCacheSize(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.cacheSize = n
		}
	}
}

// Resolver collects client ids that have no mapping yet and looks each one up once per run.
type Resolver struct {
	api   lens.AccountKeyAPI
	store MappingStore

	cacheSize int
	known     *lru.ARCCache // client -> account key of every mapping already stored
	pending   *xsync.Map[string, clientState]

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	resolved atomic.Int64
	failed   atomic.Int64
}

func NewResolver(api lens.AccountKeyAPI, store MappingStore, opts ...Option) (*Resolver, error) {
	r := &Resolver{
		api:       api,
		store:     store,
		cacheSize: DefaultCacheSize,
		pending:   xsync.NewMap[string, clientState](),
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}

	known, err := lru.NewARC(r.cacheSize)
	if err != nil {
		return nil, xerrors.Errorf("new arc cache: %w", err)
	}
	r.known = known
	return r, nil
}

// Seed loads the stored mappings and queues every stored client that has none.
func (r *Resolver) Seed(ctx context.Context) error {
	if err := r.store.ForEachClientMapping(ctx, func(client, address string) error {
		r.known.Add(client, address)
		return nil
	}); err != nil {
		return xerrors.Errorf("load client mappings: %w", err)
	}

	clients, err := r.store.UnresolvedClients(ctx)
	if err != nil {
		return xerrors.Errorf("unresolved clients: %w", err)
	}
	for _, c := range clients {
		r.Observe(c)
	}
	log.Infow("seeded client resolver", "known", r.known.Len(), "unresolved", len(clients))
	return nil
}

// Observe notes a client seen in a persisted deal. It never blocks.
func (r *Resolver) Observe(client string) {
	if client == "" || r.known.Contains(client) {
		return
	}
	if _, loaded := r.pending.LoadOrStore(client, statePending); loaded {
		return
	}
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Run seeds the resolver and submits a lookup for every pending client until Close is called, finishing with a
// sweep for clients observed just before closing. It returns early only when the queue refuses work or ctx ends.
func (r *Resolver) Run(ctx context.Context, q *queue.Bounded) error {
	if err := r.Seed(ctx); err != nil {
		return err
	}
	for {
		if err := r.submitPending(ctx, q); err != nil {
			return err
		}
		select {
		case <-r.notify:
		case <-r.done:
			return r.submitPending(ctx, q)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops Run once the remaining pending clients have been submitted.
func (r *Resolver) Close() {
	r.closeOnce.Do(func() { close(r.done) })
}

// Stats returns the number of clients resolved and the number that failed.
func (r *Resolver) Stats() (int64, int64) {
	return r.resolved.Load(), r.failed.Load()
}

// Pending returns the number of clients awaiting or undergoing a lookup.
func (r *Resolver) Pending() int {
	n := 0
	r.pending.Range(func(_ string, s clientState) bool {
		if s != stateFailed {
			n++
		}
		return true
	})
	return n
}

func (r *Resolver) submitPending(ctx context.Context, q *queue.Bounded) error {
	var ready []string
	r.pending.Range(func(client string, s clientState) bool {
		if s != statePending {
			return true
		}
		// observed before Seed loaded its mapping
		if r.known.Contains(client) {
			r.pending.Delete(client)
			return true
		}
		ready = append(ready, client)
		return true
	})

	for _, client := range ready {
		r.pending.Store(client, stateSubmitted)
		if err := q.Submit(ctx, r.resolveTask(client)); err != nil {
			return xerrors.Errorf("submit client %s: %w", client, err)
		}
	}
	return nil
}

func (r *Resolver) resolveTask(client string) queue.Task {
	return func(ctx context.Context) error {
		ctx, span := otel.Tracer("").Start(ctx, "Resolver.Resolve")
		span.SetAttributes(attribute.String("client", client))
		defer span.End()

		key, err := r.resolve(ctx, client)
		if err == nil {
			err = r.store.PersistBatch(ctx, &market.ClientMapping{Client: client, ClientAddress: key})
			if err != nil {
				err = xerrors.Errorf("persist mapping: %w", err)
			}
		}
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			r.fail(ctx, &ResolveFailure{Client: client, Err: err})
			return nil
		}

		r.known.Add(client, key)
		r.pending.Delete(client)
		r.resolved.Inc()
		metrics.RecordInc(ctx, metrics.ClientsResolved)
		return nil
	}
}

func (r *Resolver) resolve(ctx context.Context, client string) (string, error) {
	addr, err := address.NewFromString(client)
	if err != nil {
		return "", xerrors.Errorf("parse address: %w", err)
	}
	// only ID addresses need a lookup, key addresses are their own account key
	if addr.Protocol() != address.ID {
		return addr.String(), nil
	}

	key, err := r.api.StateAccountKey(ctx, addr, lens.EmptyTSK)
	if err != nil {
		return "", err
	}
	if key == address.Undef {
		return "", xerrors.New("node returned an undefined address")
	}
	return key.String(), nil
}

func (r *Resolver) fail(ctx context.Context, f *ResolveFailure) {
	r.pending.Store(f.Client, stateFailed)
	r.failed.Inc()
	metrics.RecordInc(ctx, metrics.ResolveFailure)
	log.Warnw("failed to resolve client", "client", f.Client, "error", f.Err)
}
