package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"golang.org/x/xerrors"

	"github.com/filecoin-project/deal-importer/model"
	"github.com/filecoin-project/deal-importer/model/market"
)

var ErrMarshalUnsupportedType = errors.New("cannot marshal unsupported type")

var _ model.Storage = (*MemStorage)(nil)

// MemStorage keeps deals and client mappings in memory with the same conflict rules as the database: a deal
// that already exists only has its lifecycle epochs replaced and a client mapping is never overwritten.
type MemStorage struct {
	mu       sync.Mutex
	deals    map[uint64]market.Deal
	mappings map[string]string
	batches  int
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		deals:    map[uint64]market.Deal{},
		mappings: map[string]string{},
	}
}

// PersistBatch applies every persistable or none of them.
func (m *MemStorage) PersistBatch(ctx context.Context, ps ...model.Persistable) error {
	tx := &memTx{}
	for _, p := range ps {
		if err := p.Persist(ctx, tx); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range tx.deals {
		if existing, ok := m.deals[d.DealID]; ok {
			existing.SectorStartEpoch = d.SectorStartEpoch
			existing.LastUpdatedEpoch = d.LastUpdatedEpoch
			existing.SlashEpoch = d.SlashEpoch
			m.deals[d.DealID] = existing
			continue
		}
		m.deals[d.DealID] = *d
	}
	for _, cm := range tx.mappings {
		if _, ok := m.mappings[cm.Client]; !ok {
			m.mappings[cm.Client] = cm.ClientAddress
		}
	}
	m.batches++
	return nil
}

// Deal returns a copy of the stored deal.
func (m *MemStorage) Deal(id uint64) (market.Deal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deals[id]
	return d, ok
}

// Deals returns copies of all stored deals ordered by deal id.
func (m *MemStorage) Deals() []market.Deal {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]market.Deal, 0, len(m.deals))
	for _, d := range m.deals {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DealID < out[j].DealID })
	return out
}

func (m *MemStorage) ClientMapping(client string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.mappings[client]
	return a, ok
}

// Batches returns the number of committed PersistBatch calls.
func (m *MemStorage) Batches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batches
}

func (m *MemStorage) UnresolvedClients(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, d := range m.deals {
		if _, ok := m.mappings[d.Client]; ok || seen[d.Client] {
			continue
		}
		seen[d.Client] = true
		out = append(out, d.Client)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemStorage) ForEachClientMapping(ctx context.Context, fn func(client, address string) error) error {
	m.mu.Lock()
	snapshot := make(map[string]string, len(m.mappings))
	for k, v := range m.mappings {
		snapshot[k] = v
	}
	m.mu.Unlock()

	for k, v := range snapshot {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// memTx stages models until the batch completes.
type memTx struct {
	deals    []*market.Deal
	mappings []*market.ClientMapping
}

func (t *memTx) PersistModel(ctx context.Context, m interface{}) error {
	switch v := m.(type) {
	case *market.Deal:
		t.deals = append(t.deals, v)
	case *market.Deals:
		t.deals = append(t.deals, (*v)...)
	case market.Deals:
		t.deals = append(t.deals, v...)
	case *market.ClientMapping:
		t.mappings = append(t.mappings, v)
	case *market.ClientMappings:
		t.mappings = append(t.mappings, (*v)...)
	case market.ClientMappings:
		t.mappings = append(t.mappings, v...)
	default:
		return xerrors.Errorf("%T: %w", m, ErrMarshalUnsupportedType)
	}
	return nil
}
