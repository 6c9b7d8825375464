package ingest

import (
	"context"
	"io"
)

// DefaultBatchSize is the number of deals written per transaction unless configured otherwise.
const DefaultBatchSize = 100

// Batcher groups the entries of a source into batches of a fixed size. Only the final batch may be shorter and
// no batch is ever empty.
type Batcher struct {
	src  DealSource
	size int
	eof  bool
}

func NewBatcher(src DealSource, size int) *Batcher {
	if size < 1 {
		size = DefaultBatchSize
	}
	return &Batcher{src: src, size: size}
}

// Next returns the next batch in source order, or io.EOF once the source is exhausted. Any other error comes from
// the source and the partially filled batch is discarded.
func (b *Batcher) Next(ctx context.Context) ([]RawDeal, error) {
	if b.eof {
		return nil, io.EOF
	}

	batch := make([]RawDeal, 0, b.size)
	for len(batch) < b.size {
		raw, err := b.src.Next(ctx)
		if err == io.EOF {
			b.eof = true
			break
		}
		if err != nil {
			return nil, err
		}
		batch = append(batch, raw)
	}

	if len(batch) == 0 {
		return nil, io.EOF
	}
	return batch, nil
}
