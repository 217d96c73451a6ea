package data

import (
	"context"

	"depthpose/ml"

	torch "github.com/wangkuiyi/gotorch"
)

// Synthetic serves Batches constant-valued batches of the given (N,3,H,W)
// shape. It is used for dry runs and tests.
type Synthetic struct {
	Shape   []int64
	Value   float32
	Batches int
}

var _ Source = (*Synthetic)(nil)

func (s *Synthetic) Len() int { return s.Batches }

func (s *Synthetic) Iterate(ctx context.Context) (BatchIterator, error) {
	return &syntheticIterator{source: s, ctx: ctx}, nil
}

type syntheticIterator struct {
	source *Synthetic
	ctx    context.Context
	served int
	batch  ml.Batch
	err    error
}

func (it *syntheticIterator) Scan() bool {
	if it.err != nil || it.served >= it.source.Batches {
		return false
	}
	if err := it.ctx.Err(); err != nil {
		it.err = err
		return false
	}
	it.batch = make(ml.Batch, len(ml.ViewKeys))
	for _, key := range ml.ViewKeys {
		it.batch[key] = torch.Full(it.source.Shape, it.source.Value, false)
	}
	it.served++
	return true
}

func (it *syntheticIterator) Minibatch() ml.Batch { return it.batch }
func (it *syntheticIterator) Err() error          { return it.err }
func (it *syntheticIterator) Close() error        { return nil }
