package data

import (
	"context"
	"image"
	"math/rand"

	"depthpose/ml"

	"github.com/pkg/errors"
	torch "github.com/wangkuiyi/gotorch"
)

// BatchIterator yields minibatches in order until Scan returns false.
type BatchIterator interface {
	Scan() bool
	Minibatch() ml.Batch
	Err() error
	Close() error
}

// Source produces one BatchIterator per epoch.
type Source interface {
	Len() int
	Iterate(ctx context.Context) (BatchIterator, error)
}

// Options configures a Dataset.
type Options struct {
	FinalSize  image.Point
	BatchSize  int
	NumWorkers int
	Shuffle    bool
	Normalize  bool
	Seed       int64
}

// Dataset serves stereo pairs of a Sequence restricted to indices.
type Dataset struct {
	seq     *Sequence
	indices []int
	opts    Options
	epoch   int64
}

var _ Source = (*Dataset)(nil)

func NewDataset(seq *Sequence, indices []int, opts Options) *Dataset {
	if opts.FinalSize == (image.Point{}) {
		opts.FinalSize = FinalSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	if opts.Seed == 0 {
		opts.Seed = 42
	}
	return &Dataset{seq: seq, indices: indices, opts: opts}
}

// Len is the number of batches per epoch. The last batch may be short.
func (d *Dataset) Len() int {
	return (len(d.indices) + d.opts.BatchSize - 1) / d.opts.BatchSize
}

// Sample loads pair i as a single-example batch.
func (d *Dataset) Sample(i int) (ml.Batch, error) {
	return d.load([]int{i})
}

func (d *Dataset) load(pairs []int) (ml.Batch, error) {
	views := make([][]torch.Tensor, len(ml.ViewKeys))
	for _, pair := range pairs {
		for v, path := range d.seq.Frames(pair) {
			t, err := LoadImage(path, d.opts.FinalSize, d.opts.Normalize)
			if err != nil {
				return nil, err
			}
			views[v] = append(views[v], t)
		}
	}
	batch := make(ml.Batch, len(ml.ViewKeys))
	for v, key := range ml.ViewKeys {
		batch[key] = torch.Stack(views[v], 0)
	}
	return batch, nil
}

// order returns the pair indices of the next epoch. Shuffling is seeded by
// the dataset seed and the epoch number.
func (d *Dataset) order() []int {
	order := append([]int(nil), d.indices...)
	if d.opts.Shuffle {
		rng := rand.New(rand.NewSource(d.opts.Seed + d.epoch))
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	d.epoch++
	return order
}

// Iterate starts NumWorkers decoders for one epoch. Batches come out in
// epoch order regardless of which worker finished first.
func (d *Dataset) Iterate(parent context.Context) (BatchIterator, error) {
	if len(d.indices) == 0 {
		return nil, errors.New("dataset has no samples")
	}
	order := d.order()
	ctx, cancel := context.WithCancel(parent)

	jobs := make(chan loadJob, d.opts.NumWorkers)
	futures := make(chan chan loadResult, d.opts.NumWorkers)

	go func() {
		defer close(jobs)
		defer close(futures)
		for start := 0; start < len(order); start += d.opts.BatchSize {
			end := start + d.opts.BatchSize
			if end > len(order) {
				end = len(order)
			}
			out := make(chan loadResult, 1)
			select {
			case <-ctx.Done():
				return
			case futures <- out:
			}
			select {
			case <-ctx.Done():
				return
			case jobs <- loadJob{pairs: order[start:end], out: out}:
			}
		}
	}()

	for i := 0; i < d.opts.NumWorkers; i++ {
		go func() {
			for job := range jobs {
				batch, err := d.load(job.pairs)
				job.out <- loadResult{batch: batch, err: err}
			}
		}()
	}

	return &loader{ctx: ctx, cancel: cancel, futures: futures}, nil
}

type loadJob struct {
	pairs []int
	out   chan<- loadResult
}

type loadResult struct {
	batch ml.Batch
	err   error
}

type loader struct {
	ctx     context.Context
	cancel  context.CancelFunc
	futures <-chan chan loadResult
	batch   ml.Batch
	err     error
}

func (l *loader) Scan() bool {
	if l.err != nil {
		return false
	}
	torch.GC()
	select {
	case <-l.ctx.Done():
		l.err = l.ctx.Err()
		return false
	case future, ok := <-l.futures:
		if !ok {
			if err := l.ctx.Err(); err != nil {
				l.err = err
			}
			return false
		}
		select {
		case <-l.ctx.Done():
			l.err = l.ctx.Err()
			return false
		case res := <-future:
			if res.err != nil {
				l.err = res.err
				return false
			}
			l.batch = res.batch
			return true
		}
	}
}

func (l *loader) Minibatch() ml.Batch { return l.batch }
func (l *loader) Err() error          { return l.err }

// Close stops the producer; in-flight decodes finish into buffered futures.
func (l *loader) Close() error {
	l.cancel()
	return nil
}
