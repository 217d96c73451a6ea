package ml

import (
	"fmt"

	"github.com/pkg/errors"
	torch "github.com/wangkuiyi/gotorch"
)

// LossKey names the aggregate term used for optimization and checkpointing.
const LossKey = "loss"

// ErrMissingLoss is returned when a loss dictionary has no LossKey entry.
var ErrMissingLoss = errors.New(`losses have no "loss" entry`)

// Losses is an insertion ordered mapping from term name to scalar tensor.
type Losses struct {
	names  []string
	values map[string]torch.Tensor
}

// NewLosses returns an empty dictionary.
func NewLosses() *Losses {
	return &Losses{values: make(map[string]torch.Tensor)}
}

// Set adds or replaces a term. Replacing keeps the original position.
func (l *Losses) Set(name string, value torch.Tensor) {
	if _, ok := l.values[name]; !ok {
		l.names = append(l.names, name)
	}
	l.values[name] = value
}

func (l *Losses) Get(name string) (torch.Tensor, bool) {
	value, ok := l.values[name]
	return value, ok
}

// Names returns term names in insertion order.
func (l *Losses) Names() []string {
	return append([]string(nil), l.names...)
}

func (l *Losses) Len() int {
	return len(l.names)
}

// Total returns the aggregate "loss" term.
func (l *Losses) Total() (torch.Tensor, error) {
	value, ok := l.values[LossKey]
	if !ok {
		return torch.Tensor{}, ErrMissingLoss
	}
	return value, nil
}

// Values reads every term back as a float64.
func (l *Losses) Values() map[string]float64 {
	out := make(map[string]float64, len(l.names))
	for _, name := range l.names {
		out[name] = Scalar(l.values[name])
	}
	return out
}

// Scalar reads a single-element tensor as a float64.
func Scalar(t torch.Tensor) float64 {
	switch v := t.Item().(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	case int64:
		return float64(v)
	case int32:
		return float64(v)
	default:
		panic(fmt.Sprintf("ml: unsupported scalar type %T", v))
	}
}

// Values copies t to the host and flattens it in row-major order.
func Values(t torch.Tensor) []float64 {
	flat := t.To(torch.NewDevice("cpu"), t.Dtype()).View(-1)
	n := flat.Shape()[0]
	out := make([]float64, n)
	for i := int64(0); i < n; i++ {
		out[i] = Scalar(flat.Index(i))
	}
	return out
}
