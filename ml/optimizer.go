package ml

import (
	"sort"

	"github.com/pkg/errors"
	torch "github.com/wangkuiyi/gotorch"
)

// OptimizerParameters are hyperparameters handed to the Adam constructor.
// Recognised keys: lr, beta1, beta2, weight_decay.
type OptimizerParameters map[string]float64

var adamDefaults = OptimizerParameters{
	"lr":           1e-3,
	"beta1":        0.9,
	"beta2":        0.999,
	"weight_decay": 0,
}

// resolve merges p over the Adam defaults. Unknown keys are rejected.
func (p OptimizerParameters) resolve() (OptimizerParameters, error) {
	out := make(OptimizerParameters, len(adamDefaults))
	for k, v := range adamDefaults {
		out[k] = v
	}
	var unknown []string
	for k, v := range p {
		if _, ok := adamDefaults[k]; !ok {
			unknown = append(unknown, k)
			continue
		}
		out[k] = v
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, errors.Errorf("unknown optimizer parameters %v", unknown)
	}
	return out, nil
}

// Optimizer is a gotorch optimizer together with the tensors it manages.
type Optimizer struct {
	torch.Optimizer
	params []torch.Tensor
}

// NewAdam builds an Adam optimizer over params.
func NewAdam(params []torch.Tensor, hyper OptimizerParameters) (*Optimizer, error) {
	resolved, err := hyper.resolve()
	if err != nil {
		return nil, err
	}
	opt := torch.Adam(resolved["lr"], resolved["beta1"], resolved["beta2"], resolved["weight_decay"])
	opt.AddParameters(params)
	return &Optimizer{Optimizer: opt, params: params}, nil
}

// Parameters returns the managed tensors.
func (o *Optimizer) Parameters() []torch.Tensor {
	return append([]torch.Tensor(nil), o.params...)
}
