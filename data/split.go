package data

import (
	"math/rand"

	"github.com/pkg/errors"
)

// DefaultSplit is the train/validation/test proportion of pairs.
var DefaultSplit = [3]float64{0.8, 0.1, 0.1}

// Split deals n pair indices into train, validation and test subsets in the
// given proportions. The assignment depends only on n, fractions and seed.
func Split(n int, fractions [3]float64, seed int64) (train, val, test []int, err error) {
	total := fractions[0] + fractions[1] + fractions[2]
	if total <= 0 {
		return nil, nil, nil, errors.Errorf("split fractions %v sum to %v", fractions, total)
	}
	for _, f := range fractions {
		if f < 0 {
			return nil, nil, nil, errors.Errorf("negative split fraction in %v", fractions)
		}
	}
	perm := rand.New(rand.NewSource(seed)).Perm(n)
	nTrain := int(float64(n) * fractions[0] / total)
	nVal := int(float64(n) * fractions[1] / total)
	return perm[:nTrain], perm[nTrain : nTrain+nVal], perm[nTrain+nVal:], nil
}
