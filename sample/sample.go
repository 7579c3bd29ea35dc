// Package sample turns vocabulary logits into token choices. Only
// greedy selection lives in the serving core; richer strategies plug
// in behind the same interface.
package sample

import (
	"gonum.org/v1/gonum/floats"

	"github.com/quarry-ml/quarry/ml"
)

type Sampler interface {
	Sample(logits []float32) (int32, error)
}

type greedy struct{}

func Greedy() Sampler {
	return greedy{}
}

func (greedy) Sample(logits []float32) (int32, error) {
	if len(logits) == 0 {
		return 0, ml.ShapeErrorf("sampling from empty logits")
	}

	wide := make([]float64, len(logits))
	for i, v := range logits {
		wide[i] = float64(v)
	}

	return int32(floats.MaxIdx(wide)), nil
}
