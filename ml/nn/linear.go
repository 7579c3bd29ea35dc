package nn

import (
	"github.com/quarry-ml/quarry/ml"
)

// Linear projects [n, in] to [n, out] with a weight stored one row
// per output feature.
type Linear struct {
	Weight *ml.Tensor
	Bias   *ml.Tensor
}

func (m *Linear) Forward(x *ml.Tensor) *ml.Tensor {
	out := x.Matmul(m.Weight)
	if m.Bias != nil {
		out = out.Add(m.Bias)
	}

	return out
}

// Embedding maps token ids to rows of a [vocab, dim] table.
type Embedding struct {
	Weight *ml.Tensor
}

func (m *Embedding) Forward(ids []int32) *ml.Tensor {
	return m.Weight.Rows(ids)
}
