package nn

import (
	"github.com/quarry-ml/quarry/ml"
)

type RMSNorm struct {
	Weight *ml.Tensor
	Eps    float32
}

func (m *RMSNorm) Forward(x *ml.Tensor) *ml.Tensor {
	return x.RMSNorm(m.Weight, m.Eps)
}
