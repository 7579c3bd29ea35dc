// Package model drives per-layer transformer execution against the
// paged cache. Architectures register themselves by name; the runner
// only sees the Model interface.
package model

import (
	"fmt"

	"github.com/quarry-ml/quarry/attention"
	"github.com/quarry-ml/quarry/kvcache"
	"github.com/quarry-ml/quarry/ml"
)

// Inputs is one forward call. TokenIDs is [1, n] i32, Positions is
// [1, n] i64 absolute positions, SelectedPositions is [1, m] i32
// indices into the flattened batch naming the rows to project to
// logits. Cache may be nil for the dense no-cache path.
type Inputs struct {
	TokenIDs          *ml.Tensor
	Positions         *ml.Tensor
	SelectedPositions *ml.Tensor

	Cache    *kvcache.BlockStore
	Metadata *attention.Metadata
}

func (in Inputs) Check() error {
	if in.TokenIDs == nil || in.TokenIDs.Rank() != 2 || in.TokenIDs.Dim(0) != 1 {
		return ml.ShapeErrorf("token ids must have shape [1, n]")
	}
	if in.TokenIDs.DType() != ml.DTypeI32 {
		return ml.ShapeErrorf("token ids must be i32, got %v", in.TokenIDs.DType())
	}
	if in.Positions == nil || in.Positions.Rank() != 2 || in.Positions.Dim(0) != 1 ||
		in.Positions.Dim(1) != in.TokenIDs.Dim(1) {
		return ml.ShapeErrorf("positions must have shape [1, %d]", in.TokenIDs.Dim(1))
	}
	if in.Positions.DType() != ml.DTypeI64 {
		return ml.ShapeErrorf("positions must be i64, got %v", in.Positions.DType())
	}
	if in.SelectedPositions == nil || in.SelectedPositions.Rank() != 2 || in.SelectedPositions.Dim(0) != 1 {
		return ml.ShapeErrorf("selected positions must have shape [1, m]")
	}
	if in.SelectedPositions.DType() != ml.DTypeI32 {
		return ml.ShapeErrorf("selected positions must be i32, got %v", in.SelectedPositions.DType())
	}
	if in.Metadata == nil {
		return fmt.Errorf("%w: missing attention metadata", attention.ErrInconsistentMetadata)
	}

	return nil
}

// Model produces [m, vocab] float32 logits for the selected batch
// positions.
type Model interface {
	Config() Config
	Forward(in Inputs) (*ml.Tensor, error)
}

var architectures = make(map[string]func(Config, map[string]*ml.Tensor, ml.Backend) (Model, error))

func Register(name string, f func(Config, map[string]*ml.Tensor, ml.Backend) (Model, error)) {
	if _, ok := architectures[name]; ok {
		panic("model: architecture " + name + " already registered")
	}

	architectures[name] = f
}

func New(arch string, c Config, weights map[string]*ml.Tensor, backend ml.Backend) (Model, error) {
	f, ok := architectures[arch]
	if !ok {
		return nil, fmt.Errorf("%w: unknown architecture %q", ml.ErrUnsupportedConfiguration, arch)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return f(c, weights, backend)
}
