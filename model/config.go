package model

import (
	"fmt"

	"github.com/quarry-ml/quarry/attention"
	"github.com/quarry-ml/quarry/ml"
	"github.com/quarry-ml/quarry/ml/nn"
)

// Config is the validated model configuration the pipeline needs.
// Weight loading and tokenization live outside this module; by the
// time a Config arrives here it is assumed parsed but not yet
// checked for kernel compatibility.
type Config struct {
	VocabSize        int
	HiddenSize       int
	NumLayers        int
	NumHeads         int
	NumKVHeads       int
	HeadDim          int
	IntermediateSize int

	RMSNormEps   float32
	RopeBase     float32
	RopeScaling  *nn.RopeScaling
	MaxPositions int

	EOSTokenIDs []int32
}

func (c Config) Validate() error {
	if c.VocabSize <= 0 || c.HiddenSize <= 0 || c.NumLayers <= 0 || c.IntermediateSize <= 0 || c.MaxPositions <= 0 {
		return fmt.Errorf("%w: non-positive model dimension in %+v", ml.ErrUnsupportedConfiguration, c)
	}
	if c.NumKVHeads <= 0 || c.NumHeads%c.NumKVHeads != 0 {
		return fmt.Errorf("%w: %d heads not divisible by %d kv heads",
			ml.ErrUnsupportedConfiguration, c.NumHeads, c.NumKVHeads)
	}
	if c.NumHeads*c.HeadDim != c.HiddenSize {
		return fmt.Errorf("%w: %d heads of size %d do not fill hidden size %d",
			ml.ErrUnsupportedConfiguration, c.NumHeads, c.HeadDim, c.HiddenSize)
	}
	if !attention.SupportedHeadSize(c.HeadDim) {
		return fmt.Errorf("%w: head size %d", ml.ErrUnsupportedConfiguration, c.HeadDim)
	}
	if c.RopeBase <= 0 {
		return fmt.Errorf("%w: rope base %f", ml.ErrUnsupportedConfiguration, c.RopeBase)
	}

	return nil
}

// IsEOS reports whether id terminates generation.
func (c Config) IsEOS(id int32) bool {
	for _, eos := range c.EOSTokenIDs {
		if id == eos {
			return true
		}
	}

	return false
}
