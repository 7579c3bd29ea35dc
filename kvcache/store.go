// Package kvcache implements the paged key/value cache: a fixed pool
// of physical blocks per transformer layer, per-sequence block tables
// mapping logical to physical blocks, and the slot mapping that
// scatters each batch token to its storage address.
package kvcache

import (
	"fmt"

	"github.com/quarry-ml/quarry/ml"
)

// Config fixes the geometry of a block store. Capacity never changes
// after construction; running out of blocks is the scheduler's
// problem, not the cache's.
type Config struct {
	NumLayers  int
	NumBlocks  int
	BlockSize  int
	NumKVHeads int
	HeadDim    int
	DType      ml.DType
	Memory     ml.Memory
}

func (c Config) validate() error {
	if c.NumLayers <= 0 || c.NumBlocks <= 0 || c.BlockSize <= 0 || c.NumKVHeads <= 0 || c.HeadDim <= 0 {
		return fmt.Errorf("%w: non-positive cache dimension in %+v", ml.ErrUnsupportedConfiguration, c)
	}
	if !c.DType.IsFloat() {
		return fmt.Errorf("%w: cache dtype %v", ml.ErrUnsupportedConfiguration, c.DType)
	}
	if c.HeadDim%c.DType.Pack() != 0 {
		return fmt.Errorf("%w: head dim %d not divisible by pack factor %d for %v",
			ml.ErrUnsupportedConfiguration, c.HeadDim, c.DType.Pack(), c.DType)
	}

	return nil
}

type layerCache struct {
	key   *ml.Tensor
	value *ml.Tensor
}

// BlockStore owns one key/value cache pair per layer. Keys use the
// packed layout [numBlocks, numKVHeads, headDim/x, blockSize, x] and
// values [numBlocks, numKVHeads, headDim, blockSize], which is the
// ABI the attention kernels read.
type BlockStore struct {
	config Config
	layers []layerCache
}

func NewBlockStore(c Config) (*BlockStore, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}

	x := c.DType.Pack()
	s := &BlockStore{config: c, layers: make([]layerCache, c.NumLayers)}
	for i := range s.layers {
		s.layers[i] = layerCache{
			key:   ml.ZerosIn(c.Memory, c.DType, c.NumBlocks, c.NumKVHeads, c.HeadDim/x, c.BlockSize, x),
			value: ml.ZerosIn(c.Memory, c.DType, c.NumBlocks, c.NumKVHeads, c.HeadDim, c.BlockSize),
		}
	}

	return s, nil
}

func (s *BlockStore) Config() Config { return s.config }
func (s *BlockStore) NumLayers() int { return len(s.layers) }
func (s *BlockStore) NumBlocks() int { return s.config.NumBlocks }
func (s *BlockStore) BlockSize() int { return s.config.BlockSize }

// Layer returns the key and value cache tensors for one layer.
func (s *BlockStore) Layer(i int) (key, value *ml.Tensor) {
	return s.layers[i].key, s.layers[i].value
}

// Keys returns the per-layer key caches in layer order.
func (s *BlockStore) Keys() []*ml.Tensor {
	out := make([]*ml.Tensor, len(s.layers))
	for i := range s.layers {
		out[i] = s.layers[i].key
	}

	return out
}

// Values returns the per-layer value caches in layer order.
func (s *BlockStore) Values() []*ml.Tensor {
	out := make([]*ml.Tensor, len(s.layers))
	for i := range s.layers {
		out[i] = s.layers[i].value
	}

	return out
}
