package kvcache

import (
	"github.com/quarry-ml/quarry/ml"
)

// CopyBlocks duplicates block contents within the store, one copy
// per (src, dst) pair applied to every layer. Used when a sequence
// forks and the new sequence needs its own writable blocks.
func CopyBlocks(backend ml.Backend, store *BlockStore, pairs [][2]int32) error {
	if len(pairs) == 0 {
		return nil
	}

	return backend.CopyBlocks(store.Keys(), store.Values(), pairs)
}

// SwapBlocks moves block contents between two stores, typically a
// device store and its host-resident spill tier. The stores must
// agree on everything but capacity and memory.
func SwapBlocks(backend ml.Backend, src, dst *BlockStore, pairs [][2]int32) error {
	if src.NumLayers() != dst.NumLayers() {
		return ml.ShapeErrorf("swap between %d and %d layer stores", src.NumLayers(), dst.NumLayers())
	}

	for l := 0; l < src.NumLayers(); l++ {
		sk, sv := src.Layer(l)
		dk, dv := dst.Layer(l)
		if err := backend.SwapBlocks(sk, sv, dk, dv, pairs); err != nil {
			return err
		}
	}

	return nil
}
