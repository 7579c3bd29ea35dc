// Package cpu is the reference implementation of the attention and
// cache maintenance kernels. It favors clarity over speed: every
// paged layout and reduction is written out directly so the package
// doubles as executable documentation of the cache ABI.
package cpu

import (
	"github.com/quarry-ml/quarry/ml"
)

type Backend struct{}

func New() ml.Backend {
	return &Backend{}
}

func (*Backend) Name() string { return "cpu" }

func init() {
	ml.RegisterBackend("cpu", New)
}

// cacheGeometry captures the paged cache shapes after validation.
// The key cache is [numBlocks, numKVHeads, headDim/x, blockSize, x]
// with x chosen so a key vector chunk fills 16 bytes; the value cache
// is [numBlocks, numKVHeads, headDim, blockSize].
type cacheGeometry struct {
	numBlocks  int
	numKVHeads int
	headDim    int
	blockSize  int
	x          int
}

func cacheGeometryOf(keyCache, valueCache *ml.Tensor) (cacheGeometry, error) {
	if err := ml.CheckRank(keyCache, 5, "key cache"); err != nil {
		return cacheGeometry{}, err
	}
	if err := ml.CheckRank(valueCache, 4, "value cache"); err != nil {
		return cacheGeometry{}, err
	}

	g := cacheGeometry{
		numBlocks:  keyCache.Dim(0),
		numKVHeads: keyCache.Dim(1),
		headDim:    keyCache.Dim(2) * keyCache.Dim(4),
		blockSize:  keyCache.Dim(3),
		x:          keyCache.Dim(4),
	}

	if g.x != keyCache.DType().Pack() {
		return cacheGeometry{}, ml.ShapeErrorf("key cache pack factor %d does not match dtype %v", g.x, keyCache.DType())
	}

	if valueCache.Dim(0) != g.numBlocks || valueCache.Dim(1) != g.numKVHeads ||
		valueCache.Dim(2) != g.headDim || valueCache.Dim(3) != g.blockSize {
		return cacheGeometry{}, ml.ShapeErrorf("value cache shape %v does not match key cache shape %v",
			valueCache.Shape(), keyCache.Shape())
	}

	return g, nil
}

// keyAt returns element d of the key vector stored at (block, off)
// for kv head h, honoring the packed innermost dimension.
func (g cacheGeometry) keyAt(kc *ml.Tensor, block, h, off, d int) float32 {
	i := (((block*g.numKVHeads+h)*(g.headDim/g.x)+d/g.x)*g.blockSize+off)*g.x + d%g.x
	return kc.At(i)
}

func (g cacheGeometry) setKeyAt(kc *ml.Tensor, block, h, off, d int, v float32) {
	i := (((block*g.numKVHeads+h)*(g.headDim/g.x)+d/g.x)*g.blockSize+off)*g.x + d%g.x
	kc.Set(i, v)
}

// valueAt returns element d of the value vector at (block, off) for
// kv head h.
func (g cacheGeometry) valueAt(vc *ml.Tensor, block, h, off, d int) float32 {
	i := ((block*g.numKVHeads+h)*g.headDim+d)*g.blockSize + off
	return vc.At(i)
}

func (g cacheGeometry) setValueAt(vc *ml.Tensor, block, h, off, d int, v float32) {
	i := ((block*g.numKVHeads+h)*g.headDim+d)*g.blockSize + off
	vc.Set(i, v)
}

// blockElems is the storage span of one block, identical for both
// cache layouts since blocks are outermost.
func (g cacheGeometry) blockElems() int {
	return g.numKVHeads * g.headDim * g.blockSize
}
