package cpu

import (
	"github.com/quarry-ml/quarry/ml"
)

// ReshapeAndCache scatters key and value rows into the paged caches.
// Slot indices are validated up front so a bad mapping leaves the
// caches untouched; negative slots mark padding rows and are skipped.
func (b *Backend) ReshapeAndCache(key, value, keyCache, valueCache, slotMapping *ml.Tensor) error {
	g, err := cacheGeometryOf(keyCache, valueCache)
	if err != nil {
		return err
	}

	if err := ml.CheckRank(key, 2, "key"); err != nil {
		return err
	}
	if err := ml.CheckRank(value, 2, "value"); err != nil {
		return err
	}
	if slotMapping.DType() != ml.DTypeI64 {
		return ml.ShapeErrorf("slot mapping must be i64, got %v", slotMapping.DType())
	}

	numTokens := key.Dim(0)
	width := g.numKVHeads * g.headDim
	if key.Dim(1) != width || value.Dim(0) != numTokens || value.Dim(1) != width {
		return ml.ShapeErrorf("key %v / value %v do not match cache geometry of %d kv heads by %d",
			key.Shape(), value.Shape(), g.numKVHeads, g.headDim)
	}
	if slotMapping.Elems() != numTokens {
		return ml.ShapeErrorf("slot mapping covers %d tokens, batch has %d", slotMapping.Elems(), numTokens)
	}

	slots := slotMapping.Int64s()
	capacity := int64(g.numBlocks) * int64(g.blockSize)
	for i, slot := range slots {
		if slot >= capacity {
			return ml.ShapeErrorf("slot %d for token %d exceeds cache capacity %d", slot, i, capacity)
		}
	}

	row := make([]float32, width)
	for i, slot := range slots {
		if slot < 0 {
			continue
		}

		block := int(slot) / g.blockSize
		off := int(slot) % g.blockSize

		key.ReadFloats(row, i*width)
		for h := 0; h < g.numKVHeads; h++ {
			for e := 0; e < g.headDim; e++ {
				g.setKeyAt(keyCache, block, h, off, e, row[h*g.headDim+e])
			}
		}

		value.ReadFloats(row, i*width)
		for h := 0; h < g.numKVHeads; h++ {
			for e := 0; e < g.headDim; e++ {
				g.setValueAt(valueCache, block, h, off, e, row[h*g.headDim+e])
			}
		}
	}

	return nil
}

// CopyBlocks applies src to dst block copies to every cache pair in
// order. Pairs may chain (a block written by one pair read by a
// later one), so application order is part of the contract.
func (b *Backend) CopyBlocks(keyCaches, valueCaches []*ml.Tensor, pairs [][2]int32) error {
	if len(keyCaches) != len(valueCaches) {
		return ml.ShapeErrorf("%d key caches but %d value caches", len(keyCaches), len(valueCaches))
	}

	for l := range keyCaches {
		g, err := cacheGeometryOf(keyCaches[l], valueCaches[l])
		if err != nil {
			return err
		}

		for _, pr := range pairs {
			src, dst := int(pr[0]), int(pr[1])
			if src < 0 || src >= g.numBlocks || dst < 0 || dst >= g.numBlocks {
				return ml.ShapeErrorf("block copy %d to %d outside cache of %d blocks", src, dst, g.numBlocks)
			}

			n := g.blockElems()
			keyCaches[l].CopyFrom(dst*n, keyCaches[l], src*n, n)
			valueCaches[l].CopyFrom(dst*n, valueCaches[l], src*n, n)
		}
	}

	return nil
}

// SwapBlocks copies whole blocks from one cache to another, typically
// across memory tiers. Both caches must share geometry and dtype so
// the copy moves raw block contents.
func (b *Backend) SwapBlocks(srcKey, srcValue, dstKey, dstValue *ml.Tensor, pairs [][2]int32) error {
	sg, err := cacheGeometryOf(srcKey, srcValue)
	if err != nil {
		return err
	}
	dg, err := cacheGeometryOf(dstKey, dstValue)
	if err != nil {
		return err
	}

	if sg.numKVHeads != dg.numKVHeads || sg.headDim != dg.headDim || sg.blockSize != dg.blockSize {
		return ml.ShapeErrorf("source geometry %+v does not match destination %+v", sg, dg)
	}

	for _, pr := range pairs {
		src, dst := int(pr[0]), int(pr[1])
		if src < 0 || src >= sg.numBlocks {
			return ml.ShapeErrorf("swap source block %d outside cache of %d blocks", src, sg.numBlocks)
		}
		if dst < 0 || dst >= dg.numBlocks {
			return ml.ShapeErrorf("swap destination block %d outside cache of %d blocks", dst, dg.numBlocks)
		}

		n := sg.blockElems()
		dstKey.CopyFrom(dst*n, srcKey, src*n, n)
		dstValue.CopyFrom(dst*n, srcValue, src*n, n)
	}

	return nil
}
