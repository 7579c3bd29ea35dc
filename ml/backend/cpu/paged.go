package cpu

import (
	"math"

	"github.com/quarry-ml/quarry/ml"
)

func (b *Backend) validateDecode(q, keyCache, valueCache *ml.Tensor, p ml.PagedParams) (cacheGeometry, error) {
	g, err := cacheGeometryOf(keyCache, valueCache)
	if err != nil {
		return cacheGeometry{}, err
	}

	if err := ml.CheckRank(q, 2, "query"); err != nil {
		return cacheGeometry{}, err
	}
	if err := ml.CheckRank(p.BlockTables, 2, "block tables"); err != nil {
		return cacheGeometry{}, err
	}

	numSeqs := q.Dim(0)
	if q.Dim(1) != p.NumHeads*p.HeadDim {
		return cacheGeometry{}, ml.ShapeErrorf("query shape %v does not fit %d heads of size %d",
			q.Shape(), p.NumHeads, p.HeadDim)
	}
	if g.numKVHeads != p.NumKVHeads || g.headDim != p.HeadDim || g.blockSize != p.BlockSize {
		return cacheGeometry{}, ml.ShapeErrorf("cache geometry %+v does not match params heads=%d dim=%d block=%d",
			g, p.NumKVHeads, p.HeadDim, p.BlockSize)
	}
	if p.BlockTables.Dim(0) != numSeqs || len(p.SeqLens) != numSeqs {
		return cacheGeometry{}, ml.ShapeErrorf("block tables %v and %d sequence lengths do not cover %d sequences",
			p.BlockTables.Shape(), len(p.SeqLens), numSeqs)
	}

	return g, nil
}

// PagedAttention is the single-pass decode kernel: one query token
// per sequence, keys and values gathered block by block.
func (b *Backend) PagedAttention(q, keyCache, valueCache *ml.Tensor, p ml.PagedParams) (*ml.Tensor, error) {
	g, err := b.validateDecode(q, keyCache, valueCache, p)
	if err != nil {
		return nil, err
	}

	numSeqs := q.Dim(0)
	tables := p.BlockTables.Ints()
	tableWidth := p.BlockTables.Dim(1)

	qf := q.Floats()
	out := ml.Zeros(ml.DTypeF32, numSeqs, p.NumHeads*p.HeadDim)
	outf := out.Floats()

	d := p.HeadDim
	qw := p.NumHeads * d
	key := make([]float32, d)
	val := make([]float32, d)

	for s := 0; s < numSeqs; s++ {
		seqLen := int(p.SeqLens[s])
		for h := 0; h < p.NumHeads; h++ {
			kvh := h / p.KVGroup()
			qv := qf[s*qw+h*d : s*qw+(h+1)*d]

			acc := newHeadAccum(d)
			for j := 0; j < seqLen; j++ {
				block := int(tables[s*tableWidth+j/g.blockSize])
				off := j % g.blockSize
				for e := 0; e < d; e++ {
					key[e] = g.keyAt(keyCache, block, kvh, off, e)
					val[e] = g.valueAt(valueCache, block, kvh, off, e)
				}

				acc.push(p.Scale*dot(qv, key), val)
			}

			acc.finish(outf[s*qw+h*d : s*qw+(h+1)*d])
		}
	}

	out.WriteFloats(outf, 0)
	return out, nil
}

// PagedAttentionPartitioned is the two-pass decode kernel. The first
// pass runs the single-pass reduction independently over fixed-size
// partitions of each context, recording the per-partition softmax
// statistics in scratch; the second pass rescales and merges the
// partial outputs into the final result.
func (b *Backend) PagedAttentionPartitioned(q, keyCache, valueCache *ml.Tensor, p ml.PagedParams, scratch *ml.PartitionScratch) (*ml.Tensor, error) {
	g, err := b.validateDecode(q, keyCache, valueCache, p)
	if err != nil {
		return nil, err
	}

	numSeqs := q.Dim(0)
	numParts := scratch.Out.Dim(2)
	partSize := scratch.PartitionSize

	if scratch.Out.Dim(0) != numSeqs || scratch.Out.Dim(1) != p.NumHeads || scratch.Out.Dim(3) != p.HeadDim {
		return nil, ml.ShapeErrorf("scratch output %v does not cover %d sequences of %d heads",
			scratch.Out.Shape(), numSeqs, p.NumHeads)
	}
	if (p.MaxSeqLen+partSize-1)/partSize > numParts {
		return nil, ml.ShapeErrorf("%d partitions of %d tokens cannot cover context of %d",
			numParts, partSize, p.MaxSeqLen)
	}

	tables := p.BlockTables.Ints()
	tableWidth := p.BlockTables.Dim(1)

	qf := q.Floats()
	partial := scratch.Out.Floats()
	expSums := scratch.ExpSums.Floats()
	maxLogits := scratch.MaxLogits.Floats()

	d := p.HeadDim
	qw := p.NumHeads * d
	key := make([]float32, d)
	val := make([]float32, d)

	statAt := func(s, h, part int) int { return (s*p.NumHeads+h)*numParts + part }
	outAt := func(s, h, part int) int { return ((s*p.NumHeads+h)*numParts + part) * d }

	// Pass one: independent reductions per partition.
	for s := 0; s < numSeqs; s++ {
		seqLen := int(p.SeqLens[s])
		for h := 0; h < p.NumHeads; h++ {
			kvh := h / p.KVGroup()
			qv := qf[s*qw+h*d : s*qw+(h+1)*d]

			for part := 0; part*partSize < seqLen; part++ {
				end := min((part+1)*partSize, seqLen)

				acc := newHeadAccum(d)
				for j := part * partSize; j < end; j++ {
					block := int(tables[s*tableWidth+j/g.blockSize])
					off := j % g.blockSize
					for e := 0; e < d; e++ {
						key[e] = g.keyAt(keyCache, block, kvh, off, e)
						val[e] = g.valueAt(valueCache, block, kvh, off, e)
					}

					acc.push(p.Scale*dot(qv, key), val)
				}

				acc.finish(partial[outAt(s, h, part) : outAt(s, h, part)+d])
				expSums[statAt(s, h, part)] = acc.expSum
				maxLogits[statAt(s, h, part)] = acc.maxLogit
			}
		}
	}

	scratch.Out.WriteFloats(partial, 0)
	scratch.ExpSums.WriteFloats(expSums, 0)
	scratch.MaxLogits.WriteFloats(maxLogits, 0)

	// Pass two: merge partitions under a shared softmax scale.
	out := ml.Zeros(ml.DTypeF32, numSeqs, p.NumHeads*p.HeadDim)
	outf := out.Floats()

	for s := 0; s < numSeqs; s++ {
		seqLen := int(p.SeqLens[s])
		used := (seqLen + partSize - 1) / partSize
		for h := 0; h < p.NumHeads; h++ {
			globalMax := float32(math.Inf(-1))
			for part := 0; part < used; part++ {
				if m := maxLogits[statAt(s, h, part)]; m > globalMax {
					globalMax = m
				}
			}

			var totalExp float32
			for part := 0; part < used; part++ {
				totalExp += expSums[statAt(s, h, part)] * float32(math.Exp(float64(maxLogits[statAt(s, h, part)]-globalMax)))
			}
			if totalExp == 0 {
				continue
			}

			dst := outf[s*qw+h*d : s*qw+(h+1)*d]
			for part := 0; part < used; part++ {
				w := expSums[statAt(s, h, part)] * float32(math.Exp(float64(maxLogits[statAt(s, h, part)]-globalMax))) / totalExp
				src := partial[outAt(s, h, part) : outAt(s, h, part)+d]
				for e, v := range src {
					dst[e] += w * v
				}
			}
		}
	}

	out.WriteFloats(outf, 0)
	return out, nil
}
