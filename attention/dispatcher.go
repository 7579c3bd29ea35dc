package attention

import (
	"fmt"
	"slices"

	"github.com/quarry-ml/quarry/ml"
)

// Head sizes the native kernels are compiled for. Anything else is a
// configuration error, rejected before dispatch.
var supportedHeadSizes = []int{64, 80, 96, 112, 128, 192, 256}

func SupportedHeadSize(d int) bool {
	return slices.Contains(supportedHeadSizes, d)
}

// Dispatcher writes new key/value vectors into the paged cache and
// routes each portion of a batch to the kernel variant its shape
// calls for.
type Dispatcher struct {
	backend ml.Backend
}

func NewDispatcher(backend ml.Backend) *Dispatcher {
	return &Dispatcher{backend: backend}
}

func (d *Dispatcher) validate(p ml.AttnParams) error {
	if !SupportedHeadSize(p.HeadDim) {
		return fmt.Errorf("%w: head size %d, supported sizes are %v",
			ml.ErrUnsupportedConfiguration, p.HeadDim, supportedHeadSizes)
	}
	if p.NumKVHeads <= 0 || p.NumHeads%p.NumKVHeads != 0 {
		return fmt.Errorf("%w: %d query heads not divisible by %d kv heads",
			ml.ErrUnsupportedConfiguration, p.NumHeads, p.NumKVHeads)
	}

	return nil
}

// DenseCausal is the no-cache single-sequence path.
func (d *Dispatcher) DenseCausal(q, k, v *ml.Tensor, p ml.AttnParams) (*ml.Tensor, error) {
	if err := d.validate(p); err != nil {
		return nil, err
	}

	return d.backend.DenseCausal(q, k, v, p)
}

// Forward runs one layer's attention for a mixed batch: scatter the
// new keys and values into the cache, then variable-length attention
// over the prefill rows and paged attention over the decode rows.
// The output keeps the batch's token order.
func (d *Dispatcher) Forward(q, k, v, keyCache, valueCache *ml.Tensor, meta *Metadata, p ml.AttnParams) (*ml.Tensor, error) {
	if err := d.validate(p); err != nil {
		return nil, err
	}
	if meta.NoWork() {
		return ml.Zeros(ml.DTypeF32, 0, p.NumHeads*p.HeadDim), nil
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}

	total := meta.totalTokens()
	if q.Rank() != 2 || q.Dim(0) != total {
		return nil, metaErrorf("batch declares %d tokens but query has shape %v", total, q.Shape())
	}

	for _, t := range []struct {
		tensor *ml.Tensor
		name   string
	}{{keyCache, "key cache"}, {valueCache, "value cache"}} {
		if err := ml.CheckMemory(t.tensor, ml.DeviceMemory, t.name); err != nil {
			return nil, err
		}
	}

	if err := d.backend.ReshapeAndCache(k, v, keyCache, valueCache, meta.SlotMapping); err != nil {
		return nil, err
	}

	blockSize := keyCache.Dim(3)
	out := ml.Zeros(ml.DTypeF32, total, p.NumHeads*p.HeadDim)
	width := p.NumHeads * p.HeadDim

	if np := meta.NumPrefillTokens; np > 0 {
		pm := meta.Prefill
		params := ml.VarLenParams{
			AttnParams:     p,
			QueryStartLocs: pm.QueryStartLocs,
			SeqStartLocs:   pm.SeqStartLocs,
			SeqLens:        pm.SeqLens,
			ContextLens:    pm.ContextLens,
			MaxQueryLen:    pm.MaxQueryLen,
			MaxSeqLen:      pm.MaxSeqLen,
		}
		if pm.BlockTables != nil {
			params.KeyCache = keyCache
			params.ValueCache = valueCache
			params.BlockTables = pm.BlockTables
			params.BlockSize = blockSize
		}

		res, err := d.backend.VarLenAttention(q.RowSlice(0, np), k.RowSlice(0, np), v.RowSlice(0, np), params)
		if err != nil {
			return nil, err
		}

		out.CopyFrom(0, res, 0, np*width)
	}

	if nd := meta.NumDecodeTokens; nd > 0 {
		dm := meta.Decode
		params := ml.PagedParams{
			AttnParams:  p,
			BlockTables: dm.BlockTables,
			SeqLens:     dm.SeqLens,
			MaxSeqLen:   dm.MaxSeqLen,
			BlockSize:   blockSize,
		}

		qd := q.RowSlice(meta.NumPrefillTokens, total)

		var res *ml.Tensor
		var err error
		if UseSinglePass(nd, p.NumHeads, dm.MaxSeqLen, blockSize) {
			res, err = d.backend.PagedAttention(qd, keyCache, valueCache, params)
		} else {
			parts := MaxPartitions(dm.MaxSeqLen)
			scratch := &ml.PartitionScratch{
				PartitionSize: PartitionSize,
				Out:           ml.Zeros(ml.DTypeF32, nd, p.NumHeads, parts, p.HeadDim),
				ExpSums:       ml.Zeros(ml.DTypeF32, nd, p.NumHeads, parts),
				MaxLogits:     ml.Zeros(ml.DTypeF32, nd, p.NumHeads, parts),
			}
			res, err = d.backend.PagedAttentionPartitioned(qd, keyCache, valueCache, params, scratch)
		}
		if err != nil {
			return nil, err
		}

		out.CopyFrom(meta.NumPrefillTokens*width, res, 0, nd*width)
	}

	return out, nil
}
