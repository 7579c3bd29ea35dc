package cpu

import (
	"math"

	"github.com/quarry-ml/quarry/ml"
)

// headAccum accumulates attention for one (query, head) pair with an
// online softmax so scores are never materialized for the full
// context at once.
type headAccum struct {
	maxLogit float32
	expSum   float32
	acc      []float32
}

func newHeadAccum(headDim int) *headAccum {
	return &headAccum{maxLogit: float32(math.Inf(-1)), acc: make([]float32, headDim)}
}

func (a *headAccum) push(logit float32, value []float32) {
	m := a.maxLogit
	if logit > m {
		m = logit
	}

	correction := float32(math.Exp(float64(a.maxLogit - m)))
	w := float32(math.Exp(float64(logit - m)))

	a.expSum = a.expSum*correction + w
	for i, v := range value {
		a.acc[i] = a.acc[i]*correction + w*v
	}

	a.maxLogit = m
}

func (a *headAccum) finish(out []float32) {
	if a.expSum == 0 {
		clear(out)
		return
	}

	inv := 1 / a.expSum
	for i, v := range a.acc {
		out[i] = v * inv
	}
}

func dot(a, b []float32) float32 {
	var s float32
	for i, v := range a {
		s += v * b[i]
	}

	return s
}

func (*Backend) DenseCausal(q, k, v *ml.Tensor, p ml.AttnParams) (*ml.Tensor, error) {
	if err := ml.CheckRank(q, 2, "query"); err != nil {
		return nil, err
	}

	n := q.Dim(0)
	if q.Dim(1) != p.NumHeads*p.HeadDim {
		return nil, ml.ShapeErrorf("query shape %v does not fit %d heads of size %d", q.Shape(), p.NumHeads, p.HeadDim)
	}
	if k.Dim(0) != n || v.Dim(0) != n || k.Dim(1) != p.NumKVHeads*p.HeadDim || v.Dim(1) != p.NumKVHeads*p.HeadDim {
		return nil, ml.ShapeErrorf("key %v / value %v do not match query %v", k.Shape(), v.Shape(), q.Shape())
	}

	qf, kf, vf := q.Floats(), k.Floats(), v.Floats()
	out := ml.Zeros(ml.DTypeF32, n, p.NumHeads*p.HeadDim)
	outf := out.Floats()

	d := p.HeadDim
	qw, kw := p.NumHeads*d, p.NumKVHeads*d
	for i := 0; i < n; i++ {
		for h := 0; h < p.NumHeads; h++ {
			kvh := h / p.KVGroup()
			qv := qf[i*qw+h*d : i*qw+(h+1)*d]

			acc := newHeadAccum(d)
			for j := 0; j <= i; j++ {
				logit := p.Scale * dot(qv, kf[j*kw+kvh*d:j*kw+(kvh+1)*d])
				acc.push(logit, vf[j*kw+kvh*d:j*kw+(kvh+1)*d])
			}

			acc.finish(outf[i*qw+h*d : i*qw+(h+1)*d])
		}
	}

	out.WriteFloats(outf, 0)
	return out, nil
}

func (b *Backend) VarLenAttention(q, k, v *ml.Tensor, p ml.VarLenParams) (*ml.Tensor, error) {
	if err := ml.CheckRank(q, 2, "query"); err != nil {
		return nil, err
	}

	numSeqs := len(p.QueryStartLocs) - 1
	total := int(p.QueryStartLocs[numSeqs])
	if q.Dim(0) != total || k.Dim(0) != total || v.Dim(0) != total {
		return nil, ml.ShapeErrorf("packed tensors must carry %d rows, got q %v k %v v %v",
			total, q.Shape(), k.Shape(), v.Shape())
	}

	var g cacheGeometry
	var tables []int32
	tableWidth := 0
	if p.BlockTables != nil {
		var err error
		if g, err = cacheGeometryOf(p.KeyCache, p.ValueCache); err != nil {
			return nil, err
		}

		tables = p.BlockTables.Ints()
		tableWidth = p.BlockTables.Dim(1)
	}

	qf, kf, vf := q.Floats(), k.Floats(), v.Floats()
	out := ml.Zeros(ml.DTypeF32, total, p.NumHeads*p.HeadDim)
	outf := out.Floats()

	d := p.HeadDim
	qw, kw := p.NumHeads*d, p.NumKVHeads*d
	key := make([]float32, d)
	val := make([]float32, d)

	for s := 0; s < numSeqs; s++ {
		qs, qe := int(p.QueryStartLocs[s]), int(p.QueryStartLocs[s+1])
		ctx := 0
		if p.ContextLens != nil {
			ctx = int(p.ContextLens[s])
		}
		if ctx > 0 && p.BlockTables == nil {
			return nil, ml.ShapeErrorf("sequence %d has %d context tokens but no block table", s, ctx)
		}
		if int(p.SeqLens[s]) != ctx+(qe-qs) {
			return nil, ml.ShapeErrorf("sequence %d length %d does not cover %d context plus %d new tokens",
				s, p.SeqLens[s], ctx, qe-qs)
		}

		for i := qs; i < qe; i++ {
			pos := ctx + (i - qs)
			for h := 0; h < p.NumHeads; h++ {
				kvh := h / p.KVGroup()
				qv := qf[i*qw+h*d : i*qw+(h+1)*d]

				acc := newHeadAccum(d)
				for j := 0; j <= pos; j++ {
					if j < ctx {
						block := int(tables[s*tableWidth+j/g.blockSize])
						off := j % g.blockSize
						for e := 0; e < d; e++ {
							key[e] = g.keyAt(p.KeyCache, block, kvh, off, e)
							val[e] = g.valueAt(p.ValueCache, block, kvh, off, e)
						}
						acc.push(p.Scale*dot(qv, key), val)
					} else {
						row := qs + (j - ctx)
						logit := p.Scale * dot(qv, kf[row*kw+kvh*d:row*kw+(kvh+1)*d])
						acc.push(logit, vf[row*kw+kvh*d:row*kw+(kvh+1)*d])
					}
				}

				acc.finish(outf[i*qw+h*d : i*qw+(h+1)*d])
			}
		}
	}

	out.WriteFloats(outf, 0)
	return out, nil
}
