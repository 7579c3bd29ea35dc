package nn

import (
	"math"

	"github.com/quarry-ml/quarry/ml"
)

// RopeScaling extends the rotary embedding's usable context by
// rescaling low frequency components, following the llama3 scheme.
type RopeScaling struct {
	Factor                float32
	LowFreqFactor         float32
	HighFreqFactor        float32
	OriginalContextLength int
}

// RotaryEmbedding precomputes cosine and sine tables for every
// position up to a fixed horizon and applies them to half-rotated
// query and key heads.
type RotaryEmbedding struct {
	dim    int
	maxPos int
	cos    []float32
	sin    []float32
}

func NewRotaryEmbedding(dim, maxPos int, base float32, scaling *RopeScaling) *RotaryEmbedding {
	half := dim / 2
	invFreq := make([]float64, half)
	for i := range invFreq {
		invFreq[i] = 1 / math.Pow(float64(base), float64(2*i)/float64(dim))
	}

	if scaling != nil && scaling.Factor != 0 {
		lowWavelen := float64(scaling.OriginalContextLength) / float64(scaling.LowFreqFactor)
		highWavelen := float64(scaling.OriginalContextLength) / float64(scaling.HighFreqFactor)
		for i, f := range invFreq {
			wavelen := 2 * math.Pi / f
			switch {
			case wavelen < highWavelen:
				// high frequency, keep as is
			case wavelen > lowWavelen:
				invFreq[i] = f / float64(scaling.Factor)
			default:
				smooth := (float64(scaling.OriginalContextLength)/wavelen - float64(scaling.LowFreqFactor)) /
					float64(scaling.HighFreqFactor-scaling.LowFreqFactor)
				invFreq[i] = (1-smooth)*f/float64(scaling.Factor) + smooth*f
			}
		}
	}

	r := &RotaryEmbedding{
		dim:    dim,
		maxPos: maxPos,
		cos:    make([]float32, maxPos*half),
		sin:    make([]float32, maxPos*half),
	}

	for pos := 0; pos < maxPos; pos++ {
		for i, f := range invFreq {
			angle := float64(pos) * f
			r.cos[pos*half+i] = float32(math.Cos(angle))
			r.sin[pos*half+i] = float32(math.Sin(angle))
		}
	}

	return r
}

// Forward rotates each head of x [n, numHeads*dim] by the angle of
// its absolute position. positions must be an i64 tensor of shape
// [1, n]; anything else is a shape error, not a silent reshape.
func (r *RotaryEmbedding) Forward(x, positions *ml.Tensor, numHeads int) (*ml.Tensor, error) {
	if positions.Rank() != 2 || positions.Dim(0) != 1 {
		return nil, ml.ShapeErrorf("positions must have shape [1, n], got %v", positions.Shape())
	}
	if positions.DType() != ml.DTypeI64 {
		return nil, ml.ShapeErrorf("positions must be i64, got %v", positions.DType())
	}

	n := x.Dim(0)
	if positions.Dim(1) != n {
		return nil, ml.ShapeErrorf("%d positions for %d tokens", positions.Dim(1), n)
	}
	if x.Dim(1) != numHeads*r.dim {
		return nil, ml.ShapeErrorf("input shape %v does not fit %d heads of size %d", x.Shape(), numHeads, r.dim)
	}

	pos := positions.Int64s()
	half := r.dim / 2
	xf := x.Floats()
	out := ml.Zeros(ml.DTypeF32, n, numHeads*r.dim)
	outf := out.Floats()

	width := numHeads * r.dim
	for t := 0; t < n; t++ {
		p := int(pos[t])
		if p < 0 || p >= r.maxPos {
			return nil, ml.ShapeErrorf("position %d outside precomputed horizon %d", p, r.maxPos)
		}

		cosRow := r.cos[p*half : (p+1)*half]
		sinRow := r.sin[p*half : (p+1)*half]
		for h := 0; h < numHeads; h++ {
			base := t*width + h*r.dim
			for i := 0; i < half; i++ {
				a, b := xf[base+i], xf[base+half+i]
				outf[base+i] = a*cosRow[i] - b*sinRow[i]
				outf[base+half+i] = b*cosRow[i] + a*sinRow[i]
			}
		}
	}

	out.WriteFloats(outf, 0)
	return out, nil
}
