package ml

import (
	"fmt"
	"math"
)

// Elementwise and matrix ops over F32 tensors. These back the neural
// net layers; the attention kernels live in ml/backend.

// Add returns t + other. other either matches t's shape or is a
// vector broadcast over t's trailing dimension, which covers bias
// addition without a separate op.
func (t *Tensor) Add(other *Tensor) *Tensor {
	a, b := t.data32(), other.data32()

	out := Zeros(DTypeF32, t.shape...)
	switch {
	case len(a) == len(b):
		for i, v := range a {
			out.f32[i] = v + b[i]
		}
	case len(a)%len(b) == 0 && other.Rank() == 1:
		for i, v := range a {
			out.f32[i] = v + b[i%len(b)]
		}
	default:
		panic(fmt.Errorf("%w: add %v and %v", ErrShapeMismatch, t.shape, other.shape))
	}

	return out
}

// Mul returns the elementwise product t * other.
func (t *Tensor) Mul(other *Tensor) *Tensor {
	a, b := t.data32(), other.data32()
	if len(a) != len(b) {
		panic(fmt.Errorf("%w: mul %v and %v", ErrShapeMismatch, t.shape, other.shape))
	}

	out := Zeros(DTypeF32, t.shape...)
	for i, v := range a {
		out.f32[i] = v * b[i]
	}

	return out
}

func (t *Tensor) Scale(s float32) *Tensor {
	out := Zeros(DTypeF32, t.shape...)
	for i, v := range t.data32() {
		out.f32[i] = v * s
	}

	return out
}

// Matmul multiplies t [n, in] by the transpose of w [out, in],
// producing [n, out]. Weights are stored row-per-output so both
// operands are walked along contiguous rows.
func (t *Tensor) Matmul(w *Tensor) *Tensor {
	if t.Rank() != 2 || w.Rank() != 2 || t.Dim(1) != w.Dim(1) {
		panic(fmt.Errorf("%w: matmul %v and %v", ErrShapeMismatch, t.shape, w.shape))
	}

	n, in, outDim := t.Dim(0), t.Dim(1), w.Dim(0)
	a, b := t.data32(), w.data32()

	out := Zeros(DTypeF32, n, outDim)
	for i := 0; i < n; i++ {
		row := a[i*in : (i+1)*in]
		for o := 0; o < outDim; o++ {
			out.f32[i*outDim+o] = dot32(row, b[o*in:(o+1)*in])
		}
	}

	return out
}

// Rows gathers rows of t [n, d] by index, producing [len(idx), d].
func (t *Tensor) Rows(idx []int32) *Tensor {
	if t.Rank() != 2 {
		panic(fmt.Errorf("%w: rows of rank %d tensor", ErrShapeMismatch, t.Rank()))
	}

	d := t.Dim(1)
	out := Zeros(DTypeF32, len(idx), d)
	for i, r := range idx {
		if r < 0 || int(r) >= t.Dim(0) {
			panic(fmt.Errorf("%w: row %d out of %d", ErrShapeMismatch, r, t.Dim(0)))
		}

		copy(out.f32[i*d:(i+1)*d], t.data32()[int(r)*d:(int(r)+1)*d])
	}

	return out
}

// RMSNorm normalizes each trailing-dimension row of t by its root
// mean square and scales by weight.
func (t *Tensor) RMSNorm(weight *Tensor, eps float32) *Tensor {
	d := t.Dim(t.Rank() - 1)
	w := weight.data32()
	if len(w) != d {
		panic(fmt.Errorf("%w: rmsnorm weight %v over %v", ErrShapeMismatch, weight.shape, t.shape))
	}

	a := t.data32()
	out := Zeros(DTypeF32, t.shape...)
	for off := 0; off < len(a); off += d {
		row := a[off : off+d]
		ss := dot32(row, row)
		inv := float32(1 / math.Sqrt(float64(ss)/float64(d)+float64(eps)))
		for i, v := range row {
			out.f32[off+i] = v * inv * w[i]
		}
	}

	return out
}

// SILU applies x * sigmoid(x) elementwise.
func (t *Tensor) SILU() *Tensor {
	out := Zeros(DTypeF32, t.shape...)
	for i, v := range t.data32() {
		out.f32[i] = v / (1 + float32(math.Exp(float64(-v))))
	}

	return out
}

func dot32(a, b []float32) float32 {
	var s float32
	for i, v := range a {
		s += v * b[i]
	}

	return s
}
