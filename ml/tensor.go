package ml

import (
	"fmt"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// Tensor is a dense row-major host-side tensor. Storage is typed by
// dtype: float tensors narrower than 32 bits keep their raw bit
// patterns and convert on access, which is what the paged KV cache
// needs to exercise the on-device cache layouts faithfully.
type Tensor struct {
	dtype DType
	mem   Memory
	shape []int

	f32 []float32
	u16 []uint16
	i32 []int32
	i64 []int64
}

func Zeros(dtype DType, shape ...int) *Tensor {
	return ZerosIn(DeviceMemory, dtype, shape...)
}

func ZerosIn(mem Memory, dtype DType, shape ...int) *Tensor {
	t := &Tensor{dtype: dtype, mem: mem, shape: slices.Clone(shape)}

	n := t.Elems()
	switch dtype {
	case DTypeF32:
		t.f32 = make([]float32, n)
	case DTypeF16, DTypeBF16:
		t.u16 = make([]uint16, n)
	case DTypeI32:
		t.i32 = make([]int32, n)
	case DTypeI64:
		t.i64 = make([]int64, n)
	default:
		panic(fmt.Errorf("%w: cannot allocate dtype %v", ErrUnsupportedConfiguration, dtype))
	}

	return t
}

func FromFloats(s []float32, shape ...int) *Tensor {
	t := Zeros(DTypeF32, shape...)
	if len(s) != t.Elems() {
		panic(fmt.Errorf("%w: %d elements for shape %v", ErrShapeMismatch, len(s), shape))
	}

	copy(t.f32, s)
	return t
}

func FromInts(s []int32, shape ...int) *Tensor {
	t := Zeros(DTypeI32, shape...)
	if len(s) != t.Elems() {
		panic(fmt.Errorf("%w: %d elements for shape %v", ErrShapeMismatch, len(s), shape))
	}

	copy(t.i32, s)
	return t
}

func FromInt64s(s []int64, shape ...int) *Tensor {
	t := Zeros(DTypeI64, shape...)
	if len(s) != t.Elems() {
		panic(fmt.Errorf("%w: %d elements for shape %v", ErrShapeMismatch, len(s), shape))
	}

	copy(t.i64, s)
	return t
}

func (t *Tensor) DType() DType   { return t.dtype }
func (t *Tensor) Memory() Memory { return t.mem }
func (t *Tensor) Rank() int      { return len(t.shape) }

func (t *Tensor) Shape() []int {
	return slices.Clone(t.shape)
}

func (t *Tensor) Dim(n int) int {
	return t.shape[n]
}

func (t *Tensor) Elems() int {
	n := 1
	for _, d := range t.shape {
		n *= d
	}

	return n
}

// Reshape returns a view over the same storage with a new shape. The
// element count must be preserved; there is no implicit resizing.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	out := *t
	out.shape = slices.Clone(shape)
	if out.Elems() != t.Elems() {
		panic(fmt.Errorf("%w: reshape %v to %v", ErrShapeMismatch, t.shape, shape))
	}

	return &out
}

// At reads one element as float32, converting from the storage dtype.
func (t *Tensor) At(i int) float32 {
	switch t.dtype {
	case DTypeF32:
		return t.f32[i]
	case DTypeF16:
		return float16.Frombits(t.u16[i]).Float32()
	case DTypeBF16:
		return bfloat16.ToFloat32(bfloat16.BF16(t.u16[i]))
	case DTypeI32:
		return float32(t.i32[i])
	case DTypeI64:
		return float32(t.i64[i])
	default:
		panic(fmt.Errorf("%w: read of dtype %v", ErrUnsupportedConfiguration, t.dtype))
	}
}

// Set writes one element, converting to the storage dtype.
func (t *Tensor) Set(i int, v float32) {
	switch t.dtype {
	case DTypeF32:
		t.f32[i] = v
	case DTypeF16:
		t.u16[i] = float16.Fromfloat32(v).Bits()
	case DTypeBF16:
		t.u16[i] = uint16(bfloat16.FromFloat32(v))
	case DTypeI32:
		t.i32[i] = int32(v)
	case DTypeI64:
		t.i64[i] = int64(v)
	default:
		panic(fmt.Errorf("%w: write of dtype %v", ErrUnsupportedConfiguration, t.dtype))
	}
}

// ReadFloats decodes len(dst) elements starting at off into dst.
func (t *Tensor) ReadFloats(dst []float32, off int) {
	if t.dtype == DTypeF32 {
		copy(dst, t.f32[off:off+len(dst)])
		return
	}

	for i := range dst {
		dst[i] = t.At(off + i)
	}
}

// WriteFloats encodes src into the tensor starting at off.
func (t *Tensor) WriteFloats(src []float32, off int) {
	if t.dtype == DTypeF32 {
		copy(t.f32[off:off+len(src)], src)
		return
	}

	for i, v := range src {
		t.Set(off+i, v)
	}
}

// Floats decodes the full tensor to float32.
func (t *Tensor) Floats() []float32 {
	out := make([]float32, t.Elems())
	t.ReadFloats(out, 0)
	return out
}

// Ints returns a copy of an I32 tensor's elements.
func (t *Tensor) Ints() []int32 {
	if t.dtype != DTypeI32 {
		panic(fmt.Errorf("%w: Ints on dtype %v", ErrUnsupportedConfiguration, t.dtype))
	}

	return slices.Clone(t.i32)
}

// Int64s returns a copy of an I64 tensor's elements.
func (t *Tensor) Int64s() []int64 {
	if t.dtype != DTypeI64 {
		panic(fmt.Errorf("%w: Int64s on dtype %v", ErrUnsupportedConfiguration, t.dtype))
	}

	return slices.Clone(t.i64)
}

// RowSlice returns rows [start, end) of a rank-2 tensor as a view
// over the same storage.
func (t *Tensor) RowSlice(start, end int) *Tensor {
	if t.Rank() != 2 || start < 0 || end < start || end > t.Dim(0) {
		panic(fmt.Errorf("%w: rows [%d, %d) of %v", ErrShapeMismatch, start, end, t.shape))
	}

	width := t.Dim(1)
	out := &Tensor{dtype: t.dtype, mem: t.mem, shape: []int{end - start, width}}
	lo, hi := start*width, end*width
	switch t.dtype {
	case DTypeF32:
		out.f32 = t.f32[lo:hi]
	case DTypeF16, DTypeBF16:
		out.u16 = t.u16[lo:hi]
	case DTypeI32:
		out.i32 = t.i32[lo:hi]
	case DTypeI64:
		out.i64 = t.i64[lo:hi]
	}

	return out
}

// CopyFrom copies n elements from src starting at srcOff into t
// starting at dstOff. Same-dtype copies move raw storage, so packed
// F16 and BF16 bits survive a copy between memory tiers untouched.
func (t *Tensor) CopyFrom(dstOff int, src *Tensor, srcOff, n int) {
	if t.dtype == src.dtype {
		switch t.dtype {
		case DTypeF32:
			copy(t.f32[dstOff:dstOff+n], src.f32[srcOff:srcOff+n])
		case DTypeF16, DTypeBF16:
			copy(t.u16[dstOff:dstOff+n], src.u16[srcOff:srcOff+n])
		case DTypeI32:
			copy(t.i32[dstOff:dstOff+n], src.i32[srcOff:srcOff+n])
		case DTypeI64:
			copy(t.i64[dstOff:dstOff+n], src.i64[srcOff:srcOff+n])
		}
		return
	}

	for i := 0; i < n; i++ {
		t.Set(dstOff+i, src.At(srcOff+i))
	}
}

// data32 exposes F32 storage to the op implementations.
func (t *Tensor) data32() []float32 {
	if t.dtype != DTypeF32 {
		panic(fmt.Errorf("%w: op requires f32 storage, got %v", ErrUnsupportedConfiguration, t.dtype))
	}

	return t.f32
}
