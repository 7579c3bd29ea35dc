package ml

import "fmt"

type DType int

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeBF16
	DTypeI32
	DTypeI64
)

func (t DType) String() string {
	switch t {
	case DTypeF32:
		return "f32"
	case DTypeF16:
		return "f16"
	case DTypeBF16:
		return "bf16"
	case DTypeI32:
		return "i32"
	case DTypeI64:
		return "i64"
	default:
		return fmt.Sprintf("dtype(%d)", int(t))
	}
}

// Size returns the width of one element in bytes.
func (t DType) Size() int {
	switch t {
	case DTypeF32, DTypeI32:
		return 4
	case DTypeF16, DTypeBF16:
		return 2
	case DTypeI64:
		return 8
	default:
		return 0
	}
}

// Pack returns the vector-pack factor x for the key cache layout
// [numBlocks, numKVHeads, headDim/x, blockSize, x]. It is the number
// of elements that fill a 16 byte vector for the dtype.
func (t DType) Pack() int {
	return 16 / t.Size()
}

// IsFloat reports whether t is one of the cache-storable float dtypes.
func (t DType) IsFloat() bool {
	return t == DTypeF32 || t == DTypeF16 || t == DTypeBF16
}
