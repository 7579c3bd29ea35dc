package ml

import (
	"fmt"
	"sync"
)

// AttnParams carries the head geometry shared by every attention
// kernel. NumHeads must be a multiple of NumKVHeads; the kernels map
// query head h to kv head h / (NumHeads / NumKVHeads).
type AttnParams struct {
	NumHeads   int
	NumKVHeads int
	HeadDim    int
	Scale      float32
}

func (p AttnParams) KVGroup() int {
	return p.NumHeads / p.NumKVHeads
}

// VarLenParams describes a batch of variable-length prefill sequences
// packed along the token dimension. QueryStartLocs and SeqStartLocs
// are cumulative offsets of length numSeqs+1 starting at 0. When a
// sequence carries prior context (ContextLens[i] > 0) the kernel
// gathers it from KeyCache/ValueCache through BlockTables.
type VarLenParams struct {
	AttnParams

	QueryStartLocs []int32
	SeqStartLocs   []int32
	SeqLens        []int32
	ContextLens    []int32
	MaxQueryLen    int
	MaxSeqLen      int

	KeyCache    *Tensor
	ValueCache  *Tensor
	BlockTables *Tensor
	BlockSize   int
}

// PagedParams describes a decode batch of one query token per
// sequence reading keys and values out of the paged cache.
type PagedParams struct {
	AttnParams

	BlockTables *Tensor
	SeqLens     []int32
	MaxSeqLen   int
	BlockSize   int
}

// PartitionScratch holds the intermediate buffers for the two-pass
// paged kernel. Out is [numSeqs, numHeads, numPartitions, headDim];
// ExpSums and MaxLogits are [numSeqs, numHeads, numPartitions].
type PartitionScratch struct {
	PartitionSize int

	Out       *Tensor
	ExpSums   *Tensor
	MaxLogits *Tensor
}

// Backend implements the attention and cache maintenance kernels over
// host tensors. Implementations register themselves with
// RegisterBackend in an init function.
type Backend interface {
	Name() string

	// DenseCausal runs causal self attention over a single sequence
	// with q, k, v shaped [numTokens, numHeads*headDim] (k and v with
	// NumKVHeads). It is the reference the paged kernels are checked
	// against.
	DenseCausal(q, k, v *Tensor, p AttnParams) (*Tensor, error)

	// VarLenAttention runs causal attention over packed prefill
	// sequences, optionally extending each sequence with cached
	// context.
	VarLenAttention(q, k, v *Tensor, p VarLenParams) (*Tensor, error)

	// PagedAttention runs the single-pass decode kernel. q is
	// [numSeqs, numHeads*headDim], the caches follow the paged
	// layouts, and the output matches q's shape.
	PagedAttention(q, keyCache, valueCache *Tensor, p PagedParams) (*Tensor, error)

	// PagedAttentionPartitioned runs the two-pass decode kernel,
	// reducing per-partition partial results through scratch.
	PagedAttentionPartitioned(q, keyCache, valueCache *Tensor, p PagedParams, scratch *PartitionScratch) (*Tensor, error)

	// ReshapeAndCache scatters key and value rows
	// [numTokens, numKVHeads*headDim] into the caches at the flat
	// slots named by slotMapping (i64, [numTokens]). The write is
	// staged: either every row lands or the caches are untouched.
	ReshapeAndCache(key, value, keyCache, valueCache, slotMapping *Tensor) error

	// CopyBlocks copies src block contents onto dst blocks within
	// each cache pair, in order.
	CopyBlocks(keyCaches, valueCaches []*Tensor, pairs [][2]int32) error

	// SwapBlocks copies blocks between two caches that may live in
	// different memory tiers.
	SwapBlocks(srcKey, srcValue, dstKey, dstValue *Tensor, pairs [][2]int32) error
}

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]func() Backend)
)

func RegisterBackend(name string, f func() Backend) {
	backendsMu.Lock()
	defer backendsMu.Unlock()

	if _, ok := backends[name]; ok {
		panic("backend: " + name + " already registered")
	}

	backends[name] = f
}

func NewBackend(name string) (Backend, error) {
	backendsMu.RLock()
	f, ok := backends[name]
	backendsMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: unknown backend %q", ErrUnsupportedConfiguration, name)
	}

	return f(), nil
}
