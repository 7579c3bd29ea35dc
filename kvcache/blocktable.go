package kvcache

import (
	"slices"

	"github.com/quarry-ml/quarry/ml"
)

// BlockTable maps a sequence's logical block indices to physical
// blocks in a store. The table only records indices handed to it;
// allocation and free-list policy belong to the scheduler.
type BlockTable struct {
	blockSize int
	blocks    []int32
}

func NewBlockTable(blockSize int) *BlockTable {
	return &BlockTable{blockSize: blockSize}
}

func (t *BlockTable) Append(block int32) {
	t.blocks = append(t.blocks, block)
}

func (t *BlockTable) Len() int { return len(t.blocks) }

func (t *BlockTable) Blocks() []int32 {
	return slices.Clone(t.blocks)
}

// BlocksNeeded returns the table length required to cover contextLen
// tokens.
func (t *BlockTable) BlocksNeeded(contextLen int) int {
	return (contextLen + t.blockSize - 1) / t.blockSize
}

// Covers reports whether the table is long enough for contextLen
// tokens.
func (t *BlockTable) Covers(contextLen int) bool {
	return len(t.blocks) >= t.BlocksNeeded(contextLen)
}

// Slot maps one token position to its flat physical slot.
func (t *BlockTable) Slot(pos int) (int64, error) {
	if pos < 0 || pos/t.blockSize >= len(t.blocks) {
		return 0, ml.ShapeErrorf("position %d not covered by block table of %d blocks", pos, len(t.blocks))
	}

	return int64(t.blocks[pos/t.blockSize])*int64(t.blockSize) + int64(pos%t.blockSize), nil
}

// PackTables flattens tables into the [numSeqs, maxLen] i32 tensor
// the decode kernels index. Rows shorter than the widest table are
// padded with -1; kernels never read past a sequence's length so the
// padding is inert, but a negative value fails loudly if they do.
func PackTables(tables []*BlockTable) *ml.Tensor {
	width := 1
	for _, t := range tables {
		width = max(width, t.Len())
	}

	flat := make([]int32, len(tables)*width)
	for i, t := range tables {
		row := flat[i*width : (i+1)*width]
		for j := range row {
			row[j] = -1
		}

		copy(row, t.blocks)
	}

	return ml.FromInts(flat, len(tables), width)
}
