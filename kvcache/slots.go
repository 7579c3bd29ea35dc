package kvcache

import (
	"github.com/quarry-ml/quarry/ml"
)

// SlotRange names the tokens one sequence contributes to a batch:
// Count tokens starting at absolute position Start, mapped through
// the sequence's block table.
type SlotRange struct {
	Table *BlockTable
	Start int
	Count int
}

// BuildSlotMapping computes the per-token physical slots for a
// flattened batch, in batch token order. Every position must already
// be covered by its table; there is no implicit allocation here.
func BuildSlotMapping(ranges []SlotRange) (*ml.Tensor, error) {
	total := 0
	for _, r := range ranges {
		total += r.Count
	}

	slots := make([]int64, 0, total)
	for i, r := range ranges {
		if r.Table == nil || r.Table.Len() == 0 {
			return nil, ml.ShapeErrorf("sequence %d has no allocated blocks", i)
		}

		for p := r.Start; p < r.Start+r.Count; p++ {
			slot, err := r.Table.Slot(p)
			if err != nil {
				return nil, err
			}

			slots = append(slots, slot)
		}
	}

	return ml.FromInt64s(slots, total), nil
}
