// Package attention builds the per-batch metadata that distinguishes
// prefill tokens from decode tokens and dispatches each portion to
// the matching kernel variant.
package attention

import (
	"errors"
	"fmt"

	"github.com/quarry-ml/quarry/kvcache"
	"github.com/quarry-ml/quarry/ml"
)

// ErrInconsistentMetadata indicates that the batch bookkeeping does
// not add up. It is raised during construction or validation, always
// before any kernel runs.
var ErrInconsistentMetadata = errors.New("inconsistent attention metadata")

func metaErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInconsistentMetadata, fmt.Sprintf(format, args...))
}

// Sequence is one sequence's contribution to a batch. ContextLen
// counts tokens already resident in the cache; NumNew counts the
// tokens arriving this pass. Decode sequences contribute exactly one
// new token.
type Sequence struct {
	Table      *kvcache.BlockTable
	ContextLen int
	NumNew     int
	Decode     bool
}

// PrefillMetadata describes the prefill portion of a batch: packed
// variable-length sequences, with cumulative start offsets and,
// when any sequence extends prior cached context, the block tables
// to gather that context through.
type PrefillMetadata struct {
	QueryStartLocs []int32
	SeqStartLocs   []int32
	SeqLens        []int32
	ContextLens    []int32
	MaxQueryLen    int
	MaxSeqLen      int
	BlockTables    *ml.Tensor
}

// DecodeMetadata describes the decode portion: one token per
// sequence attending over its full cached context.
type DecodeMetadata struct {
	BlockTables *ml.Tensor
	SeqLens     []int32
	MaxSeqLen   int
}

// Metadata is the complete bookkeeping for one forward pass. Prefill
// tokens always precede decode tokens in the flattened batch; either
// section may be nil when its token count is zero.
type Metadata struct {
	NumPrefillTokens int
	NumDecodeTokens  int
	SlotMapping      *ml.Tensor

	Prefill *PrefillMetadata
	Decode  *DecodeMetadata
}

// NoWork reports whether the batch carries no tokens at all, the
// only state in which a forward call may return without touching
// the device.
func (m *Metadata) NoWork() bool {
	return m.NumPrefillTokens == 0 && m.NumDecodeTokens == 0
}

func (m *Metadata) totalTokens() int {
	return m.NumPrefillTokens + m.NumDecodeTokens
}

// Build assembles metadata from per-sequence bookkeeping. Sequences
// must arrive with every prefill entry before the first decode
// entry, matching the order their tokens take in the flattened
// batch.
func Build(seqs []Sequence, blockSize int) (*Metadata, error) {
	var (
		prefill []Sequence
		decode  []Sequence
	)

	for i, s := range seqs {
		if s.Decode {
			decode = append(decode, s)
			continue
		}

		if len(decode) > 0 {
			return nil, metaErrorf("prefill sequence %d ordered after a decode sequence", i)
		}
		prefill = append(prefill, s)
	}

	m := &Metadata{}
	var ranges []kvcache.SlotRange

	if len(prefill) > 0 {
		p := &PrefillMetadata{
			QueryStartLocs: make([]int32, 1, len(prefill)+1),
			SeqStartLocs:   make([]int32, 1, len(prefill)+1),
		}

		anyContext := false
		var tables []*kvcache.BlockTable
		for i, s := range prefill {
			if s.NumNew <= 0 {
				return nil, metaErrorf("prefill sequence %d contributes %d tokens", i, s.NumNew)
			}

			seqLen := s.ContextLen + s.NumNew
			if s.Table == nil || !s.Table.Covers(seqLen) {
				return nil, metaErrorf("prefill sequence %d needs blocks for %d tokens, table covers %d",
					i, seqLen, tableLen(s.Table))
			}
			if s.ContextLen > 0 {
				anyContext = true
			}

			p.QueryStartLocs = append(p.QueryStartLocs, p.QueryStartLocs[i]+int32(s.NumNew))
			p.SeqStartLocs = append(p.SeqStartLocs, p.SeqStartLocs[i]+int32(seqLen))
			p.SeqLens = append(p.SeqLens, int32(seqLen))
			p.ContextLens = append(p.ContextLens, int32(s.ContextLen))
			p.MaxQueryLen = max(p.MaxQueryLen, s.NumNew)
			p.MaxSeqLen = max(p.MaxSeqLen, seqLen)

			tables = append(tables, s.Table)
			ranges = append(ranges, kvcache.SlotRange{Table: s.Table, Start: s.ContextLen, Count: s.NumNew})
			m.NumPrefillTokens += s.NumNew
		}

		if anyContext {
			p.BlockTables = kvcache.PackTables(tables)
		}

		m.Prefill = p
	}

	if len(decode) > 0 {
		d := &DecodeMetadata{}

		var tables []*kvcache.BlockTable
		for i, s := range decode {
			if s.NumNew != 1 {
				return nil, metaErrorf("decode sequence %d contributes %d tokens, want exactly 1", i, s.NumNew)
			}

			seqLen := s.ContextLen + 1
			if s.Table == nil || s.Table.Len() == 0 || !s.Table.Covers(seqLen) {
				return nil, metaErrorf("decode sequence %d needs blocks for %d tokens, table covers %d",
					i, seqLen, tableLen(s.Table))
			}

			d.SeqLens = append(d.SeqLens, int32(seqLen))
			d.MaxSeqLen = max(d.MaxSeqLen, seqLen)

			tables = append(tables, s.Table)
			ranges = append(ranges, kvcache.SlotRange{Table: s.Table, Start: s.ContextLen, Count: 1})
			m.NumDecodeTokens++
		}

		d.BlockTables = kvcache.PackTables(tables)
		m.Decode = d
	}

	if m.NoWork() {
		return m, nil
	}

	slots, err := kvcache.BuildSlotMapping(ranges)
	if err != nil {
		return nil, err
	}
	m.SlotMapping = slots

	return m, m.Validate()
}

func tableLen(t *kvcache.BlockTable) int {
	if t == nil {
		return 0
	}

	return t.Len()
}

// Validate cross-checks the declared token counts against both
// sections and the slot mapping.
func (m *Metadata) Validate() error {
	if m.NoWork() {
		return nil
	}
	if m.NumPrefillTokens < 0 || m.NumDecodeTokens < 0 {
		return metaErrorf("negative token counts %d/%d", m.NumPrefillTokens, m.NumDecodeTokens)
	}

	if m.Prefill != nil {
		p := m.Prefill
		n := len(p.SeqLens)
		if len(p.QueryStartLocs) != n+1 || len(p.SeqStartLocs) != n+1 || len(p.ContextLens) != n {
			return metaErrorf("prefill arrays disagree on sequence count")
		}
		if p.QueryStartLocs[0] != 0 || p.SeqStartLocs[0] != 0 {
			return metaErrorf("cumulative offsets must start at 0")
		}
		for i := 0; i < n; i++ {
			if p.QueryStartLocs[i+1] < p.QueryStartLocs[i] || p.SeqStartLocs[i+1] < p.SeqStartLocs[i] {
				return metaErrorf("cumulative offsets must be monotonically increasing")
			}
			if p.SeqLens[i] != p.ContextLens[i]+(p.QueryStartLocs[i+1]-p.QueryStartLocs[i]) {
				return metaErrorf("prefill sequence %d length %d does not equal context %d plus query tokens",
					i, p.SeqLens[i], p.ContextLens[i])
			}
		}
		if int(p.QueryStartLocs[n]) != m.NumPrefillTokens {
			return metaErrorf("prefill declares %d tokens but offsets cover %d", m.NumPrefillTokens, p.QueryStartLocs[n])
		}
	} else if m.NumPrefillTokens != 0 {
		return metaErrorf("%d prefill tokens without prefill metadata", m.NumPrefillTokens)
	}

	if m.Decode != nil {
		if len(m.Decode.SeqLens) != m.NumDecodeTokens {
			return metaErrorf("decode declares %d tokens but %d sequences", m.NumDecodeTokens, len(m.Decode.SeqLens))
		}
		if m.Decode.BlockTables == nil {
			return metaErrorf("decode section missing block tables")
		}
	} else if m.NumDecodeTokens != 0 {
		return metaErrorf("%d decode tokens without decode metadata", m.NumDecodeTokens)
	}

	if m.SlotMapping == nil || m.SlotMapping.Elems() != m.totalTokens() {
		return metaErrorf("slot mapping covers %d tokens, batch has %d", slotLen(m.SlotMapping), m.totalTokens())
	}

	return nil
}

func slotLen(t *ml.Tensor) int {
	if t == nil {
		return 0
	}

	return t.Elems()
}
