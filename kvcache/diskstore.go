package kvcache

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/quarry-ml/quarry/ml"
)

// Block snapshots let a host-tier store spill cold blocks to disk
// and restore them later. Contents are stored as float32 regardless
// of cache dtype; the narrow float formats round-trip exactly
// through float32.

type snapshotGeometry struct {
	NumLayers  int `cbor:"1,keyasint"`
	BlockSize  int `cbor:"2,keyasint"`
	NumKVHeads int `cbor:"3,keyasint"`
	HeadDim    int `cbor:"4,keyasint"`
}

type snapshotBlock struct {
	Index  int32       `cbor:"1,keyasint"`
	Keys   [][]float32 `cbor:"2,keyasint"`
	Values [][]float32 `cbor:"3,keyasint"`
}

type snapshot struct {
	Geometry snapshotGeometry `cbor:"1,keyasint"`
	Blocks   []snapshotBlock  `cbor:"2,keyasint"`
}

func (s *BlockStore) geometry() snapshotGeometry {
	return snapshotGeometry{
		NumLayers:  s.config.NumLayers,
		BlockSize:  s.config.BlockSize,
		NumKVHeads: s.config.NumKVHeads,
		HeadDim:    s.config.HeadDim,
	}
}

func (s *BlockStore) blockSpan() int {
	return s.config.NumKVHeads * s.config.HeadDim * s.config.BlockSize
}

// WriteSnapshot serializes the named blocks of every layer to w.
func (s *BlockStore) WriteSnapshot(w io.Writer, blocks []int32) error {
	snap := snapshot{Geometry: s.geometry()}

	span := s.blockSpan()
	for _, b := range blocks {
		if int(b) < 0 || int(b) >= s.config.NumBlocks {
			return ml.ShapeErrorf("snapshot block %d outside store of %d blocks", b, s.config.NumBlocks)
		}

		sb := snapshotBlock{Index: b}
		for l := range s.layers {
			key := make([]float32, span)
			value := make([]float32, span)
			s.layers[l].key.ReadFloats(key, int(b)*span)
			s.layers[l].value.ReadFloats(value, int(b)*span)
			sb.Keys = append(sb.Keys, key)
			sb.Values = append(sb.Values, value)
		}

		snap.Blocks = append(snap.Blocks, sb)
	}

	return cbor.NewEncoder(w).Encode(snap)
}

// ReadSnapshot restores blocks from r. remap redirects each saved
// block index to a destination block; a nil remap restores in place.
func (s *BlockStore) ReadSnapshot(r io.Reader, remap map[int32]int32) error {
	var snap snapshot
	if err := cbor.NewDecoder(r).Decode(&snap); err != nil {
		return fmt.Errorf("decode block snapshot: %w", err)
	}

	if snap.Geometry != s.geometry() {
		return ml.ShapeErrorf("snapshot geometry %+v does not match store %+v", snap.Geometry, s.geometry())
	}

	span := s.blockSpan()
	for _, sb := range snap.Blocks {
		dst := sb.Index
		if remap != nil {
			mapped, ok := remap[sb.Index]
			if !ok {
				return ml.ShapeErrorf("snapshot block %d has no destination mapping", sb.Index)
			}
			dst = mapped
		}
		if int(dst) < 0 || int(dst) >= s.config.NumBlocks {
			return ml.ShapeErrorf("restore block %d outside store of %d blocks", dst, s.config.NumBlocks)
		}
		if len(sb.Keys) != len(s.layers) || len(sb.Values) != len(s.layers) {
			return ml.ShapeErrorf("snapshot block %d covers %d layers, store has %d", sb.Index, len(sb.Keys), len(s.layers))
		}

		for l := range s.layers {
			if len(sb.Keys[l]) != span || len(sb.Values[l]) != span {
				return ml.ShapeErrorf("snapshot block %d layer %d has %d elements, expected %d",
					sb.Index, l, len(sb.Keys[l]), span)
			}

			s.layers[l].key.WriteFloats(sb.Keys[l], int(dst)*span)
			s.layers[l].value.WriteFloats(sb.Values[l], int(dst)*span)
		}
	}

	return nil
}
