package runner

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/emirpasic/gods/sets/treeset"
	"github.com/emirpasic/gods/utils"

	"github.com/quarry-ml/quarry/ml"
)

// Allocator owns the free-list and reference-count bookkeeping for a
// block pool. The cache subsystem only consumes the indices handed
// out here. Full blocks are content-hashed by their token prefix so
// a new sequence sharing a prompt prefix can adopt existing blocks
// instead of recomputing them.
type Allocator struct {
	blockSize int
	free      *treeset.Set
	refs      []int
	hashes    []uint64
	tokens    [][]int32
	byHash    map[uint64]int32
}

func NewAllocator(numBlocks, blockSize int) *Allocator {
	a := &Allocator{
		blockSize: blockSize,
		free:      treeset.NewWith(utils.Int32Comparator),
		refs:      make([]int, numBlocks),
		hashes:    make([]uint64, numBlocks),
		tokens:    make([][]int32, numBlocks),
		byHash:    make(map[uint64]int32),
	}

	for i := 0; i < numBlocks; i++ {
		a.free.Add(int32(i))
	}

	return a
}

func (a *Allocator) FreeBlocks() int { return a.free.Size() }

// Allocate hands out the lowest free block with a reference count of
// one. Any stale prefix-cache entry for the block is dropped.
func (a *Allocator) Allocate() (int32, error) {
	it := a.free.Iterator()
	if !it.Next() {
		return 0, fmt.Errorf("%w: block pool exhausted", ml.ErrDeviceStorage)
	}

	id := it.Value().(int32)
	a.free.Remove(id)
	a.refs[id] = 1

	if h := a.hashes[id]; h != 0 && a.byHash[h] == id {
		delete(a.byHash, h)
	}
	a.hashes[id] = 0
	a.tokens[id] = nil

	return id, nil
}

// Retain adds a reference to an allocated block.
func (a *Allocator) Retain(id int32) {
	if a.refs[id] <= 0 {
		panic(fmt.Sprintf("retain of free block %d", id))
	}

	a.refs[id]++
}

// Release drops one reference; the block rejoins the free list when
// the last reference goes. Its prefix-cache entry survives so a
// later allocation with the same content can still hit.
func (a *Allocator) Release(id int32) {
	if a.refs[id] <= 0 {
		panic(fmt.Sprintf("release of free block %d", id))
	}

	a.refs[id]--
	if a.refs[id] == 0 {
		a.free.Add(id)
	}
}

// HashBlock chains a full block's token ids onto the previous
// block's hash, so equal hashes imply equal whole prefixes.
func HashBlock(tokens []int32, prefix uint64) uint64 {
	h := xxhash.New()

	var buf [8]byte
	if prefix != 0 {
		binary.LittleEndian.PutUint64(buf[:], prefix)
		h.Write(buf[:8])
	}
	for _, id := range tokens {
		binary.LittleEndian.PutUint32(buf[:4], uint32(id))
		h.Write(buf[:4])
	}

	return h.Sum64()
}

// Lookup finds a block whose recorded content matches hash and
// tokens. On a hit the block gains a reference: dormant free blocks
// are revived off the free list, live shared blocks are retained.
func (a *Allocator) Lookup(hash uint64, tokens []int32) (int32, bool) {
	id, ok := a.byHash[hash]
	if !ok || a.hashes[id] != hash {
		return 0, false
	}
	if len(a.tokens[id]) != len(tokens) {
		return 0, false
	}
	for i, t := range a.tokens[id] {
		if t != tokens[i] {
			return 0, false
		}
	}

	if a.refs[id] == 0 {
		a.free.Remove(id)
		a.refs[id] = 1
	} else {
		a.refs[id]++
	}

	return id, true
}

// Record registers a full block's content in the prefix cache.
func (a *Allocator) Record(id int32, hash uint64, tokens []int32) {
	if len(tokens) != a.blockSize {
		panic(fmt.Sprintf("recording partial block of %d tokens", len(tokens)))
	}

	a.hashes[id] = hash
	a.tokens[id] = append([]int32(nil), tokens...)
	a.byHash[hash] = id
}
