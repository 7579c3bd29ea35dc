package attention

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/quarry-ml/quarry/kvcache"
	"github.com/quarry-ml/quarry/ml"
	"github.com/quarry-ml/quarry/ml/backend/cpu"
)

func randomTensor(rng *rand.Rand, shape ...int) *ml.Tensor {
	t := ml.Zeros(ml.DTypeF32, shape...)
	for i := 0; i < t.Elems(); i++ {
		t.Set(i, float32(rng.NormFloat64()))
	}

	return t
}

func maxDiff(a, b []float32) float64 {
	var m float64
	for i := range a {
		if d := math.Abs(float64(a[i] - b[i])); d > m {
			m = d
		}
	}

	return m
}

func testParams(headDim int) ml.AttnParams {
	return ml.AttnParams{
		NumHeads:   2,
		NumKVHeads: 1,
		HeadDim:    headDim,
		Scale:      float32(1 / math.Sqrt(float64(headDim))),
	}
}

func testStore(t *testing.T, mem ml.Memory) *kvcache.BlockStore {
	t.Helper()

	s, err := kvcache.NewBlockStore(kvcache.Config{
		NumLayers:  1,
		NumBlocks:  8,
		BlockSize:  16,
		NumKVHeads: 1,
		HeadDim:    64,
		DType:      ml.DTypeF32,
		Memory:     mem,
	})
	if err != nil {
		t.Fatal(err)
	}

	return s
}

func TestDispatcherRejectsHeadSize(t *testing.T) {
	d := NewDispatcher(cpu.New())
	rng := rand.New(rand.NewSource(1))

	q := randomTensor(rng, 1, 2*100)
	_, err := d.DenseCausal(q, q, q, testParams(100))
	if !errors.Is(err, ml.ErrUnsupportedConfiguration) {
		t.Errorf("expected unsupported configuration, got %v", err)
	}
}

func TestDispatcherRejectsHostCache(t *testing.T) {
	d := NewDispatcher(cpu.New())
	rng := rand.New(rand.NewSource(2))

	store := testStore(t, ml.HostMemory)
	key, value := store.Layer(0)

	meta, err := Build([]Sequence{{Table: table(16, 0), NumNew: 2}}, 16)
	if err != nil {
		t.Fatal(err)
	}

	q := randomTensor(rng, 2, 2*64)
	kv := randomTensor(rng, 2, 64)
	_, err = d.Forward(q, kv, kv, key, value, meta, testParams(64))
	if !errors.Is(err, ml.ErrDeviceStorage) {
		t.Errorf("expected device storage error, got %v", err)
	}
}

func TestDispatcherNoWork(t *testing.T) {
	d := NewDispatcher(cpu.New())

	store := testStore(t, ml.DeviceMemory)
	key, value := store.Layer(0)

	meta, err := Build(nil, 16)
	if err != nil {
		t.Fatal(err)
	}

	out, err := d.Forward(ml.Zeros(ml.DTypeF32, 0, 2*64), ml.Zeros(ml.DTypeF32, 0, 64),
		ml.Zeros(ml.DTypeF32, 0, 64), key, value, meta, testParams(64))
	if err != nil {
		t.Fatal(err)
	}
	if out.Dim(0) != 0 {
		t.Errorf("no-work batch produced %d rows", out.Dim(0))
	}
}

// A mixed batch must produce, for its decode rows, the same numbers
// as a dense pass over each decode sequence's full history.
func TestDispatcherMixedBatch(t *testing.T) {
	backend := cpu.New()
	d := NewDispatcher(backend)
	rng := rand.New(rand.NewSource(3))
	p := testParams(64)

	store := testStore(t, ml.DeviceMemory)
	key, value := store.Layer(0)

	// Sequence B: 5 tokens total, the first 4 prefilled ahead of
	// time, the 5th decoded in the mixed batch.
	qB := randomTensor(rng, 5, 2*64)
	kB := randomTensor(rng, 5, 64)
	vB := randomTensor(rng, 5, 64)
	tableB := table(16, 0)

	metaPrefill, err := Build([]Sequence{{Table: tableB, NumNew: 4}}, 16)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Forward(qB.RowSlice(0, 4), kB.RowSlice(0, 4), vB.RowSlice(0, 4),
		key, value, metaPrefill, p); err != nil {
		t.Fatal(err)
	}

	// Sequence A prefills 3 fresh tokens in the same batch as B's
	// decode step.
	qA := randomTensor(rng, 3, 2*64)
	kA := randomTensor(rng, 3, 64)
	vA := randomTensor(rng, 3, 64)
	tableA := table(16, 1)

	q := ml.Zeros(ml.DTypeF32, 4, 2*64)
	k := ml.Zeros(ml.DTypeF32, 4, 64)
	v := ml.Zeros(ml.DTypeF32, 4, 64)
	q.CopyFrom(0, qA, 0, 3*2*64)
	q.CopyFrom(3*2*64, qB, 4*2*64, 2*64)
	k.CopyFrom(0, kA, 0, 3*64)
	k.CopyFrom(3*64, kB, 4*64, 64)
	v.CopyFrom(0, vA, 0, 3*64)
	v.CopyFrom(3*64, vB, 4*64, 64)

	meta, err := Build([]Sequence{
		{Table: tableA, NumNew: 3},
		{Table: tableB, ContextLen: 4, NumNew: 1, Decode: true},
	}, 16)
	if err != nil {
		t.Fatal(err)
	}

	out, err := d.Forward(q, k, v, key, value, meta, p)
	if err != nil {
		t.Fatal(err)
	}

	// Prefill rows must match a dense pass over sequence A alone.
	denseA, err := backend.DenseCausal(qA, kA, vA, p)
	if err != nil {
		t.Fatal(err)
	}
	if diff := maxDiff(out.Floats()[:3*2*64], denseA.Floats()); diff > 1e-5 {
		t.Errorf("prefill rows differ from dense by %v", diff)
	}

	// The decode row must match the last row of a dense pass over
	// sequence B's full 5 tokens.
	denseB, err := backend.DenseCausal(qB, kB, vB, p)
	if err != nil {
		t.Fatal(err)
	}
	if diff := maxDiff(out.Floats()[3*2*64:], denseB.Floats()[4*2*64:]); diff > 1e-5 {
		t.Errorf("decode row differs from dense by %v", diff)
	}
}

// Chunked prefill: context already in the cache, new tokens arriving
// in a second chunk, must agree with one dense pass over the whole
// sequence.
func TestDispatcherChunkedPrefill(t *testing.T) {
	backend := cpu.New()
	d := NewDispatcher(backend)
	rng := rand.New(rand.NewSource(4))
	p := testParams(64)

	store := testStore(t, ml.DeviceMemory)
	key, value := store.Layer(0)

	q := randomTensor(rng, 20, 2*64)
	k := randomTensor(rng, 20, 64)
	v := randomTensor(rng, 20, 64)
	tbl := table(16, 2, 3)

	meta1, err := Build([]Sequence{{Table: tbl, NumNew: 12}}, 16)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Forward(q.RowSlice(0, 12), k.RowSlice(0, 12), v.RowSlice(0, 12),
		key, value, meta1, p); err != nil {
		t.Fatal(err)
	}

	meta2, err := Build([]Sequence{{Table: tbl, ContextLen: 12, NumNew: 8}}, 16)
	if err != nil {
		t.Fatal(err)
	}
	out, err := d.Forward(q.RowSlice(12, 20), k.RowSlice(12, 20), v.RowSlice(12, 20),
		key, value, meta2, p)
	if err != nil {
		t.Fatal(err)
	}

	dense, err := backend.DenseCausal(q, k, v, p)
	if err != nil {
		t.Fatal(err)
	}

	if diff := maxDiff(out.Floats(), dense.Floats()[12*2*64:]); diff > 1e-5 {
		t.Errorf("chunked prefill differs from dense by %v", diff)
	}
}
