package cpu

import (
	"math"
	"math/rand"
	"testing"

	"github.com/quarry-ml/quarry/ml"
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

func testParams(numHeads, numKVHeads, headDim int) ml.AttnParams {
	return ml.AttnParams{
		NumHeads:   numHeads,
		NumKVHeads: numKVHeads,
		HeadDim:    headDim,
		Scale:      float32(1 / math.Sqrt(float64(headDim))),
	}
}

func TestDenseCausalSingleToken(t *testing.T) {
	b := &Backend{}
	rng := rand.New(rand.NewSource(1))
	p := testParams(2, 2, 64)

	q := randomTensor(rng, 1, 2*64)
	k := randomTensor(rng, 1, 2*64)
	v := randomTensor(rng, 1, 2*64)

	// A single token attends only to itself, so the output is its
	// own value vector regardless of logits.
	out, err := b.DenseCausal(q, k, v, p)
	if err != nil {
		t.Fatal(err)
	}

	if d := maxDiff(out.Floats(), v.Floats()); d > 1e-6 {
		t.Errorf("single token output differs from value by %v", d)
	}
}

func TestDenseCausalGQA(t *testing.T) {
	b := &Backend{}
	rng := rand.New(rand.NewSource(2))

	// 4 query heads over 2 kv heads must match running each pair of
	// query heads against its kv head densely.
	p := testParams(4, 2, 64)
	n := 6
	q := randomTensor(rng, n, 4*64)
	k := randomTensor(rng, n, 2*64)
	v := randomTensor(rng, n, 2*64)

	out, err := b.DenseCausal(q, k, v, p)
	if err != nil {
		t.Fatal(err)
	}

	// Head 3 uses kv head 1. Compare against a single-head dense run
	// over extracted slices.
	qh := ml.Zeros(ml.DTypeF32, n, 64)
	kh := ml.Zeros(ml.DTypeF32, n, 64)
	vh := ml.Zeros(ml.DTypeF32, n, 64)
	for i := 0; i < n; i++ {
		for e := 0; e < 64; e++ {
			qh.Set(i*64+e, q.At(i*4*64+3*64+e))
			kh.Set(i*64+e, k.At(i*2*64+1*64+e))
			vh.Set(i*64+e, v.At(i*2*64+1*64+e))
		}
	}

	single, err := b.DenseCausal(qh, kh, vh, testParams(1, 1, 64))
	if err != nil {
		t.Fatal(err)
	}

	singlef := single.Floats()
	outf := out.Floats()
	for i := 0; i < n; i++ {
		for e := 0; e < 64; e++ {
			got := outf[i*4*64+3*64+e]
			want := singlef[i*64+e]
			if math.Abs(float64(got-want)) > 1e-5 {
				t.Fatalf("token %d element %d: got %v, want %v", i, e, got, want)
			}
		}
	}
}

func TestVarLenMatchesDense(t *testing.T) {
	b := &Backend{}
	rng := rand.New(rand.NewSource(3))
	p := testParams(2, 1, 64)

	lens := []int{3, 5, 1, 8}
	total := 0
	starts := []int32{0}
	var seqLens []int32
	maxLen := 0
	for _, l := range lens {
		total += l
		starts = append(starts, int32(total))
		seqLens = append(seqLens, int32(l))
		maxLen = max(maxLen, l)
	}

	q := randomTensor(rng, total, 2*64)
	k := randomTensor(rng, total, 64)
	v := randomTensor(rng, total, 64)

	got, err := b.VarLenAttention(q, k, v, ml.VarLenParams{
		AttnParams:     p,
		QueryStartLocs: starts,
		SeqStartLocs:   starts,
		SeqLens:        seqLens,
		ContextLens:    make([]int32, len(lens)),
		MaxQueryLen:    maxLen,
		MaxSeqLen:      maxLen,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Each sequence run densely on its own must concatenate to the
	// packed result.
	gotf := got.Floats()
	for s, l := range lens {
		lo, hi := int(starts[s]), int(starts[s+1])
		want, err := b.DenseCausal(q.RowSlice(lo, hi), k.RowSlice(lo, hi), v.RowSlice(lo, hi), p)
		if err != nil {
			t.Fatal(err)
		}

		if d := maxDiff(gotf[lo*2*64:hi*2*64], want.Floats()); d > 1e-5 {
			t.Errorf("sequence %d of length %d differs from dense by %v", s, l, d)
		}
	}
}
