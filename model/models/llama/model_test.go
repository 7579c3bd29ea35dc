package llama

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/quarry-ml/quarry/attention"
	"github.com/quarry-ml/quarry/kvcache"
	"github.com/quarry-ml/quarry/ml"
	"github.com/quarry-ml/quarry/ml/backend/cpu"
	"github.com/quarry-ml/quarry/model"
)

func testModelConfig() model.Config {
	return model.Config{
		VocabSize:        64,
		HiddenSize:       128,
		NumLayers:        2,
		NumHeads:         2,
		NumKVHeads:       1,
		HeadDim:          64,
		IntermediateSize: 128,
		RMSNormEps:       1e-5,
		RopeBase:         10000,
		MaxPositions:     512,
		EOSTokenIDs:      []int32{0},
	}
}

func testWeights(c model.Config) map[string]*ml.Tensor {
	rng := rand.New(rand.NewSource(11))
	tensor := func(shape ...int) *ml.Tensor {
		t := ml.Zeros(ml.DTypeF32, shape...)
		for i := 0; i < t.Elems(); i++ {
			t.Set(i, float32(rng.NormFloat64())*0.05)
		}
		return t
	}
	ones := func(n int) *ml.Tensor {
		t := ml.Zeros(ml.DTypeF32, n)
		for i := 0; i < n; i++ {
			t.Set(i, 1)
		}
		return t
	}

	w := map[string]*ml.Tensor{
		"token_embd.weight":  tensor(c.VocabSize, c.HiddenSize),
		"output_norm.weight": ones(c.HiddenSize),
		"output.weight":      tensor(c.VocabSize, c.HiddenSize),
	}
	for i := 0; i < c.NumLayers; i++ {
		prefix := fmt.Sprintf("blk.%d.", i)
		kv := c.NumKVHeads * c.HeadDim
		w[prefix+"attn_norm.weight"] = ones(c.HiddenSize)
		w[prefix+"attn_q.weight"] = tensor(c.HiddenSize, c.HiddenSize)
		w[prefix+"attn_k.weight"] = tensor(kv, c.HiddenSize)
		w[prefix+"attn_v.weight"] = tensor(kv, c.HiddenSize)
		w[prefix+"attn_output.weight"] = tensor(c.HiddenSize, c.HiddenSize)
		w[prefix+"ffn_norm.weight"] = ones(c.HiddenSize)
		w[prefix+"ffn_gate.weight"] = tensor(c.IntermediateSize, c.HiddenSize)
		w[prefix+"ffn_up.weight"] = tensor(c.IntermediateSize, c.HiddenSize)
		w[prefix+"ffn_down.weight"] = tensor(c.HiddenSize, c.IntermediateSize)
	}

	return w
}

func newTestModel(t *testing.T) model.Model {
	t.Helper()

	c := testModelConfig()
	m, err := model.New("llama", c, testWeights(c), cpu.New())
	if err != nil {
		t.Fatal(err)
	}

	return m
}

func newTestStore(t *testing.T, numBlocks int) *kvcache.BlockStore {
	t.Helper()

	c := testModelConfig()
	s, err := kvcache.NewBlockStore(kvcache.Config{
		NumLayers:  c.NumLayers,
		NumBlocks:  numBlocks,
		BlockSize:  16,
		NumKVHeads: c.NumKVHeads,
		HeadDim:    c.HeadDim,
		DType:      ml.DTypeF32,
		Memory:     ml.DeviceMemory,
	})
	if err != nil {
		t.Fatal(err)
	}

	return s
}

// prefillAlone runs one prompt through its own cache and returns the
// last-token logits.
func prefillAlone(t *testing.T, m model.Model, prompt []int32) []float32 {
	t.Helper()

	store := newTestStore(t, 4)
	tbl := kvcache.NewBlockTable(16)
	for b := 0; b < tbl.BlocksNeeded(len(prompt)); b++ {
		tbl.Append(int32(b))
	}

	meta, err := attention.Build([]attention.Sequence{{Table: tbl, NumNew: len(prompt)}}, 16)
	if err != nil {
		t.Fatal(err)
	}

	positions := make([]int64, len(prompt))
	for i := range positions {
		positions[i] = int64(i)
	}

	logits, err := m.Forward(model.Inputs{
		TokenIDs:          ml.FromInts(prompt, 1, len(prompt)),
		Positions:         ml.FromInt64s(positions, 1, len(positions)),
		SelectedPositions: ml.FromInts([]int32{int32(len(prompt) - 1)}, 1, 1),
		Cache:             store,
		Metadata:          meta,
	})
	if err != nil {
		t.Fatal(err)
	}

	return logits.Floats()
}

func TestForwardLogitsShape(t *testing.T) {
	m := newTestModel(t)

	got := prefillAlone(t, m, []int32{1, 2, 3, 4, 5})
	if len(got) != testModelConfig().VocabSize {
		t.Fatalf("logits length %d, want %d", len(got), testModelConfig().VocabSize)
	}
}

// Twelve prompts of different lengths prefilled as one batch must
// produce the same per-prompt logits as running each alone against
// its own cache.
func TestBatchedPrefillMatchesIndividual(t *testing.T) {
	m := newTestModel(t)
	rng := rand.New(rand.NewSource(12))

	prompts := make([][]int32, 12)
	for i := range prompts {
		prompts[i] = make([]int32, 1+rng.Intn(24))
		for j := range prompts[i] {
			prompts[i][j] = int32(1 + rng.Intn(testModelConfig().VocabSize-1))
		}
	}

	store := newTestStore(t, 64)

	var (
		seqs      []attention.Sequence
		tokens    []int32
		positions []int64
		selected  []int32
		nextBlock int32
	)
	for _, p := range prompts {
		tbl := kvcache.NewBlockTable(16)
		for b := 0; b < tbl.BlocksNeeded(len(p)); b++ {
			tbl.Append(nextBlock)
			nextBlock++
		}

		tokens = append(tokens, p...)
		for j := range p {
			positions = append(positions, int64(j))
		}
		selected = append(selected, int32(len(tokens)-1))
		seqs = append(seqs, attention.Sequence{Table: tbl, NumNew: len(p)})
	}

	meta, err := attention.Build(seqs, 16)
	if err != nil {
		t.Fatal(err)
	}

	logits, err := m.Forward(model.Inputs{
		TokenIDs:          ml.FromInts(tokens, 1, len(tokens)),
		Positions:         ml.FromInt64s(positions, 1, len(positions)),
		SelectedPositions: ml.FromInts(selected, 1, len(selected)),
		Cache:             store,
		Metadata:          meta,
	})
	if err != nil {
		t.Fatal(err)
	}

	vocab := testModelConfig().VocabSize
	batch := logits.Floats()
	for i, p := range prompts {
		alone := prefillAlone(t, m, p)
		row := batch[i*vocab : (i+1)*vocab]

		var diff float64
		for j := range alone {
			if d := math.Abs(float64(row[j] - alone[j])); d > diff {
				diff = d
			}
		}
		if diff > 1e-5 {
			t.Errorf("prompt %d of length %d differs from individual run by %v", i, len(p), diff)
		}
	}
}

// Prefill then a decode step through the cache must agree with
// prefilling the extended prompt from scratch.
func TestDecodeMatchesPrefill(t *testing.T) {
	m := newTestModel(t)
	prompt := []int32{3, 1, 4, 1, 5, 9, 2, 6}

	store := newTestStore(t, 4)
	tbl := kvcache.NewBlockTable(16)
	tbl.Append(0)

	meta, err := attention.Build([]attention.Sequence{{Table: tbl, NumNew: len(prompt)}}, 16)
	if err != nil {
		t.Fatal(err)
	}

	positions := make([]int64, len(prompt))
	for i := range positions {
		positions[i] = int64(i)
	}
	if _, err := m.Forward(model.Inputs{
		TokenIDs:          ml.FromInts(prompt, 1, len(prompt)),
		Positions:         ml.FromInt64s(positions, 1, len(positions)),
		SelectedPositions: ml.FromInts([]int32{int32(len(prompt) - 1)}, 1, 1),
		Cache:             store,
		Metadata:          meta,
	}); err != nil {
		t.Fatal(err)
	}

	next := int32(27)
	decodeMeta, err := attention.Build([]attention.Sequence{
		{Table: tbl, ContextLen: len(prompt), NumNew: 1, Decode: true},
	}, 16)
	if err != nil {
		t.Fatal(err)
	}

	decoded, err := m.Forward(model.Inputs{
		TokenIDs:          ml.FromInts([]int32{next}, 1, 1),
		Positions:         ml.FromInt64s([]int64{int64(len(prompt))}, 1, 1),
		SelectedPositions: ml.FromInts([]int32{0}, 1, 1),
		Cache:             store,
		Metadata:          decodeMeta,
	})
	if err != nil {
		t.Fatal(err)
	}

	fromScratch := prefillAlone(t, m, append(append([]int32{}, prompt...), next))

	got := decoded.Floats()
	var diff float64
	for j := range fromScratch {
		if d := math.Abs(float64(got[j] - fromScratch[j])); d > diff {
			diff = d
		}
	}
	if diff > 1e-4 {
		t.Errorf("decode step differs from full prefill by %v", diff)
	}
}

func TestForwardRejectsBadInputs(t *testing.T) {
	m := newTestModel(t)
	store := newTestStore(t, 4)

	tbl := kvcache.NewBlockTable(16)
	tbl.Append(0)
	meta, err := attention.Build([]attention.Sequence{{Table: tbl, NumNew: 2}}, 16)
	if err != nil {
		t.Fatal(err)
	}

	good := model.Inputs{
		TokenIDs:          ml.FromInts([]int32{1, 2}, 1, 2),
		Positions:         ml.FromInt64s([]int64{0, 1}, 1, 2),
		SelectedPositions: ml.FromInts([]int32{1}, 1, 1),
		Cache:             store,
		Metadata:          meta,
	}

	cases := []struct {
		name   string
		mutate func(*model.Inputs)
		want   error
	}{
		{"rank 1 tokens", func(in *model.Inputs) { in.TokenIDs = ml.FromInts([]int32{1, 2}, 2) }, ml.ErrShapeMismatch},
		{"i32 positions", func(in *model.Inputs) { in.Positions = ml.FromInts([]int32{0, 1}, 1, 2) }, ml.ErrShapeMismatch},
		{"missing metadata", func(in *model.Inputs) { in.Metadata = nil }, attention.ErrInconsistentMetadata},
		{"wrong token total", func(in *model.Inputs) {
			in.TokenIDs = ml.FromInts([]int32{1, 2, 3}, 1, 3)
			in.Positions = ml.FromInt64s([]int64{0, 1, 2}, 1, 3)
		}, attention.ErrInconsistentMetadata},
		{"selected out of range", func(in *model.Inputs) {
			in.SelectedPositions = ml.FromInts([]int32{9}, 1, 1)
		}, ml.ErrShapeMismatch},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			in := good
			tt.mutate(&in)

			if _, err := m.Forward(in); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}
