package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-ml/quarry/ml"
	"github.com/quarry-ml/quarry/ml/backend/cpu"
	"github.com/quarry-ml/quarry/model"
	_ "github.com/quarry-ml/quarry/model/models/llama"
	"github.com/quarry-ml/quarry/runner"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testWeights(c model.Config) map[string]*ml.Tensor {
	rng := rand.New(rand.NewSource(7))
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
	}
	for i := 0; i < c.NumLayers; i++ {
		prefix := fmt.Sprintf("blk.%d.", i)
		w[prefix+"attn_norm.weight"] = ones(c.HiddenSize)
		w[prefix+"attn_q.weight"] = tensor(c.HiddenSize, c.HiddenSize)
		w[prefix+"attn_k.weight"] = tensor(c.NumKVHeads*c.HeadDim, c.HiddenSize)
		w[prefix+"attn_v.weight"] = tensor(c.NumKVHeads*c.HeadDim, c.HiddenSize)
		w[prefix+"attn_output.weight"] = tensor(c.HiddenSize, c.HiddenSize)
		w[prefix+"ffn_norm.weight"] = ones(c.HiddenSize)
		w[prefix+"ffn_gate.weight"] = tensor(c.IntermediateSize, c.HiddenSize)
		w[prefix+"ffn_up.weight"] = tensor(c.IntermediateSize, c.HiddenSize)
		w[prefix+"ffn_down.weight"] = tensor(c.HiddenSize, c.IntermediateSize)
	}

	return w
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := model.Config{
		VocabSize:        64,
		HiddenSize:       128,
		NumLayers:        1,
		NumHeads:         2,
		NumKVHeads:       1,
		HeadDim:          64,
		IntermediateSize: 128,
		RMSNormEps:       1e-5,
		RopeBase:         10000,
		MaxPositions:     256,
	}

	backend := cpu.New()
	m, err := model.New("llama", cfg, testWeights(cfg), backend)
	require.NoError(t, err)

	r, err := runner.New(m, backend, runner.Config{
		NumDeviceBlocks: 32,
		BlockSize:       16,
		MaxSequences:    4,
		CacheDType:      ml.DTypeF32,
	})
	require.NoError(t, err)

	r.Start()
	t.Cleanup(r.Close)

	return New(r, 4)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	s.GenerateRoutes().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGenerate(t *testing.T) {
	s := newTestServer(t)

	body, err := json.Marshal(GenerateRequest{
		Prompt:  []int32{1, 2, 3},
		Options: map[string]any{"max_new_tokens": 4},
	})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/generate", bytes.NewReader(body))
	s.GenerateRoutes().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp GenerateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Done)
	assert.NotEmpty(t, resp.ID)
	assert.Len(t, resp.Tokens, 4)
}

func TestGenerateRejectsEmptyPrompt(t *testing.T) {
	s := newTestServer(t)

	body, err := json.Marshal(GenerateRequest{})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/generate", bytes.NewReader(body))
	s.GenerateRoutes().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGenerateRejectsMalformedJSON(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/generate", bytes.NewReader([]byte("{")))
	s.GenerateRoutes().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestForkUnknownSequence(t *testing.T) {
	s := newTestServer(t)

	body, err := json.Marshal(ForkRequest{ID: "nope"})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/fork", bytes.NewReader(body))
	s.GenerateRoutes().ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
