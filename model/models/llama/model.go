package llama

import (
	"fmt"
	"math"

	"github.com/quarry-ml/quarry/attention"
	"github.com/quarry-ml/quarry/ml"
	"github.com/quarry-ml/quarry/ml/nn"
	"github.com/quarry-ml/quarry/model"
)

type SelfAttention struct {
	Query  *nn.Linear
	Key    *nn.Linear
	Value  *nn.Linear
	Output *nn.Linear
}

type MLP struct {
	Gate *nn.Linear
	Up   *nn.Linear
	Down *nn.Linear
}

func (m *MLP) Forward(x *ml.Tensor) *ml.Tensor {
	return m.Down.Forward(m.Gate.Forward(x).SILU().Mul(m.Up.Forward(x)))
}

type Layer struct {
	AttentionNorm *nn.RMSNorm
	SelfAttention *SelfAttention
	MLPNorm       *nn.RMSNorm
	MLP           *MLP
}

type Model struct {
	config model.Config

	TokenEmbedding *nn.Embedding
	Layers         []Layer
	OutputNorm     *nn.RMSNorm
	Output         *nn.Linear

	rope       *nn.RotaryEmbedding
	dispatcher *attention.Dispatcher
	params     ml.AttnParams
}

func init() {
	model.Register("llama", New)
}

func New(c model.Config, weights map[string]*ml.Tensor, backend ml.Backend) (model.Model, error) {
	get := func(name string) (*ml.Tensor, error) {
		w, ok := weights[name]
		if !ok {
			return nil, fmt.Errorf("%w: missing weight %q", ml.ErrUnsupportedConfiguration, name)
		}

		return w, nil
	}

	tokenEmbd, err := get("token_embd.weight")
	if err != nil {
		return nil, err
	}

	m := &Model{
		config:         c,
		TokenEmbedding: &nn.Embedding{Weight: tokenEmbd},
		Layers:         make([]Layer, c.NumLayers),
		rope:           nn.NewRotaryEmbedding(c.HeadDim, c.MaxPositions, c.RopeBase, c.RopeScaling),
		dispatcher:     attention.NewDispatcher(backend),
		params: ml.AttnParams{
			NumHeads:   c.NumHeads,
			NumKVHeads: c.NumKVHeads,
			HeadDim:    c.HeadDim,
			Scale:      float32(1 / math.Sqrt(float64(c.HeadDim))),
		},
	}

	for i := range m.Layers {
		layer := &m.Layers[i]
		names := func(suffix string) string { return fmt.Sprintf("blk.%d.%s.weight", i, suffix) }

		attnNorm, err := get(names("attn_norm"))
		if err != nil {
			return nil, err
		}
		q, err := get(names("attn_q"))
		if err != nil {
			return nil, err
		}
		k, err := get(names("attn_k"))
		if err != nil {
			return nil, err
		}
		v, err := get(names("attn_v"))
		if err != nil {
			return nil, err
		}
		o, err := get(names("attn_output"))
		if err != nil {
			return nil, err
		}
		ffnNorm, err := get(names("ffn_norm"))
		if err != nil {
			return nil, err
		}
		gate, err := get(names("ffn_gate"))
		if err != nil {
			return nil, err
		}
		up, err := get(names("ffn_up"))
		if err != nil {
			return nil, err
		}
		down, err := get(names("ffn_down"))
		if err != nil {
			return nil, err
		}

		*layer = Layer{
			AttentionNorm: &nn.RMSNorm{Weight: attnNorm, Eps: c.RMSNormEps},
			SelfAttention: &SelfAttention{
				Query:  &nn.Linear{Weight: q},
				Key:    &nn.Linear{Weight: k},
				Value:  &nn.Linear{Weight: v},
				Output: &nn.Linear{Weight: o},
			},
			MLPNorm: &nn.RMSNorm{Weight: ffnNorm, Eps: c.RMSNormEps},
			MLP: &MLP{
				Gate: &nn.Linear{Weight: gate},
				Up:   &nn.Linear{Weight: up},
				Down: &nn.Linear{Weight: down},
			},
		}
	}

	outputNorm, err := get("output_norm.weight")
	if err != nil {
		return nil, err
	}
	m.OutputNorm = &nn.RMSNorm{Weight: outputNorm, Eps: c.RMSNormEps}

	// Output projection ties to the embedding table when absent.
	if out, ok := weights["output.weight"]; ok {
		m.Output = &nn.Linear{Weight: out}
	} else {
		m.Output = &nn.Linear{Weight: tokenEmbd}
	}

	return m, nil
}

func (m *Model) Config() model.Config { return m.config }

func (sa *SelfAttention) Forward(m *Model, x, positions, keyCache, valueCache *ml.Tensor, meta *attention.Metadata) (*ml.Tensor, error) {
	q := sa.Query.Forward(x)
	k := sa.Key.Forward(x)
	v := sa.Value.Forward(x)

	q, err := m.rope.Forward(q, positions, m.params.NumHeads)
	if err != nil {
		return nil, err
	}
	k, err = m.rope.Forward(k, positions, m.params.NumKVHeads)
	if err != nil {
		return nil, err
	}

	var out *ml.Tensor
	if keyCache == nil {
		out, err = m.dispatcher.DenseCausal(q, k, v, m.params)
	} else {
		out, err = m.dispatcher.Forward(q, k, v, keyCache, valueCache, meta, m.params)
	}
	if err != nil {
		return nil, err
	}

	return sa.Output.Forward(out), nil
}

// Forward runs the full pipeline: embed, then per layer rotary
// embedding, attention against that layer's cache and feed forward
// with residuals, then final norm, row selection and the vocabulary
// projection. Logits come back as [m, vocab] float32.
func (m *Model) Forward(in model.Inputs) (*ml.Tensor, error) {
	if err := in.Check(); err != nil {
		return nil, err
	}

	if in.Cache == nil {
		// Dense path handles exactly one fresh sequence.
		if in.Metadata.NumDecodeTokens != 0 || in.Metadata.Prefill == nil || len(in.Metadata.Prefill.SeqLens) != 1 {
			return nil, fmt.Errorf("%w: cacheless forward requires a single prefill sequence",
				attention.ErrInconsistentMetadata)
		}
	} else if in.Cache.NumLayers() != m.config.NumLayers {
		return nil, ml.ShapeErrorf("cache has %d layers, model has %d", in.Cache.NumLayers(), m.config.NumLayers)
	}

	n := in.TokenIDs.Dim(1)
	if total := in.Metadata.NumPrefillTokens + in.Metadata.NumDecodeTokens; !in.Metadata.NoWork() && total != n {
		return nil, fmt.Errorf("%w: metadata declares %d tokens, batch has %d",
			attention.ErrInconsistentMetadata, total, n)
	}
	if in.Metadata.NoWork() {
		return ml.Zeros(ml.DTypeF32, 0, m.config.VocabSize), nil
	}

	hidden := m.TokenEmbedding.Forward(in.TokenIDs.Ints())

	for i := range m.Layers {
		layer := &m.Layers[i]

		var keyCache, valueCache *ml.Tensor
		if in.Cache != nil {
			keyCache, valueCache = in.Cache.Layer(i)
		}

		attnOut, err := layer.SelfAttention.Forward(m, layer.AttentionNorm.Forward(hidden),
			in.Positions, keyCache, valueCache, in.Metadata)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		hidden = hidden.Add(attnOut)

		hidden = hidden.Add(layer.MLP.Forward(layer.MLPNorm.Forward(hidden)))
	}

	hidden = m.OutputNorm.Forward(hidden)

	selected := in.SelectedPositions.Ints()
	for _, s := range selected {
		if int(s) < 0 || int(s) >= n {
			return nil, ml.ShapeErrorf("selected position %d outside batch of %d tokens", s, n)
		}
	}

	return m.Output.Forward(hidden.Rows(selected)), nil
}
