package main

import (
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/quarry-ml/quarry/logutil"
	"github.com/quarry-ml/quarry/ml"
	_ "github.com/quarry-ml/quarry/ml/backend/cpu"
	"github.com/quarry-ml/quarry/model"
	_ "github.com/quarry-ml/quarry/model/models/llama"
	"github.com/quarry-ml/quarry/runner"
	"github.com/quarry-ml/quarry/server"
)

type flags struct {
	addr         string
	backend      string
	deviceBlocks int
	hostBlocks   int
	blockSize    int
	maxSeqs      int
	concurrency  int64
	verbose      bool
}

func main() {
	var f flags

	root := &cobra.Command{
		Use:   "quarry",
		Short: "Paged-attention inference core",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if f.verbose {
				level = logutil.LevelTrace
			}
			logutil.Setup(os.Stderr, level)
		},
	}

	root.PersistentFlags().StringVar(&f.backend, "backend", "cpu", "kernel backend")
	root.PersistentFlags().IntVar(&f.deviceBlocks, "blocks", 256, "device cache blocks")
	root.PersistentFlags().IntVar(&f.hostBlocks, "host-blocks", 256, "host spill tier blocks, 0 disables")
	root.PersistentFlags().IntVar(&f.blockSize, "block-size", 16, "tokens per cache block")
	root.PersistentFlags().IntVar(&f.maxSeqs, "max-seqs", 16, "max sequences in flight")
	root.PersistentFlags().BoolVarP(&f.verbose, "verbose", "v", false, "trace logging")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve token generation over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRunner(f)
			if err != nil {
				return err
			}
			r.Start()
			defer r.Close()

			ln, err := net.Listen("tcp", f.addr)
			if err != nil {
				return err
			}

			return server.New(r, f.concurrency).Serve(ln)
		},
	}
	serve.Flags().StringVar(&f.addr, "addr", "127.0.0.1:11435", "listen address")
	serve.Flags().Int64Var(&f.concurrency, "max-concurrency", 32, "concurrent requests")

	var prompts, promptLen, newTokens int
	bench := &cobra.Command{
		Use:   "bench",
		Short: "Run synthetic prompts through the batching loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRunner(f)
			if err != nil {
				return err
			}
			r.Start()
			defer r.Close()

			rng := rand.New(rand.NewSource(0))
			start := time.Now()

			seqs := make([]*runner.Sequence, prompts)
			for i := range seqs {
				prompt := make([]int32, promptLen)
				for j := range prompt {
					prompt[j] = int32(rng.Intn(benchConfig.VocabSize))
				}

				if seqs[i], err = r.Submit(prompt, newTokens); err != nil {
					return err
				}
			}

			totalTokens := 0
			for _, s := range seqs {
				if err := s.Wait(); err != nil {
					return err
				}
				totalTokens += s.NumGenerated()
			}

			elapsed := time.Since(start)

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Sequences", "Prompt len", "Generated", "Elapsed", "Tok/s"})
			table.Append([]string{
				fmt.Sprint(prompts),
				fmt.Sprint(promptLen),
				fmt.Sprint(totalTokens),
				elapsed.Round(time.Millisecond).String(),
				fmt.Sprintf("%.1f", float64(totalTokens)/elapsed.Seconds()),
			})
			table.Render()
			return nil
		},
	}
	bench.Flags().IntVar(&prompts, "prompts", 12, "number of prompts")
	bench.Flags().IntVar(&promptLen, "prompt-len", 64, "tokens per prompt")
	bench.Flags().IntVar(&newTokens, "new-tokens", 32, "tokens to generate per prompt")

	root.AddCommand(serve, bench)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// benchConfig is a small llama geometry used until a weight loader
// is attached; both serve and bench run it with seeded random
// weights. TODO: accept a weight snapshot path once the loader
// lands.
var benchConfig = model.Config{
	VocabSize:        512,
	HiddenSize:       256,
	NumLayers:        2,
	NumHeads:         4,
	NumKVHeads:       2,
	HeadDim:          64,
	IntermediateSize: 512,
	RMSNormEps:       1e-5,
	RopeBase:         10000,
	MaxPositions:     4096,
	EOSTokenIDs:      []int32{0},
}

func newRunner(f flags) (*runner.Runner, error) {
	backend, err := ml.NewBackend(f.backend)
	if err != nil {
		return nil, err
	}

	m, err := model.New("llama", benchConfig, randomWeights(benchConfig), backend)
	if err != nil {
		return nil, err
	}

	return runner.New(m, backend, runner.Config{
		NumDeviceBlocks: f.deviceBlocks,
		NumHostBlocks:   f.hostBlocks,
		BlockSize:       f.blockSize,
		MaxSequences:    f.maxSeqs,
		CacheDType:      ml.DTypeF32,
	})
}

func randomWeights(c model.Config) map[string]*ml.Tensor {
	rng := rand.New(rand.NewSource(42))
	tensor := func(shape ...int) *ml.Tensor {
		t := ml.Zeros(ml.DTypeF32, shape...)
		for i := 0; i < t.Elems(); i++ {
			t.Set(i, float32(rng.NormFloat64())*0.02)
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
