// Package runner schedules generation requests onto the model: it
// owns the block pools, admits and preempts sequences, and drives
// the continuous-batching forward loop that mixes prefill and decode
// work in one pass.
package runner

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/quarry-ml/quarry/attention"
	"github.com/quarry-ml/quarry/kvcache"
	"github.com/quarry-ml/quarry/logutil"
	"github.com/quarry-ml/quarry/ml"
	"github.com/quarry-ml/quarry/model"
	"github.com/quarry-ml/quarry/sample"
)

var ErrClosed = errors.New("runner closed")

type Config struct {
	NumDeviceBlocks int `mapstructure:"num_device_blocks"`
	NumHostBlocks   int `mapstructure:"num_host_blocks"`
	BlockSize       int `mapstructure:"block_size"`
	MaxSequences    int `mapstructure:"max_sequences"`
	CacheDType      ml.DType
}

type Runner struct {
	cfg     Config
	backend ml.Backend
	model   model.Model
	sampler sample.Sampler

	mu        sync.Mutex
	device    *kvcache.BlockStore
	host      *kvcache.BlockStore
	alloc     *Allocator
	hostAlloc *Allocator
	waiting   []*Sequence
	running   []*Sequence
	closed    bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

func New(m model.Model, backend ml.Backend, cfg Config) (*Runner, error) {
	mc := m.Config()

	device, err := kvcache.NewBlockStore(kvcache.Config{
		NumLayers:  mc.NumLayers,
		NumBlocks:  cfg.NumDeviceBlocks,
		BlockSize:  cfg.BlockSize,
		NumKVHeads: mc.NumKVHeads,
		HeadDim:    mc.HeadDim,
		DType:      cfg.CacheDType,
		Memory:     ml.DeviceMemory,
	})
	if err != nil {
		return nil, err
	}

	r := &Runner{
		cfg:     cfg,
		backend: backend,
		model:   m,
		sampler: sample.Greedy(),
		device:  device,
		alloc:   NewAllocator(cfg.NumDeviceBlocks, cfg.BlockSize),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	if cfg.NumHostBlocks > 0 {
		r.host, err = kvcache.NewBlockStore(kvcache.Config{
			NumLayers:  mc.NumLayers,
			NumBlocks:  cfg.NumHostBlocks,
			BlockSize:  cfg.BlockSize,
			NumKVHeads: mc.NumKVHeads,
			HeadDim:    mc.HeadDim,
			DType:      cfg.CacheDType,
			Memory:     ml.HostMemory,
		})
		if err != nil {
			return nil, err
		}
		r.hostAlloc = NewAllocator(cfg.NumHostBlocks, cfg.BlockSize)
	}

	return r, nil
}

func (r *Runner) Start() {
	go r.loop()
}

func (r *Runner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	close(r.stop)
	<-r.done
}

// Submit queues a generation request and returns its sequence. The
// caller observes completion through Sequence.Wait.
func (r *Runner) Submit(prompt []int32, maxNewTokens int) (*Sequence, error) {
	if len(prompt) == 0 {
		return nil, ml.ShapeErrorf("empty prompt")
	}
	if maxNewTokens <= 0 {
		return nil, fmt.Errorf("%w: max new tokens %d", ml.ErrUnsupportedConfiguration, maxNewTokens)
	}

	seq := NewSequence(prompt, maxNewTokens, r.cfg.BlockSize)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.waiting = append(r.waiting, seq)
	r.mu.Unlock()

	r.notify()
	return seq, nil
}

func (r *Runner) notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Runner) loop() {
	defer close(r.done)

	for {
		select {
		case <-r.stop:
			r.mu.Lock()
			for _, s := range append(r.waiting, r.running...) {
				s.finish(ErrClosed)
			}
			r.waiting, r.running = nil, nil
			r.mu.Unlock()
			return
		case <-r.wake:
		}

		for {
			busy, err := r.step()
			if err != nil {
				slog.Error("forward pass failed", "error", err)
			}
			if !busy {
				break
			}
		}
	}
}

// step runs one forward pass over the current batch. It reports
// whether more work remains queued.
func (r *Runner) step() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.admit()

	// Grow block tables first. Growth may preempt other running
	// sequences to the host tier, so it must settle before the batch
	// is assembled.
	for i := 0; i < len(r.running); i++ {
		s := r.running[i]
		if err := r.growTable(s); err != nil {
			s.finish(err)
		}
	}
	r.running = r.compact(r.running)

	if len(r.running) == 0 {
		return len(r.waiting) > 0, nil
	}

	var (
		seqs     []attention.Sequence
		tokens   []int32
		position []int64
		selected []int32
	)

	// Prefill sequences first, then decode, matching the token order
	// the metadata declares.
	batch := make([]*Sequence, 0, len(r.running))
	for _, s := range r.running {
		if !s.isDecode() {
			batch = append(batch, s)
		}
	}
	numPrefill := len(batch)
	for _, s := range r.running {
		if s.isDecode() {
			batch = append(batch, s)
		}
	}

	for _, s := range batch {
		for p := s.NumCached; p < s.Len(); p++ {
			tokens = append(tokens, s.Tokens[p])
			position = append(position, int64(p))
		}
		selected = append(selected, int32(len(tokens)-1))

		seqs = append(seqs, attention.Sequence{
			Table:      s.Table,
			ContextLen: s.NumCached,
			NumNew:     s.NumNew(),
			Decode:     s.isDecode(),
		})
	}

	meta, err := attention.Build(seqs, r.cfg.BlockSize)
	if err != nil {
		return false, err
	}

	logutil.Trace("dispatching batch",
		"sequences", len(batch), "prefill", numPrefill,
		"prefill_tokens", meta.NumPrefillTokens, "decode_tokens", meta.NumDecodeTokens)

	logits, err := r.model.Forward(model.Inputs{
		TokenIDs:          ml.FromInts(tokens, 1, len(tokens)),
		Positions:         ml.FromInt64s(position, 1, len(position)),
		SelectedPositions: ml.FromInts(selected, 1, len(selected)),
		Cache:             r.device,
		Metadata:          meta,
	})
	if err != nil {
		// The scatter may have landed before the failure; drop the
		// whole batch rather than trust half-written cache state.
		for _, s := range batch {
			r.releaseBlocks(s)
			s.finish(err)
		}
		r.running = r.compact(r.running)
		return len(r.waiting) > 0, err
	}

	vocab := logits.Dim(1)
	raw := logits.Floats()
	for i, s := range batch {
		s.NumCached = s.Len()
		r.recordPrefix(s)

		next, err := r.sampler.Sample(raw[i*vocab : (i+1)*vocab])
		if err != nil {
			r.releaseBlocks(s)
			s.finish(err)
			continue
		}

		s.append(next)
		if r.model.Config().IsEOS(next) || s.NumGenerated() >= s.MaxNewTokens {
			r.releaseBlocks(s)
			s.finish(nil)
		}
	}

	r.running = r.compact(r.running)
	return len(r.running) > 0 || len(r.waiting) > 0, nil
}

func (s *Sequence) isDecode() bool {
	return s.NumNew() == 1 && s.NumCached > 0
}

// admit moves waiting sequences into the running set while device
// blocks last. Swapped-out sequences come back first.
func (r *Runner) admit() {
	for len(r.waiting) > 0 && len(r.running) < r.cfg.MaxSequences {
		s := r.waiting[0]

		if s.State == StateSwapped {
			if err := r.restore(s); err != nil {
				break
			}
		} else {
			if r.alloc.FreeBlocks() < s.Table.BlocksNeeded(s.Len()) {
				break
			}

			r.adoptPrefix(s)
			if err := r.growTable(s); err != nil {
				break
			}
		}

		s.State = StateRunning
		r.waiting = r.waiting[1:]
		r.running = append(r.running, s)
	}
}

// adoptPrefix walks the prompt's full blocks through the prefix
// cache and adopts every leading hit, leaving at least one token to
// compute so the pass still produces logits for the sequence.
func (r *Runner) adoptPrefix(s *Sequence) {
	var prefix uint64
	for start := 0; start+r.cfg.BlockSize < s.NumPromptTokens; start += r.cfg.BlockSize {
		chunk := s.Tokens[start : start+r.cfg.BlockSize]
		prefix = HashBlock(chunk, prefix)

		id, ok := r.alloc.Lookup(prefix, chunk)
		if !ok {
			return
		}

		s.Table.Append(id)
		s.NumCached += r.cfg.BlockSize
	}
}

// growTable allocates blocks until the table covers the sequence.
func (r *Runner) growTable(s *Sequence) error {
	for s.Table.Len() < s.Table.BlocksNeeded(s.Len()) {
		id, err := r.alloc.Allocate()
		if err != nil {
			if r.evictOne(s) {
				continue
			}

			r.releaseBlocks(s)
			return err
		}

		s.Table.Append(id)
	}

	return nil
}

// recordPrefix publishes hashes for every fully-computed block the
// sequence exclusively filled, making them reusable by later
// prompts.
func (r *Runner) recordPrefix(s *Sequence) {
	blocks := s.Table.Blocks()
	var prefix uint64
	for i := 0; (i+1)*r.cfg.BlockSize <= s.NumCached; i++ {
		chunk := s.Tokens[i*r.cfg.BlockSize : (i+1)*r.cfg.BlockSize]
		prefix = HashBlock(chunk, prefix)
		r.alloc.Record(blocks[i], prefix, chunk)
	}
}

func (r *Runner) releaseBlocks(s *Sequence) {
	for _, id := range s.Table.Blocks() {
		r.alloc.Release(id)
	}

	s.Table = kvcache.NewBlockTable(r.cfg.BlockSize)
	s.NumCached = 0
}

// Fork duplicates a running sequence into fresh blocks via block
// copies, so parallel sampling can diverge without sharing writable
// state.
func (r *Runner) Fork(id string) (*Sequence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var src *Sequence
	for _, s := range r.running {
		if s.ID == id {
			src = s
			break
		}
	}
	if src == nil {
		return nil, fmt.Errorf("no running sequence %q", id)
	}

	srcBlocks := src.Table.Blocks()
	fork := NewSequence(src.Tokens, src.MaxNewTokens, r.cfg.BlockSize)
	fork.NumPromptTokens = src.NumPromptTokens
	fork.NumCached = src.NumCached

	var pairs [][2]int32
	for _, b := range srcBlocks {
		nb, err := r.alloc.Allocate()
		if err != nil {
			r.releaseBlocks(fork)
			return nil, err
		}

		fork.Table.Append(nb)
		pairs = append(pairs, [2]int32{b, nb})
	}

	if err := kvcache.CopyBlocks(r.backend, r.device, pairs); err != nil {
		r.releaseBlocks(fork)
		return nil, err
	}

	fork.State = StateRunning
	r.running = append(r.running, fork)
	return fork, nil
}

// evictOne swaps the most recently admitted other sequence out to
// the host tier to free device blocks. Reports whether anything was
// evicted.
func (r *Runner) evictOne(keep *Sequence) bool {
	if r.host == nil {
		return false
	}

	for i := len(r.running) - 1; i >= 0; i-- {
		victim := r.running[i]
		if victim == keep || victim.State != StateRunning {
			continue
		}

		if err := r.evict(victim); err != nil {
			slog.Warn("eviction failed", "sequence", victim.ID, "error", err)
			return false
		}

		r.running = append(r.running[:i], r.running[i+1:]...)
		r.waiting = append(r.waiting, victim)
		return true
	}

	return false
}

func (r *Runner) evict(s *Sequence) error {
	blocks := s.Table.Blocks()

	var pairs [][2]int32
	var hostBlocks []int32
	for _, b := range blocks {
		hb, err := r.hostAlloc.Allocate()
		if err != nil {
			for _, h := range hostBlocks {
				r.hostAlloc.Release(h)
			}
			return err
		}

		hostBlocks = append(hostBlocks, hb)
		pairs = append(pairs, [2]int32{b, hb})
	}

	if err := kvcache.SwapBlocks(r.backend, r.device, r.host, pairs); err != nil {
		for _, h := range hostBlocks {
			r.hostAlloc.Release(h)
		}
		return err
	}

	for _, b := range blocks {
		r.alloc.Release(b)
	}

	s.Table = kvcache.NewBlockTable(r.cfg.BlockSize)
	s.swapped = hostBlocks
	s.State = StateSwapped

	slog.Debug("evicted sequence", "sequence", s.ID, "blocks", len(hostBlocks))
	return nil
}

func (r *Runner) restore(s *Sequence) error {
	needed := len(s.swapped)
	if r.alloc.FreeBlocks() < needed {
		return fmt.Errorf("%w: %d device blocks free, restore needs %d",
			ml.ErrDeviceStorage, r.alloc.FreeBlocks(), needed)
	}

	table := kvcache.NewBlockTable(r.cfg.BlockSize)
	var pairs [][2]int32
	for _, hb := range s.swapped {
		db, err := r.alloc.Allocate()
		if err != nil {
			for _, b := range table.Blocks() {
				r.alloc.Release(b)
			}
			return err
		}

		table.Append(db)
		pairs = append(pairs, [2]int32{hb, db})
	}

	if err := kvcache.SwapBlocks(r.backend, r.host, r.device, pairs); err != nil {
		for _, b := range table.Blocks() {
			r.alloc.Release(b)
		}
		return err
	}

	for _, hb := range s.swapped {
		r.hostAlloc.Release(hb)
	}

	s.Table = table
	s.swapped = nil

	slog.Debug("restored sequence", "sequence", s.ID, "blocks", needed)
	return nil
}

func (r *Runner) compact(seqs []*Sequence) []*Sequence {
	out := seqs[:0]
	for _, s := range seqs {
		if s.State != StateFinished {
			out = append(out, s)
		}
	}

	return out
}
