package runner

import (
	"github.com/google/uuid"

	"github.com/quarry-ml/quarry/kvcache"
)

type SequenceState int

const (
	StateWaiting SequenceState = iota
	StateRunning
	StateSwapped
	StateFinished
)

func (s SequenceState) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateRunning:
		return "running"
	case StateSwapped:
		return "swapped"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Sequence tracks one generation request through its lifetime:
// prompt tokens, everything generated so far, how much of it is
// already resident in the cache, and the block table mapping its
// logical blocks to physical ones.
type Sequence struct {
	ID     string
	State  SequenceState
	Tokens []int32

	// NumCached counts tokens whose key/value vectors are already in
	// the cache. Tokens beyond it are the next forward pass's work.
	NumCached int

	NumPromptTokens int
	MaxNewTokens    int

	Table *kvcache.BlockTable

	// set when the sequence was swapped out, maps device blocks the
	// sequence held to the host blocks now holding their content
	swapped []int32

	done chan struct{}
	err  error
}

func NewSequence(prompt []int32, maxNewTokens, blockSize int) *Sequence {
	return &Sequence{
		ID:              uuid.NewString(),
		State:           StateWaiting,
		Tokens:          append([]int32(nil), prompt...),
		NumPromptTokens: len(prompt),
		MaxNewTokens:    maxNewTokens,
		Table:           kvcache.NewBlockTable(blockSize),
		done:            make(chan struct{}),
	}
}

func (s *Sequence) Len() int { return len(s.Tokens) }

func (s *Sequence) NumGenerated() int { return len(s.Tokens) - s.NumPromptTokens }

// NumNew counts tokens awaiting their first forward pass.
func (s *Sequence) NumNew() int { return len(s.Tokens) - s.NumCached }

// Generated returns the tokens produced after the prompt.
func (s *Sequence) Generated() []int32 {
	return append([]int32(nil), s.Tokens[s.NumPromptTokens:]...)
}

func (s *Sequence) append(token int32) {
	s.Tokens = append(s.Tokens, token)
}

func (s *Sequence) finish(err error) {
	s.State = StateFinished
	s.err = err
	close(s.done)
}

// Wait blocks until the sequence finishes and reports its outcome.
func (s *Sequence) Wait() error {
	<-s.done
	return s.err
}
