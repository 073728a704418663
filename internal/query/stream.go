package query

import (
	"io"
	"strings"
	"sync"

	"github.com/kbgateway/backend/internal/llm"
)

// AnswerStream is the caller-facing view of a streamed answer: lazy,
// single-pass, fragments in order. Only a fully drained stream commits
// the turn to the run's history; a cancelled or failed one records
// nothing.
type AnswerStream struct {
	TenantKey string
	RunID     string

	inner      *llm.FragmentStream
	buf        strings.Builder
	once       sync.Once
	onComplete func(answer string)
}

// NewAnswerStream wraps a backend fragment stream. onComplete, if
// non-nil, runs once with the full answer after the stream drains
// cleanly.
func NewAnswerStream(tenantKey, runID string, inner *llm.FragmentStream, onComplete func(answer string)) *AnswerStream {
	return &AnswerStream{
		TenantKey:  tenantKey,
		RunID:      runID,
		inner:      inner,
		onComplete: onComplete,
	}
}

// Recv returns the next fragment, io.EOF after the last one.
func (s *AnswerStream) Recv() (string, error) {
	frag, err := s.inner.Recv()
	if err == nil {
		s.buf.WriteString(frag)
		return frag, nil
	}

	if err == io.EOF && s.onComplete != nil {
		s.once.Do(func() { s.onComplete(s.buf.String()) })
	}

	return "", err
}

// Collect drains the stream into the final answer text.
func (s *AnswerStream) Collect() (string, error) {
	for {
		_, err := s.Recv()
		if err == io.EOF {
			return s.buf.String(), nil
		}
		if err != nil {
			return "", err
		}
	}
}
