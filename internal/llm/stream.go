package llm

import (
	"context"
	"io"
	"sync"
)

// FragmentStream is a lazy, single-pass sequence of completion
// fragments. Recv blocks for the next fragment and returns io.EOF after
// the last one. The producer stops promptly once the consumer's context
// is cancelled; fragments are never buffered beyond the channel window.
type FragmentStream struct {
	fragments chan string

	mu   sync.Mutex
	err  error
	done chan struct{}
}

// NewFragmentStream returns an open stream. The producer feeds it with
// Send and must call Finish exactly once.
func NewFragmentStream() *FragmentStream {
	return &FragmentStream{
		fragments: make(chan string, 16),
		done:      make(chan struct{}),
	}
}

// Send delivers one fragment, giving up when ctx ends. Returns false if
// the fragment was not delivered.
func (s *FragmentStream) Send(ctx context.Context, text string) bool {
	if text == "" {
		return true
	}
	select {
	case s.fragments <- text:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *FragmentStream) Finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.done)
	close(s.fragments)
}

// Recv returns the next fragment in order. After the stream is
// exhausted it returns "" with io.EOF on success, or the terminal error.
func (s *FragmentStream) Recv() (string, error) {
	text, ok := <-s.fragments
	if ok {
		return text, nil
	}

	s.mu.Lock()
	err := s.err
	s.mu.Unlock()

	if err != nil {
		return "", err
	}
	return "", io.EOF
}

// Done is closed once the producer has finished, successfully or not.
func (s *FragmentStream) Done() <-chan struct{} {
	return s.done
}

// Err reports the terminal error, if any, after Done is closed.
func (s *FragmentStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
