package engine

import (
	"context"
	"io"
	"sync"

	"github.com/go-go-golems/palaver/pkg/helpers"
	"github.com/pkg/errors"
)

// Stream is a single-consumption sequence of generated text increments.
// Recv returns io.EOF once the sequence is exhausted.
type Stream interface {
	Recv() (string, error)
	Close() error
}

func IsEndOfStream(err error) bool {
	return errors.Is(err, io.EOF)
}

// ChannelStream adapts a producer goroutine that writes results into a
// channel. The producer closes the channel when it is done. Close cancels the
// producer's context.
type ChannelStream struct {
	c      <-chan helpers.Result[string]
	cancel context.CancelFunc
	once   sync.Once
}

func NewChannelStream(c <-chan helpers.Result[string], cancel context.CancelFunc) *ChannelStream {
	return &ChannelStream{
		c:      c,
		cancel: cancel,
	}
}

func (s *ChannelStream) Recv() (string, error) {
	r, ok := <-s.c
	if !ok {
		return "", io.EOF
	}
	return r.Value()
}

func (s *ChannelStream) Close() error {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
	return nil
}

var _ Stream = (*ChannelStream)(nil)

// SliceStream replays a fixed list of increments.
type SliceStream struct {
	mu     sync.Mutex
	tokens []string
	closed bool
}

func NewSliceStream(tokens ...string) *SliceStream {
	return &SliceStream{tokens: tokens}
}

func (s *SliceStream) Recv() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.tokens) == 0 {
		return "", io.EOF
	}
	t := s.tokens[0]
	s.tokens = s.tokens[1:]
	return t, nil
}

func (s *SliceStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ Stream = (*SliceStream)(nil)
