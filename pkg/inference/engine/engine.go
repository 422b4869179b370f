package engine

import (
	"context"

	"github.com/go-go-golems/palaver/pkg/conversation"
)

type Kind string

const (
	// KindLocal engines generate on the machine the process runs on.
	KindLocal Kind = "local"
	// KindRemote engines call an external API.
	KindRemote Kind = "remote"
)

// Engine turns a message history into generated assistant text.
//
// Engines know nothing about sessions or persistence. The message slice is
// the full prompt context; any windowing to fit the model's context size is
// up to the engine.
type Engine interface {
	Name() string
	Kind() Kind

	// Generate returns the complete response in one piece.
	Generate(ctx context.Context, messages conversation.Conversation, opts GenerationOptions) (string, error)

	// GenerateStream returns a lazy sequence of text increments. Concatenating
	// every increment yields the full response. Errors reaching the backend
	// are returned directly as ErrBackendUnavailable; errors while producing
	// increments come out of Stream.Recv as ErrGeneration.
	GenerateStream(ctx context.Context, messages conversation.Conversation, opts GenerationOptions) (Stream, error)
}

// Collect drains stream into a single string.
func Collect(stream Stream) (string, error) {
	defer func() {
		_ = stream.Close()
	}()

	ret := ""
	for {
		delta, err := stream.Recv()
		if err != nil {
			if IsEndOfStream(err) {
				return ret, nil
			}
			return ret, err
		}
		ret += delta
	}
}
