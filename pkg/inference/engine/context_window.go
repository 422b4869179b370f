package engine

import (
	"github.com/go-go-golems/palaver/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"
)

// per-message framing overhead used by the chat completion format
const tokensPerMessage = 4

// TokenCounter counts the tokens a message occupies in a prompt.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter picks the codec for model, falling back to cl100k_base for
// models the tokenizer does not know.
func NewTokenCounter(model string) (*TokenCounter, error) {
	if model != "" {
		c, err := tokenizer.ForModel(tokenizer.Model(model))
		if err == nil {
			return &TokenCounter{codec: c}, nil
		}
		log.Debug().Str("model", model).Msg("unknown tokenizer model, using cl100k_base")
	}
	c, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, errors.Wrap(err, "could not load tokenizer")
	}
	return &TokenCounter{codec: c}, nil
}

func (tc *TokenCounter) Count(text string) (int, error) {
	ids, _, err := tc.codec.Encode(text)
	if err != nil {
		return 0, errors.Wrap(err, "could not encode text")
	}
	return len(ids), nil
}

func (tc *TokenCounter) CountMessage(m *conversation.Message) (int, error) {
	n, err := tc.Count(m.Content)
	if err != nil {
		return 0, err
	}
	return n + tokensPerMessage, nil
}

// TrimToContextWindow drops the oldest non-system messages until the
// conversation fits in maxTokens, leaving room for maxNewTokens of output.
// System messages and the most recent message are always kept. A maxTokens of
// 0 disables trimming.
func TrimToContextWindow(
	tc *TokenCounter,
	messages conversation.Conversation,
	maxTokens int,
	maxNewTokens int,
) (conversation.Conversation, error) {
	if maxTokens <= 0 || len(messages) == 0 {
		return messages, nil
	}
	budget := maxTokens - maxNewTokens
	if budget <= 0 {
		return nil, &ValidationError{Field: "max_context_tokens", Reason: "must exceed max_new_tokens"}
	}

	counts := make([]int, len(messages))
	total := 0
	for i, m := range messages {
		n, err := tc.CountMessage(m)
		if err != nil {
			return nil, err
		}
		counts[i] = n
		total += n
	}

	drop := make([]bool, len(messages))
	for i := 0; i < len(messages)-1 && total > budget; i++ {
		if messages[i].Role == conversation.RoleSystem {
			continue
		}
		drop[i] = true
		total -= counts[i]
	}

	ret := make(conversation.Conversation, 0, len(messages))
	for i, m := range messages {
		if !drop[i] {
			ret = append(ret, m)
		}
	}

	if dropped := len(messages) - len(ret); dropped > 0 {
		log.Debug().
			Int("dropped", dropped).
			Int("tokens", total).
			Int("budget", budget).
			Msg("trimmed conversation to context window")
	}

	return ret, nil
}
