package completion

import (
	"sync"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"
)

// messageOverhead approximates the per-message framing tokens of chat models.
const messageOverhead = 4

type TokenCounter interface {
	Count(text string) int
}

type TokenCounterFunc func(text string) int

func (f TokenCounterFunc) Count(text string) int { return f(text) }

// TiktokenCounter counts tokens with a tiktoken encoding.
type TiktokenCounter struct {
	codec tokenizer.Codec
}

var (
	defaultCounterOnce sync.Once
	defaultCounter     *TiktokenCounter
	defaultCounterErr  error
)

func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	if encoding == "" {
		encoding = string(tokenizer.Cl100kBase)
	}
	codec, err := tokenizer.Get(tokenizer.Encoding(encoding))
	if err != nil {
		return nil, errors.Wrapf(err, "load tokenizer %s", encoding)
	}
	return &TiktokenCounter{codec: codec}, nil
}

// DefaultTokenCounter returns a shared cl100k_base counter.
func DefaultTokenCounter() (*TiktokenCounter, error) {
	defaultCounterOnce.Do(func() {
		defaultCounter, defaultCounterErr = NewTiktokenCounter("")
	})
	return defaultCounter, defaultCounterErr
}

func (t *TiktokenCounter) Count(text string) int {
	ids, _, err := t.codec.Encode(text)
	if err != nil {
		// rough fallback, four characters per token
		return len(text)/4 + 1
	}
	return len(ids)
}

// CountMessages sums the tokens of msgs including framing overhead.
func CountMessages(counter TokenCounter, msgs []conversation.ChatMessage) int {
	total := 0
	for _, m := range msgs {
		total += counter.Count(m.Content) + messageOverhead
	}
	return total
}

// TrimToBudget drops the oldest history entries until system prompt, history and
// query fit in budget tokens. Entries are dropped as whole user/assistant pairs;
// a leading unpaired message is dropped on its own. The query itself is never
// dropped. A budget of zero or less disables trimming.
func TrimToBudget(
	counter TokenCounter,
	budget int,
	systemPrompt string,
	history []conversation.ChatMessage,
	query conversation.ChatMessage,
) []conversation.ChatMessage {
	if budget <= 0 || counter == nil {
		return history
	}
	fixed := counter.Count(systemPrompt) + messageOverhead + counter.Count(query.Content) + messageOverhead

	sizes := make([]int, len(history))
	used := fixed
	for i, m := range history {
		sizes[i] = counter.Count(m.Content) + messageOverhead
		used += sizes[i]
	}

	start := 0
	for used > budget && start < len(history) {
		step := 1
		if history[start].Role == conversation.RoleUser &&
			start+1 < len(history) && history[start+1].Role == conversation.RoleAssistant {
			step = 2
		}
		for i := 0; i < step; i++ {
			used -= sizes[start]
			start++
		}
	}
	if start > 0 {
		log.Debug().
			Int("dropped", start).
			Int("kept", len(history)-start).
			Int("budget", budget).
			Int("tokens", used).
			Msg("Trimmed history to fit context window")
	}
	return history[start:]
}
