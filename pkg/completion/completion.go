// Package completion talks to the hosted language model. A Service turns an
// ordered history plus a system prompt into a stream of text chunks.
package completion

import (
	"context"

	"github.com/go-go-golems/branchchat/pkg/conversation"
)

type Request struct {
	Model        string
	SystemPrompt string
	// Messages is the history followed by the message being answered.
	Messages    []conversation.ChatMessage
	MaxTokens   int
	Temperature float32
}

// Stream yields text chunks. Recv returns io.EOF once the reply is complete;
// any other error means the reply was cut short.
type Stream interface {
	Recv() (string, error)
	Close() error
}

type Service interface {
	Stream(ctx context.Context, req *Request) (Stream, error)
}
