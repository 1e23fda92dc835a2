package completion

import (
	"context"
	"io"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"
)

// OpenAIService streams chat completions from an OpenAI compatible endpoint.
type OpenAIService struct {
	client       *go_openai.Client
	defaultModel string
}

var _ Service = (*OpenAIService)(nil)

func NewOpenAIService(apiKey, baseURL, defaultModel string) (*OpenAIService, error) {
	if apiKey == "" {
		return nil, errors.New("no API key for openai")
	}
	config := go_openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &OpenAIService{
		client:       go_openai.NewClientWithConfig(config),
		defaultModel: defaultModel,
	}, nil
}

func (o *OpenAIService) makeRequest(req *Request) go_openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = o.defaultModel
	}
	msgs := make([]go_openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, go_openai.ChatCompletionMessage{
			Role:    go_openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.Messages {
		role := go_openai.ChatMessageRoleUser
		if m.Role == conversation.RoleAssistant {
			role = go_openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, go_openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return go_openai.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      true,
	}
}

func (o *OpenAIService) Stream(ctx context.Context, req *Request) (Stream, error) {
	oreq := o.makeRequest(req)
	log.Debug().
		Str("model", oreq.Model).
		Int("messages", len(oreq.Messages)).
		Int("max_tokens", oreq.MaxTokens).
		Msg("OpenAI chat completion stream request")

	stream, err := o.client.CreateChatCompletionStream(ctx, oreq)
	if err != nil {
		return nil, conversation.NewUpstreamError("completion", err)
	}
	return &openAIStream{stream: stream}, nil
}

type openAIStream struct {
	stream *go_openai.ChatCompletionStream
}

func (s *openAIStream) Recv() (string, error) {
	for {
		response, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", conversation.NewUpstreamError("completion", err)
		}
		if len(response.Choices) == 0 {
			continue
		}
		delta := response.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		return delta, nil
	}
}

func (s *openAIStream) Close() error {
	s.stream.Close()
	return nil
}
