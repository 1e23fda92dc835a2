package embeddings

import (
	"context"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/pkg/errors"
	go_openai "github.com/sashabaranov/go-openai"
)

const DefaultOpenAIModel = "text-embedding-ada-002"

type OpenAIProvider struct {
	client *go_openai.Client
	model  go_openai.EmbeddingModel
}

var _ Provider = (*OpenAIProvider)(nil)

func NewOpenAIProvider(apiKey, baseURL, model string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, errors.New("openai embeddings need an api key")
	}
	if model == "" {
		model = DefaultOpenAIModel
	}
	var m go_openai.EmbeddingModel
	_ = m.UnmarshalText([]byte(model))
	if m == go_openai.Unknown {
		return nil, errors.Errorf("unknown openai embedding model %q", model)
	}
	config := go_openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &OpenAIProvider{
		client: go_openai.NewClientWithConfig(config),
		model:  m,
	}, nil
}

func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := p.client.CreateEmbeddings(ctx, go_openai.EmbeddingRequest{
		Input: texts,
		Model: p.model,
	})
	if err != nil {
		return nil, conversation.NewUpstreamError("embeddings", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, conversation.NewUpstreamError("embeddings",
			errors.Errorf("got %d embeddings for %d inputs", len(resp.Data), len(texts)))
	}
	ret := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(ret) {
			return nil, conversation.NewUpstreamError("embeddings", errors.Errorf("embedding index %d out of range", d.Index))
		}
		ret[d.Index] = d.Embedding
	}
	return ret, nil
}

func (p *OpenAIProvider) Model() Model {
	return Model{Name: p.model.String()}
}
