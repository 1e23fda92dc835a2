package memory

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/weaviate/weaviate-go-client/v4/weaviate"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/graphql"
)

const DefaultClass = "Memory"

// WeaviateService stores facts as objects of one weaviate class. Searches use
// nearText, so the class needs a text vectorizer module.
type WeaviateService struct {
	client *weaviate.Client
	class  string
	now    func() time.Time
}

var _ Service = (*WeaviateService)(nil)

func NewWeaviateService(host, scheme, class string) (*WeaviateService, error) {
	if host == "" {
		return nil, errors.New("no weaviate host configured")
	}
	if scheme == "" {
		scheme = "http"
	}
	if class == "" {
		class = DefaultClass
	}
	client, err := weaviate.NewClient(weaviate.Config{
		Host:   host,
		Scheme: scheme,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create weaviate client")
	}
	return &WeaviateService{client: client, class: class, now: time.Now}, nil
}

func (w *WeaviateService) fields(withCertainty bool) []graphql.Field {
	additional := []graphql.Field{{Name: "id"}}
	if withCertainty {
		additional = append(additional, graphql.Field{Name: "certainty"})
	}
	return []graphql.Field{
		{Name: "conversationId"},
		{Name: "text"},
		{Name: "createdAt"},
		{Name: "updatedAt"},
		{Name: "_additional", Fields: additional},
	}
}

func conversationFilter(conversationID string) *filters.WhereBuilder {
	return filters.Where().
		WithPath([]string{"conversationId"}).
		WithOperator(filters.Equal).
		WithValueText(conversationID)
}

func listFilter(conversationID string, filter Filter) *filters.WhereBuilder {
	operands := []*filters.WhereBuilder{conversationFilter(conversationID)}
	if !filter.From.IsZero() {
		operands = append(operands, filters.Where().
			WithPath([]string{"createdAt"}).
			WithOperator(filters.GreaterThanEqual).
			WithValueDate(filter.From))
	}
	if !filter.To.IsZero() {
		operands = append(operands, filters.Where().
			WithPath([]string{"createdAt"}).
			WithOperator(filters.LessThanEqual).
			WithValueDate(filter.To))
	}
	if len(operands) == 1 {
		return operands[0]
	}
	return filters.Where().WithOperator(filters.And).WithOperands(operands)
}

func (w *WeaviateService) searchQuery(conversationID, query string, limit int) *graphql.GetBuilder {
	nearText := w.client.GraphQL().NearTextArgBuilder().WithConcepts([]string{query})
	b := w.client.GraphQL().Get().
		WithClassName(w.class).
		WithFields(w.fields(true)...).
		WithNearText(nearText).
		WithWhere(conversationFilter(conversationID))
	if limit > 0 {
		b = b.WithLimit(limit)
	}
	return b
}

func (w *WeaviateService) listQuery(conversationID string, filter Filter) *graphql.GetBuilder {
	return w.client.GraphQL().Get().
		WithClassName(w.class).
		WithFields(w.fields(false)...).
		WithWhere(listFilter(conversationID, filter))
}

func (w *WeaviateService) run(ctx context.Context, b *graphql.GetBuilder) ([]Fact, error) {
	resp, err := b.Do(ctx)
	if err != nil {
		return nil, conversation.NewUpstreamError("memory", err)
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, conversation.NewUpstreamError("memory", errors.New(strings.Join(msgs, "; ")))
	}
	payload, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, errors.Wrap(err, "encode weaviate response")
	}
	return parseGetResponse(w.class, payload)
}

func (w *WeaviateService) Search(ctx context.Context, conversationID string, query string, limit int) ([]Fact, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	return w.run(ctx, w.searchQuery(conversationID, query, limit))
}

func (w *WeaviateService) List(ctx context.Context, conversationID string, filter Filter) ([]Fact, error) {
	return w.run(ctx, w.listQuery(conversationID, filter))
}

func (w *WeaviateService) Add(ctx context.Context, conversationID string, exchange Exchange) (*Fact, error) {
	at := exchange.At
	if at.IsZero() {
		at = w.now()
	}
	f := &Fact{
		ID:             conversation.NewID(),
		ConversationID: conversationID,
		Text:           exchange.Text(),
		CreatedAt:      at,
		UpdatedAt:      at,
	}
	_, err := w.client.Data().Creator().
		WithClassName(w.class).
		WithID(f.ID).
		WithProperties(factProperties(f)).
		Do(ctx)
	if err != nil {
		return nil, conversation.NewUpstreamError("memory", err)
	}
	log.Debug().Str("fact", f.ID).Str("conversation", conversationID).Msg("Added memory to weaviate")
	return f, nil
}

func (w *WeaviateService) Update(ctx context.Context, factID string, text string) error {
	err := w.client.Data().Updater().
		WithClassName(w.class).
		WithID(factID).
		WithProperties(map[string]interface{}{
			"text":      text,
			"updatedAt": w.now().UTC().Format(time.RFC3339Nano),
		}).
		WithMerge().
		Do(ctx)
	if err != nil {
		return conversation.NewUpstreamError("memory", err)
	}
	return nil
}

func factProperties(f *Fact) map[string]interface{} {
	return map[string]interface{}{
		"conversationId": f.ConversationID,
		"text":           f.Text,
		"createdAt":      f.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updatedAt":      f.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

type weaviateObject struct {
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
	CreatedAt      string `json:"createdAt"`
	UpdatedAt      string `json:"updatedAt"`
	Additional     struct {
		ID        string   `json:"id"`
		Certainty *float64 `json:"certainty"`
	} `json:"_additional"`
}

// parseGetResponse decodes the data section of a Get query for class.
func parseGetResponse(class string, data []byte) ([]Fact, error) {
	var envelope struct {
		Get map[string][]weaviateObject `json:"Get"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, errors.Wrap(err, "decode weaviate response")
	}
	objects := envelope.Get[class]
	ret := make([]Fact, 0, len(objects))
	for _, o := range objects {
		f := Fact{
			ID:             o.Additional.ID,
			ConversationID: o.ConversationID,
			Text:           o.Text,
		}
		if o.CreatedAt != "" {
			t, err := time.Parse(time.RFC3339Nano, o.CreatedAt)
			if err != nil {
				return nil, errors.Wrapf(err, "parse createdAt of %s", f.ID)
			}
			f.CreatedAt = t
		}
		if o.UpdatedAt != "" {
			if t, err := time.Parse(time.RFC3339Nano, o.UpdatedAt); err == nil {
				f.UpdatedAt = t
			}
		}
		if o.Additional.Certainty != nil {
			f.Score = *o.Additional.Certainty
		}
		ret = append(ret, f)
	}
	return ret, nil
}
