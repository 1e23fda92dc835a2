// Package memory keeps long-lived facts about a conversation and feeds the
// relevant ones back into the system prompt.
//
// Facts are scoped to a conversation. Searches return the best matches for a
// query; lists return facts by creation time. The Augmenter renders facts into
// the prompt template and the Recorder writes finished exchanges back.
package memory

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type Fact struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	// Score is the search relevance, higher is better. Zero for lists.
	Score float64 `json:"score,omitempty"`
}

// Exchange is one question and its reply.
type Exchange struct {
	Query string
	Reply string
	At    time.Time
}

func (e Exchange) Text() string {
	return fmt.Sprintf("User: %s\nAssistant: %s", strings.TrimSpace(e.Query), strings.TrimSpace(e.Reply))
}

// Filter selects facts created within [From, To]. Zero bounds are open.
type Filter struct {
	From time.Time
	To   time.Time
}

func (f Filter) Match(t time.Time) bool {
	if !f.From.IsZero() && t.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && t.After(f.To) {
		return false
	}
	return true
}

type Service interface {
	Search(ctx context.Context, conversationID string, query string, limit int) ([]Fact, error)
	List(ctx context.Context, conversationID string, filter Filter) ([]Fact, error)
	Add(ctx context.Context, conversationID string, exchange Exchange) (*Fact, error)
	Update(ctx context.Context, factID string, text string) error
}

// BeforeOnly keeps the facts created strictly before asOf.
func BeforeOnly(facts []Fact, asOf time.Time) []Fact {
	ret := make([]Fact, 0, len(facts))
	for _, f := range facts {
		if f.CreatedAt.Before(asOf) {
			ret = append(ret, f)
		}
	}
	return ret
}

// NoopService stores nothing. It is used when memory is disabled.
type NoopService struct{}

var _ Service = NoopService{}

func (NoopService) Search(context.Context, string, string, int) ([]Fact, error) { return nil, nil }
func (NoopService) List(context.Context, string, Filter) ([]Fact, error)        { return nil, nil }
func (NoopService) Add(context.Context, string, Exchange) (*Fact, error)        { return nil, nil }
func (NoopService) Update(context.Context, string, string) error                { return nil }
