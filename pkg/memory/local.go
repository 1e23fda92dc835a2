package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/embeddings"
)

// LocalService keeps facts in process. Facts are ranked by the cosine
// similarity of their embeddings when an embedder is set, and by keyword
// overlap otherwise.
type LocalService struct {
	mu       sync.RWMutex
	facts    map[string]*Fact
	vectors  map[string][]float32
	order    []string
	now      func() time.Time
	embedder embeddings.Provider
}

var _ Service = (*LocalService)(nil)

type LocalOption func(*LocalService)

// WithClock overrides the creation time source.
func WithClock(now func() time.Time) LocalOption {
	return func(s *LocalService) {
		s.now = now
	}
}

// WithEmbedder ranks searches by embedding similarity.
func WithEmbedder(p embeddings.Provider) LocalOption {
	return func(s *LocalService) {
		s.embedder = p
	}
}

func NewLocalService(opts ...LocalOption) *LocalService {
	s := &LocalService{
		facts:   map[string]*Fact{},
		vectors: map[string][]float32{},
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func tokenize(s string) map[string]struct{} {
	ret := map[string]struct{}{}
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(w) < 3 {
			continue
		}
		ret[w] = struct{}{}
	}
	return ret
}

func (s *LocalService) Search(ctx context.Context, conversationID string, query string, limit int) ([]Fact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	score, err := s.scorer(ctx, query)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	var ret []Fact
	for _, id := range s.order {
		f := s.facts[id]
		if f.ConversationID != conversationID {
			continue
		}
		c := *f
		c.Score = score(f)
		if c.Score <= 0 {
			continue
		}
		ret = append(ret, c)
	}
	s.mu.RUnlock()

	sort.SliceStable(ret, func(i, j int) bool {
		return ret[i].Score > ret[j].Score
	})
	if limit > 0 && len(ret) > limit {
		ret = ret[:limit]
	}
	return ret, nil
}

// scorer returns the ranking function for query. The returned function reads
// s.vectors and must run with s.mu held.
func (s *LocalService) scorer(ctx context.Context, query string) (func(*Fact) float64, error) {
	if s.embedder != nil {
		q, err := embeddings.EmbedOne(ctx, s.embedder, query)
		if err != nil {
			return nil, err
		}
		return func(f *Fact) float64 {
			return embeddings.Cosine(q, s.vectors[f.ID])
		}, nil
	}

	words := tokenize(query)
	return func(f *Fact) float64 {
		if len(words) == 0 {
			return 0
		}
		n := 0
		for w := range tokenize(f.Text) {
			if _, ok := words[w]; ok {
				n++
			}
		}
		return float64(n) / float64(len(words))
	}, nil
}

func (s *LocalService) embed(ctx context.Context, text string) ([]float32, error) {
	if s.embedder == nil {
		return nil, nil
	}
	return embeddings.EmbedOne(ctx, s.embedder, text)
}

func (s *LocalService) List(ctx context.Context, conversationID string, filter Filter) ([]Fact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ret []Fact
	for _, id := range s.order {
		f := s.facts[id]
		if f.ConversationID == conversationID && filter.Match(f.CreatedAt) {
			ret = append(ret, *f)
		}
	}
	return ret, nil
}

func (s *LocalService) Add(ctx context.Context, conversationID string, exchange Exchange) (*Fact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	at := exchange.At
	if at.IsZero() {
		at = s.now()
	}
	f := &Fact{
		ID:             conversation.NewID(),
		ConversationID: conversationID,
		Text:           exchange.Text(),
		CreatedAt:      at,
		UpdatedAt:      at,
	}
	v, err := s.embed(ctx, f.Text)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.facts[f.ID] = f
	s.vectors[f.ID] = v
	s.order = append(s.order, f.ID)
	s.mu.Unlock()

	c := *f
	return &c, nil
}

func (s *LocalService) Update(ctx context.Context, factID string, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v, err := s.embed(ctx, text)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.facts[factID]
	if !ok {
		return conversation.NewNotFoundError("memory", factID)
	}
	f.Text = text
	s.vectors[f.ID] = v
	f.UpdatedAt = s.now()
	return nil
}
