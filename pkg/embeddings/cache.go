package embeddings

import (
	"container/list"
	"context"
	"sync"

	"github.com/pkg/errors"
)

const DefaultCacheSize = 1000

type cacheEntry struct {
	text      string
	embedding []float32
}

// CachedProvider keeps the most recently used embeddings of a provider.
type CachedProvider struct {
	provider Provider
	maxSize  int

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List
}

var _ Provider = (*CachedProvider)(nil)

func NewCachedProvider(provider Provider, maxSize int) *CachedProvider {
	if maxSize <= 0 {
		maxSize = DefaultCacheSize
	}
	return &CachedProvider{
		provider: provider,
		maxSize:  maxSize,
		entries:  map[string]*list.Element{},
		lru:      list.New(),
	}
}

func (c *CachedProvider) get(text string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[text]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(el)
	return el.Value.(*cacheEntry).embedding, true
}

func (c *CachedProvider) put(text string, embedding []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[text]; ok {
		el.Value.(*cacheEntry).embedding = embedding
		c.lru.MoveToFront(el)
		return
	}
	for c.lru.Len() >= c.maxSize {
		oldest := c.lru.Back()
		delete(c.entries, oldest.Value.(*cacheEntry).text)
		c.lru.Remove(oldest)
	}
	c.entries[text] = c.lru.PushFront(&cacheEntry{text: text, embedding: embedding})
}

// Embed only asks the wrapped provider for texts that are not cached.
func (c *CachedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	ret := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int
	for i, t := range texts {
		if v, ok := c.get(t); ok {
			ret[i] = v
			continue
		}
		missing = append(missing, t)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return ret, nil
	}

	vs, err := c.provider.Embed(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(vs) != len(missing) {
		return nil, errors.Errorf("provider returned %d embeddings for %d texts", len(vs), len(missing))
	}
	for j, v := range vs {
		ret[missingIdx[j]] = v
		c.put(missing[j], v)
	}
	return ret, nil
}

func (c *CachedProvider) Model() Model {
	return c.provider.Model()
}

func (c *CachedProvider) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
