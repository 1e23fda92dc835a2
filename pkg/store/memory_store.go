package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/pkg/errors"
)

var ErrStoreClosed = errors.New("store is closed")

// MemoryStore keeps everything in process. Reads and writes hand out copies.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*conversation.Conversation
	groups        map[string]*conversation.VersionGroup
	messages      map[string]*conversation.Message
	// groupMessages keeps message ids per group in insertion order.
	groupMessages map[string][]string
	// seq orders groups created within the same instant.
	seq    map[string]int64
	next   int64
	closed bool
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: map[string]*conversation.Conversation{},
		groups:        map[string]*conversation.VersionGroup{},
		messages:      map[string]*conversation.Message{},
		groupMessages: map[string][]string{},
		seq:           map[string]int64{},
	}
}

func (s *MemoryStore) ensureOpen() error {
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, id string) (*conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	c, ok := s.conversations[id]
	if !ok {
		return nil, conversation.NewNotFoundError("conversation", id)
	}
	return c.Clone(), nil
}

func (s *MemoryStore) ListConversations(ctx context.Context, userID string) ([]*conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	ret := []*conversation.Conversation{}
	for _, c := range s.conversations {
		if c.UserID == userID {
			ret = append(ret, c.Clone())
		}
	}
	sortConversations(ret)
	return ret, nil
}

func (s *MemoryStore) GetVersionGroup(ctx context.Context, groupID string) (*conversation.VersionGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	g, ok := s.groups[groupID]
	if !ok {
		return nil, conversation.NewNotFoundError("version group", groupID)
	}
	return s.withMessagesLocked(g), nil
}

func (s *MemoryStore) FindGroupContaining(ctx context.Context, conversationID, messageID string) (*conversation.VersionGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	for _, g := range s.groups {
		if g.ConversationID == conversationID && g.Contains(messageID) {
			return s.withMessagesLocked(g), nil
		}
	}
	return nil, conversation.NewNotFoundError("message", messageID)
}

func (s *MemoryStore) ListGroups(ctx context.Context, conversationID string, opts ListOptions) ([]*conversation.VersionGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	selected := []*conversation.VersionGroup{}
	for _, g := range s.groups {
		if g.ConversationID != conversationID {
			continue
		}
		if opts.Before != nil && !g.CreatedAt.Before(*opts.Before) {
			continue
		}
		selected = append(selected, g)
	}
	sort.Slice(selected, func(i, j int) bool {
		a, b := selected[i], selected[j]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return s.seq[a.ID] < s.seq[b.ID]
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	if opts.Limit > 0 && len(selected) > opts.Limit {
		selected = selected[len(selected)-opts.Limit:]
	}
	ret := make([]*conversation.VersionGroup, 0, len(selected))
	for _, g := range selected {
		ret = append(ret, s.withMessagesLocked(g))
	}
	return ret, nil
}

func (s *MemoryStore) CreateConversation(ctx context.Context, c *conversation.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if c == nil || c.ID == "" {
		return conversation.NewValidationError("conversation.id", "must not be empty")
	}
	if _, ok := s.conversations[c.ID]; ok {
		return errors.Errorf("conversation %s already exists", c.ID)
	}
	s.conversations[c.ID] = c.Clone()
	return nil
}

func (s *MemoryStore) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if _, ok := s.conversations[id]; !ok {
		return conversation.NewNotFoundError("conversation", id)
	}
	delete(s.conversations, id)
	for gid, g := range s.groups {
		if g.ConversationID != id {
			continue
		}
		for _, mid := range s.groupMessages[gid] {
			delete(s.messages, mid)
		}
		delete(s.groupMessages, gid)
		delete(s.groups, gid)
		delete(s.seq, gid)
	}
	return nil
}

func (s *MemoryStore) TouchConversation(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	c, ok := s.conversations[id]
	if !ok {
		return conversation.NewNotFoundError("conversation", id)
	}
	c.Touch(at)
	return nil
}

func (s *MemoryStore) CreateVersionGroup(ctx context.Context, conversationID string, userMsg *conversation.Message) (*conversation.VersionGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	if err := checkMessage(userMsg, conversation.RoleUser); err != nil {
		return nil, err
	}
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, conversation.NewNotFoundError("conversation", conversationID)
	}
	g := conversation.NewVersionGroup(conversationID, userMsg)
	if err := g.Validate(); err != nil {
		return nil, err
	}
	m := userMsg.Clone()
	m.ConversationID = conversationID
	m.VersionGroupID = g.ID
	userMsg.VersionGroupID = g.ID

	s.next++
	s.seq[g.ID] = s.next
	s.groups[g.ID] = g
	s.insertMessageLocked(m)
	return s.withMessagesLocked(g), nil
}

func (s *MemoryStore) AddPendingMessage(ctx context.Context, groupID string, userMsg *conversation.Message) (*conversation.VersionGroup, error) {
	if err := checkMessage(userMsg, conversation.RoleUser); err != nil {
		return nil, err
	}
	return s.update(groupID, func(g *conversation.VersionGroup) error {
		m := userMsg.Clone()
		m.ConversationID = g.ConversationID
		m.VersionGroupID = g.ID
		userMsg.VersionGroupID = g.ID
		s.insertMessageLocked(m)
		g.Pending = m.ID
		g.UpdatedAt = time.Now().UTC()
		return nil
	})
}

func (s *MemoryStore) AppendPair(ctx context.Context, groupID, userMessageID string, assistant *conversation.Message) (*conversation.VersionGroup, error) {
	if err := checkMessage(assistant, conversation.RoleAssistant); err != nil {
		return nil, err
	}
	return s.update(groupID, func(g *conversation.VersionGroup) error {
		if !userBelongsToGroup(g, userMessageID) {
			return conversation.NewNotFoundError("message", userMessageID)
		}
		if err := g.AppendPair(userMessageID, assistant.ID); err != nil {
			return err
		}
		m := assistant.Clone()
		m.ConversationID = g.ConversationID
		m.VersionGroupID = g.ID
		assistant.VersionGroupID = g.ID
		s.insertMessageLocked(m)
		return nil
	})
}

func (s *MemoryStore) SetActiveIndex(ctx context.Context, groupID string, index int) (*conversation.VersionGroup, error) {
	return s.update(groupID, SetActiveIndexMutation(index))
}

func (s *MemoryStore) UpdateVersionGroup(ctx context.Context, groupID string, fn GroupMutation) (*conversation.VersionGroup, error) {
	return s.update(groupID, fn)
}

// update runs fn on a copy of the group under the write lock and commits the copy
// only if fn succeeds and the result is valid. fn may insert messages through
// insertMessageLocked; those are rolled back on failure.
func (s *MemoryStore) update(groupID string, fn GroupMutation) (*conversation.VersionGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	current, ok := s.groups[groupID]
	if !ok {
		return nil, conversation.NewNotFoundError("version group", groupID)
	}

	working := s.withMessagesLocked(current)
	before := append([]string{}, s.groupMessages[groupID]...)
	rollback := func() {
		for _, id := range s.groupMessages[groupID][len(before):] {
			delete(s.messages, id)
		}
		s.groupMessages[groupID] = before
	}

	if err := fn(working); err != nil {
		rollback()
		return nil, err
	}
	if err := working.Validate(); err != nil {
		rollback()
		return nil, err
	}

	committed := working.Clone()
	committed.Messages = nil
	s.groups[groupID] = committed
	return s.withMessagesLocked(committed), nil
}

func (s *MemoryStore) insertMessageLocked(m *conversation.Message) {
	m.Streaming = false
	s.messages[m.ID] = m
	s.groupMessages[m.VersionGroupID] = append(s.groupMessages[m.VersionGroupID], m.ID)
}

func (s *MemoryStore) withMessagesLocked(g *conversation.VersionGroup) *conversation.VersionGroup {
	ret := g.Clone()
	ret.Messages = make([]*conversation.Message, 0, len(s.groupMessages[g.ID]))
	for _, id := range s.groupMessages[g.ID] {
		if m, ok := s.messages[id]; ok {
			ret.Messages = append(ret.Messages, m.Clone())
		}
	}
	sort.SliceStable(ret.Messages, func(i, j int) bool {
		return ret.Messages[i].CreatedAt.Before(ret.Messages[j].CreatedAt)
	})
	return ret
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func sortConversations(cs []*conversation.Conversation) {
	sort.SliceStable(cs, func(i, j int) bool {
		return activityOf(cs[i]).After(activityOf(cs[j]))
	})
}

func activityOf(c *conversation.Conversation) time.Time {
	if c.LastActivityAt != nil {
		return *c.LastActivityAt
	}
	return c.CreatedAt
}
