// Package conversation holds the data model of a branching chat.
//
// A Conversation is a sequence of VersionGroups ordered by creation time. Each
// group is a turn slot that stores every (user, assistant) pair ever produced for
// that position, with exactly one pair active at a time. Editing a user message
// appends a new pair to the same group and activates it; older pairs stay
// reachable through version navigation.
//
// AssembleHistory turns a list of groups into the linear role/content history that
// is sent to the completion service, picking the active pair of every group.
package conversation

import (
	"strings"
	"time"
)

type Conversation struct {
	ID                string     `json:"id"`
	UserID            string     `json:"userId"`
	Title             string     `json:"title,omitempty"`
	Model             string     `json:"model,omitempty"`
	ContextWindowSize int        `json:"contextWindowSize,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
	LastActivityAt    *time.Time `json:"lastActivityAt,omitempty"`
}

type ConversationOption func(*Conversation)

func WithTitle(title string) ConversationOption {
	return func(c *Conversation) {
		c.Title = strings.TrimSpace(title)
	}
}

func WithModel(model string) ConversationOption {
	return func(c *Conversation) {
		c.Model = strings.TrimSpace(model)
	}
}

func WithContextWindowSize(tokens int) ConversationOption {
	return func(c *Conversation) {
		if tokens > 0 {
			c.ContextWindowSize = tokens
		}
	}
}

func NewConversation(userID string, options ...ConversationOption) *Conversation {
	now := time.Now().UTC()
	ret := &Conversation{
		ID:        NewID(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// Touch records activity on the conversation.
func (c *Conversation) Touch(at time.Time) {
	at = at.UTC()
	c.UpdatedAt = at
	c.LastActivityAt = &at
}

// OwnedBy reports whether userID may read and mutate the conversation.
func (c *Conversation) OwnedBy(userID string) bool {
	return c != nil && userID != "" && c.UserID == userID
}

func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	ret := *c
	if c.LastActivityAt != nil {
		t := *c.LastActivityAt
		ret.LastActivityAt = &t
	}
	return &ret
}
