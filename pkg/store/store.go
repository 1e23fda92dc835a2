// Package store persists conversations, version groups and messages.
//
// Every mutation of a version group goes through a single atomic read-modify-write
// scoped to that group, so concurrent edits of the same slot cannot lose updates.
package store

import (
	"context"
	"time"

	"github.com/go-go-golems/branchchat/pkg/conversation"
)

// ListOptions narrows ListGroups.
type ListOptions struct {
	// Before keeps only groups created strictly before this time.
	Before *time.Time
	// Limit keeps the most recent Limit groups. Zero means no limit.
	Limit int
}

// GroupMutation mutates a working copy of a group inside UpdateVersionGroup.
type GroupMutation func(g *conversation.VersionGroup) error

type Reader interface {
	GetConversation(ctx context.Context, id string) (*conversation.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]*conversation.Conversation, error)
	GetVersionGroup(ctx context.Context, groupID string) (*conversation.VersionGroup, error)
	FindGroupContaining(ctx context.Context, conversationID, messageID string) (*conversation.VersionGroup, error)
	// ListGroups returns groups with their messages, ascending by creation time.
	ListGroups(ctx context.Context, conversationID string, opts ListOptions) ([]*conversation.VersionGroup, error)
}

type Writer interface {
	CreateConversation(ctx context.Context, c *conversation.Conversation) error
	DeleteConversation(ctx context.Context, id string) error
	TouchConversation(ctx context.Context, id string, at time.Time) error

	// CreateVersionGroup opens a new group whose pending message is userMsg.
	CreateVersionGroup(ctx context.Context, conversationID string, userMsg *conversation.Message) (*conversation.VersionGroup, error)
	// AddPendingMessage stores userMsg and marks it as the group's pending message.
	AddPendingMessage(ctx context.Context, groupID string, userMsg *conversation.Message) (*conversation.VersionGroup, error)
	// AppendPair stores assistant, appends (userMessageID, assistant.ID) and activates the pair.
	AppendPair(ctx context.Context, groupID, userMessageID string, assistant *conversation.Message) (*conversation.VersionGroup, error)
	SetActiveIndex(ctx context.Context, groupID string, index int) (*conversation.VersionGroup, error)
	UpdateVersionGroup(ctx context.Context, groupID string, fn GroupMutation) (*conversation.VersionGroup, error)

	Close() error
}

type Store interface {
	Reader
	Writer
}

// SetActiveIndexMutation validates and applies a new active index.
func SetActiveIndexMutation(index int) GroupMutation {
	return func(g *conversation.VersionGroup) error {
		return g.SetActiveIndex(index)
	}
}

// NavigateMutation moves the active pair one step, clamped.
func NavigateMutation(direction conversation.Direction) GroupMutation {
	return func(g *conversation.VersionGroup) error {
		_, err := g.Navigate(direction)
		return err
	}
}

func checkMessage(m *conversation.Message, role conversation.Role) error {
	if m == nil {
		return conversation.NewValidationError("message", "message is nil")
	}
	if m.ID == "" {
		return conversation.NewValidationError("message.id", "must not be empty")
	}
	if m.Role != role {
		return conversation.NewValidationError("message.role", "expected "+string(role))
	}
	return nil
}

func userBelongsToGroup(g *conversation.VersionGroup, userMessageID string) bool {
	if g.Pending == userMessageID {
		return true
	}
	for _, m := range g.Messages {
		if m.ID == userMessageID && m.Role == conversation.RoleUser {
			for _, id := range g.Versions {
				if id == userMessageID {
					return false
				}
			}
			return true
		}
	}
	return false
}
