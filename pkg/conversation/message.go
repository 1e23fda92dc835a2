package conversation

import (
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
)

// SenderAssistant is the sender recorded on every assistant reply.
const SenderAssistant = "assistant"

// IsValid reports whether r can be stored on a Message. System text is never persisted.
func (r Role) IsValid() bool {
	return r == RoleUser || r == RoleAssistant
}

// NewID returns a fresh identifier for conversations, groups and messages.
func NewID() string {
	return uuid.NewString()
}

// Attachment is the metadata of a file attached to a user message. The file
// contents live elsewhere and are referenced by StorageURL.
type Attachment struct {
	FileName   string `json:"fileName"`
	FileType   string `json:"fileType"`
	StorageURL string `json:"storageUrl"`
}

// Message is a single immutable turn entry. Messages are written once with their
// final content and never mutated afterwards.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	VersionGroupID string       `json:"versionGroupId"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
	Sender         string       `json:"sender"`
	Role           Role         `json:"role"`
	Content        string       `json:"content"`
	Files          []Attachment `json:"files"`

	// Streaming is only ever true on the client side while a reply is in flight.
	Streaming bool `json:"streaming"`
}

type MessageOption func(*Message)

func WithMessageID(id string) MessageOption {
	return func(m *Message) {
		m.ID = id
	}
}

func WithMessageTime(t time.Time) MessageOption {
	return func(m *Message) {
		m.CreatedAt = t
		m.UpdatedAt = t
	}
}

func WithFiles(files ...Attachment) MessageOption {
	return func(m *Message) {
		m.Files = append(m.Files, files...)
	}
}

func WithGroupID(groupID string) MessageOption {
	return func(m *Message) {
		m.VersionGroupID = groupID
	}
}

func newMessage(role Role, conversationID, sender, content string, options ...MessageOption) *Message {
	now := time.Now().UTC()
	ret := &Message{
		ID:             NewID(),
		ConversationID: conversationID,
		CreatedAt:      now,
		UpdatedAt:      now,
		Sender:         sender,
		Role:           role,
		Content:        content,
		Files:          []Attachment{},
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// NewUserMessage creates a user message sent by userID.
func NewUserMessage(conversationID, userID, content string, options ...MessageOption) *Message {
	return newMessage(RoleUser, conversationID, userID, content, options...)
}

// NewAssistantMessage creates a completed assistant reply.
func NewAssistantMessage(conversationID, content string, options ...MessageOption) *Message {
	return newMessage(RoleAssistant, conversationID, SenderAssistant, content, options...)
}

func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	ret := *m
	ret.Files = append([]Attachment{}, m.Files...)
	return &ret
}

// ChatMessage is the role/content view of a message handed to the completion service.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
