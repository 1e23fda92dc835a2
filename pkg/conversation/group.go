package conversation

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// VersionGroup is one turn slot of a conversation. Versions is an append-only log
// of (user, assistant) message id pairs; ActiveIndex points at the first id of the
// pair currently in use. A user message that is still waiting for its reply is
// tracked in Pending and only moves into Versions together with that reply.
type VersionGroup struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	Versions       []string  `json:"versions"`
	ActiveIndex    int       `json:"index"`
	Pending        string    `json:"pending,omitempty"`

	// Messages is filled on reads that embed the group's messages, ordered by creation.
	Messages []*Message `json:"messages,omitempty"`
}

type Direction string

const (
	DirectionPrev Direction = "prev"
	DirectionNext Direction = "next"
)

func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(s))) {
	case DirectionPrev:
		return DirectionPrev, nil
	case DirectionNext:
		return DirectionNext, nil
	}
	return "", NewValidationError("direction", "must be prev or next")
}

// NewVersionGroup opens a group for the first user message of a turn.
func NewVersionGroup(conversationID string, first *Message) *VersionGroup {
	now := time.Now().UTC()
	if first != nil && !first.CreatedAt.IsZero() {
		now = first.CreatedAt
	}
	ret := &VersionGroup{
		ID:             NewID(),
		ConversationID: conversationID,
		CreatedAt:      now,
		UpdatedAt:      now,
		Versions:       []string{},
	}
	if first != nil {
		ret.Pending = first.ID
	}
	return ret
}

// PairCount is the number of committed versions.
func (g *VersionGroup) PairCount() int {
	return len(g.Versions) / 2
}

// IsOpen reports whether the group has no committed pair yet.
func (g *VersionGroup) IsOpen() bool {
	return len(g.Versions) == 0
}

func (g *VersionGroup) Contains(messageID string) bool {
	if messageID == "" {
		return false
	}
	if g.Pending == messageID {
		return true
	}
	for _, id := range g.Versions {
		if id == messageID {
			return true
		}
	}
	return false
}

// Validate checks the group invariants.
func (g *VersionGroup) Validate() error {
	n := len(g.Versions)
	if n%2 != 0 {
		return errors.Errorf("version group %s: odd number of versions (%d)", g.ID, n)
	}
	if n == 0 {
		if g.ActiveIndex != 0 {
			return &InvalidVersionIndexError{Index: g.ActiveIndex, Versions: n}
		}
		if g.Pending == "" {
			return errors.Errorf("version group %s: empty group without a pending message", g.ID)
		}
		return nil
	}
	return checkIndex(g.ActiveIndex, n)
}

func checkIndex(index, versions int) error {
	if index < 0 || index%2 != 0 || index > versions-2 {
		return &InvalidVersionIndexError{Index: index, Versions: versions}
	}
	return nil
}

// AppendPair records a completed exchange and makes it the active version.
func (g *VersionGroup) AppendPair(userMessageID, assistantMessageID string) error {
	if userMessageID == "" || assistantMessageID == "" {
		return NewValidationError("versions", "pair requires both message ids")
	}
	for _, id := range g.Versions {
		if id == userMessageID || id == assistantMessageID {
			return errors.Errorf("version group %s: message %s already recorded", g.ID, id)
		}
	}
	g.Versions = append(g.Versions, userMessageID, assistantMessageID)
	g.ActiveIndex = len(g.Versions) - 2
	if g.Pending == userMessageID {
		g.Pending = ""
	}
	g.UpdatedAt = time.Now().UTC()
	return nil
}

func (g *VersionGroup) SetActiveIndex(index int) error {
	if err := checkIndex(index, len(g.Versions)); err != nil {
		return err
	}
	g.ActiveIndex = index
	g.UpdatedAt = time.Now().UTC()
	return nil
}

// Navigate moves the active pair one step in direction. It never wraps and
// reports whether the index changed.
func (g *VersionGroup) Navigate(direction Direction) (bool, error) {
	if g.IsOpen() {
		return false, nil
	}
	pair := g.ActiveIndex / 2
	last := g.PairCount() - 1
	switch direction {
	case DirectionPrev:
		if pair == 0 {
			return false, nil
		}
		pair--
	case DirectionNext:
		if pair >= last {
			return false, nil
		}
		pair++
	default:
		return false, NewValidationError("direction", "must be prev or next")
	}
	g.ActiveIndex = pair * 2
	g.UpdatedAt = time.Now().UTC()
	return true, nil
}

// ActivePairIDs returns the ids of the active pair. ok is false for an open group.
func (g *VersionGroup) ActivePairIDs() (userID string, assistantID string, ok bool) {
	if g.IsOpen() || checkIndex(g.ActiveIndex, len(g.Versions)) != nil {
		return "", "", false
	}
	return g.Versions[g.ActiveIndex], g.Versions[g.ActiveIndex+1], true
}

func (g *VersionGroup) MessageByID(id string) (*Message, bool) {
	for _, m := range g.Messages {
		if m.ID == id {
			return m, true
		}
	}
	return nil, false
}

// ActivePair resolves the active pair against the embedded messages.
func (g *VersionGroup) ActivePair() (*Message, *Message, error) {
	userID, assistantID, ok := g.ActivePairIDs()
	if !ok {
		return nil, nil, errors.Errorf("version group %s has no committed pair", g.ID)
	}
	user, ok := g.MessageByID(userID)
	if !ok {
		return nil, nil, NewNotFoundError("message", userID)
	}
	assistant, ok := g.MessageByID(assistantID)
	if !ok {
		return nil, nil, NewNotFoundError("message", assistantID)
	}
	return user, assistant, nil
}

func (g *VersionGroup) Clone() *VersionGroup {
	if g == nil {
		return nil
	}
	ret := *g
	ret.Versions = append([]string{}, g.Versions...)
	if g.Messages != nil {
		ret.Messages = make([]*Message, 0, len(g.Messages))
		for _, m := range g.Messages {
			ret.Messages = append(ret.Messages, m.Clone())
		}
	}
	return &ret
}
