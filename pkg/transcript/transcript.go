// Package transcript exports the active branch of a conversation to JSON or
// YAML files and imports such files back into a store.
package transcript

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/store"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Entry struct {
	Role conversation.Role `json:"role" yaml:"role" jsonschema:"required,enum=user,enum=assistant"`
	Text string            `json:"text" yaml:"text" jsonschema:"required"`
	Time time.Time         `json:"time,omitempty" yaml:"time,omitempty"`

	// Version is the 1-based number of the shown pair out of Versions.
	Version  int `json:"version,omitempty" yaml:"version,omitempty"`
	Versions int `json:"versions,omitempty" yaml:"versions,omitempty"`
}

type Transcript struct {
	ConversationID string   `json:"conversationId,omitempty" yaml:"conversationId,omitempty"`
	Title          string   `json:"title,omitempty" yaml:"title,omitempty"`
	Entries        []*Entry `json:"entries" yaml:"entries" jsonschema:"required"`
}

type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromPath picks the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".md":
		return FormatMarkdown, nil
	default:
		return "", errors.Errorf("unsupported transcript file %s (use .json, .yaml or .md)", path)
	}
}

// FromGroups lists the active pair of every group in creation order. An
// unanswered message is exported as a trailing user entry.
func FromGroups(c *conversation.Conversation, groups []*conversation.VersionGroup) (*Transcript, error) {
	ret := &Transcript{ConversationID: c.ID, Title: c.Title}
	for _, g := range conversation.SortGroups(groups) {
		if !g.IsOpen() {
			user, assistant, err := g.ActivePair()
			if err != nil {
				return nil, err
			}
			version, versions := g.ActiveIndex/2+1, g.PairCount()
			ret.Entries = append(ret.Entries,
				&Entry{Role: user.Role, Text: user.Content, Time: user.CreatedAt, Version: version, Versions: versions},
				&Entry{Role: assistant.Role, Text: assistant.Content, Time: assistant.CreatedAt, Version: version, Versions: versions},
			)
			continue
		}
		if m, ok := g.MessageByID(g.Pending); ok {
			ret.Entries = append(ret.Entries, &Entry{Role: m.Role, Text: m.Content, Time: m.CreatedAt})
		}
	}
	return ret, nil
}

func (t *Transcript) Write(w io.Writer, format Format) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(t)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(t); err != nil {
			return err
		}
		return enc.Close()
	case FormatMarkdown:
		return t.writeMarkdown(w)
	default:
		return errors.Errorf("unknown transcript format %q", format)
	}
}

func Read(r io.Reader, format Format) (*Transcript, error) {
	ret := &Transcript{}
	var err error
	switch format {
	case FormatJSON:
		err = json.NewDecoder(r).Decode(ret)
	case FormatYAML:
		err = yaml.NewDecoder(r).Decode(ret)
	default:
		return nil, errors.Errorf("unknown transcript format %q", format)
	}
	if err != nil {
		return nil, errors.Wrap(err, "decode transcript")
	}
	return ret, nil
}

func SaveToFile(path string, t *Transcript) error {
	format, err := FormatFromPath(path)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := t.Write(f, format); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// LoadFromFile reads and validates a JSON or YAML transcript.
func LoadFromFile(path string) (*Transcript, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if format == FormatJSON || format == FormatYAML {
		if err := Validate(b, format); err != nil {
			return nil, errors.Wrapf(err, "invalid transcript %s", path)
		}
	}
	return Read(bytes.NewReader(b), format)
}

// Import writes the entries of t into conversationID as one group per
// exchange. Entries must alternate user and assistant, starting with a user
// entry. A trailing user entry becomes a pending message.
func Import(ctx context.Context, w store.Writer, conversationID, userID string, t *Transcript) (int, error) {
	entries := t.Entries
	for i, e := range entries {
		want := conversation.RoleUser
		if i%2 == 1 {
			want = conversation.RoleAssistant
		}
		if e.Role != want {
			return 0, conversation.NewValidationError("entries",
				"entry "+e.Text+" has role "+string(e.Role)+", expected "+string(want))
		}
	}

	n := 0
	base := time.Now()
	for i := 0; i < len(entries); i += 2 {
		at := entries[i].Time
		if at.IsZero() {
			at = base.Add(time.Duration(i) * time.Millisecond)
		}
		user := conversation.NewUserMessage(conversationID, userID, entries[i].Text, conversation.WithMessageTime(at))
		g, err := w.CreateVersionGroup(ctx, conversationID, user)
		if err != nil {
			return n, err
		}
		if i+1 == len(entries) {
			break
		}
		replyAt := entries[i+1].Time
		if replyAt.IsZero() {
			replyAt = at
		}
		reply := conversation.NewAssistantMessage(conversationID, entries[i+1].Text, conversation.WithMessageTime(replyAt))
		if _, err := w.AppendPair(ctx, g.ID, user.ID, reply); err != nil {
			return n, err
		}
		n++
		if err := w.TouchConversation(ctx, conversationID, replyAt); err != nil {
			return n, err
		}
	}
	return n, nil
}
