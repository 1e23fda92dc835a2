package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const sqliteSchemaV1 = `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL DEFAULT '',
    context_window_size INTEGER NOT NULL DEFAULT 0,
    created_at_ns INTEGER NOT NULL,
    updated_at_ns INTEGER NOT NULL,
    last_activity_at_ns INTEGER
);

CREATE INDEX IF NOT EXISTS idx_conversations_user_id ON conversations(user_id);

CREATE TABLE IF NOT EXISTS version_groups (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    created_at_ns INTEGER NOT NULL,
    updated_at_ns INTEGER NOT NULL,
    versions_json TEXT NOT NULL DEFAULT '[]',
    active_index INTEGER NOT NULL DEFAULT 0,
    pending_message_id TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_version_groups_conversation_created
    ON version_groups(conversation_id, created_at_ns);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    version_group_id TEXT NOT NULL REFERENCES version_groups(id) ON DELETE CASCADE,
    created_at_ns INTEGER NOT NULL,
    updated_at_ns INTEGER NOT NULL,
    sender TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    files_json TEXT NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages(conversation_id, created_at_ns);
CREATE INDEX IF NOT EXISTS idx_messages_group ON messages(version_group_id);
`

// SQLiteStore persists the chat data model in SQLite. Group mutations run in
// BEGIN IMMEDIATE transactions so that the read of a group and the write derived
// from it cannot interleave with another writer.
type SQLiteStore struct {
	mu     sync.RWMutex
	dsn    string
	db     *sql.DB
	closed bool
}

var _ Store = (*SQLiteStore)(nil)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite store: empty dsn")
	}
	full := withSQLiteParams(dsn)
	db, err := sql.Open("sqlite3", full)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	s := &SQLiteStore{dsn: dsn, db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug().Str("dsn", dsn).Msg("Opened sqlite store")
	return s, nil
}

func withSQLiteParams(dsn string) string {
	params := []string{"_foreign_keys=on", "_txlock=immediate", "_busy_timeout=5000"}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	missing := []string{}
	for _, p := range params {
		key := p[:strings.Index(p, "=")]
		if !strings.Contains(dsn, key+"=") {
			missing = append(missing, p)
		}
	}
	if len(missing) == 0 {
		return dsn
	}
	return dsn + sep + strings.Join(missing, "&")
}

func (s *SQLiteStore) migrate() error {
	if s.db == nil {
		return errors.New("sqlite store: db is nil")
	}
	if _, err := s.db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		return errors.Wrap(err, "enable foreign keys")
	}
	if _, err := s.db.Exec(sqliteSchemaV1); err != nil {
		return errors.Wrap(err, "apply schema")
	}
	return nil
}

func (s *SQLiteStore) ensureOpen() error {
	if s.closed || s.db == nil {
		return ErrStoreClosed
	}
	return nil
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit transaction")
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT id, user_id, title, model, context_window_size,
created_at_ns, updated_at_ns, last_activity_at_ns FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	switch {
	case err == nil:
		return c, nil
	case errors.Is(err, sql.ErrNoRows):
		return nil, conversation.NewNotFoundError("conversation", id)
	default:
		return nil, errors.Wrap(err, "get conversation")
	}
}

func (s *SQLiteStore) ListConversations(ctx context.Context, userID string) ([]*conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, title, model, context_window_size,
created_at_ns, updated_at_ns, last_activity_at_ns FROM conversations WHERE user_id = ?
ORDER BY COALESCE(last_activity_at_ns, created_at_ns) DESC, rowid DESC`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "list conversations")
	}
	defer func() {
		_ = rows.Close()
	}()

	ret := []*conversation.Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan conversation")
		}
		ret = append(ret, c)
	}
	return ret, errors.Wrap(rows.Err(), "list conversations")
}

func (s *SQLiteStore) GetVersionGroup(ctx context.Context, groupID string) (*conversation.VersionGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	return loadGroup(ctx, s.db, groupID)
}

func (s *SQLiteStore) FindGroupContaining(ctx context.Context, conversationID, messageID string) (*conversation.VersionGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	var groupID string
	row := s.db.QueryRowContext(ctx, `SELECT version_group_id FROM messages WHERE id = ? AND conversation_id = ?`,
		messageID, conversationID)
	switch err := row.Scan(&groupID); {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
		return nil, conversation.NewNotFoundError("message", messageID)
	default:
		return nil, errors.Wrap(err, "find message")
	}

	g, err := loadGroup(ctx, s.db, groupID)
	if err != nil {
		return nil, err
	}
	// a superseded pending message is stored but no longer part of the slot
	if !g.Contains(messageID) {
		return nil, conversation.NewNotFoundError("message", messageID)
	}
	return g, nil
}

func (s *SQLiteStore) ListGroups(ctx context.Context, conversationID string, opts ListOptions) ([]*conversation.VersionGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	query := `SELECT id, conversation_id, created_at_ns, updated_at_ns, versions_json, active_index, pending_message_id
FROM version_groups WHERE conversation_id = ?`
	args := []interface{}{conversationID}
	if opts.Before != nil {
		query += ` AND created_at_ns < ?`
		args = append(args, opts.Before.UnixNano())
	}
	query += ` ORDER BY created_at_ns DESC, rowid DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list version groups")
	}
	groups := []*conversation.VersionGroup{}
	byID := map[string]*conversation.VersionGroup{}
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			_ = rows.Close()
			return nil, errors.Wrap(err, "scan version group")
		}
		g.Messages = []*conversation.Message{}
		groups = append(groups, g)
		byID[g.ID] = g
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, errors.Wrap(err, "list version groups")
	}
	_ = rows.Close()

	// newest first from the query, callers get ascending order
	for i, j := 0, len(groups)-1; i < j; i, j = i+1, j-1 {
		groups[i], groups[j] = groups[j], groups[i]
	}
	if len(groups) == 0 {
		return groups, nil
	}

	where, margs := `WHERE conversation_id = ?`, []interface{}{conversationID}
	if opts.Before != nil || opts.Limit > 0 {
		placeholders := make([]string, len(groups))
		margs = make([]interface{}, len(groups))
		for i, g := range groups {
			placeholders[i] = "?"
			margs[i] = g.ID
		}
		where = `WHERE version_group_id IN (` + strings.Join(placeholders, ", ") + `)`
	}
	messages, err := queryMessages(ctx, s.db, where, margs...)
	if err != nil {
		return nil, err
	}
	for _, m := range messages {
		if g, ok := byID[m.VersionGroupID]; ok {
			g.Messages = append(g.Messages, m)
		}
	}
	return groups, nil
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, c *conversation.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if c == nil || c.ID == "" {
		return conversation.NewValidationError("conversation.id", "must not be empty")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO conversations (id, user_id, title, model, context_window_size,
created_at_ns, updated_at_ns, last_activity_at_ns) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.Title, c.Model, c.ContextWindowSize,
		c.CreatedAt.UnixNano(), c.UpdatedAt.UnixNano(), nullableNanos(c.LastActivityAt))
	return errors.Wrap(err, "insert conversation")
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		// explicit deletes keep the cascade working on connections opened without foreign keys
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
			return errors.Wrap(err, "delete messages")
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM version_groups WHERE conversation_id = ?`, id); err != nil {
			return errors.Wrap(err, "delete version groups")
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
		if err != nil {
			return errors.Wrap(err, "delete conversation")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return conversation.NewNotFoundError("conversation", id)
		}
		return nil
	})
}

func (s *SQLiteStore) TouchConversation(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	ns := at.UTC().UnixNano()
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET updated_at_ns = ?, last_activity_at_ns = ? WHERE id = ?`,
		ns, ns, id)
	if err != nil {
		return errors.Wrap(err, "touch conversation")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return conversation.NewNotFoundError("conversation", id)
	}
	return nil
}

func (s *SQLiteStore) CreateVersionGroup(ctx context.Context, conversationID string, userMsg *conversation.Message) (*conversation.VersionGroup, error) {
	if err := checkMessage(userMsg, conversation.RoleUser); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	g := conversation.NewVersionGroup(conversationID, userMsg)
	userMsg.ConversationID = conversationID
	userMsg.VersionGroupID = g.ID

	var ret *conversation.VersionGroup
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, conversationID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return conversation.NewNotFoundError("conversation", conversationID)
		}
		if err != nil {
			return errors.Wrap(err, "check conversation")
		}
		if err := insertGroup(ctx, tx, g); err != nil {
			return err
		}
		if err := insertMessage(ctx, tx, userMsg); err != nil {
			return err
		}
		ret, err = loadGroup(ctx, tx, g.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *SQLiteStore) AddPendingMessage(ctx context.Context, groupID string, userMsg *conversation.Message) (*conversation.VersionGroup, error) {
	if err := checkMessage(userMsg, conversation.RoleUser); err != nil {
		return nil, err
	}
	return s.update(ctx, groupID, func(tx *sql.Tx, g *conversation.VersionGroup) error {
		userMsg.ConversationID = g.ConversationID
		userMsg.VersionGroupID = g.ID
		if err := insertMessage(ctx, tx, userMsg); err != nil {
			return err
		}
		g.Messages = append(g.Messages, userMsg.Clone())
		g.Pending = userMsg.ID
		g.UpdatedAt = time.Now().UTC()
		return nil
	})
}

func (s *SQLiteStore) AppendPair(ctx context.Context, groupID, userMessageID string, assistant *conversation.Message) (*conversation.VersionGroup, error) {
	if err := checkMessage(assistant, conversation.RoleAssistant); err != nil {
		return nil, err
	}
	return s.update(ctx, groupID, func(tx *sql.Tx, g *conversation.VersionGroup) error {
		if !userBelongsToGroup(g, userMessageID) {
			return conversation.NewNotFoundError("message", userMessageID)
		}
		if err := g.AppendPair(userMessageID, assistant.ID); err != nil {
			return err
		}
		assistant.ConversationID = g.ConversationID
		assistant.VersionGroupID = g.ID
		if err := insertMessage(ctx, tx, assistant); err != nil {
			return err
		}
		g.Messages = append(g.Messages, assistant.Clone())
		return nil
	})
}

func (s *SQLiteStore) SetActiveIndex(ctx context.Context, groupID string, index int) (*conversation.VersionGroup, error) {
	return s.UpdateVersionGroup(ctx, groupID, SetActiveIndexMutation(index))
}

func (s *SQLiteStore) UpdateVersionGroup(ctx context.Context, groupID string, fn GroupMutation) (*conversation.VersionGroup, error) {
	return s.update(ctx, groupID, func(_ *sql.Tx, g *conversation.VersionGroup) error {
		return fn(g)
	})
}

// update loads the group, applies fn and writes the result back in one transaction.
func (s *SQLiteStore) update(ctx context.Context, groupID string, fn func(tx *sql.Tx, g *conversation.VersionGroup) error) (*conversation.VersionGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	var ret *conversation.VersionGroup
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		g, err := loadGroup(ctx, tx, groupID)
		if err != nil {
			return err
		}
		if err := fn(tx, g); err != nil {
			return err
		}
		if err := g.Validate(); err != nil {
			return err
		}
		versions, err := json.Marshal(g.Versions)
		if err != nil {
			return errors.Wrap(err, "marshal versions")
		}
		_, err = tx.ExecContext(ctx, `UPDATE version_groups SET versions_json = ?, active_index = ?,
pending_message_id = ?, updated_at_ns = ? WHERE id = ?`,
			string(versions), g.ActiveIndex, g.Pending, g.UpdatedAt.UnixNano(), g.ID)
		if err != nil {
			return errors.Wrap(err, "update version group")
		}
		ret = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(row scanner) (*conversation.Conversation, error) {
	var (
		c            conversation.Conversation
		created      int64
		updated      int64
		lastActivity sql.NullInt64
	)
	if err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.Model, &c.ContextWindowSize,
		&created, &updated, &lastActivity); err != nil {
		return nil, err
	}
	c.CreatedAt = fromNanos(created)
	c.UpdatedAt = fromNanos(updated)
	if lastActivity.Valid {
		t := fromNanos(lastActivity.Int64)
		c.LastActivityAt = &t
	}
	return &c, nil
}

func scanGroup(row scanner) (*conversation.VersionGroup, error) {
	var (
		g        conversation.VersionGroup
		created  int64
		updated  int64
		versions string
	)
	if err := row.Scan(&g.ID, &g.ConversationID, &created, &updated, &versions, &g.ActiveIndex, &g.Pending); err != nil {
		return nil, err
	}
	g.CreatedAt = fromNanos(created)
	g.UpdatedAt = fromNanos(updated)
	g.Versions = []string{}
	if err := json.Unmarshal([]byte(versions), &g.Versions); err != nil {
		return nil, errors.Wrapf(err, "decode versions of group %s", g.ID)
	}
	return &g, nil
}

func loadGroup(ctx context.Context, q queryer, groupID string) (*conversation.VersionGroup, error) {
	row := q.QueryRowContext(ctx, `SELECT id, conversation_id, created_at_ns, updated_at_ns, versions_json,
active_index, pending_message_id FROM version_groups WHERE id = ?`, groupID)
	g, err := scanGroup(row)
	switch {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
		return nil, conversation.NewNotFoundError("version group", groupID)
	default:
		return nil, errors.Wrap(err, "load version group")
	}
	g.Messages, err = queryMessages(ctx, q, `WHERE version_group_id = ?`, groupID)
	if err != nil {
		return nil, err
	}
	return g, nil
}

func queryMessages(ctx context.Context, q queryer, where string, args ...interface{}) ([]*conversation.Message, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, conversation_id, version_group_id, created_at_ns, updated_at_ns,
sender, role, content, files_json FROM messages `+where+` ORDER BY created_at_ns ASC, rowid ASC`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query messages")
	}
	defer func() {
		_ = rows.Close()
	}()

	ret := []*conversation.Message{}
	for rows.Next() {
		var (
			m       conversation.Message
			created int64
			updated int64
			role    string
			files   string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.VersionGroupID, &created, &updated,
			&m.Sender, &role, &m.Content, &files); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		m.CreatedAt = fromNanos(created)
		m.UpdatedAt = fromNanos(updated)
		m.Role = conversation.Role(role)
		m.Files = []conversation.Attachment{}
		if err := json.Unmarshal([]byte(files), &m.Files); err != nil {
			return nil, errors.Wrapf(err, "decode files of message %s", m.ID)
		}
		ret = append(ret, &m)
	}
	return ret, errors.Wrap(rows.Err(), "query messages")
}

func insertGroup(ctx context.Context, q queryer, g *conversation.VersionGroup) error {
	versions, err := json.Marshal(g.Versions)
	if err != nil {
		return errors.Wrap(err, "marshal versions")
	}
	_, err = q.ExecContext(ctx, `INSERT INTO version_groups (id, conversation_id, created_at_ns, updated_at_ns,
versions_json, active_index, pending_message_id) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.ConversationID, g.CreatedAt.UnixNano(), g.UpdatedAt.UnixNano(), string(versions), g.ActiveIndex, g.Pending)
	return errors.Wrap(err, "insert version group")
}

func insertMessage(ctx context.Context, q queryer, m *conversation.Message) error {
	files := m.Files
	if files == nil {
		files = []conversation.Attachment{}
	}
	payload, err := json.Marshal(files)
	if err != nil {
		return errors.Wrap(err, "marshal files")
	}
	_, err = q.ExecContext(ctx, `INSERT INTO messages (id, conversation_id, version_group_id, created_at_ns,
updated_at_ns, sender, role, content, files_json) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.VersionGroupID, m.CreatedAt.UnixNano(), m.UpdatedAt.UnixNano(),
		m.Sender, string(m.Role), m.Content, string(payload))
	return errors.Wrap(err, "insert message")
}

func nullableNanos(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromNanos(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}
