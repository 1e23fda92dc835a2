// Package branching runs the turns of a branching conversation: new queries,
// edits that open a new version inside an existing slot, version navigation and
// retries of unanswered messages.
package branching

import (
	"context"
	"strings"
	"time"

	"github.com/go-go-golems/branchchat/pkg/completion"
	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/events"
	"github.com/go-go-golems/branchchat/pkg/helpers"
	"github.com/go-go-golems/branchchat/pkg/memory"
	"github.com/go-go-golems/branchchat/pkg/security"
	"github.com/go-go-golems/branchchat/pkg/store"
	"github.com/go-go-golems/branchchat/pkg/streaming"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const DefaultHistoryLimit = 5

// Query is the user input of a turn.
type Query struct {
	Text  string                    `json:"query"`
	Files []conversation.Attachment `json:"files,omitempty"`
}

// ConversationParams are the optional settings of a new conversation.
type ConversationParams struct {
	Title             string `json:"title,omitempty"`
	Model             string `json:"model,omitempty"`
	ContextWindowSize int    `json:"contextWindowSize,omitempty"`
}

// TurnResult describes a finished turn. Group is nil when the reply was not
// persisted.
type TurnResult struct {
	Group       *conversation.VersionGroup
	UserMessage *conversation.Message
	Text        string
}

type Engine struct {
	store       store.Store
	completion  completion.Service
	augmenter   *memory.Augmenter
	coordinator *streaming.Coordinator
	counter     completion.TokenCounter
	attachments security.URLPolicy

	historyLimit  int
	contextWindow int
	model         string
	maxTokens     int
	temperature   float32
	now           func() time.Time
}

type EngineOption func(*Engine)

func WithHistoryLimit(limit int) EngineOption {
	return func(e *Engine) {
		if limit > 0 {
			e.historyLimit = limit
		}
	}
}

// WithContextWindow sets the token budget used when a conversation has none.
func WithContextWindow(tokens int) EngineOption {
	return func(e *Engine) {
		e.contextWindow = tokens
	}
}

func WithModel(model string) EngineOption {
	return func(e *Engine) {
		e.model = model
	}
}

func WithMaxTokens(n int) EngineOption {
	return func(e *Engine) {
		e.maxTokens = n
	}
}

func WithTemperature(t float32) EngineOption {
	return func(e *Engine) {
		e.temperature = t
	}
}

func WithTokenCounter(counter completion.TokenCounter) EngineOption {
	return func(e *Engine) {
		e.counter = counter
	}
}

func WithCoordinator(c *streaming.Coordinator) EngineOption {
	return func(e *Engine) {
		e.coordinator = c
	}
}

// WithAttachmentPolicy sets the check applied to attachment storage urls.
func WithAttachmentPolicy(p security.URLPolicy) EngineOption {
	return func(e *Engine) {
		e.attachments = p
	}
}

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

func NewEngine(
	s store.Store,
	completionService completion.Service,
	augmenter *memory.Augmenter,
	options ...EngineOption,
) (*Engine, error) {
	if s == nil {
		return nil, errors.New("engine needs a store")
	}
	if completionService == nil {
		return nil, errors.New("engine needs a completion service")
	}
	if augmenter == nil {
		var err error
		augmenter, err = memory.NewAugmenter(memory.NoopService{}, memory.LegacyPlaceholder)
		if err != nil {
			return nil, err
		}
	}
	e := &Engine{
		store:        s,
		completion:   completionService,
		augmenter:    augmenter,
		coordinator:  streaming.NewCoordinator(),
		attachments:  security.AttachmentPolicy,
		historyLimit: DefaultHistoryLimit,
		now:          time.Now,
	}
	for _, o := range options {
		o(e)
	}
	return e, nil
}

func (e *Engine) owned(ctx context.Context, userID, conversationID string) (*conversation.Conversation, error) {
	if userID == "" {
		return nil, conversation.ErrUnauthorized
	}
	c, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !c.OwnedBy(userID) {
		// foreign conversations are indistinguishable from missing ones
		return nil, conversation.NewNotFoundError("conversation", conversationID)
	}
	return c, nil
}

func (e *Engine) CreateConversation(ctx context.Context, userID string, params ConversationParams) (*conversation.Conversation, error) {
	if userID == "" {
		return nil, conversation.ErrUnauthorized
	}
	if params.ContextWindowSize < 0 {
		return nil, conversation.NewValidationError("contextWindowSize", "must not be negative")
	}
	c := conversation.NewConversation(userID,
		conversation.WithTitle(params.Title),
		conversation.WithModel(params.Model),
		conversation.WithContextWindowSize(params.ContextWindowSize),
	)
	if err := e.store.CreateConversation(ctx, c); err != nil {
		return nil, err
	}
	log.Info().Str("conversation_id", c.ID).Str("user_id", userID).Msg("Created conversation")
	return c, nil
}

func (e *Engine) ListConversations(ctx context.Context, userID string) ([]*conversation.Conversation, error) {
	if userID == "" {
		return nil, conversation.ErrUnauthorized
	}
	return e.store.ListConversations(ctx, userID)
}

func (e *Engine) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	if _, err := e.owned(ctx, userID, conversationID); err != nil {
		return err
	}
	if err := e.store.DeleteConversation(ctx, conversationID); err != nil {
		return err
	}
	log.Info().Str("conversation_id", conversationID).Msg("Deleted conversation")
	return nil
}

// ListVersions returns every group of the conversation with its messages, in
// creation order.
func (e *Engine) ListVersions(ctx context.Context, userID, conversationID string) ([]*conversation.VersionGroup, error) {
	if _, err := e.owned(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	return e.store.ListGroups(ctx, conversationID, store.ListOptions{})
}

func (e *Engine) validateQuery(field string, q Query) (Query, error) {
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return q, conversation.NewValidationError(field, "is required")
	}
	for i, f := range q.Files {
		if f.StorageURL == "" {
			return q, conversation.NewValidationError("files", "attachment "+f.FileName+" has no storage url")
		}
		if err := e.attachments.Check(f.StorageURL); err != nil {
			return q, conversation.NewValidationError("files", err.Error())
		}
		if f.FileName == "" {
			q.Files[i].FileName = f.StorageURL
		}
	}
	return q, nil
}

// SubmitQuery opens a new slot for q and streams the reply to w.
func (e *Engine) SubmitQuery(
	ctx context.Context,
	userID, conversationID string,
	q Query,
	w streaming.ChunkWriter,
) (*TurnResult, error) {
	if userID == "" {
		return nil, conversation.ErrUnauthorized
	}
	q, err := e.validateQuery("query", q)
	if err != nil {
		return nil, err
	}
	c, err := e.owned(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}

	userMsg := conversation.NewUserMessage(conversationID, userID, q.Text,
		conversation.WithFiles(q.Files...))
	group, err := e.store.CreateVersionGroup(ctx, conversationID, userMsg)
	if err != nil {
		return nil, err
	}

	return e.runTurn(ctx, w, turn{
		kind:         events.TurnKindQuery,
		conversation: c,
		group:        group,
		userMessage:  userMsg,
	})
}

// EditMessage answers newContent as a new version of the slot holding messageID.
// The history and memories the reply sees are those that existed when the slot
// was first created.
func (e *Engine) EditMessage(
	ctx context.Context,
	userID, conversationID, messageID string,
	q Query,
	w streaming.ChunkWriter,
) (*TurnResult, error) {
	if userID == "" {
		return nil, conversation.ErrUnauthorized
	}
	q, err := e.validateQuery("editedQuery", q)
	if err != nil {
		return nil, err
	}
	c, err := e.owned(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}

	group, err := e.store.FindGroupContaining(ctx, conversationID, messageID)
	if err != nil {
		return nil, err
	}
	if m, ok := group.MessageByID(messageID); ok && m.Role != conversation.RoleUser {
		return nil, conversation.NewValidationError("messageId", "only user messages can be edited")
	}

	userMsg := conversation.NewUserMessage(conversationID, userID, q.Text,
		conversation.WithFiles(q.Files...))
	group, err = e.store.AddPendingMessage(ctx, group.ID, userMsg)
	if err != nil {
		return nil, err
	}

	return e.runTurn(ctx, w, turn{
		kind:         events.TurnKindEdit,
		conversation: c,
		group:        group,
		userMessage:  userMsg,
		asOf:         &group.CreatedAt,
	})
}

// RetryPending answers the pending user message of a group again. It recovers
// slots whose previous reply was interrupted.
func (e *Engine) RetryPending(
	ctx context.Context,
	userID, conversationID, groupID string,
	w streaming.ChunkWriter,
) (*TurnResult, error) {
	c, err := e.owned(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	group, err := e.groupOf(ctx, conversationID, groupID)
	if err != nil {
		return nil, err
	}
	if group.Pending == "" {
		return nil, conversation.NewValidationError("groupId", "has no unanswered message")
	}
	userMsg, ok := group.MessageByID(group.Pending)
	if !ok {
		return nil, conversation.NewNotFoundError("message", group.Pending)
	}

	return e.runTurn(ctx, w, turn{
		kind:         events.TurnKindRetry,
		conversation: c,
		group:        group,
		userMessage:  userMsg,
		asOf:         &group.CreatedAt,
	})
}

func (e *Engine) groupOf(ctx context.Context, conversationID, groupID string) (*conversation.VersionGroup, error) {
	g, err := e.store.GetVersionGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if g.ConversationID != conversationID {
		return nil, conversation.NewNotFoundError("version group", groupID)
	}
	return g, nil
}

// inConversation guards a mutation against groups of other conversations.
func inConversation(conversationID string, fn store.GroupMutation) store.GroupMutation {
	return func(g *conversation.VersionGroup) error {
		if g.ConversationID != conversationID {
			return conversation.NewNotFoundError("version group", g.ID)
		}
		return fn(g)
	}
}

// SwitchVersion moves the active pair one step. It never wraps around.
func (e *Engine) SwitchVersion(
	ctx context.Context,
	userID, conversationID, groupID string,
	direction conversation.Direction,
) (*conversation.VersionGroup, error) {
	if _, err := e.owned(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	return e.store.UpdateVersionGroup(ctx, groupID,
		inConversation(conversationID, store.NavigateMutation(direction)))
}

// SetVersion activates the pair starting at index.
func (e *Engine) SetVersion(
	ctx context.Context,
	userID, conversationID, groupID string,
	index int,
) (*conversation.VersionGroup, error) {
	if _, err := e.owned(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	return e.store.UpdateVersionGroup(ctx, groupID,
		inConversation(conversationID, store.SetActiveIndexMutation(index)))
}

type turn struct {
	kind         events.TurnKind
	conversation *conversation.Conversation
	group        *conversation.VersionGroup
	userMessage  *conversation.Message
	// asOf hides memories created at or after it.
	asOf *time.Time
}

func (t turn) metadata(ctx context.Context, model string) events.TurnMetadata {
	return events.TurnMetadata{
		RequestID:      helpers.RequestIDFromContext(ctx),
		Kind:           t.kind,
		ConversationID: t.conversation.ID,
		GroupID:        t.group.ID,
		GroupCreatedAt: t.group.CreatedAt,
		UserMessageID:  t.userMessage.ID,
		Query:          t.userMessage.Content,
		Model:          model,
	}
}

func (e *Engine) modelFor(c *conversation.Conversation) string {
	if c.Model != "" {
		return c.Model
	}
	return e.model
}

func (e *Engine) budgetFor(c *conversation.Conversation) int {
	if c.ContextWindowSize > 0 {
		return c.ContextWindowSize
	}
	return e.contextWindow
}

// prepare loads the history before the slot and builds the system prompt. Both
// reads run concurrently.
func (e *Engine) prepare(ctx context.Context, t turn) ([]conversation.ChatMessage, string, error) {
	var history []conversation.ChatMessage
	var systemPrompt string

	before := t.group.CreatedAt
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		groups, err := e.store.ListGroups(egCtx, t.conversation.ID, store.ListOptions{
			Before: &before,
			Limit:  e.historyLimit,
		})
		if err != nil {
			return err
		}
		history, err = conversation.AssembleHistory(groups, conversation.SkipOpen())
		return err
	})
	eg.Go(func() error {
		var err error
		systemPrompt, err = e.augmenter.BuildSystemPrompt(egCtx, t.userMessage.Content, t.conversation.ID, t.asOf)
		return err
	})
	if err := eg.Wait(); err != nil {
		return nil, "", err
	}
	return history, systemPrompt, nil
}

func (e *Engine) runTurn(ctx context.Context, w streaming.ChunkWriter, t turn) (*TurnResult, error) {
	history, systemPrompt, err := e.prepare(ctx, t)
	if err != nil {
		return nil, err
	}

	query := conversation.ChatMessage{Role: conversation.RoleUser, Content: t.userMessage.Content}
	if e.counter != nil {
		history = completion.TrimToBudget(e.counter, e.budgetFor(t.conversation), systemPrompt, history, query)
	}

	model := e.modelFor(t.conversation)
	req := &completion.Request{
		Model:        model,
		SystemPrompt: systemPrompt,
		Messages:     append(history, query),
		MaxTokens:    e.maxTokens,
		Temperature:  e.temperature,
	}
	meta := t.metadata(ctx, model)
	log.Debug().EmbedObject(meta).Int("history", len(history)).Msg("Starting turn")

	stream, err := e.completion.Stream(ctx, req)
	if err != nil {
		log.Error().Err(err).EmbedObject(meta).Msg("Completion service failed")
		return nil, err
	}

	result := &TurnResult{UserMessage: t.userMessage}
	text, err := e.coordinator.Relay(ctx, stream, w, meta, func(pctx context.Context, full string) (string, error) {
		assistant := conversation.NewAssistantMessage(t.conversation.ID, full)
		g, err := e.store.AppendPair(pctx, t.group.ID, t.userMessage.ID, assistant)
		if err != nil {
			return "", err
		}
		result.Group = g
		if err := e.store.TouchConversation(pctx, t.conversation.ID, e.now().UTC()); err != nil {
			log.Warn().Err(err).EmbedObject(meta).Msg("Could not update conversation activity")
		}
		return assistant.ID, nil
	})
	result.Text = text
	if err != nil {
		return result, err
	}
	return result, nil
}
