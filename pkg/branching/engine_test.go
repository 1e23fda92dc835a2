package branching

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/go-go-golems/branchchat/pkg/completion"
	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/events"
	"github.com/go-go-golems/branchchat/pkg/memory"
	"github.com/go-go-golems/branchchat/pkg/store"
	"github.com/go-go-golems/branchchat/pkg/streaming"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bufWriter struct {
	bytes.Buffer
}

func (b *bufWriter) Flush() error { return nil }

type fixture struct {
	engine *Engine
	store  *store.MemoryStore
	llm    *completion.ScriptedService
	facts  *memory.LocalService
	sink   *events.RecordingSink
	conv   *conversation.Conversation
}

const user = "user-1"

func newFixture(t *testing.T, options ...EngineOption) *fixture {
	t.Helper()
	f := &fixture{
		store: store.NewMemoryStore(),
		llm:   &completion.ScriptedService{Reply: completion.EchoReply},
		facts: memory.NewLocalService(),
		sink:  &events.RecordingSink{},
	}
	augmenter, err := memory.NewAugmenter(f.facts, "Memories:\n{memories}")
	require.NoError(t, err)

	options = append([]EngineOption{
		WithCoordinator(streaming.NewCoordinator(streaming.WithSink(f.sink))),
		WithModel("test-model"),
	}, options...)
	f.engine, err = NewEngine(f.store, f.llm, augmenter, options...)
	require.NoError(t, err)

	f.conv, err = f.engine.CreateConversation(context.Background(), user, ConversationParams{Title: "test"})
	require.NoError(t, err)
	return f
}

func (f *fixture) ask(t *testing.T, text string) *TurnResult {
	t.Helper()
	// keeps creation times of consecutive slots apart
	time.Sleep(2 * time.Millisecond)
	w := &bufWriter{}
	res, err := f.engine.SubmitQuery(context.Background(), user, f.conv.ID, Query{Text: text}, w)
	require.NoError(t, err)
	require.NotNil(t, res.Group)
	assert.Equal(t, w.String(), res.Text)
	return res
}

func (f *fixture) edit(t *testing.T, messageID, text string) *TurnResult {
	t.Helper()
	w := &bufWriter{}
	res, err := f.engine.EditMessage(context.Background(), user, f.conv.ID, messageID, Query{Text: text}, w)
	require.NoError(t, err)
	require.NotNil(t, res.Group)
	return res
}

func (f *fixture) history(t *testing.T) []conversation.ChatMessage {
	t.Helper()
	groups, err := f.engine.ListVersions(context.Background(), user, f.conv.ID)
	require.NoError(t, err)
	h, err := conversation.AssembleHistory(groups)
	require.NoError(t, err)
	return h
}

func contents(msgs []conversation.ChatMessage) []string {
	ret := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ret = append(ret, m.Content)
	}
	return ret
}

func TestSubmitQueryPersistsPair(t *testing.T) {
	f := newFixture(t)
	res := f.ask(t, "hello there")

	assert.Equal(t, "You said: hello there", res.Text)
	g := res.Group
	require.Len(t, g.Versions, 2)
	assert.Equal(t, 0, g.ActiveIndex)
	assert.Empty(t, g.Pending)
	assert.Equal(t, res.UserMessage.ID, g.Versions[0])

	req := f.llm.LastRequest()
	require.NotNil(t, req)
	assert.Equal(t, "test-model", req.Model)
	assert.Equal(t, []string{"hello there"}, contents(req.Messages))

	conv, err := f.store.GetConversation(context.Background(), f.conv.ID)
	require.NoError(t, err)
	assert.NotNil(t, conv.LastActivityAt)
}

func TestTwoTurnsProduceOrderedGroups(t *testing.T) {
	f := newFixture(t)
	first := f.ask(t, "first question")
	second := f.ask(t, "second question")

	assert.NotEqual(t, first.Group.ID, second.Group.ID)
	req := f.llm.LastRequest()
	assert.Equal(t, []string{"first question", "You said: first question", "second question"}, contents(req.Messages))

	groups, err := f.engine.ListVersions(context.Background(), user, f.conv.ID)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, first.Group.ID, groups[0].ID)
	assert.Equal(t, second.Group.ID, groups[1].ID)
	assert.Len(t, f.history(t), 4)
}

func TestEditAppendsVersionAndActivatesIt(t *testing.T) {
	f := newFixture(t)
	first := f.ask(t, "u1")

	edited := f.edit(t, first.UserMessage.ID, "u2")
	g := edited.Group
	assert.Equal(t, first.Group.ID, g.ID)
	require.Len(t, g.Versions, 4)
	assert.Equal(t, 2, g.ActiveIndex)
	assert.Equal(t, first.Group.Versions, g.Versions[:2])
	assert.Equal(t, []string{"u2", "You said: u2"}, contents(f.history(t)))

	again := f.edit(t, edited.UserMessage.ID, "u3")
	require.Len(t, again.Group.Versions, 6)
	assert.Equal(t, 4, again.Group.ActiveIndex)
	assert.Equal(t, []string{"u3", "You said: u3"}, contents(f.history(t)))
}

func TestEditSeesOnlyEarlierSlots(t *testing.T) {
	f := newFixture(t)
	f.ask(t, "one")
	second := f.ask(t, "two")
	f.ask(t, "three")

	f.edit(t, second.UserMessage.ID, "two, edited")
	req := f.llm.LastRequest()
	assert.Equal(t, []string{"one", "You said: one", "two, edited"}, contents(req.Messages))

	// the edited slot stays in place for later turns
	f.ask(t, "four")
	req = f.llm.LastRequest()
	assert.Equal(t, []string{
		"one", "You said: one",
		"two, edited", "You said: two, edited",
		"three", "You said: three",
		"four",
	}, contents(req.Messages))
}

func TestEditHidesLaterMemories(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.ask(t, "what colour do I like")
	created := first.Group.CreatedAt

	_, err := f.facts.Add(ctx, f.conv.ID, memory.Exchange{Query: "my colour is green", Reply: "ok", At: created.Add(-time.Hour)})
	require.NoError(t, err)
	_, err = f.facts.Add(ctx, f.conv.ID, memory.Exchange{Query: "my colour is blue", Reply: "ok", At: created.Add(time.Hour)})
	require.NoError(t, err)

	f.edit(t, first.UserMessage.ID, "which colour do I like")
	prompt := f.llm.LastRequest().SystemPrompt
	assert.Contains(t, prompt, "green")
	assert.NotContains(t, prompt, "blue")

	f.ask(t, "remind me of my colour")
	prompt = f.llm.LastRequest().SystemPrompt
	assert.Contains(t, prompt, "green")
	assert.Contains(t, prompt, "blue")
}

func TestHistoryLimitKeepsMostRecentSlots(t *testing.T) {
	f := newFixture(t, WithHistoryLimit(2))
	for _, q := range []string{"a", "b", "c"} {
		f.ask(t, q)
	}
	f.ask(t, "d")
	assert.Equal(t, []string{"b", "You said: b", "c", "You said: c", "d"}, contents(f.llm.LastRequest().Messages))
}

func TestTokenBudgetTrimsOldestPairs(t *testing.T) {
	words := completion.TokenCounterFunc(func(s string) int { return len(strings.Fields(s)) })
	f := newFixture(t, WithTokenCounter(words), WithContextWindow(30))
	f.ask(t, "one two three four")
	f.ask(t, "five six")
	f.ask(t, "seven")

	msgs := f.llm.LastRequest().Messages
	assert.Equal(t, "seven", msgs[len(msgs)-1].Content)
	assert.Less(t, len(msgs), 5)
}

func TestInterruptedTurnLeavesPendingMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ask(t, "before")

	words := make([]string, 50)
	for i := range words {
		words[i] = "tok "
	}
	f.llm.Reply = nil
	f.llm.Chunks = words
	f.llm.FailAfter = 10

	w := &bufWriter{}
	res, err := f.engine.SubmitQuery(ctx, user, f.conv.ID, Query{Text: "cut short"}, w)
	require.Error(t, err)
	assert.ErrorIs(t, err, conversation.ErrStreamInterrupted)
	assert.Nil(t, res.Group)
	assert.Equal(t, strings.Repeat("tok ", 10), w.String())

	groups, err := f.engine.ListVersions(ctx, user, f.conv.ID)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	open := groups[1]
	assert.True(t, open.IsOpen())
	assert.Equal(t, res.UserMessage.ID, open.Pending)
	require.Len(t, open.Messages, 1)
	assert.Equal(t, conversation.RoleUser, open.Messages[0].Role)

	// the unanswered message stays out of later context
	f.llm.Reply = completion.EchoReply
	f.llm.FailAfter = 0
	f.ask(t, "next")
	assert.Equal(t, []string{"before", "You said: before", "next"}, contents(f.llm.LastRequest().Messages))

	retried, err := f.engine.RetryPending(ctx, user, f.conv.ID, open.ID, &bufWriter{})
	require.NoError(t, err)
	assert.Equal(t, "You said: cut short", retried.Text)
	require.Len(t, retried.Group.Versions, 2)
	assert.Empty(t, retried.Group.Pending)
	assert.Equal(t, []string{"before", "You said: before", "cut short"}, contents(f.llm.LastRequest().Messages))

	_, err = f.engine.RetryPending(ctx, user, f.conv.ID, open.ID, &bufWriter{})
	assert.ErrorIs(t, err, conversation.ErrValidation)
}

func TestUpstreamFailureBeforeFirstChunk(t *testing.T) {
	f := newFixture(t)
	f.llm.StartErr = errors.New("quota exceeded")

	w := &bufWriter{}
	_, err := f.engine.SubmitQuery(context.Background(), user, f.conv.ID, Query{Text: "hi"}, w)
	require.Error(t, err)
	assert.ErrorIs(t, err, conversation.ErrUpstream)
	assert.Empty(t, w.String())

	groups, err := f.engine.ListVersions(context.Background(), user, f.conv.ID)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.True(t, groups[0].IsOpen())
}

func TestSwitchVersionIsClamped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.ask(t, "u1")
	f.edit(t, first.UserMessage.ID, "u2")
	gid := first.Group.ID

	g, err := f.engine.SwitchVersion(ctx, user, f.conv.ID, gid, conversation.DirectionNext)
	require.NoError(t, err)
	assert.Equal(t, 2, g.ActiveIndex)

	g, err = f.engine.SwitchVersion(ctx, user, f.conv.ID, gid, conversation.DirectionPrev)
	require.NoError(t, err)
	assert.Equal(t, 0, g.ActiveIndex)
	assert.Equal(t, []string{"u1", "You said: u1"}, contents(f.history(t)))

	g, err = f.engine.SwitchVersion(ctx, user, f.conv.ID, gid, conversation.DirectionPrev)
	require.NoError(t, err)
	assert.Equal(t, 0, g.ActiveIndex)
}

func TestSetVersionValidatesIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.ask(t, "u1")
	f.edit(t, first.UserMessage.ID, "u2")
	gid := first.Group.ID

	for _, bad := range []int{-2, 1, 3, 4} {
		_, err := f.engine.SetVersion(ctx, user, f.conv.ID, gid, bad)
		assert.ErrorIs(t, err, conversation.ErrInvalidVersionIndex, "index %d", bad)
	}
	g, err := f.engine.SetVersion(ctx, user, f.conv.ID, gid, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, g.ActiveIndex)
}

func TestVersionCallsAreScopedToConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.ask(t, "u1")

	other, err := f.engine.CreateConversation(ctx, user, ConversationParams{})
	require.NoError(t, err)

	_, err = f.engine.SetVersion(ctx, user, other.ID, first.Group.ID, 0)
	assert.ErrorIs(t, err, conversation.ErrNotFound)
	_, err = f.engine.EditMessage(ctx, user, other.ID, first.UserMessage.ID, Query{Text: "x"}, &bufWriter{})
	assert.ErrorIs(t, err, conversation.ErrNotFound)
	_, err = f.engine.RetryPending(ctx, user, other.ID, first.Group.ID, &bufWriter{})
	assert.ErrorIs(t, err, conversation.ErrNotFound)
}

func TestEditRejectsUnknownAndAssistantMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.ask(t, "u1")

	_, err := f.engine.EditMessage(ctx, user, f.conv.ID, "nope", Query{Text: "x"}, &bufWriter{})
	assert.ErrorIs(t, err, conversation.ErrNotFound)

	_, err = f.engine.EditMessage(ctx, user, f.conv.ID, first.Group.Versions[1], Query{Text: "x"}, &bufWriter{})
	assert.ErrorIs(t, err, conversation.ErrValidation)

	_, err = f.engine.EditMessage(ctx, user, f.conv.ID, first.UserMessage.ID, Query{Text: "   "}, &bufWriter{})
	assert.ErrorIs(t, err, conversation.ErrValidation)
}

func TestAuthorizationAndValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.SubmitQuery(ctx, "", f.conv.ID, Query{Text: "hi"}, &bufWriter{})
	assert.ErrorIs(t, err, conversation.ErrUnauthorized)
	_, err = f.engine.SubmitQuery(ctx, "intruder", f.conv.ID, Query{Text: "hi"}, &bufWriter{})
	assert.ErrorIs(t, err, conversation.ErrNotFound)
	_, err = f.engine.SubmitQuery(ctx, user, f.conv.ID, Query{Text: ""}, &bufWriter{})
	assert.ErrorIs(t, err, conversation.ErrValidation)
	_, err = f.engine.SubmitQuery(ctx, user, f.conv.ID, Query{
		Text:  "see file",
		Files: []conversation.Attachment{{FileName: "a.png"}},
	}, &bufWriter{})
	assert.ErrorIs(t, err, conversation.ErrValidation)
	_, err = f.engine.SubmitQuery(ctx, user, f.conv.ID, Query{
		Text:  "see file",
		Files: []conversation.Attachment{{FileName: "a.png", StorageURL: "http://169.254.169.254/a.png"}},
	}, &bufWriter{})
	assert.ErrorIs(t, err, conversation.ErrValidation)

	groups, err := f.engine.ListVersions(ctx, user, f.conv.ID)
	require.NoError(t, err)
	assert.Empty(t, groups)
	assert.Empty(t, f.llm.Requests())

	_, err = f.engine.CreateConversation(ctx, "", ConversationParams{})
	assert.ErrorIs(t, err, conversation.ErrUnauthorized)
	_, err = f.engine.ListVersions(ctx, "intruder", f.conv.ID)
	assert.ErrorIs(t, err, conversation.ErrNotFound)
}

func TestAttachmentsAreStored(t *testing.T) {
	f := newFixture(t)
	w := &bufWriter{}
	res, err := f.engine.SubmitQuery(context.Background(), user, f.conv.ID, Query{
		Text:  "look at this",
		Files: []conversation.Attachment{{FileName: "cat.png", FileType: "image/png", StorageURL: "s3://b/cat.png"}},
	}, w)
	require.NoError(t, err)
	m, ok := res.Group.MessageByID(res.UserMessage.ID)
	require.True(t, ok)
	require.Len(t, m.Files, 1)
	assert.Equal(t, "s3://b/cat.png", m.Files[0].StorageURL)
}

func TestConversationLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ask(t, "hi")

	list, err := f.engine.ListConversations(ctx, user)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "test", list[0].Title)

	assert.ErrorIs(t, f.engine.DeleteConversation(ctx, "intruder", f.conv.ID), conversation.ErrNotFound)
	require.NoError(t, f.engine.DeleteConversation(ctx, user, f.conv.ID))
	_, err = f.engine.ListVersions(ctx, user, f.conv.ID)
	assert.ErrorIs(t, err, conversation.ErrNotFound)
}

func TestTurnEventsCarryKindAndPersistence(t *testing.T) {
	f := newFixture(t)
	first := f.ask(t, "u1")
	f.edit(t, first.UserMessage.ID, "u2")

	var finals []*events.EventFinal
	for _, e := range f.sink.Events() {
		if final, ok := e.(*events.EventFinal); ok {
			finals = append(finals, final)
		}
	}
	require.Len(t, finals, 2)
	assert.Equal(t, events.TurnKindQuery, finals[0].Metadata().Kind)
	assert.Equal(t, events.TurnKindEdit, finals[1].Metadata().Kind)
	assert.True(t, finals[1].Persisted)
	assert.Equal(t, first.Group.ID, finals[1].Metadata().GroupID)
	assert.True(t, first.Group.CreatedAt.Equal(finals[1].Metadata().GroupCreatedAt))
	assert.Equal(t, "u2", finals[1].Metadata().Query)
}

func TestConcurrentEditsKeepEveryVersion(t *testing.T) {
	f := newFixture(t)
	first := f.ask(t, "u1")

	const n = 6
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := f.engine.EditMessage(context.Background(), user, f.conv.ID, first.UserMessage.ID,
				Query{Text: "edit"}, &bufWriter{})
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}
	g, err := f.store.GetVersionGroup(context.Background(), first.Group.ID)
	require.NoError(t, err)
	assert.Len(t, g.Versions, 2*(n+1))
	assert.NoError(t, g.Validate())
}
