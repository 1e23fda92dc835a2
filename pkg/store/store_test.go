package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T) Store

func storeFactories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "chat.db"))
			require.NoError(t, err)
			return s
		},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range storeFactories() {
		factory := factory
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			t.Cleanup(func() { _ = s.Close() })
			fn(t, s)
		})
	}
}

func seedConversation(t *testing.T, s Store) *conversation.Conversation {
	t.Helper()
	c := conversation.NewConversation("user-1", conversation.WithTitle("test"))
	require.NoError(t, s.CreateConversation(context.Background(), c))
	return c
}

// completeTurn opens a group for query and answers it.
func completeTurn(t *testing.T, s Store, c *conversation.Conversation, query, reply string, at time.Time) *conversation.VersionGroup {
	t.Helper()
	ctx := context.Background()
	u := conversation.NewUserMessage(c.ID, c.UserID, query, conversation.WithMessageTime(at))
	g, err := s.CreateVersionGroup(ctx, c.ID, u)
	require.NoError(t, err)
	a := conversation.NewAssistantMessage(c.ID, reply, conversation.WithMessageTime(at.Add(time.Millisecond)))
	g, err = s.AppendPair(ctx, g.ID, u.ID, a)
	require.NoError(t, err)
	return g
}

func editTurn(t *testing.T, s Store, g *conversation.VersionGroup, query, reply string) *conversation.VersionGroup {
	t.Helper()
	ctx := context.Background()
	u := conversation.NewUserMessage(g.ConversationID, "user-1", query)
	g, err := s.AddPendingMessage(ctx, g.ID, u)
	require.NoError(t, err)
	a := conversation.NewAssistantMessage(g.ConversationID, reply)
	g, err = s.AppendPair(ctx, g.ID, u.ID, a)
	require.NoError(t, err)
	return g
}

func TestCreateVersionGroupStartsOpen(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		c := seedConversation(t, s)
		u := conversation.NewUserMessage(c.ID, c.UserID, "hello")

		g, err := s.CreateVersionGroup(ctx, c.ID, u)
		require.NoError(t, err)
		assert.True(t, g.IsOpen())
		assert.Equal(t, u.ID, g.Pending)
		require.Len(t, g.Messages, 1)
		assert.Equal(t, "hello", g.Messages[0].Content)
		assert.Equal(t, g.ID, g.Messages[0].VersionGroupID)
	})
}

func TestCreateVersionGroupUnknownConversation(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		u := conversation.NewUserMessage("missing", "user-1", "hello")
		_, err := s.CreateVersionGroup(context.Background(), "missing", u)
		require.Error(t, err)
		assert.True(t, errors.Is(err, conversation.ErrNotFound))
	})
}

func TestAppendPairAndEditActivateNewestPair(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		c := seedConversation(t, s)
		g := completeTurn(t, s, c, "q1", "a1", time.Now().UTC())
		assert.Equal(t, 2, len(g.Versions))
		assert.Equal(t, 0, g.ActiveIndex)
		assert.Empty(t, g.Pending)

		g = editTurn(t, s, g, "q2", "a2")
		assert.Equal(t, 4, len(g.Versions))
		assert.Equal(t, 2, g.ActiveIndex)

		g = editTurn(t, s, g, "q3", "a3")
		assert.Equal(t, 6, len(g.Versions))
		assert.Equal(t, 4, g.ActiveIndex)

		reloaded, err := s.GetVersionGroup(context.Background(), g.ID)
		require.NoError(t, err)
		assert.Equal(t, g.Versions, reloaded.Versions)
		assert.Equal(t, 4, reloaded.ActiveIndex)
		assert.Len(t, reloaded.Messages, 6)

		user, assistant, err := reloaded.ActivePair()
		require.NoError(t, err)
		assert.Equal(t, "q3", user.Content)
		assert.Equal(t, "a3", assistant.Content)
	})
}

func TestAppendPairRejectsForeignUserMessage(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		c := seedConversation(t, s)
		g := completeTurn(t, s, c, "q1", "a1", time.Now().UTC())

		a := conversation.NewAssistantMessage(c.ID, "orphan")
		_, err := s.AppendPair(context.Background(), g.ID, conversation.NewID(), a)
		require.Error(t, err)
		assert.True(t, errors.Is(err, conversation.ErrNotFound))

		reloaded, err := s.GetVersionGroup(context.Background(), g.ID)
		require.NoError(t, err)
		assert.Len(t, reloaded.Versions, 2)
		assert.Len(t, reloaded.Messages, 2)
	})
}

func TestSetActiveIndexValidation(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		c := seedConversation(t, s)
		g := completeTurn(t, s, c, "q1", "a1", time.Now().UTC())
		g = editTurn(t, s, g, "q2", "a2")

		_, err := s.SetActiveIndex(ctx, g.ID, 1)
		assert.True(t, errors.Is(err, conversation.ErrInvalidVersionIndex))
		_, err = s.SetActiveIndex(ctx, g.ID, 4)
		assert.True(t, errors.Is(err, conversation.ErrInvalidVersionIndex))

		g, err = s.SetActiveIndex(ctx, g.ID, 0)
		require.NoError(t, err)
		assert.Equal(t, 0, g.ActiveIndex)

		_, err = s.SetActiveIndex(ctx, "nope", 0)
		assert.True(t, errors.Is(err, conversation.ErrNotFound))
	})
}

func TestUpdateVersionGroupNavigates(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		c := seedConversation(t, s)
		g := completeTurn(t, s, c, "q1", "a1", time.Now().UTC())
		g = editTurn(t, s, g, "q2", "a2")

		g, err := s.UpdateVersionGroup(ctx, g.ID, NavigateMutation(conversation.DirectionNext))
		require.NoError(t, err)
		assert.Equal(t, 2, g.ActiveIndex)

		g, err = s.UpdateVersionGroup(ctx, g.ID, NavigateMutation(conversation.DirectionPrev))
		require.NoError(t, err)
		assert.Equal(t, 0, g.ActiveIndex)

		g, err = s.UpdateVersionGroup(ctx, g.ID, NavigateMutation(conversation.DirectionPrev))
		require.NoError(t, err)
		assert.Equal(t, 0, g.ActiveIndex)
	})
}

func TestUpdateVersionGroupRejectsInvalidResult(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		c := seedConversation(t, s)
		g := completeTurn(t, s, c, "q1", "a1", time.Now().UTC())

		_, err := s.UpdateVersionGroup(ctx, g.ID, func(g *conversation.VersionGroup) error {
			g.Versions = append(g.Versions, "dangling")
			return nil
		})
		require.Error(t, err)

		reloaded, err := s.GetVersionGroup(ctx, g.ID)
		require.NoError(t, err)
		assert.Len(t, reloaded.Versions, 2)
	})
}

func TestFindGroupContaining(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		c := seedConversation(t, s)
		other := seedConversation(t, s)
		g := completeTurn(t, s, c, "q1", "a1", time.Now().UTC())

		for _, id := range g.Versions {
			found, err := s.FindGroupContaining(ctx, c.ID, id)
			require.NoError(t, err)
			assert.Equal(t, g.ID, found.ID)
		}

		_, err := s.FindGroupContaining(ctx, other.ID, g.Versions[0])
		assert.True(t, errors.Is(err, conversation.ErrNotFound))
		_, err = s.FindGroupContaining(ctx, c.ID, conversation.NewID())
		assert.True(t, errors.Is(err, conversation.ErrNotFound))
	})
}

func TestListGroupsOrderingBeforeAndLimit(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		c := seedConversation(t, s)
		base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
		var groups []*conversation.VersionGroup
		for i := 0; i < 7; i++ {
			groups = append(groups, completeTurn(t, s, c, "q", "a", base.Add(time.Duration(i)*time.Minute)))
		}

		all, err := s.ListGroups(ctx, c.ID, ListOptions{})
		require.NoError(t, err)
		require.Len(t, all, 7)
		for i := range all {
			assert.Equal(t, groups[i].ID, all[i].ID)
			assert.Len(t, all[i].Messages, 2)
		}

		recent, err := s.ListGroups(ctx, c.ID, ListOptions{Limit: 5})
		require.NoError(t, err)
		require.Len(t, recent, 5)
		assert.Equal(t, groups[2].ID, recent[0].ID)
		assert.Equal(t, groups[6].ID, recent[4].ID)

		before := groups[3].CreatedAt
		older, err := s.ListGroups(ctx, c.ID, ListOptions{Before: &before, Limit: 2})
		require.NoError(t, err)
		require.Len(t, older, 2)
		assert.Equal(t, groups[1].ID, older[0].ID)
		assert.Equal(t, groups[2].ID, older[1].ID)
	})
}

func TestSQLiteListGroupsOnlyLoadsSelectedGroups(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	c := seedConversation(t, s)
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	var groups []*conversation.VersionGroup
	for i := 0; i < 7; i++ {
		groups = append(groups, completeTurn(t, s, c, "q", "a", base.Add(time.Duration(i)*time.Minute)))
	}
	// rows of the oldest group can no longer be decoded
	_, err = s.db.ExecContext(ctx, `UPDATE messages SET files_json = 'broken' WHERE version_group_id = ?`, groups[0].ID)
	require.NoError(t, err)

	recent, err := s.ListGroups(ctx, c.ID, ListOptions{Limit: 5})
	require.NoError(t, err)
	require.Len(t, recent, 5)
	for _, g := range recent {
		assert.Len(t, g.Messages, 2)
	}

	before := groups[3].CreatedAt
	older, err := s.ListGroups(ctx, c.ID, ListOptions{Before: &before, Limit: 2})
	require.NoError(t, err)
	require.Len(t, older, 2)

	_, err = s.ListGroups(ctx, c.ID, ListOptions{})
	assert.Error(t, err)
}

func TestDeleteConversationCascades(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		c := seedConversation(t, s)
		g := completeTurn(t, s, c, "q1", "a1", time.Now().UTC())

		require.NoError(t, s.DeleteConversation(ctx, c.ID))

		_, err := s.GetConversation(ctx, c.ID)
		assert.True(t, errors.Is(err, conversation.ErrNotFound))
		_, err = s.GetVersionGroup(ctx, g.ID)
		assert.True(t, errors.Is(err, conversation.ErrNotFound))
		_, err = s.FindGroupContaining(ctx, c.ID, g.Versions[0])
		assert.True(t, errors.Is(err, conversation.ErrNotFound))

		err = s.DeleteConversation(ctx, c.ID)
		assert.True(t, errors.Is(err, conversation.ErrNotFound))
	})
}

func TestTouchAndListConversations(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		first := seedConversation(t, s)
		second := seedConversation(t, s)

		at := time.Now().UTC().Add(time.Hour)
		require.NoError(t, s.TouchConversation(ctx, first.ID, at))

		list, err := s.ListConversations(ctx, "user-1")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, first.ID, list[0].ID)
		assert.Equal(t, second.ID, list[1].ID)
		require.NotNil(t, list[0].LastActivityAt)
		assert.True(t, list[0].LastActivityAt.Equal(at))

		none, err := s.ListConversations(ctx, "someone-else")
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestConcurrentEditsDoNotLoseUpdates(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		c := seedConversation(t, s)
		g := completeTurn(t, s, c, "q0", "a0", time.Now().UTC())

		const edits = 8
		var wg sync.WaitGroup
		errs := make(chan error, edits)
		for i := 0; i < edits; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ctx := context.Background()
				u := conversation.NewUserMessage(c.ID, c.UserID, "edit")
				if _, err := s.AddPendingMessage(ctx, g.ID, u); err != nil {
					errs <- err
					return
				}
				a := conversation.NewAssistantMessage(c.ID, "reply")
				if _, err := s.AppendPair(ctx, g.ID, u.ID, a); err != nil {
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		final, err := s.GetVersionGroup(context.Background(), g.ID)
		require.NoError(t, err)
		assert.Len(t, final.Versions, 2*(edits+1))
		assert.Equal(t, len(final.Versions)-2, final.ActiveIndex)
		require.NoError(t, final.Validate())
	})
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)

	c := seedConversation(t, s)
	g := completeTurn(t, s, c, "q1", "a1", time.Now().UTC())
	g = editTurn(t, s, g, "q2", "a2")
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	got, err := reopened.GetVersionGroup(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Equal(t, g.Versions, got.Versions)
	assert.Equal(t, 2, got.ActiveIndex)

	conv, err := reopened.GetConversation(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, "test", conv.Title)
}

func TestClosedStoreRejectsCalls(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		require.NoError(t, s.Close())
		_, err := s.GetConversation(context.Background(), "x")
		assert.True(t, errors.Is(err, ErrStoreClosed))
	})
}

func TestWithSQLiteParams(t *testing.T) {
	assert.Equal(t, "a.db?_foreign_keys=on&_txlock=immediate&_busy_timeout=5000", withSQLiteParams("a.db"))
	assert.Equal(t, "a.db?_txlock=deferred&_foreign_keys=on&_busy_timeout=5000", withSQLiteParams("a.db?_txlock=deferred"))
}
