package conversation

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type groupBuilder struct {
	t     *testing.T
	group *VersionGroup
}

func newGroupAt(t *testing.T, at time.Time, query string) *groupBuilder {
	user := NewUserMessage("c1", "u", query, WithMessageTime(at))
	g := NewVersionGroup("c1", user)
	user.VersionGroupID = g.ID
	g.Messages = append(g.Messages, user)
	return &groupBuilder{t: t, group: g}
}

func (b *groupBuilder) reply(text string) *groupBuilder {
	b.t.Helper()
	userID := b.group.Pending
	a := NewAssistantMessage("c1", text, WithGroupID(b.group.ID))
	b.group.Messages = append(b.group.Messages, a)
	require.NoError(b.t, b.group.AppendPair(userID, a.ID))
	return b
}

func (b *groupBuilder) edit(query string) *groupBuilder {
	u := NewUserMessage("c1", "u", query, WithGroupID(b.group.ID))
	b.group.Messages = append(b.group.Messages, u)
	b.group.Pending = u.ID
	return b
}

func TestAssembleHistorySelectsActivePairOnly(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	b := newGroupAt(t, base, "q1").reply("a1").
		edit("q2").reply("a2").
		edit("q3").reply("a3")
	require.NoError(t, b.group.SetActiveIndex(2))

	history, err := AssembleHistory([]*VersionGroup{b.group})
	require.NoError(t, err)
	assert.Equal(t, []ChatMessage{
		{Role: RoleUser, Content: "q2"},
		{Role: RoleAssistant, Content: "a2"},
	}, history)
}

func TestAssembleHistoryAfterEditReturnsNewPair(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	b := newGroupAt(t, base, "q1").reply("a1").edit("q1 edited").reply("a2")

	assert.Equal(t, 4, len(b.group.Versions))
	assert.Equal(t, 2, b.group.ActiveIndex)

	history, err := AssembleHistory([]*VersionGroup{b.group})
	require.NoError(t, err)
	assert.Equal(t, []ChatMessage{
		{Role: RoleUser, Content: "q1 edited"},
		{Role: RoleAssistant, Content: "a2"},
	}, history)
}

func TestAssembleHistoryOrdersGroupsByCreation(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	first := newGroupAt(t, base, "first").reply("r1").group
	second := newGroupAt(t, base.Add(time.Minute), "second").reply("r2").group

	history, err := AssembleHistory([]*VersionGroup{second, first})
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, "first", history[0].Content)
	assert.Equal(t, "r1", history[1].Content)
	assert.Equal(t, "second", history[2].Content)
	assert.Equal(t, "r2", history[3].Content)
}

func TestAssembleHistoryOpenGroups(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	done := newGroupAt(t, base, "q1").reply("a1").group
	open := newGroupAt(t, base.Add(time.Second), "unanswered").group

	history, err := AssembleHistory([]*VersionGroup{done, open})
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, ChatMessage{Role: RoleUser, Content: "unanswered"}, history[2])

	history, err = AssembleHistory([]*VersionGroup{done, open}, SkipOpen())
	require.NoError(t, err)
	require.Len(t, history, 2)
}

func TestAssembleHistoryPendingEditDoesNotLeak(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	b := newGroupAt(t, base, "q1").reply("a1").edit("interrupted edit")

	history, err := AssembleHistory([]*VersionGroup{b.group}, SkipOpen())
	require.NoError(t, err)
	assert.Equal(t, []ChatMessage{
		{Role: RoleUser, Content: "q1"},
		{Role: RoleAssistant, Content: "a1"},
	}, history)
}

func TestAssembleHistoryMissingMessage(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	g := newGroupAt(t, base, "q1").reply("a1").group
	g.Messages = g.Messages[:1]

	_, err := AssembleHistory([]*VersionGroup{g})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestGroupsBeforeIsStrict(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	g1 := newGroupAt(t, base, "a").group
	g2 := newGroupAt(t, base.Add(time.Second), "b").group
	g3 := newGroupAt(t, base.Add(2*time.Second), "c").group

	before := GroupsBefore([]*VersionGroup{g1, g2, g3}, g2.CreatedAt)
	require.Len(t, before, 1)
	assert.Equal(t, g1.ID, before[0].ID)
}
