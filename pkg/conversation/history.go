package conversation

import (
	"sort"
	"time"
)

type assembleOptions struct {
	skipOpen bool
}

type AssembleOption func(*assembleOptions)

// SkipOpen drops groups that have no committed pair. Their pending user message
// was never answered and is left out of the context until it is retried.
func SkipOpen() AssembleOption {
	return func(o *assembleOptions) {
		o.skipOpen = true
	}
}

// AssembleHistory returns the linear history for groups, selecting the active pair
// of every group. Groups are emitted in creation order. An open group emits only
// its pending user message unless SkipOpen is given.
func AssembleHistory(groups []*VersionGroup, options ...AssembleOption) ([]ChatMessage, error) {
	opts := &assembleOptions{}
	for _, o := range options {
		o(opts)
	}

	ordered := SortGroups(groups)
	ret := make([]ChatMessage, 0, len(ordered)*2)
	for _, g := range ordered {
		if g.IsOpen() {
			if opts.skipOpen || g.Pending == "" {
				continue
			}
			m, ok := g.MessageByID(g.Pending)
			if !ok {
				return nil, NewNotFoundError("message", g.Pending)
			}
			ret = append(ret, ChatMessage{Role: m.Role, Content: m.Content})
			continue
		}

		user, assistant, err := g.ActivePair()
		if err != nil {
			return nil, err
		}
		ret = append(ret,
			ChatMessage{Role: user.Role, Content: user.Content},
			ChatMessage{Role: assistant.Role, Content: assistant.Content},
		)
	}
	return ret, nil
}

// SortGroups returns groups ordered by creation time. Ties keep their input order.
func SortGroups(groups []*VersionGroup) []*VersionGroup {
	ret := make([]*VersionGroup, 0, len(groups))
	for _, g := range groups {
		if g != nil {
			ret = append(ret, g)
		}
	}
	sort.SliceStable(ret, func(i, j int) bool {
		return ret[i].CreatedAt.Before(ret[j].CreatedAt)
	})
	return ret
}

// GroupsBefore keeps the groups created strictly before t.
func GroupsBefore(groups []*VersionGroup, t time.Time) []*VersionGroup {
	ret := make([]*VersionGroup, 0, len(groups))
	for _, g := range groups {
		if g.CreatedAt.Before(t) {
			ret = append(ret, g)
		}
	}
	return ret
}
