package cmds

import (
	"context"
	"os"
	"time"

	"github.com/go-go-golems/branchchat/pkg/app"
	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/settings"
	"github.com/go-go-golems/branchchat/pkg/store"
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	glazed_settings "github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tcnksm/go-input"
)

type ConversationsSettings struct {
	User         string `glazed.parameter:"user"`
	WithVersions bool   `glazed.parameter:"with-versions"`
	StoreDriver  string `glazed.parameter:"store-driver"`
	StoreDSN     string `glazed.parameter:"store-dsn"`
}

// ConversationsCommand emits one row per conversation, or one row per version
// group with --with-versions.
type ConversationsCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = (*ConversationsCommand)(nil)

func NewConversationsCommand() (*cobra.Command, error) {
	glazedLayer, err := glazed_settings.NewGlazedParameterLayers()
	if err != nil {
		return nil, errors.Wrap(err, "could not create glazed parameter layer")
	}

	c := &ConversationsCommand{
		CommandDescription: cmds.NewCommandDescription(
			"conversations",
			cmds.WithShort("List the conversations of a user in the store"),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"user",
					parameters.ParameterTypeString,
					parameters.WithHelp("User whose conversations are listed"),
				),
				parameters.NewParameterDefinition(
					"with-versions",
					parameters.ParameterTypeBool,
					parameters.WithHelp("Emit one row per version group"),
					parameters.WithDefault(false),
				),
				parameters.NewParameterDefinition(
					"store-driver",
					parameters.ParameterTypeString,
					parameters.WithHelp("Conversation store (memory, sqlite), defaults to the configured one"),
					parameters.WithDefault(""),
				),
				parameters.NewParameterDefinition(
					"store-dsn",
					parameters.ParameterTypeString,
					parameters.WithHelp("SQLite database file, defaults to the configured one"),
					parameters.WithDefault(""),
				),
			),
			cmds.WithLayersList(glazedLayer),
		),
	}

	cmd, err := cli.BuildCobraCommandFromGlazeCommand(c)
	if err != nil {
		return nil, err
	}
	cmd.AddCommand(newDeleteConversationCommand())
	return cmd, nil
}

func (c *ConversationsCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *layers.ParsedLayers,
	gp middlewares.Processor,
) error {
	s := &ConversationsSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "error initializing settings")
	}
	if s.User == "" {
		return errors.New("--user is required")
	}

	storeSettings, err := configuredStore(s.StoreDriver, s.StoreDSN)
	if err != nil {
		return err
	}
	st, err := app.OpenStore(storeSettings)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	if s.WithVersions {
		rows, err := groupRows(ctx, st, s.User)
		if err != nil {
			return err
		}
		for _, r := range rows {
			if err := gp.AddRow(ctx, r.row()); err != nil {
				return err
			}
		}
		return nil
	}

	rows, err := conversationRows(ctx, st, s.User)
	if err != nil {
		return err
	}
	for _, r := range rows {
		if err := gp.AddRow(ctx, r.row()); err != nil {
			return err
		}
	}
	return nil
}

// configuredStore reads the store settings from viper and applies the
// overrides that are set.
func configuredStore(driver, dsn string) (settings.StoreSettings, error) {
	v := viper.GetViper()
	settings.RegisterDefaults(v)
	s, err := settings.FromViper(v)
	if err != nil {
		return settings.StoreSettings{}, err
	}
	ret := s.Store
	if driver != "" {
		ret.Driver = driver
	}
	if dsn != "" {
		ret.DSN = dsn
	}
	return ret, nil
}

type conversationRow struct {
	ID           string
	Title        string
	Model        string
	LastActivity string
	Groups       int
}

func (r conversationRow) row() types.Row {
	return types.NewRow(
		types.MRP("id", r.ID),
		types.MRP("title", r.Title),
		types.MRP("model", r.Model),
		types.MRP("last_activity", r.LastActivity),
		types.MRP("groups", r.Groups),
	)
}

type groupRow struct {
	ConversationID string
	GroupID        string
	Pairs          int
	ActiveIndex    int
	Pending        string
	ActiveQuery    string
	ActiveReply    string
}

func (r groupRow) row() types.Row {
	return types.NewRow(
		types.MRP("conversation_id", r.ConversationID),
		types.MRP("group_id", r.GroupID),
		types.MRP("pairs", r.Pairs),
		types.MRP("active_index", r.ActiveIndex),
		types.MRP("pending", r.Pending),
		types.MRP("active_query", r.ActiveQuery),
		types.MRP("active_reply", r.ActiveReply),
	)
}

func conversationRows(ctx context.Context, st store.Reader, userID string) ([]conversationRow, error) {
	cs, err := st.ListConversations(ctx, userID)
	if err != nil {
		return nil, err
	}
	ret := make([]conversationRow, 0, len(cs))
	for _, c := range cs {
		groups, err := st.ListGroups(ctx, c.ID, store.ListOptions{})
		if err != nil {
			return nil, err
		}
		r := conversationRow{ID: c.ID, Title: c.Title, Model: c.Model, Groups: len(groups)}
		if c.LastActivityAt != nil {
			r.LastActivity = c.LastActivityAt.Format(time.RFC3339)
		}
		ret = append(ret, r)
	}
	return ret, nil
}

func groupRows(ctx context.Context, st store.Reader, userID string) ([]groupRow, error) {
	cs, err := st.ListConversations(ctx, userID)
	if err != nil {
		return nil, err
	}
	var ret []groupRow
	for _, c := range cs {
		groups, err := st.ListGroups(ctx, c.ID, store.ListOptions{})
		if err != nil {
			return nil, err
		}
		for _, g := range groups {
			r := groupRow{
				ConversationID: c.ID,
				GroupID:        g.ID,
				Pairs:          g.PairCount(),
				ActiveIndex:    g.ActiveIndex,
			}
			if m, ok := g.MessageByID(g.Pending); ok {
				r.Pending = m.Content
			}
			if u, a, err := g.ActivePair(); err == nil {
				r.ActiveQuery = u.Content
				r.ActiveReply = a.Content
			}
			ret = append(ret, r)
		}
	}
	return ret, nil
}

// confirm asks on the terminal. Without a terminal the answer is no.
func confirm(question string) (bool, error) {
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return false, nil
	}
	ui := &input.UI{
		Writer: os.Stderr,
		Reader: os.Stdin,
	}
	answer, err := ui.Ask(question+" [y/n]", &input.Options{
		Default:  "n",
		Required: true,
		Loop:     true,
		ValidateFunc: func(answer string) error {
			switch answer {
			case "y", "Y", "n", "N":
				return nil
			default:
				return errors.New("please enter 'y' or 'n'")
			}
		},
	})
	if err != nil {
		return false, err
	}
	return answer == "y" || answer == "Y", nil
}

func newDeleteConversationCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <conversation-id>",
		Short: "Delete a conversation with all its versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			userID, _ := cmd.Flags().GetString("user")
			yes, _ := cmd.Flags().GetBool("yes")

			st, err := app.OpenStore(s.Store)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			ctx := context.Background()
			c, err := st.GetConversation(ctx, args[0])
			if err != nil {
				return err
			}
			if !c.OwnedBy(userID) {
				return conversation.NewNotFoundError("conversation", args[0])
			}
			if !yes {
				ok, err := confirm("Delete conversation " + c.ID + " (" + c.Title + ")?")
				if err != nil {
					return err
				}
				if !ok {
					return errors.New("not deleted, pass --yes to skip the confirmation")
				}
			}
			if err := st.DeleteConversation(ctx, c.ID); err != nil {
				return err
			}
			log.Info().Str("conversation", c.ID).Msg("Deleted conversation")
			return nil
		},
	}
	addSettingsFlags(cmd)
	cmd.Flags().String("user", "", "Owner of the conversation")
	cmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")
	return cmd
}
