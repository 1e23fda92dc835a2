package cmds

import (
	"context"
	"os"

	"github.com/go-go-golems/branchchat/pkg/app"
	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/store"
	"github.com/go-go-golems/branchchat/pkg/transcript"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func NewExportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <conversation-id>",
		Short: "Export the active branch of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			userID, _ := cmd.Flags().GetString("user")
			output, _ := cmd.Flags().GetString("output")
			format, _ := cmd.Flags().GetString("format")

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
			groups, err := st.ListGroups(ctx, c.ID, store.ListOptions{})
			if err != nil {
				return err
			}
			t, err := transcript.FromGroups(c, groups)
			if err != nil {
				return err
			}

			if output != "" {
				return transcript.SaveToFile(output, t)
			}
			return t.Write(os.Stdout, transcript.Format(format))
		},
	}
	addSettingsFlags(cmd)
	cmd.Flags().String("user", "", "Owner of the conversation")
	cmd.Flags().StringP("output", "o", "", "Write to this .json, .yaml or .md file instead of stdout")
	cmd.Flags().String("format", string(transcript.FormatYAML), "Output format on stdout (json, yaml, markdown)")
	return cmd
}

func NewSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema of transcript files",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := transcript.Schema()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(append(schema, '\n'))
			return err
		},
	}
}

func NewImportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Create a conversation from a transcript file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			userID, _ := cmd.Flags().GetString("user")
			if userID == "" {
				return errors.New("--user is required")
			}
			t, err := transcript.LoadFromFile(args[0])
			if err != nil {
				return err
			}

			st, err := app.OpenStore(s.Store)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			title, _ := cmd.Flags().GetString("title")
			if title == "" {
				title = t.Title
			}
			ctx := context.Background()
			c := conversation.NewConversation(userID, conversation.WithTitle(title))
			if err := st.CreateConversation(ctx, c); err != nil {
				return err
			}
			n, err := transcript.Import(ctx, st, c.ID, userID, t)
			if err != nil {
				return err
			}
			log.Info().Str("conversation", c.ID).Int("exchanges", n).Msg("Imported transcript")
			_, err = cmd.OutOrStdout().Write([]byte(c.ID + "\n"))
			return err
		},
	}
	addSettingsFlags(cmd)
	cmd.Flags().String("user", "", "Owner of the new conversation")
	cmd.Flags().String("title", "", "Title of the new conversation (default: the transcript title)")
	return cmd
}
