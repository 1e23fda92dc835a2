package cmds

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-go-golems/branchchat/pkg/app"
	"github.com/go-go-golems/branchchat/pkg/settings"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// flag name -> settings key
var serveFlags = map[string]string{
	"listen":          "listen",
	"store-driver":    "store.driver",
	"store-dsn":       "store.dsn",
	"memory-backend":  "memory.backend",
	"memory-embedder": "memory.embedder",
	"openai-model":    "openai.model",
	"openai-base-url": "openai.base-url",
	"prompt-file":     "prompt.file",
	"prompt-name":     "prompt.name",
}

// loadSettings reads the settings from viper. Flags set on cmd win over the
// config file and environment.
func loadSettings(cmd *cobra.Command) (*settings.Settings, error) {
	v := viper.GetViper()
	settings.RegisterDefaults(v)
	for flag, key := range serveFlags {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, errors.Wrapf(err, "bind flag %s", flag)
		}
	}
	return settings.FromViper(v)
}

func addSettingsFlags(cmd *cobra.Command) {
	d := settings.Defaults()
	cmd.Flags().String("store-driver", d.Store.Driver, "Conversation store (memory, sqlite)")
	cmd.Flags().String("store-dsn", d.Store.DSN, "SQLite database file")
}

func NewServeCommand() *cobra.Command {
	d := settings.Defaults()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the conversation API over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(cmd)
			if err != nil {
				return err
			}

			a, err := app.New(s)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					log.Warn().Err(err).Msg("Failed to close app")
				}
			}()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.Info().
				Str("store", s.Store.Driver).
				Str("memory", s.Memory.Backend).
				Str("model", s.OpenAI.Model).
				Msg("Starting branchchat")
			err = a.Run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	addSettingsFlags(cmd)
	cmd.Flags().String("listen", d.Listen, "Address to listen on")
	cmd.Flags().String("memory-backend", d.Memory.Backend, "Memory backend (local, weaviate, none)")
	cmd.Flags().String("memory-embedder", d.Memory.Embedder, "Ranking of local memories (none, hash, openai)")
	cmd.Flags().String("openai-model", d.OpenAI.Model, "Default chat model")
	cmd.Flags().String("openai-base-url", "", "OpenAI compatible API base url")
	cmd.Flags().String("prompt-file", "", "YAML file with system prompt templates")
	cmd.Flags().String("prompt-name", d.Prompt.Name, "Name of the system prompt template")
	return cmd
}
