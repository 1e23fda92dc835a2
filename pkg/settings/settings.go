package settings

import (
	"strings"
	"time"

	"github.com/go-go-golems/branchchat/pkg/security"
	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type StoreSettings struct {
	Driver string `yaml:"driver" mapstructure:"driver"`
	DSN    string `yaml:"dsn" mapstructure:"dsn"`
}

type OpenAISettings struct {
	APIKey      string  `yaml:"api-key" mapstructure:"api-key"`
	BaseURL     string  `yaml:"base-url" mapstructure:"base-url"`
	Model       string  `yaml:"model" mapstructure:"model"`
	MaxTokens   int     `yaml:"max-tokens" mapstructure:"max-tokens"`
	Temperature float32 `yaml:"temperature" mapstructure:"temperature"`
}

// MemorySettings selects the memory backend. Embedder ranks local memories:
// none (keyword overlap), hash or openai.
type MemorySettings struct {
	Backend        string        `yaml:"backend" mapstructure:"backend"`
	Limit          int           `yaml:"limit" mapstructure:"limit"`
	UpdateWindow   time.Duration `yaml:"update-window" mapstructure:"update-window"`
	WeaviateHost   string        `yaml:"weaviate-host" mapstructure:"weaviate-host"`
	WeaviateScheme string        `yaml:"weaviate-scheme" mapstructure:"weaviate-scheme"`
	Class          string        `yaml:"class" mapstructure:"class"`
	Embedder       string        `yaml:"embedder" mapstructure:"embedder"`
	EmbeddingModel string        `yaml:"embedding-model" mapstructure:"embedding-model"`
	EmbeddingCache int           `yaml:"embedding-cache" mapstructure:"embedding-cache"`
}

type HistorySettings struct {
	// Limit is the number of most recent turns sent as context.
	Limit int `yaml:"limit" mapstructure:"limit"`
	// ContextWindow is the default token budget for history when a
	// conversation does not set its own.
	ContextWindow int `yaml:"context-window" mapstructure:"context-window"`
}

type PromptSettings struct {
	File string `yaml:"file" mapstructure:"file"`
	Name string `yaml:"name" mapstructure:"name"`
}

type AuthSettings struct {
	SigningKeys      []string `yaml:"signing-keys" mapstructure:"signing-keys"`
	RequireSignature bool     `yaml:"require-signature" mapstructure:"require-signature"`
}

type RateSettings struct {
	RPS   float64 `yaml:"rps" mapstructure:"rps"`
	Burst int     `yaml:"burst" mapstructure:"burst"`
}

// Settings is the full runtime configuration of the server.
type Settings struct {
	Listen  string          `yaml:"listen" mapstructure:"listen"`
	Store   StoreSettings   `yaml:"store" mapstructure:"store"`
	OpenAI  OpenAISettings  `yaml:"openai" mapstructure:"openai"`
	Memory  MemorySettings  `yaml:"memory" mapstructure:"memory"`
	History HistorySettings `yaml:"history" mapstructure:"history"`
	Prompt  PromptSettings  `yaml:"prompt" mapstructure:"prompt"`
	Auth    AuthSettings    `yaml:"auth" mapstructure:"auth"`
	Rate    RateSettings    `yaml:"rate" mapstructure:"rate"`
}

func Defaults() *Settings {
	return &Settings{
		Listen: ":8080",
		Store: StoreSettings{
			Driver: "sqlite",
			DSN:    "branchchat.db",
		},
		OpenAI: OpenAISettings{
			Model:       "gpt-4o-mini",
			MaxTokens:   1024,
			Temperature: 0.7,
		},
		Memory: MemorySettings{
			Backend:        "local",
			Limit:          10,
			UpdateWindow:   30 * time.Second,
			WeaviateHost:   "localhost:8080",
			WeaviateScheme: "http",
			Class:          "Memory",
			Embedder:       "none",
			EmbeddingModel: "text-embedding-ada-002",
			EmbeddingCache: 1000,
		},
		History: HistorySettings{
			Limit:         5,
			ContextWindow: 8000,
		},
		Prompt: PromptSettings{
			Name: "default",
		},
		Auth: AuthSettings{
			SigningKeys: []string{},
		},
		Rate: RateSettings{
			RPS:   2,
			Burst: 5,
		},
	}
}

func (s *Settings) Clone() *Settings {
	return clone.Clone(s).(*Settings)
}

// RegisterDefaults makes every key known to v so that environment variables
// are picked up by Unmarshal.
func RegisterDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("listen", d.Listen)
	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("openai.api-key", d.OpenAI.APIKey)
	v.SetDefault("openai.base-url", d.OpenAI.BaseURL)
	v.SetDefault("openai.model", d.OpenAI.Model)
	v.SetDefault("openai.max-tokens", d.OpenAI.MaxTokens)
	v.SetDefault("openai.temperature", d.OpenAI.Temperature)
	v.SetDefault("memory.backend", d.Memory.Backend)
	v.SetDefault("memory.limit", d.Memory.Limit)
	v.SetDefault("memory.update-window", d.Memory.UpdateWindow)
	v.SetDefault("memory.weaviate-host", d.Memory.WeaviateHost)
	v.SetDefault("memory.weaviate-scheme", d.Memory.WeaviateScheme)
	v.SetDefault("memory.class", d.Memory.Class)
	v.SetDefault("memory.embedder", d.Memory.Embedder)
	v.SetDefault("memory.embedding-model", d.Memory.EmbeddingModel)
	v.SetDefault("memory.embedding-cache", d.Memory.EmbeddingCache)
	v.SetDefault("history.limit", d.History.Limit)
	v.SetDefault("history.context-window", d.History.ContextWindow)
	v.SetDefault("prompt.file", d.Prompt.File)
	v.SetDefault("prompt.name", d.Prompt.Name)
	v.SetDefault("auth.signing-keys", d.Auth.SigningKeys)
	v.SetDefault("auth.require-signature", d.Auth.RequireSignature)
	v.SetDefault("rate.rps", d.Rate.RPS)
	v.SetDefault("rate.burst", d.Rate.Burst)
}

// FromViper decodes the settings held by v on top of the defaults.
func FromViper(v *viper.Viper) (*Settings, error) {
	s := Defaults()
	if err := v.Unmarshal(s); err != nil {
		return nil, errors.Wrap(err, "decode settings")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) Validate() error {
	switch strings.ToLower(s.Store.Driver) {
	case "memory", "sqlite":
	default:
		return errors.Errorf("unknown store driver %q", s.Store.Driver)
	}
	if s.Store.Driver == "sqlite" && s.Store.DSN == "" {
		return errors.New("store.dsn is required for the sqlite driver")
	}
	switch strings.ToLower(s.Memory.Backend) {
	case "local", "weaviate", "none":
	default:
		return errors.Errorf("unknown memory backend %q", s.Memory.Backend)
	}
	if s.OpenAI.BaseURL != "" {
		if err := security.EndpointPolicy.Check(s.OpenAI.BaseURL); err != nil {
			return errors.Wrap(err, "openai.base-url")
		}
	}
	switch strings.ToLower(s.Memory.Embedder) {
	case "", "none", "hash":
	case "openai":
		if s.OpenAI.APIKey == "" {
			return errors.New("memory.embedder openai needs openai.api-key")
		}
	default:
		return errors.Errorf("unknown memory embedder %q", s.Memory.Embedder)
	}
	if s.History.Limit < 0 {
		return errors.New("history.limit must not be negative")
	}
	if s.Memory.UpdateWindow < 0 {
		return errors.New("memory.update-window must not be negative")
	}
	if s.Auth.RequireSignature && len(s.Auth.SigningKeys) == 0 {
		return errors.New("auth.require-signature needs at least one signing key")
	}
	return nil
}
