package settings

import (
	_ "embed"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

//go:embed "prompts/prompts.yaml"
var defaultPromptsYAML []byte

// PromptFile is a named set of system prompt templates.
type PromptFile struct {
	Prompts map[string]string `yaml:"prompts"`
}

func (p *PromptFile) UnmarshalYAML(value *yaml.Node) error {
	// a bare mapping of name -> template is accepted as well
	type raw PromptFile
	var r raw
	if err := value.Decode(&r); err == nil && len(r.Prompts) > 0 {
		*p = PromptFile(r)
		return nil
	}
	m := map[string]string{}
	if err := value.Decode(&m); err != nil {
		return errors.Wrap(err, "decode prompt file")
	}
	p.Prompts = m
	return nil
}

func ParsePrompts(b []byte) (*PromptFile, error) {
	ret := &PromptFile{}
	if err := yaml.Unmarshal(b, ret); err != nil {
		return nil, err
	}
	if len(ret.Prompts) == 0 {
		return nil, errors.New("prompt file contains no prompts")
	}
	return ret, nil
}

// DefaultPrompts returns the built-in prompt set.
func DefaultPrompts() *PromptFile {
	ret, err := ParsePrompts(defaultPromptsYAML)
	if err != nil {
		panic(err)
	}
	return ret
}

// LoadSystemPrompt returns the template called name from path, or from the
// built-in prompts when path is empty.
func LoadSystemPrompt(path, name string) (string, error) {
	prompts := DefaultPrompts()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return "", errors.Wrapf(err, "read prompt file %s", path)
		}
		prompts, err = ParsePrompts(b)
		if err != nil {
			return "", errors.Wrapf(err, "parse prompt file %s", path)
		}
	}
	if name == "" {
		name = "default"
	}
	tmpl, ok := prompts.Prompts[name]
	if !ok {
		return "", errors.Errorf("prompt %q not found", name)
	}
	return strings.TrimSpace(tmpl), nil
}
