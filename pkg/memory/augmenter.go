package memory

import (
	"bytes"
	"context"
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// LegacyPlaceholder is substituted with the memory block after the template ran,
// so plain prompts without template actions keep working.
const LegacyPlaceholder = "{memories}"

// asOfOverfetch widens the search when facts are filtered by creation time
// afterwards, so newer facts do not crowd out older ones.
const asOfOverfetch = 5

// PromptData is what the system prompt template is rendered with.
type PromptData struct {
	Memories    []string
	MemoryBlock string
	Now         time.Time
}

type Augmenter struct {
	service Service
	tmpl    *template.Template
	limit   int
	now     func() time.Time
}

type AugmenterOption func(*Augmenter)

func WithSearchLimit(limit int) AugmenterOption {
	return func(a *Augmenter) {
		a.limit = limit
	}
}

func WithAugmenterClock(now func() time.Time) AugmenterOption {
	return func(a *Augmenter) {
		a.now = now
	}
}

func NewAugmenter(service Service, promptTemplate string, options ...AugmenterOption) (*Augmenter, error) {
	tmpl, err := template.New("system-prompt").
		Funcs(sprig.TxtFuncMap()).
		Parse(promptTemplate)
	if err != nil {
		return nil, errors.Wrap(err, "parse system prompt template")
	}
	if service == nil {
		service = NoopService{}
	}
	a := &Augmenter{
		service: service,
		tmpl:    tmpl,
		limit:   10,
		now:     time.Now,
	}
	for _, o := range options {
		o(a)
	}
	return a, nil
}

// BuildSystemPrompt searches facts relevant to query in the conversation and
// renders them into the prompt. With asOf set, facts created at or after asOf are
// left out.
func (a *Augmenter) BuildSystemPrompt(ctx context.Context, query, conversationID string, asOf *time.Time) (string, error) {
	fetch := a.limit
	if asOf != nil && fetch > 0 {
		fetch *= asOfOverfetch
	}
	facts, err := a.service.Search(ctx, conversationID, query, fetch)
	if err != nil {
		return "", err
	}
	found := len(facts)
	if asOf != nil {
		facts = BeforeOnly(facts, *asOf)
	}
	if a.limit > 0 && len(facts) > a.limit {
		facts = facts[:a.limit]
	}
	log.Debug().
		Str("conversation_id", conversationID).
		Int("found", found).
		Int("used", len(facts)).
		Msg("Augmenting system prompt with memories")
	return a.Render(facts)
}

// Render executes the template with facts as bullet lines.
func (a *Augmenter) Render(facts []Fact) (string, error) {
	lines := make([]string, 0, len(facts))
	for _, f := range facts {
		lines = append(lines, "- "+strings.ReplaceAll(strings.TrimSpace(f.Text), "\n", " "))
	}
	data := PromptData{
		Memories:    lines,
		MemoryBlock: strings.Join(lines, "\n"),
		Now:         a.now(),
	}
	var buf bytes.Buffer
	if err := a.tmpl.Execute(&buf, data); err != nil {
		return "", errors.Wrap(err, "render system prompt")
	}
	return strings.ReplaceAll(buf.String(), LegacyPlaceholder, data.MemoryBlock), nil
}
