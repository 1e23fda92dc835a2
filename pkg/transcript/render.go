package transcript

import (
	"fmt"
	"io"
	"strings"
)

const FormatMarkdown Format = "markdown"

// Markdown renders the transcript as a markdown document with one section per
// entry. Entries that have other versions are marked with their position.
func (t *Transcript) Markdown() string {
	var b strings.Builder
	title := t.Title
	if title == "" {
		title = "Conversation"
	}
	fmt.Fprintf(&b, "# %s\n", title)
	for _, e := range t.Entries {
		fmt.Fprintf(&b, "\n## %s", e.Role)
		if e.Versions > 1 {
			fmt.Fprintf(&b, " (version %d of %d)", e.Version, e.Versions)
		}
		b.WriteString("\n\n")
		if !e.Time.IsZero() {
			fmt.Fprintf(&b, "_%s_\n\n", e.Time.Format("2006-01-02 15:04:05"))
		}
		b.WriteString(strings.TrimSpace(e.Text))
		b.WriteString("\n")
	}
	return b.String()
}

func (t *Transcript) writeMarkdown(w io.Writer) error {
	_, err := io.WriteString(w, t.Markdown())
	return err
}
