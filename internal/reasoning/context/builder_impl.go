package context

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kubilitics/metric-investigator/internal/models"
)

const (
	evidenceHeader = "## Evidence"
	stepMarker     = "\n### Step "
	maxErrorRunes  = 240
)

// contextBuilderImpl is the concrete implementation of ContextBuilder.
type contextBuilderImpl struct {
	opts Options
}

// NewContextBuilder creates a ContextBuilder. Zero option fields take the
// defaults.
func NewContextBuilder(opts Options) ContextBuilder {
	def := DefaultOptions()
	if opts.MaxFindings <= 0 {
		opts.MaxFindings = def.MaxFindings
	}
	if opts.DigestItems <= 0 {
		opts.DigestItems = def.DigestItems
	}
	if opts.MaxTokens < 0 {
		opts.MaxTokens = 0
	}
	return &contextBuilderImpl{opts: opts}
}

func (b *contextBuilderImpl) Summarize(log []models.StepResult) []Summary {
	out := make([]Summary, 0, len(log))
	for _, r := range log {
		s := Summary{
			StepID:  r.StepID,
			Action:  r.Action,
			Success: r.Success,
		}
		findings := r.KeyFindings
		if len(findings) > b.opts.MaxFindings {
			findings = findings[:b.opts.MaxFindings]
		}
		s.Findings = append([]string(nil), findings...)
		if r.Success {
			s.Digest = r.Data.Digest(b.opts.DigestItems)
		} else {
			s.Error = truncate(r.ErrorMessage, maxErrorRunes)
		}
		out = append(out, s)
	}
	return out
}

// BuildContext formats the investigation state for an LLM prompt.
func (b *contextBuilderImpl) BuildContext(query string, feedback []string, evidence []Summary) string {
	var sb strings.Builder

	sb.WriteString("## Query\n")
	sb.WriteString(strings.TrimSpace(query))
	sb.WriteString("\n")

	if len(feedback) > 0 {
		sb.WriteString("\n## User Feedback\n")
		for _, f := range feedback {
			sb.WriteString(fmt.Sprintf("- %s\n", strings.TrimSpace(f)))
		}
	}

	sb.WriteString("\n")
	sb.WriteString(evidenceHeader)
	if len(evidence) == 0 {
		sb.WriteString("\nNo steps executed yet.\n")
	}
	for _, s := range evidence {
		status := "success"
		if !s.Success {
			status = "failed"
		}
		sb.WriteString(fmt.Sprintf("%s%d: %s (%s)\n", stepMarker, s.StepID, s.Action, status))
		for _, f := range s.Findings {
			sb.WriteString(fmt.Sprintf("- %s\n", f))
		}
		if s.Digest != "" {
			sb.WriteString(fmt.Sprintf("Data: %s\n", s.Digest))
		}
		if s.Error != "" {
			sb.WriteString(fmt.Sprintf("Error: %s\n", s.Error))
		}
	}

	out := sb.String()
	if b.opts.MaxTokens > 0 {
		out, _ = b.PruneContext(out, b.opts.MaxTokens)
	}
	return out
}

// GetTokenCount estimates tokens using a simple characters/4 heuristic.
func (b *contextBuilderImpl) GetTokenCount(contextStr string) int {
	return utf8.RuneCountInString(contextStr) / 4
}

// PruneContext keeps the header sections and the newest evidence. Older
// steps are replaced by a single omission note.
func (b *contextBuilderImpl) PruneContext(contextStr string, maxTokens int) (string, []string) {
	maxChars := maxTokens * 4
	if utf8.RuneCountInString(contextStr) <= maxChars {
		return contextStr, nil
	}

	sections := strings.Split(contextStr, stepMarker)
	head, steps := sections[0], sections[1:]
	removed := []string{}

	for len(steps) > 0 {
		note := fmt.Sprintf("\n(%d earlier steps omitted)", len(removed))
		candidate := head
		if len(removed) > 0 {
			candidate += note
		}
		for _, s := range steps {
			candidate += stepMarker + s
		}
		if utf8.RuneCountInString(candidate) <= maxChars {
			return candidate, removed
		}
		title, _, _ := strings.Cut(steps[0], "\n")
		removed = append(removed, "Step "+title)
		steps = steps[1:]
	}

	// Even the header alone is over budget; keep it truncated.
	if len(removed) > 0 {
		head += fmt.Sprintf("\n(%d earlier steps omitted)\n", len(removed))
	}
	return truncate(head, maxChars), removed
}

func truncate(s string, maxRunes int) string {
	if maxRunes <= 0 || utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	r := []rune(s)
	return string(r[:maxRunes-1]) + "…"
}
