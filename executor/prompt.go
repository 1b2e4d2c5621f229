package executor

import (
	"fmt"
	"strings"

	"github.com/GoCodeAlone/steward/channel"
	"github.com/GoCodeAlone/steward/task"
)

// ChannelLookup resolves channel configuration for formatting hints.
type ChannelLookup interface {
	Config(id string) (channel.Config, bool)
}

// BuildPrompt renders the task prompt: title, instructions, the work
// checklist and, when the brain must write delivery text, the deliverable
// contract with per-channel constraints.
func BuildPrompt(t *task.Task, channels ChannelLookup) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Task: %s\n", t.Title)
	if t.OccurrenceDate != "" {
		fmt.Fprintf(&b, "Occurrence: %s\n", t.OccurrenceDate)
	}
	if t.Instructions != "" {
		fmt.Fprintf(&b, "\n%s\n", strings.TrimSpace(t.Instructions))
	}

	if len(t.Work) > 0 {
		b.WriteString("\n## Work\n")
		for _, w := range t.Work {
			mark := " "
			if w.Status == task.ItemCompleted {
				mark = "x"
			}
			fmt.Fprintf(&b, "- [%s] %s\n", mark, w.Description)
		}
	}

	if !t.NeedsDeliverable() {
		return b.String()
	}

	b.WriteString("\n## Deliverable\n")
	b.WriteString("When the work is done, write the message for the recipient inside a single " +
		"<deliverable>...</deliverable> block. Put only recipient-facing text inside the block; " +
		"keep notes and reasoning outside it.\n")

	hints := channelHints(t, channels)
	if len(hints) > 0 {
		b.WriteString("\nChannel requirements:\n")
		for _, h := range hints {
			fmt.Fprintf(&b, "- %s\n", h)
		}
	}

	fmt.Fprintf(&b, "\nIf you cannot safely produce the message, reply with <deliverable>%s</deliverable> "+
		"and explain why outside the block.\n", DeclineSentinel)
	return b.String()
}

// channelHints returns one formatting line per distinct channel that
// expects brain-written content, in delivery order.
func channelHints(t *task.Task, channels ChannelLookup) []string {
	seen := make(map[string]bool)
	var hints []string
	for _, a := range t.Delivery {
		if a.Status != task.ItemPending || a.Precomposed() || seen[a.Channel] {
			continue
		}
		seen[a.Channel] = true

		cfg := channel.Config{ID: a.Channel}
		if channels != nil {
			if c, ok := channels.Config(a.Channel); ok {
				cfg = c
			}
		}
		var rules []string
		if cfg.Format == channel.FormatMarkdown {
			rules = append(rules, "markdown formatting is allowed")
		} else {
			rules = append(rules, "plain text only, no markdown")
		}
		if cfg.MaxLength > 0 {
			rules = append(rules, fmt.Sprintf("at most %d characters", cfg.MaxLength))
		}
		hints = append(hints, fmt.Sprintf("%s (%s): %s.", cfg.DisplayName(), a.Channel, strings.Join(rules, ", ")))
	}
	return hints
}

// contextPreamble renders earlier execution turns for a fresh session.
func contextPreamble(prior []task.LogRecord) string {
	if len(prior) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Earlier runs of this task\n")
	for _, r := range prior {
		fmt.Fprintf(&b, "[%s] %s\n", r.Role, strings.TrimSpace(r.Content))
	}
	b.WriteString("\n")
	return b.String()
}
