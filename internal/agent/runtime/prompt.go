package runtime

import (
	"fmt"
	"strings"

	"edgeai/internal/contextstore"
	"edgeai/internal/token"
)

const (
	recallHeader = "## Recalled context\n"
	taskHeader   = "## Task\n"
)

// buildPrompt lays out recalled context, most similar first, followed by the
// task input. The whole prompt plus system text stays within budget tokens:
// the input is kept first, then recalled lines are added while they fit.
func buildPrompt(system, input string, recalled []contextstore.Result, budget int) string {
	if budget <= 0 {
		budget = 4096
	}
	available := budget - token.Count(system) - token.Count(taskHeader)
	if available < 1 {
		available = 1
	}
	input = strings.TrimSpace(input)
	if token.Count(input) > available {
		input = token.Truncate(input, available)
	}
	available -= token.Count(input)

	var lines []string
	if available > token.Count(recallHeader) {
		available -= token.Count(recallHeader)
		for _, r := range recalled {
			line := recallLine(r.Entry)
			cost := token.Count(line) + 1
			if cost > available {
				break
			}
			lines = append(lines, line)
			available -= cost
		}
	}

	var b strings.Builder
	if len(lines) > 0 {
		b.WriteString(recallHeader)
		for _, l := range lines {
			b.WriteString(l)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	b.WriteString(taskHeader)
	b.WriteString(input)
	return b.String()
}

func recallLine(e contextstore.Entry) string {
	label := string(e.Kind)
	if e.AgentID != "" && e.AgentID != e.Namespace {
		label += " from " + e.AgentID
	}
	content := strings.Join(strings.Fields(e.Content), " ")
	return fmt.Sprintf("- (%s) %s", label, content)
}
