package persona

import (
	"fmt"
	"strings"
)

// CoordinatorPrompt asks the coordinator to delegate request to the roster
// using the ASSIGN directive grammar.
func CoordinatorPrompt(request string, workers []Persona) string {
	var b strings.Builder
	b.WriteString("Request:\n")
	b.WriteString(strings.TrimSpace(request))
	b.WriteString("\n\nTeam:\n")
	for _, w := range workers {
		fmt.Fprintf(&b, "- %s: %s\n", w.Name, w.Role)
	}
	b.WriteString(`
Delegate the work by writing one line per task, exactly in this form:
ASSIGN: <name> - <task description>

A task that must wait for earlier tasks may end with [after: N, M], where N and M
are the positions (starting at 1) of earlier ASSIGN lines.
Only use names from the team list. Do not put ASSIGN lines inside code blocks.
If the request needs no delegation, answer it directly without any ASSIGN line.
`)
	return b.String()
}

// Upstream is the result of a completed dependency passed to a worker.
type Upstream struct {
	Worker      string
	Description string
	Output      string
}

// WorkerPrompt renders a sub-task together with the results it depends on.
func WorkerPrompt(description string, upstream []Upstream) string {
	if len(upstream) == 0 {
		return description
	}
	var b strings.Builder
	b.WriteString(description)
	b.WriteString("\n\nResults from earlier tasks:\n")
	for _, u := range upstream {
		fmt.Fprintf(&b, "\n[%s] %s\n%s\n", u.Worker, u.Description, strings.TrimSpace(u.Output))
	}
	return b.String()
}
