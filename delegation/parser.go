package delegation

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	directivePattern = regexp.MustCompile(`^\s*ASSIGN:\s*(\S+)\s+-\s+(.*?)\s*$`)
	afterPattern     = regexp.MustCompile(`(?i)\s*\[after:\s*([0-9,\s]*)\]$`)
)

// Assignment is one parsed directive.
type Assignment struct {
	Ordinal       int    `json:"ordinal"`
	Worker        string `json:"worker"`
	Description   string `json:"description"`
	UnknownWorker bool   `json:"unknown_worker"`
	Line          int    `json:"line"`
	// After holds indexes into Plan.Assignments, always of earlier entries.
	After []int `json:"after,omitempty"`
}

// Plan is the parse result.
type Plan struct {
	Assignments []Assignment `json:"assignments"`
	// Direct is set when no directive matched: the text is the answer.
	Direct bool   `json:"direct"`
	Text   string `json:"-"`
}

// Parser recognizes directives addressed to a fixed set of workers.
type Parser struct {
	known map[string]string
}

// NewParser creates a parser. Worker names match case-insensitively and are
// reported in their registered spelling.
func NewParser(knownWorkers []string) *Parser {
	known := make(map[string]string, len(knownWorkers))
	for _, w := range knownWorkers {
		known[strings.ToLower(w)] = w
	}
	return &Parser{known: known}
}

// Parse extracts assignments from text in line order.
func (p *Parser) Parse(text string) Plan {
	plan := Plan{Text: text}
	var fence fenceState

	for i, line := range strings.Split(text, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if fence.update(line) {
			continue
		}
		m := directivePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		desc, refs := splitAfter(m[2])
		if desc == "" {
			continue
		}

		a := Assignment{
			Ordinal:     len(plan.Assignments) + 1,
			Worker:      m[1],
			Description: desc,
			Line:        i + 1,
		}
		if canonical, ok := p.known[strings.ToLower(m[1])]; ok {
			a.Worker = canonical
		} else {
			a.UnknownWorker = true
		}
		a.After = resolveRefs(refs, a.Ordinal)
		plan.Assignments = append(plan.Assignments, a)
	}

	plan.Direct = len(plan.Assignments) == 0
	return plan
}

// splitAfter strips a trailing [after: ...] suffix and returns its ordinals.
func splitAfter(desc string) (string, []int) {
	loc := afterPattern.FindStringSubmatchIndex(desc)
	if loc == nil {
		return strings.TrimSpace(desc), nil
	}
	var refs []int
	for _, field := range strings.FieldsFunc(desc[loc[2]:loc[3]], func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	}) {
		if n, err := strconv.Atoi(field); err == nil {
			refs = append(refs, n)
		}
	}
	return strings.TrimSpace(desc[:loc[0]]), refs
}

// resolveRefs keeps references to earlier assignments only, deduplicated,
// converted to 0-based indexes.
func resolveRefs(refs []int, ordinal int) []int {
	var out []int
	seen := make(map[int]bool)
	for _, r := range refs {
		if r < 1 || r >= ordinal || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r-1)
	}
	return out
}

// fenceState tracks whether the current line is inside a fenced code block.
type fenceState struct {
	open   bool
	marker byte
	length int
}

// update consumes line and reports whether it belongs to a fence, either as
// a delimiter or as content.
func (f *fenceState) update(line string) bool {
	trimmed := strings.TrimLeft(line, " ")
	if len(line)-len(trimmed) > 3 {
		return f.open
	}
	marker, length := fenceRun(trimmed)
	if !f.open {
		if length >= 3 {
			f.open, f.marker, f.length = true, marker, length
			return true
		}
		return false
	}
	if marker == f.marker && length >= f.length && strings.TrimSpace(trimmed[length:]) == "" {
		f.open = false
	}
	return true
}

func fenceRun(s string) (byte, int) {
	if s == "" || (s[0] != '`' && s[0] != '~') {
		return 0, 0
	}
	n := 0
	for n < len(s) && s[n] == s[0] {
		n++
	}
	return s[0], n
}
