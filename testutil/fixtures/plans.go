// Package fixtures holds canned coordinator plans and worker responses.
package fixtures

// Coordinator plans in the ASSIGN directive grammar.
const (
	// PlanTwoWorkers delegates to two independent workers.
	PlanTwoWorkers = `I'll split this up.
ASSIGN: nova - implement the parser
ASSIGN: atlas - research prior art`

	// PlanChain runs a review after an implementation.
	PlanChain = `ASSIGN: nova - implement the parser
ASSIGN: sentinel - review the implementation [after: 1]`

	// PlanDiamond fans out from one task and joins at the last.
	PlanDiamond = `ASSIGN: atlas - gather requirements
ASSIGN: nova - write the code [after: 1]
ASSIGN: echo - write the docs [after: 1]
ASSIGN: sentinel - review everything [after: 2,3]`

	// PlanUnknownWorker names a worker outside the default roster.
	PlanUnknownWorker = `ASSIGN: nova - implement the parser
ASSIGN: ghost - haunt the repository`

	// PlanForwardRef would be a cycle if forward references counted. The
	// parser drops "[after: 2]" on the first line, leaving atlas after nova.
	PlanForwardRef = `ASSIGN: nova - first [after: 2]
ASSIGN: atlas - second [after: 1]`

	// PlanInFence hides its directives in a code fence, so it parses as a
	// direct answer.
	PlanInFence = "Example syntax:\n```\nASSIGN: nova - not a real task\n```\n"

	// DirectAnswer carries no directives.
	DirectAnswer = "The answer is 4."
)

// Worker responses.
const (
	// PythonResponse carries one runnable python block printing 2.
	PythonResponse = "Here is the code:\n```python\nprint(1 + 1)\n```\n"

	// ShellResponse carries one runnable shell block.
	ShellResponse = "```bash\necho hello\n```"

	// ProseResponse carries no code.
	ProseResponse = "Prior art: recursive descent parsers are common."
)
