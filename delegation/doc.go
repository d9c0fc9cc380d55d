// Package delegation turns a coordinator's free-text answer into task
// assignments.
//
// The grammar is one directive per line:
//
//	ASSIGN: <worker> - <description>
//	ASSIGN: <worker> - <description> [after: 1, 2]
//
// The optional suffix names earlier assignments (1-based) the task waits for.
// Lines inside fenced code blocks are never directives. Parsing never fails:
// malformed lines are ordinary text.
package delegation
