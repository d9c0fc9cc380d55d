/*
Package persona defines the worker personas and how they are invoked.

A Registry holds the roster with one designated coordinator. PersonaInvoker
implements Invoker: it looks the persona up, waits on a shared rate limiter,
applies a per-call timeout and calls a Generator with the persona's system
prompt. HTTPGenerator talks to any OpenAI-compatible chat completions API.

CoordinatorPrompt renders the delegation instructions, including the
ASSIGN directive grammar and the worker list.
*/
package persona
