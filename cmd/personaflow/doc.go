/*
Package main is the personaflow command.

Subcommands:

	personaflow run [--config f] [--json] "request"   run one request and print the report
	personaflow exec [--config f] [--lang l] file     run a source file in the sandbox
	personaflow serve [--config f]                    serve the status surface over HTTP
	personaflow tasks [--config f] [--request id]     list persisted tasks
	personaflow version

run exits 2 when the request finished partially failed. Version, BuildTime
and GitCommit are set through -ldflags.
*/
package main
