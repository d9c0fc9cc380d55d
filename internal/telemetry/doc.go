// Package telemetry sets up the OpenTelemetry SDK for personaflow.
//
// When telemetry is disabled the global providers stay noop and no exporter
// connects anywhere; spans opened by the engine and sandbox cost nothing.
package telemetry
