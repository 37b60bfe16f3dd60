// Package telemetry configures OpenTelemetry tracing. The request pipeline
// creates one span per operation through the global tracer provider that
// Setup installs.
package telemetry
