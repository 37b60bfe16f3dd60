// Package pipeline composes request admission for every session operation.
//
// A Pipeline runs an ordered list of Stages (authentication, then rate
// limiting) before dispatching the operation. The first failing stage
// short-circuits the rest and its error is returned unchanged. Routes that
// require authentication always run the auth stage; there is no bypass.
//
// Errors from every layer are mapped onto a single Kind taxonomy, which
// transports translate into HTTP statuses or gRPC codes.
package pipeline
