// Package server implements the chat relay: the session registry, the
// per-connection relay engine, and the HTTP and WebSocket shell around them.
//
// The implementation is organized into specialized files for configuration,
// sessions, the registry, the relay roles, routing, and HTTP handlers to keep
// the codebase maintainable and testable as the project grows.
package server
