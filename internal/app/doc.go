// Package app contains the core application logic. It defines the main App
// struct, its configuration, and the primary execution lifecycle, decoupled
// from any specific entrypoint like a CLI or server.
//
// # Why App Exists
//
// Wiring the review engine means assembling a dozen pieces in the right
// order: config surfaces, the chat and embedding clients, the relational and
// vector stores, the three nested graphs, the checkpoint store, the operator
// channel, and the console notifier. App owns that assembly so the CLI stays
// a thin translation layer and tests can build the same stack from fakes.
//
// A Session is the run-scoped slice of that stack: the graph runner, the
// operator channel, and the snapshot store, plus the loop that services
// suspensions until the run completes.
package app
