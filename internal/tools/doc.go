// Package tools provides the process primitives used to run service
// providers as child processes.
//
// Ownership boundary:
// - launching providers with piped stdin/stdout
//
// - exit status tracking and termination
package tools
