// Package spawn starts decay workers and stops them at shutdown. Processes
// re-executes the running binary once per flower so every worker is a
// separate OS process attached to the shared segment by name. Goroutines
// runs the same workers inside the calling process.
package spawn
