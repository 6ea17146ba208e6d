// Package executor runs untrusted source code end to end.
//
// Service is the orchestrator of one execution: it resolves the language
// profile, provisions a fresh sandbox, injects the source (and stdin),
// compiles when the language needs it, runs the program, and destroys the
// sandbox on every path before returning. Failures of the user's program and
// failures inside the pipeline are reported in the Result; only an unknown
// language and an unavailable substrate are returned as errors.
package executor
