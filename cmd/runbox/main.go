// Package main is the entry point for the runbox execution service.
//
// runbox executes untrusted programs in single-use, network-isolated
// container sandboxes. The serve command runs the HTTP API, the optional MCP
// transport and the stale sandbox reaper as one fx application; run,
// languages and reap are one-shot commands sharing the same configuration.
package main

func main() {
	Execute()
}
