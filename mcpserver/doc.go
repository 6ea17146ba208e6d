// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package exposes the execution service to MCP clients through
// the mark3labs/mcp-go library. Two tools are registered: execute_code runs a
// program in a fresh sandbox and returns the execution result as JSON, and
// list_languages reports the accepted language ids.
//
// The server supports both stdio and streamable HTTP transports as configured
// by server.mcp_transport.
//
// Usage:
//
//	server, err := mcpserver.New(cfg, logger, service)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio(ctx) // or server.ServeHTTP()
package mcpserver
