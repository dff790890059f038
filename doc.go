// Package mcp implements the server side of the Model Context Protocol (MCP) for tool servers:
// a Registry of schema-described tools, a Dispatcher that validates and invokes them, and two
// transports, newline-delimited JSON over stdio and Server-Sent Events over HTTP.
//
// A server is assembled from explicit values:
//
//	reg := mcp.NewRegistry()
//	reg.MustRegister(mcp.ToolDescriptor{Name: "echo", InputSchema: schema}, echoHandler)
//	dispatcher := mcp.NewDispatcher(mcp.Info{Name: "toolbox", Version: "1.0.0"}, reg)
//	srv := mcp.NewServer(dispatcher, mcp.NewStdIO(os.Stdin, os.Stdout))
//	err := srv.Serve()
//
// Every failure a caller can cause, and every failure of a tool handler, is answered with a
// JSON-RPC error object; see the Code constants and the Err sentinels.
package mcp
