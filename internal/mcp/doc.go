// Package mcp implements the Model Context Protocol (MCP) server for a
// persistence stack.
//
// The server exposes the stack's contexts to MCP clients as tools:
//   - stack_status: model, store metadata and per-entity object counts
//   - insert_object, get_object, list_objects, update_object, delete_object:
//     work on objects in the main or background context
//   - save: save a context's pending changes
//   - propagate: save the background context and make its work visible in main
//
// Object handlers run on the target context's queue via PerformAndWait.
// Changes stay in the context until save is called.
//
// # Basic Usage
//
//	s, err := stack.New(ctx, "Notes")
//	...
//	server, err := mcp.NewServer(s, logger)
//	...
//	err = server.Serve(ctx)
//
// # Errors
//
// Failures are returned as *MCPError values:
//   - -32602 invalid parameters, unknown entities, keys or IDs
//   - -32001 object not found
//   - -32002 save rejected by validation; Data carries the failures
//   - -32003 optimistic-lock conflict under the error merge policy
//   - -32004 delete blocked by a deny rule
package mcp
