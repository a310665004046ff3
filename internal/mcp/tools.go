package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/datastack/internal/managed"
	"github.com/dshills/datastack/internal/storage"
	"github.com/dshills/datastack/pkg/types"
)

// MCP error codes
const (
	ErrorCodeInvalidParams    = -32602 // Invalid method parameters
	ErrorCodeInternalError    = -32603 // Internal JSON-RPC error
	ErrorCodeObjectNotFound   = -32001 // Object ID is not known to the context
	ErrorCodeValidationFailed = -32002 // Save rejected by validation
	ErrorCodeConflict         = -32003 // Save rejected by an optimistic-lock conflict
	ErrorCodeDeleteDenied     = -32004 // Delete blocked by a deny rule
)

// Validation helpers
var (
	ErrNoBackgroundContext = errors.New("stack has no background context")
	ErrUnknownContext      = errors.New("unknown context")
)

// handleStackStatus handles the stack_status tool invocation
func (s *Server) handleStackStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	coord := s.stack.Coordinator()
	meta, err := coord.StoreMetadata()
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to read store metadata", map[string]interface{}{
			"error": err.Error(),
		})
	}

	m := s.stack.Model()
	counts := make(map[string]interface{}, len(m.Entities()))
	for _, e := range m.Entities() {
		rows, err := coord.FetchAll(ctx, e.Name)
		if err != nil {
			return nil, newMCPError(ErrorCodeInternalError, "failed to count objects", map[string]interface{}{
				"entity": e.Name,
				"error":  err.Error(),
			})
		}
		counts[e.Name] = len(rows)
	}

	contexts := map[string]interface{}{
		"main": contextStatus(s.stack.MainContext()),
	}
	if bg := s.stack.BackgroundContext(); bg != nil {
		contexts["background"] = contextStatus(bg)
	}

	response := map[string]interface{}{
		"schema": s.stack.SchemaName(),
		"model": map[string]interface{}{
			"name":         m.Name,
			"version":      m.Version.String(),
			"version_hash": m.VersionHash(),
		},
		"store": map[string]interface{}{
			"path":          s.stack.StorePath(),
			"uuid":          meta.StoreUUID,
			"model_version": meta.ModelVersion,
		},
		"wiring":   string(s.stack.Wiring()),
		"objects":  counts,
		"contexts": contexts,
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

func contextStatus(c *managed.Context) map[string]interface{} {
	return map[string]interface{}{
		"has_changes":           c.HasChanges(),
		"registered_objects":    len(c.RegisteredObjects()),
		"pending_notifications": c.PendingNotifications(),
		"merge_policy":          string(c.MergePolicy()),
	}
}

// handleInsertObject handles the insert_object tool invocation
func (s *Server) handleInsertObject(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	entity, ok := args["entity"].(string)
	if !ok || entity == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "entity parameter is required", map[string]interface{}{
			"param":  "entity",
			"reason": "missing or empty",
		})
	}
	values, err := getValues(args, false)
	if err != nil {
		return nil, err
	}
	c, err := s.contextNamed(getStringDefault(args, "context", "main"))
	if err != nil {
		return nil, newMCPError(ErrorCodeInvalidParams, err.Error(), map[string]interface{}{"param": "context"})
	}

	var response map[string]interface{}
	err = c.PerformAndWait(ctx, func(ctx context.Context) error {
		o, err := c.InsertValues(entity, values)
		if err != nil {
			return err
		}
		response = objectJSON(o)
		return nil
	})
	if err != nil {
		return nil, toolError("insert failed", err)
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleGetObject handles the get_object tool invocation
func (s *Server) handleGetObject(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}
	id, err := getObjectID(args)
	if err != nil {
		return nil, err
	}
	c, err := s.contextNamed(getStringDefault(args, "context", "main"))
	if err != nil {
		return nil, newMCPError(ErrorCodeInvalidParams, err.Error(), map[string]interface{}{"param": "context"})
	}

	var response map[string]interface{}
	err = c.PerformAndWait(ctx, func(ctx context.Context) error {
		o, err := c.Object(ctx, id)
		if err != nil {
			return err
		}
		response = objectJSON(o)
		return nil
	})
	if err != nil {
		return nil, toolError("fetch failed", err)
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleListObjects handles the list_objects tool invocation
func (s *Server) handleListObjects(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	entity, ok := args["entity"].(string)
	if !ok || entity == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "entity parameter is required", map[string]interface{}{
			"param":  "entity",
			"reason": "missing or empty",
		})
	}
	limit := getIntDefault(args, "limit", 100)
	if limit < 1 || limit > 1000 {
		return nil, newMCPError(ErrorCodeInvalidParams, "limit must be between 1 and 1000", map[string]interface{}{
			"param": "limit",
			"value": limit,
		})
	}
	c, err := s.contextNamed(getStringDefault(args, "context", "main"))
	if err != nil {
		return nil, newMCPError(ErrorCodeInvalidParams, err.Error(), map[string]interface{}{"param": "context"})
	}

	var response map[string]interface{}
	err = c.PerformAndWait(ctx, func(ctx context.Context) error {
		objects, err := c.Objects(ctx, entity)
		if err != nil {
			return err
		}
		total := len(objects)
		if total > limit {
			objects = objects[:limit]
		}
		list := make([]map[string]interface{}, 0, len(objects))
		for _, o := range objects {
			list = append(list, objectJSON(o))
		}
		response = map[string]interface{}{
			"entity":  entity,
			"total":   total,
			"objects": list,
		}
		return nil
	})
	if err != nil {
		return nil, toolError("list failed", err)
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleUpdateObject handles the update_object tool invocation
func (s *Server) handleUpdateObject(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}
	id, err := getObjectID(args)
	if err != nil {
		return nil, err
	}
	values, err := getValues(args, true)
	if err != nil {
		return nil, err
	}
	c, err := s.contextNamed(getStringDefault(args, "context", "main"))
	if err != nil {
		return nil, newMCPError(ErrorCodeInvalidParams, err.Error(), map[string]interface{}{"param": "context"})
	}

	var response map[string]interface{}
	err = c.PerformAndWait(ctx, func(ctx context.Context) error {
		o, err := c.Object(ctx, id)
		if err != nil {
			return err
		}
		if err := o.SetValues(values); err != nil {
			return err
		}
		response = objectJSON(o)
		return nil
	})
	if err != nil {
		return nil, toolError("update failed", err)
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleDeleteObject handles the delete_object tool invocation
func (s *Server) handleDeleteObject(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}
	id, err := getObjectID(args)
	if err != nil {
		return nil, err
	}
	c, err := s.contextNamed(getStringDefault(args, "context", "main"))
	if err != nil {
		return nil, newMCPError(ErrorCodeInvalidParams, err.Error(), map[string]interface{}{"param": "context"})
	}

	err = c.PerformAndWait(ctx, func(ctx context.Context) error {
		o, err := c.Object(ctx, id)
		if err != nil {
			return err
		}
		return c.Delete(ctx, o)
	})
	if err != nil {
		return nil, toolError("delete failed", err)
	}

	response := map[string]interface{}{
		"deleted": true,
		"id":      id.String(),
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleSave handles the save tool invocation
func (s *Server) handleSave(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]interface{})
	name := getStringDefault(args, "context", "main")
	c, err := s.contextNamed(name)
	if err != nil {
		return nil, newMCPError(ErrorCodeInvalidParams, err.Error(), map[string]interface{}{"param": "context"})
	}

	if c == s.stack.MainContext() {
		err = s.stack.Save(ctx)
	} else {
		err = c.Save(ctx)
	}
	if err != nil {
		return nil, toolError("save failed", err)
	}

	response := map[string]interface{}{
		"saved":   true,
		"context": c.Name(),
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handlePropagate handles the propagate tool invocation
func (s *Server) handlePropagate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.stack.Propagate(ctx); err != nil {
		return nil, toolError("propagate failed", err)
	}
	response := map[string]interface{}{
		"propagated": s.stack.BackgroundContext() != nil,
		"wiring":     string(s.stack.Wiring()),
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// Helper functions

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	// MCP errors are returned as regular errors, the framework handles encoding
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// toolError maps a context error onto an MCP error code
func toolError(message string, err error) error {
	data := map[string]interface{}{"error": err.Error()}

	var validation *types.ValidationError
	switch {
	case errors.As(err, &validation):
		failures := make([]string, 0, len(validation.Failures))
		for _, f := range validation.Failures {
			failures = append(failures, f.Error())
		}
		data["failures"] = failures
		return newMCPError(ErrorCodeValidationFailed, message, data)
	case errors.Is(err, storage.ErrOptimisticLock):
		return newMCPError(ErrorCodeConflict, message, data)
	case errors.Is(err, types.ErrDeleteDenied):
		return newMCPError(ErrorCodeDeleteDenied, message, data)
	case errors.Is(err, types.ErrObjectNotFound), errors.Is(err, types.ErrObjectDeleted):
		return newMCPError(ErrorCodeObjectNotFound, message, data)
	case errors.Is(err, types.ErrUnknownEntity),
		errors.Is(err, types.ErrUnknownKey),
		errors.Is(err, types.ErrTypeMismatch),
		errors.Is(err, types.ErrInvalidID),
		errors.Is(err, types.ErrWrongDestination):
		return newMCPError(ErrorCodeInvalidParams, message, data)
	}
	return newMCPError(ErrorCodeInternalError, message, data)
}

// objectJSON renders an object for a tool response
func objectJSON(o *managed.Object) map[string]interface{} {
	return map[string]interface{}{
		"id":       o.ID().String(),
		"entity":   o.Entity(),
		"version":  o.Version(),
		"inserted": o.IsInserted(),
		"updated":  o.IsUpdated(),
		"values":   o.Values(),
	}
}

// getObjectID extracts and parses the id parameter
func getObjectID(args map[string]interface{}) (types.ObjectID, error) {
	raw, ok := args["id"].(string)
	if !ok || raw == "" {
		return types.ObjectID{}, newMCPError(ErrorCodeInvalidParams, "id parameter is required", map[string]interface{}{
			"param":  "id",
			"reason": "missing or empty",
		})
	}
	id, err := types.ParseObjectID(raw)
	if err != nil {
		return types.ObjectID{}, newMCPError(ErrorCodeInvalidParams, "invalid id", map[string]interface{}{
			"param":  "id",
			"reason": err.Error(),
		})
	}
	return id, nil
}

// getValues extracts the values object
func getValues(args map[string]interface{}, required bool) (map[string]interface{}, error) {
	raw, present := args["values"]
	if !present || raw == nil {
		if required {
			return nil, newMCPError(ErrorCodeInvalidParams, "values parameter is required", map[string]interface{}{
				"param":  "values",
				"reason": "missing",
			})
		}
		return nil, nil
	}
	values, ok := raw.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "values must be an object", map[string]interface{}{
			"param": "values",
		})
	}
	return values, nil
}

// formatJSON formats a map as indented JSON
func formatJSON(data map[string]interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

// getIntDefault extracts an integer parameter with a default value
func getIntDefault(args map[string]interface{}, key string, defaultValue int) int {
	if val, ok := args[key].(float64); ok {
		return int(val)
	}
	if val, ok := args[key].(int); ok {
		return val
	}
	return defaultValue
}

// getStringDefault extracts a string parameter with a default value
func getStringDefault(args map[string]interface{}, key string, defaultValue string) string {
	if val, ok := args[key].(string); ok {
		return val
	}
	return defaultValue
}
