package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

func contextProperty() map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": "Context to work in: main, or background when the stack has one",
		"enum":        []string{"main", "background"},
		"default":     "main",
	}
}

func idProperty() map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": "Object ID in Entity/uuid form",
	}
}

func valuesProperty() map[string]interface{} {
	return map[string]interface{}{
		"type":        "object",
		"description": "Attribute values and to-one relationship targets (object IDs) keyed by name",
	}
}

// stackStatusTool returns the tool definition for stack_status
func stackStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "stack_status",
		Description: "Report the loaded model, the store file and its metadata, and per-entity row counts",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}

// insertObjectTool returns the tool definition for insert_object
func insertObjectTool() mcp.Tool {
	return mcp.Tool{
		Name:        "insert_object",
		Description: "Insert a new object into a context. The object is persisted by the next save.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"entity": map[string]interface{}{
					"type":        "string",
					"description": "Entity name from the model",
				},
				"values":  valuesProperty(),
				"context": contextProperty(),
			},
			Required: []string{"entity"},
		},
	}
}

// getObjectTool returns the tool definition for get_object
func getObjectTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_object",
		Description: "Fetch one object as the context sees it, including unsaved changes",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"id":      idProperty(),
				"context": contextProperty(),
			},
			Required: []string{"id"},
		},
	}
}

// listObjectsTool returns the tool definition for list_objects
func listObjectsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "list_objects",
		Description: "List objects of an entity as the context sees them",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"entity": map[string]interface{}{
					"type":        "string",
					"description": "Entity name from the model",
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of objects to return (1-1000)",
					"default":     100,
					"minimum":     1,
					"maximum":     1000,
				},
				"context": contextProperty(),
			},
			Required: []string{"entity"},
		},
	}
}

// updateObjectTool returns the tool definition for update_object
func updateObjectTool() mcp.Tool {
	return mcp.Tool{
		Name:        "update_object",
		Description: "Change attribute values or to-one relationships of an object. Use null to clear a value.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"id":      idProperty(),
				"values":  valuesProperty(),
				"context": contextProperty(),
			},
			Required: []string{"id", "values"},
		},
	}
}

// deleteObjectTool returns the tool definition for delete_object
func deleteObjectTool() mcp.Tool {
	return mcp.Tool{
		Name:        "delete_object",
		Description: "Delete an object, applying the delete rules of its relationships",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"id":      idProperty(),
				"context": contextProperty(),
			},
			Required: []string{"id"},
		},
	}
}

// saveTool returns the tool definition for save
func saveTool() mcp.Tool {
	return mcp.Tool{
		Name:        "save",
		Description: "Save pending changes of a context. Saving main with parent wiring also saves background to the store.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"context": contextProperty(),
			},
		},
	}
}

// propagateTool returns the tool definition for propagate
func propagateTool() mcp.Tool {
	return mcp.Tool{
		Name:        "propagate",
		Description: "Save the background context and make its changes visible in the main context",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}
