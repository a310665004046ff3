package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"testing/fstest"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/suite"

	"github.com/dshills/datastack/internal/bundle"
	"github.com/dshills/datastack/internal/stack"
	"github.com/dshills/datastack/pkg/types"
)

const libraryModel = `
name: Library
versions:
  - version: 1.0.0
    entities:
      - name: Shelf
        attributes:
          - {name: label, type: string}
        relationships:
          - {name: books, destination: Book, to_many: true, inverse: shelf, delete_rule: deny}
      - name: Cover
        attributes:
          - {name: artist, type: string}
        relationships:
          - {name: books, destination: Book, to_many: true, inverse: cover}
      - name: Book
        attributes:
          - {name: title, type: string, validate: 'len(value) > 0'}
          - {name: pages, type: integer, default: 0}
        relationships:
          - {name: shelf, destination: Shelf, inverse: books, optional: true}
          - {name: cover, destination: Cover, inverse: books, optional: true, delete_rule: cascade}
`

type toolHandler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)

// ServerTestSuite runs tool handlers against a real stack in a temp dir
type ServerTestSuite struct {
	suite.Suite
	ctx    context.Context
	stack  *stack.Stack
	server *Server
}

func (s *ServerTestSuite) SetupTest() {
	s.ctx = context.Background()
	b := bundle.New(fstest.MapFS{
		"Library.momd": &fstest.MapFile{Data: []byte(libraryModel)},
	}, "test")

	st, err := stack.New(s.ctx, "Library",
		stack.WithBundle(b),
		stack.WithDocumentsDir(s.T().TempDir()))
	s.Require().NoError(err)
	s.stack = st

	server, err := NewServer(st, nil)
	s.Require().NoError(err)
	s.server = server
}

func (s *ServerTestSuite) TearDownTest() {
	s.Require().NoError(s.stack.Close())
}

func request(args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{Arguments: args},
	}
}

// call runs a handler and decodes its JSON text result
func (s *ServerTestSuite) call(h toolHandler, args map[string]interface{}) map[string]interface{} {
	res, err := h(s.ctx, request(args))
	s.Require().NoError(err)
	s.Require().NotNil(res)
	s.Require().NotEmpty(res.Content)

	text, ok := res.Content[0].(mcp.TextContent)
	s.Require().True(ok, "result should be text content")

	var out map[string]interface{}
	s.Require().NoError(json.Unmarshal([]byte(text.Text), &out))
	return out
}

// callError runs a handler that must fail and returns its MCP error
func (s *ServerTestSuite) callError(h toolHandler, args map[string]interface{}) *MCPError {
	_, err := h(s.ctx, request(args))
	s.Require().Error(err)
	var mcpErr *MCPError
	s.Require().True(errors.As(err, &mcpErr), "expected MCPError, got %v", err)
	return mcpErr
}

func (s *ServerTestSuite) insertBook(title string) string {
	out := s.call(s.server.handleInsertObject, map[string]interface{}{
		"entity": "Book",
		"values": map[string]interface{}{"title": title},
	})
	return out["id"].(string)
}

func (s *ServerTestSuite) TestNewServerRequiresStack() {
	_, err := NewServer(nil, nil)
	s.Error(err)
}

func (s *ServerTestSuite) TestStackStatus() {
	out := s.call(s.server.handleStackStatus, map[string]interface{}{})

	s.Equal("Library", out["schema"])
	s.Equal("sibling", out["wiring"])
	model := out["model"].(map[string]interface{})
	s.Equal("1.0.0", model["version"])
	store := out["store"].(map[string]interface{})
	s.Equal(s.stack.StorePath(), store["path"])
	s.NotEmpty(store["uuid"])
	objects := out["objects"].(map[string]interface{})
	s.Equal(float64(0), objects["Book"])

	contexts := out["contexts"].(map[string]interface{})
	s.Contains(contexts, "main")
	s.Contains(contexts, "background")
}

func (s *ServerTestSuite) TestInsertGetSave() {
	out := s.call(s.server.handleInsertObject, map[string]interface{}{
		"entity": "Book",
		"values": map[string]interface{}{"title": "Dune", "pages": float64(412)},
	})
	id := out["id"].(string)
	s.Equal("Book", out["entity"])
	s.Equal(true, out["inserted"])
	values := out["values"].(map[string]interface{})
	s.Equal("Dune", values["title"])
	s.Equal(float64(412), values["pages"])

	s.call(s.server.handleSave, map[string]interface{}{})

	got := s.call(s.server.handleGetObject, map[string]interface{}{"id": id})
	s.Equal(false, got["inserted"])
	s.Equal(float64(1), got["version"])

	status := s.call(s.server.handleStackStatus, map[string]interface{}{})
	s.Equal(float64(1), status["objects"].(map[string]interface{})["Book"])
}

func (s *ServerTestSuite) TestInsertErrors() {
	e := s.callError(s.server.handleInsertObject, map[string]interface{}{})
	s.Equal(ErrorCodeInvalidParams, e.Code)

	e = s.callError(s.server.handleInsertObject, map[string]interface{}{"entity": "Magazine"})
	s.Equal(ErrorCodeInvalidParams, e.Code)

	e = s.callError(s.server.handleInsertObject, map[string]interface{}{
		"entity": "Book",
		"values": map[string]interface{}{"colour": "red"},
	})
	s.Equal(ErrorCodeInvalidParams, e.Code)

	e = s.callError(s.server.handleInsertObject, map[string]interface{}{
		"entity":  "Book",
		"context": "archive",
	})
	s.Equal(ErrorCodeInvalidParams, e.Code)
}

func (s *ServerTestSuite) TestInsertRejectedLeavesRelatedObjects() {
	cover := s.call(s.server.handleInsertObject, map[string]interface{}{
		"entity": "Cover",
		"values": map[string]interface{}{"artist": "Moebius"},
	})
	coverID := cover["id"].(string)
	s.call(s.server.handleSave, map[string]interface{}{})

	e := s.callError(s.server.handleInsertObject, map[string]interface{}{
		"entity": "Book",
		"values": map[string]interface{}{"cover": coverID, "title": float64(5)},
	})
	s.Equal(ErrorCodeInvalidParams, e.Code)

	main := s.stack.MainContext()
	s.False(main.HasChanges(), "rejected insert leaves nothing pending")
	for _, o := range main.RegisteredObjects() {
		s.NotEqual("Book", o.Entity())
		s.False(o.IsDeleted())
	}

	s.Require().NoError(s.stack.Save(s.ctx))
	id, err := types.ParseObjectID(coverID)
	s.Require().NoError(err)
	_, err = s.stack.Coordinator().Fetch(s.ctx, id)
	s.NoError(err, "cover is still stored")
	got := s.call(s.server.handleGetObject, map[string]interface{}{"id": coverID})
	s.Equal("Moebius", got["values"].(map[string]interface{})["artist"])
}

func (s *ServerTestSuite) TestInsertRejectsOutOfRangeInteger() {
	e := s.callError(s.server.handleInsertObject, map[string]interface{}{
		"entity": "Book",
		"values": map[string]interface{}{"title": "Huge", "pages": 1e300},
	})
	s.Equal(ErrorCodeInvalidParams, e.Code)
	s.False(s.stack.MainContext().HasChanges())
}

func (s *ServerTestSuite) TestListObjects() {
	s.insertBook("A")
	s.insertBook("B")
	s.insertBook("C")

	out := s.call(s.server.handleListObjects, map[string]interface{}{
		"entity": "Book",
		"limit":  float64(2),
	})
	s.Equal(float64(3), out["total"])
	s.Len(out["objects"], 2)

	e := s.callError(s.server.handleListObjects, map[string]interface{}{
		"entity": "Book",
		"limit":  float64(0),
	})
	s.Equal(ErrorCodeInvalidParams, e.Code)
}

func (s *ServerTestSuite) TestUpdateObject() {
	id := s.insertBook("Draft")
	s.call(s.server.handleSave, map[string]interface{}{})

	out := s.call(s.server.handleUpdateObject, map[string]interface{}{
		"id":     id,
		"values": map[string]interface{}{"title": "Final"},
	})
	s.Equal(true, out["updated"])
	s.Equal("Final", out["values"].(map[string]interface{})["title"])

	e := s.callError(s.server.handleUpdateObject, map[string]interface{}{"id": id})
	s.Equal(ErrorCodeInvalidParams, e.Code)
}

func (s *ServerTestSuite) TestUpdateRejectedLeavesObjectUnchanged() {
	id := s.insertBook("Persuasion")
	s.call(s.server.handleSave, map[string]interface{}{})

	e := s.callError(s.server.handleUpdateObject, map[string]interface{}{
		"id":     id,
		"values": map[string]interface{}{"pages": float64(12), "title": float64(5)},
	})
	s.Equal(ErrorCodeInvalidParams, e.Code)

	got := s.call(s.server.handleGetObject, map[string]interface{}{"id": id})
	s.Equal(false, got["updated"])
	values := got["values"].(map[string]interface{})
	s.Equal(float64(0), values["pages"])
	s.Equal("Persuasion", values["title"])
	s.False(s.stack.MainContext().HasChanges())
}

func (s *ServerTestSuite) TestSaveValidationFailure() {
	s.insertBook("")

	e := s.callError(s.server.handleSave, map[string]interface{}{})
	s.Equal(ErrorCodeValidationFailed, e.Code)
	data := e.Data.(map[string]interface{})
	s.NotEmpty(data["failures"])
	s.True(s.stack.MainContext().HasChanges(), "failed save keeps pending changes")
}

func (s *ServerTestSuite) TestDeleteObject() {
	shelf := s.call(s.server.handleInsertObject, map[string]interface{}{
		"entity": "Shelf",
		"values": map[string]interface{}{"label": "Fiction"},
	})
	shelfID := shelf["id"].(string)
	bookID := s.insertBook("Emma")
	s.call(s.server.handleUpdateObject, map[string]interface{}{
		"id":     bookID,
		"values": map[string]interface{}{"shelf": shelfID},
	})
	s.call(s.server.handleSave, map[string]interface{}{})

	e := s.callError(s.server.handleDeleteObject, map[string]interface{}{"id": shelfID})
	s.Equal(ErrorCodeDeleteDenied, e.Code)

	out := s.call(s.server.handleDeleteObject, map[string]interface{}{"id": bookID})
	s.Equal(true, out["deleted"])
	s.call(s.server.handleSave, map[string]interface{}{})

	e = s.callError(s.server.handleGetObject, map[string]interface{}{"id": bookID})
	s.Equal(ErrorCodeObjectNotFound, e.Code)
}

func (s *ServerTestSuite) TestGetObjectBadID() {
	e := s.callError(s.server.handleGetObject, map[string]interface{}{"id": "not-an-id"})
	s.Equal(ErrorCodeInvalidParams, e.Code)
}

func (s *ServerTestSuite) TestPropagate() {
	out := s.call(s.server.handleInsertObject, map[string]interface{}{
		"entity":  "Book",
		"values":  map[string]interface{}{"title": "Imported"},
		"context": "background",
	})
	id := out["id"].(string)

	prop := s.call(s.server.handlePropagate, map[string]interface{}{})
	s.Equal(true, prop["propagated"])

	got := s.call(s.server.handleGetObject, map[string]interface{}{"id": id})
	s.Equal("Imported", got["values"].(map[string]interface{})["title"])
}

func TestServerTestSuite(t *testing.T) {
	suite.Run(t, new(ServerTestSuite))
}
