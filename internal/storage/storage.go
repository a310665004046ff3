package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dshills/datastack/internal/model"
	"github.com/dshills/datastack/pkg/types"
)

var (
	// ErrNotFound is returned when a requested row doesn't exist
	ErrNotFound = errors.New("not found")
	// ErrOptimisticLock is returned when a row changed since it was read
	ErrOptimisticLock = errors.New("optimistic locking failure")
	// ErrNotBound is returned by row operations before a model is bound
	ErrNotBound = errors.New("store has no model bound")
)

// Store persists rows of managed objects for one model
type Store interface {
	// Path returns the store file location
	Path() string

	// Metadata returns the stored metadata and whether the store was initialised
	Metadata() (Metadata, bool)

	// Model lifecycle
	Initialize(ctx context.Context, m *model.Model) error
	Bind(m *model.Model) error
	Migrate(ctx context.Context, mapping *model.Mapping) error

	// Row operations
	Fetch(ctx context.Context, id types.ObjectID) (*Row, error)
	FetchAll(ctx context.Context, entity string) ([]*Row, error)
	FetchRelated(ctx context.Context, entity, key string, target types.ObjectID) ([]*Row, error)
	ApplyChanges(ctx context.Context, changes *ChangeSet) (map[types.ObjectID]int64, error)

	// Database operations
	Close() error
}

// Metadata describes the model a store was last written with
type Metadata struct {
	StoreUUID    string
	ModelName    string
	ModelVersion string
	VersionHash  string
	Snapshot     []byte // Model snapshot in resource format
}

// Row is the persisted state of one object
type Row struct {
	ID      types.ObjectID
	Version int64 // Optimistic lock counter, starts at 1 on insert
	// Values holds attribute values in their canonical Go types and
	// to-one relationship targets as types.ObjectID
	Values map[string]any
}

// Clone returns a copy whose Values map can be modified freely
func (r *Row) Clone() *Row {
	values := make(map[string]any, len(r.Values))
	for k, v := range r.Values {
		if b, ok := v.([]byte); ok {
			v = append([]byte(nil), b...)
		}
		values[k] = v
	}
	return &Row{ID: r.ID, Version: r.Version, Values: values}
}

// ChangeSet is the set of writes applied by one save.
// Updated and Deleted rows carry the version they were read at.
type ChangeSet struct {
	Inserted []*Row
	Updated  []*Row
	Deleted  []*Row
}

// Empty reports whether the change set writes nothing
func (c *ChangeSet) Empty() bool {
	return c == nil || len(c.Inserted)+len(c.Updated)+len(c.Deleted) == 0
}

// ConflictError lists the objects whose stored version no longer matches
type ConflictError struct {
	IDs []types.ObjectID
}

func (e *ConflictError) Error() string {
	ids := make([]string, len(e.IDs))
	for i, id := range e.IDs {
		ids[i] = id.String()
	}
	return fmt.Sprintf("%v: %s", ErrOptimisticLock, strings.Join(ids, ", "))
}

func (e *ConflictError) Unwrap() error {
	return ErrOptimisticLock
}
