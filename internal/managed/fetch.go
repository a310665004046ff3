package managed

import (
	"context"
	"fmt"

	"github.com/dshills/datastack/internal/model"
	"github.com/dshills/datastack/internal/storage"
	"github.com/dshills/datastack/pkg/types"
)

func (c *Context) entity(name string) (*model.Entity, error) {
	if c.closed.Load() {
		return nil, ErrContextClosed
	}
	m, err := c.Model()
	if err != nil {
		return nil, err
	}
	return m.LookupEntity(name)
}

// Insert creates a new object of entity with its attribute defaults
func (c *Context) Insert(entity string) (*Object, error) {
	return c.InsertValues(entity, nil)
}

// InsertValues creates a new object of entity with its attribute defaults
// overlaid by values. The object is registered only if every value is
// accepted.
func (c *Context) InsertValues(entity string, values map[string]any) (*Object, error) {
	e, err := c.entity(entity)
	if err != nil {
		return nil, err
	}

	initial := make(map[string]any, len(e.Attributes)+len(e.Relationships))
	for _, a := range e.Attributes {
		initial[a.Name] = copyValue(a.Default)
	}
	for _, r := range e.ToOne() {
		initial[r.Name] = nil
	}

	o := &Object{
		ctx:      c,
		id:       types.NewObjectID(e.Name),
		entity:   e,
		base:     map[string]any{},
		values:   initial,
		inserted: true,
		valid:    true,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	staged, err := o.convertAllLocked(values)
	if err != nil {
		return nil, err
	}
	for k, v := range staged {
		o.values[k] = v
	}
	c.objects[o.id] = o
	return o, nil
}

// registerLocked adds an object faulted from row, or returns the object
// already registered under its ID
func (c *Context) registerLocked(e *model.Entity, row *storage.Row) *Object {
	if o, ok := c.objects[row.ID]; ok {
		return o
	}
	values := make(map[string]any, len(row.Values))
	for _, a := range e.Attributes {
		values[a.Name] = row.Values[a.Name]
	}
	for _, r := range e.ToOne() {
		values[r.Name] = row.Values[r.Name]
	}
	o := &Object{
		ctx:     c,
		id:      row.ID,
		entity:  e,
		base:    cloneValues(values),
		version: row.Version,
		values:  values,
		valid:   true,
	}
	c.objects[o.id] = o
	return o
}

// Object returns the object for id, faulting it in from the parent when it
// is not registered yet
func (c *Context) Object(ctx context.Context, id types.ObjectID) (*Object, error) {
	e, err := c.entity(id.Entity)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if o, ok := c.objects[id]; ok {
		defer c.mu.Unlock()
		if o.deleted {
			return nil, fmt.Errorf("%w: %s", types.ErrObjectDeleted, id)
		}
		return o, nil
	}
	c.mu.Unlock()

	row, err := c.upstreamRow(ctx, id)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registerLocked(e, row), nil
}

// Objects returns every live object of entity: stored objects, plus this
// context's inserts, minus its deletes, ordered by ID
func (c *Context) Objects(ctx context.Context, entity string) ([]*Object, error) {
	e, err := c.entity(entity)
	if err != nil {
		return nil, err
	}
	rows, err := c.upstreamRows(ctx, e.Name)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collectLocked(e, rows, func(*Object) bool { return true }), nil
}

// related returns the live objects whose inverse to-one points at o
func (c *Context) related(ctx context.Context, o *Object, r *model.Relationship) ([]*Object, error) {
	dest, err := c.entity(r.Destination)
	if err != nil {
		return nil, err
	}
	rows, err := c.upstreamRelated(ctx, dest.Name, r.Inverse, o.id)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collectLocked(dest, rows, func(candidate *Object) bool {
		return candidate.values[r.Inverse] == any(o.id)
	}), nil
}

// collectLocked registers rows of e and merges them with registered objects
// of e accepted by match
func (c *Context) collectLocked(e *model.Entity, rows []*storage.Row, match func(*Object) bool) []*Object {
	seen := make(map[types.ObjectID]bool, len(rows))
	out := make([]*Object, 0, len(rows))
	for _, row := range rows {
		o := c.registerLocked(e, row)
		seen[o.id] = true
		if !o.deleted && match(o) {
			out = append(out, o)
		}
	}
	for id, o := range c.objects {
		if id.Entity != e.Name || seen[id] || o.deleted {
			continue
		}
		if match(o) {
			out = append(out, o)
		}
	}
	sortObjects(out)
	return out
}

// HasChanges reports whether Save would write anything
func (c *Context) HasChanges() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasChangesLocked()
}

func (c *Context) hasChangesLocked() bool {
	for _, o := range c.objects {
		if o.hasChangesLocked() {
			return true
		}
	}
	return false
}

// RegisteredObjects returns every object registered with the context,
// ordered by ID
func (c *Context) RegisteredObjects() []*Object {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Object, 0, len(c.objects))
	for _, o := range c.objects {
		out = append(out, o)
	}
	sortObjects(out)
	return out
}
