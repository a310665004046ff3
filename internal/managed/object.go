package managed

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dshills/datastack/internal/model"
	"github.com/dshills/datastack/internal/storage"
	"github.com/dshills/datastack/pkg/types"
)

// Object is one managed object registered with a context.
// All state is guarded by the owning context's mutex.
type Object struct {
	ctx    *Context
	id     types.ObjectID
	entity *model.Entity

	base     map[string]any // Values as last fetched or saved
	version  int64          // Store version base was read at
	values   map[string]any
	inserted bool
	deleted  bool
	valid    bool
}

// ID returns the object's permanent ID
func (o *Object) ID() types.ObjectID {
	return o.id
}

// Entity returns the entity name
func (o *Object) Entity() string {
	return o.entity.Name
}

// Context returns the owning context
func (o *Object) Context() *Context {
	return o.ctx
}

// Value returns the current value of an attribute or the target ID of a
// to-one relationship. Unknown keys return nil.
func (o *Object) Value(key string) any {
	o.ctx.mu.Lock()
	defer o.ctx.mu.Unlock()
	return copyValue(o.values[key])
}

// Values returns a copy of every attribute and to-one relationship value
func (o *Object) Values() map[string]any {
	o.ctx.mu.Lock()
	defer o.ctx.mu.Unlock()
	return cloneValues(o.values)
}

// Version returns the store version the object was last read or saved at
func (o *Object) Version() int64 {
	o.ctx.mu.Lock()
	defer o.ctx.mu.Unlock()
	return o.version
}

// Set assigns an attribute value, coerced to the attribute type, or the
// target ID of a to-one relationship
func (o *Object) Set(key string, value any) error {
	o.ctx.mu.Lock()
	defer o.ctx.mu.Unlock()

	if err := o.checkMutableLocked(); err != nil {
		return err
	}
	v, err := o.convertLocked(key, value)
	if err != nil {
		return err
	}
	o.values[key] = v
	return nil
}

// SetValues assigns several values at once. Every value is checked before
// any is applied, so on error the object is unchanged.
func (o *Object) SetValues(values map[string]any) error {
	o.ctx.mu.Lock()
	defer o.ctx.mu.Unlock()

	if err := o.checkMutableLocked(); err != nil {
		return err
	}
	staged, err := o.convertAllLocked(values)
	if err != nil {
		return err
	}
	for k, v := range staged {
		o.values[k] = v
	}
	return nil
}

// SetRelated points a to-one relationship at target, or clears it when
// target is nil
func (o *Object) SetRelated(key string, target *Object) error {
	if target == nil {
		return o.Set(key, nil)
	}
	return o.Set(key, target)
}

// convertAllLocked converts values in key order so the reported error is stable
func (o *Object) convertAllLocked(values map[string]any) (map[string]any, error) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	staged := make(map[string]any, len(values))
	for _, k := range keys {
		v, err := o.convertLocked(k, values[k])
		if err != nil {
			return nil, err
		}
		staged[k] = v
	}
	return staged, nil
}

// convertLocked returns value as stored under key without assigning it
func (o *Object) convertLocked(key string, value any) (any, error) {
	if a, ok := o.entity.Attribute(key); ok {
		v, err := a.Type.Coerce(value)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", o.id, key, err)
		}
		return v, nil
	}

	r, ok := o.entity.Relationship(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", types.ErrUnknownKey, o.entity.Name, key)
	}
	if r.ToMany {
		return nil, fmt.Errorf("%w: %s.%s is to-many; set the inverse %s instead", types.ErrUnknownKey, o.entity.Name, key, r.Inverse)
	}
	if value == nil {
		return nil, nil
	}
	var target types.ObjectID
	switch v := value.(type) {
	case types.ObjectID:
		target = v
	case *Object:
		if v.ctx != o.ctx {
			return nil, ErrForeignObject
		}
		target = v.id
	case string:
		parsed, err := types.ParseObjectID(v)
		if err != nil {
			return nil, err
		}
		target = parsed
	default:
		return nil, fmt.Errorf("%w: %s.%s cannot hold %T", types.ErrTypeMismatch, o.entity.Name, key, value)
	}

	if target.Entity != r.Destination {
		return nil, fmt.Errorf("%w: %s.%s expects %s, got %s", types.ErrWrongDestination, o.entity.Name, r.Name, r.Destination, target.Entity)
	}
	if t, ok := o.ctx.objects[target]; ok && t.deleted {
		return nil, fmt.Errorf("%w: %s", types.ErrObjectDeleted, target)
	}
	return target, nil
}

// Related returns the target of a to-one relationship, nil when unset
func (o *Object) Related(ctx context.Context, key string) (*Object, error) {
	r, ok := o.entity.Relationship(key)
	if !ok || r.ToMany {
		return nil, fmt.Errorf("%w: %s.%s is not a to-one relationship", types.ErrUnknownKey, o.entity.Name, key)
	}
	id, _ := o.Value(key).(types.ObjectID)
	if id.IsZero() {
		return nil, nil
	}
	return o.ctx.Object(ctx, id)
}

// RelatedObjects returns the objects on the other side of a to-many
// relationship, ordered by ID
func (o *Object) RelatedObjects(ctx context.Context, key string) ([]*Object, error) {
	r, ok := o.entity.Relationship(key)
	if !ok || !r.ToMany {
		return nil, fmt.Errorf("%w: %s.%s is not a to-many relationship", types.ErrUnknownKey, o.entity.Name, key)
	}
	return o.ctx.related(ctx, o, r)
}

// IsInserted reports whether the object has never been saved
func (o *Object) IsInserted() bool {
	o.ctx.mu.Lock()
	defer o.ctx.mu.Unlock()
	return o.inserted
}

// IsUpdated reports whether a saved object has unsaved value changes
func (o *Object) IsUpdated() bool {
	o.ctx.mu.Lock()
	defer o.ctx.mu.Unlock()
	return !o.inserted && !o.deleted && len(o.changedLocked()) > 0
}

// IsDeleted reports whether the object is marked for deletion
func (o *Object) IsDeleted() bool {
	o.ctx.mu.Lock()
	defer o.ctx.mu.Unlock()
	return o.deleted
}

// IsValid reports whether the object is still registered with its context
func (o *Object) IsValid() bool {
	o.ctx.mu.Lock()
	defer o.ctx.mu.Unlock()
	return o.valid
}

// HasChanges reports whether saving would write this object
func (o *Object) HasChanges() bool {
	o.ctx.mu.Lock()
	defer o.ctx.mu.Unlock()
	return o.hasChangesLocked()
}

// ChangedValues returns the values that differ from the last saved state
func (o *Object) ChangedValues() map[string]any {
	o.ctx.mu.Lock()
	defer o.ctx.mu.Unlock()
	return cloneValues(o.changedLocked())
}

func (o *Object) checkMutableLocked() error {
	if !o.valid {
		return fmt.Errorf("%w: %s", ErrInvalidObject, o.id)
	}
	if o.deleted {
		return fmt.Errorf("%w: %s", types.ErrObjectDeleted, o.id)
	}
	return nil
}

func (o *Object) hasChangesLocked() bool {
	switch {
	case o.inserted:
		return !o.deleted
	case o.deleted:
		return true
	}
	return len(o.changedLocked()) > 0
}

func (o *Object) changedLocked() map[string]any {
	changed := make(map[string]any)
	for k, v := range o.values {
		if o.inserted {
			if v != nil {
				changed[k] = v
			}
			continue
		}
		if !valuesEqual(v, o.base[k]) {
			changed[k] = v
		}
	}
	return changed
}

// rowLocked returns the object's current state as a row
func (o *Object) rowLocked() *storage.Row {
	return &storage.Row{ID: o.id, Version: o.version, Values: cloneValues(o.values)}
}

func valuesEqual(a, b any) bool {
	switch av := a.(type) {
	case []byte:
		bv, ok := b.([]byte)
		return ok && bytes.Equal(av, bv)
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	}
	if _, ok := b.([]byte); ok {
		return false
	}
	return a == b
}

func copyValue(v any) any {
	if b, ok := v.([]byte); ok {
		return append([]byte(nil), b...)
	}
	return v
}

func cloneValues(values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = copyValue(v)
	}
	return out
}

func sortObjects(objects []*Object) {
	sort.Slice(objects, func(i, j int) bool { return objects[i].id.Less(objects[j].id) })
}
