package managed

import (
	"context"
	"errors"
	"fmt"

	"github.com/dshills/datastack/internal/coordinator"
	"github.com/dshills/datastack/pkg/types"
)

func isNotFound(err error) bool {
	return errors.Is(err, types.ErrObjectNotFound) || errors.Is(err, types.ErrObjectDeleted)
}

// Refresh reloads o from the parent. With mergeChanges the object's
// unsaved values are kept on top of the reloaded state; without it they
// are discarded. An object that no longer exists upstream is dropped.
// Inserted objects are left alone.
func (c *Context) Refresh(ctx context.Context, o *Object, mergeChanges bool) error {
	if o == nil {
		return fmt.Errorf("object is required")
	}
	if o.ctx != c {
		return ErrForeignObject
	}

	c.mu.Lock()
	skip := !o.valid || o.inserted
	c.mu.Unlock()
	if skip {
		return nil
	}

	row, err := c.upstreamRow(ctx, o.id)
	if err != nil && !isNotFound(err) {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !o.valid {
		return nil
	}
	if row == nil {
		o.valid = false
		delete(c.objects, o.id)
		return nil
	}

	values := make(map[string]any, len(o.values))
	for k := range o.values {
		values[k] = copyValue(row.Values[k])
	}
	if mergeChanges {
		for k, v := range o.changedLocked() {
			values[k] = v
		}
	} else {
		o.deleted = false
	}
	o.base = cloneValues(row.Values)
	o.version = row.Version
	o.values = values
	return nil
}

// RefreshObjects refreshes every registered object that has been saved
func (c *Context) RefreshObjects(ctx context.Context, mergeChanges bool) error {
	for _, o := range c.RegisteredObjects() {
		if err := c.Refresh(ctx, o, mergeChanges); err != nil {
			return err
		}
	}
	return nil
}

// MergeChanges applies another context's save to this working set:
// updated objects are refreshed keeping local changes and deleted objects
// are dropped. Inserted objects become visible to later fetches.
func (c *Context) MergeChanges(ctx context.Context, n *coordinator.SaveNotification) error {
	if n == nil || n.Origin == any(c) {
		return nil
	}
	if c.closed.Load() {
		return ErrContextClosed
	}

	c.mu.Lock()
	var refresh []*Object
	for _, id := range n.Updated {
		if o, ok := c.objects[id]; ok && !o.inserted {
			refresh = append(refresh, o)
		}
	}
	for _, id := range n.Deleted {
		if o, ok := c.objects[id]; ok {
			o.valid = false
			delete(c.objects, id)
		}
	}
	c.mu.Unlock()

	for _, o := range refresh {
		if err := c.Refresh(ctx, o, true); err != nil {
			return err
		}
	}
	c.logger.Debug("changes merged", "updated", len(n.Updated), "deleted", len(n.Deleted))
	return nil
}

// MergePendingChanges merges every notification buffered while automatic
// merging was off
func (c *Context) MergePendingChanges(ctx context.Context) error {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = nil
	c.pendingMu.Unlock()

	for i, n := range pending {
		if err := c.MergeChanges(ctx, n); err != nil {
			c.pendingMu.Lock()
			c.pending = append(append([]*coordinator.SaveNotification(nil), pending[i:]...), c.pending...)
			c.pendingMu.Unlock()
			return err
		}
	}
	return nil
}

// Rollback discards unsaved changes: inserted objects are dropped,
// deleted objects are restored and values return to their saved state
func (c *Context) Rollback() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, o := range c.objects {
		if o.inserted {
			o.valid = false
			delete(c.objects, id)
			continue
		}
		o.values = cloneValues(o.base)
		o.deleted = false
	}
}

// Reset forgets every registered object and buffered notification
func (c *Context) Reset() {
	c.mu.Lock()
	for _, o := range c.objects {
		o.valid = false
	}
	c.objects = make(map[types.ObjectID]*Object)
	c.mu.Unlock()

	c.pendingMu.Lock()
	c.pending = nil
	c.pendingMu.Unlock()
}
