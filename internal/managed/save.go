package managed

import (
	"context"
	"errors"
	"fmt"

	"github.com/dshills/datastack/internal/coordinator"
	"github.com/dshills/datastack/internal/storage"
	"github.com/dshills/datastack/pkg/types"
)

// resolution is a change set ready to write plus the stored rows it was
// reconciled against
type resolution struct {
	changes *storage.ChangeSet
	fresh   map[types.ObjectID]*storage.Row
}

// Save validates pending changes and pushes them to the parent: into the
// store when the parent is a coordinator, into the parent's working set
// when it is a context. Without pending changes Save does nothing. On any
// error the working set is left exactly as it was.
func (c *Context) Save(ctx context.Context) error {
	if c.closed.Load() {
		return ErrContextClosed
	}
	if !c.saveLock.TryAcquire() {
		return ErrSaveInProgress
	}
	defer c.saveLock.Release()

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasChangesLocked() {
		return nil
	}
	if err := c.validateLocked(); err != nil {
		return err
	}

	changes := c.changeSetLocked()

	if parent := c.parent.Load(); parent != nil {
		if err := parent.absorb(ctx, changes); err != nil {
			return fmt.Errorf("failed to save into parent context %s: %w", parent.name, err)
		}
		c.commitLocked(&resolution{changes: changes}, nil)
		c.logger.Debug("changes pushed to parent", "parent", parent.name)
		return nil
	}

	coord := c.coord.Load()
	if coord == nil {
		return ErrNoParent
	}
	res, n, err := c.persistLocked(ctx, coord, changes)
	if err != nil {
		return err
	}
	c.commitLocked(res, n.Versions)
	c.logger.Info("context saved",
		"inserted", len(n.Inserted),
		"updated", len(n.Updated),
		"deleted", len(n.Deleted))
	return nil
}

// validateLocked checks required values, predicates and references of
// every object Save would write
func (c *Context) validateLocked() error {
	verr := &types.ValidationError{}
	objects := make([]*Object, 0, len(c.objects))
	for _, o := range c.objects {
		if !o.deleted && o.hasChangesLocked() {
			objects = append(objects, o)
		}
	}
	sortObjects(objects)

	for _, o := range objects {
		for _, a := range o.entity.Attributes {
			v := o.values[a.Name]
			if v == nil {
				if !a.Optional {
					verr.Add(o.id, a.Name, types.ErrRequiredValue)
				}
				continue
			}
			if err := a.Check(v, o.values); err != nil {
				verr.Add(o.id, a.Name, err)
			}
		}
		for _, r := range o.entity.ToOne() {
			target, _ := o.values[r.Name].(types.ObjectID)
			if target.IsZero() {
				if !r.Optional {
					verr.Add(o.id, r.Name, types.ErrRequiredValue)
				}
				continue
			}
			if t, ok := c.objects[target]; ok && t.deleted {
				verr.Add(o.id, r.Name, types.ErrObjectDeleted)
			}
		}
	}

	if verr.Empty() {
		return nil
	}
	return verr
}

// changeSetLocked copies pending changes into rows. Updates carry only
// changed values; objects inserted and deleted before saving are skipped.
func (c *Context) changeSetLocked() *storage.ChangeSet {
	objects := make([]*Object, 0, len(c.objects))
	for _, o := range c.objects {
		objects = append(objects, o)
	}
	sortObjects(objects)

	changes := &storage.ChangeSet{}
	for _, o := range objects {
		switch {
		case o.inserted && o.deleted:
		case o.inserted:
			changes.Inserted = append(changes.Inserted, &storage.Row{ID: o.id, Values: cloneValues(o.values)})
		case o.deleted:
			changes.Deleted = append(changes.Deleted, &storage.Row{ID: o.id, Version: o.version})
		default:
			if changed := o.changedLocked(); len(changed) > 0 {
				changes.Updated = append(changes.Updated, &storage.Row{ID: o.id, Version: o.version, Values: cloneValues(changed)})
			}
		}
	}
	return changes
}

// persistLocked writes changes through coord, resolving optimistic-lock
// conflicts once according to the merge policy
func (c *Context) persistLocked(ctx context.Context, coord *coordinator.Coordinator, changes *storage.ChangeSet) (*resolution, *coordinator.SaveNotification, error) {
	res := &resolution{changes: changes}
	n, err := coord.Save(ctx, c, changes)
	if err == nil {
		return res, n, nil
	}

	var conflict *storage.ConflictError
	if !errors.As(err, &conflict) || c.mergePolicy == MergeError {
		return nil, nil, err
	}

	c.logger.Debug("resolving save conflicts", "policy", string(c.mergePolicy), "conflicts", len(conflict.IDs))
	res, err = c.resolveLocked(ctx, coord, changes, conflict)
	if err != nil {
		return nil, nil, err
	}
	n, err = coord.Save(ctx, c, res.changes)
	if err != nil {
		return nil, nil, err
	}
	return res, n, nil
}

// resolveLocked rebuilds changes against the current stored rows of the
// conflicting objects. Nothing in the working set is modified.
func (c *Context) resolveLocked(ctx context.Context, coord *coordinator.Coordinator, changes *storage.ChangeSet, conflict *storage.ConflictError) (*resolution, error) {
	conflicting := make(map[types.ObjectID]bool, len(conflict.IDs))
	for _, id := range conflict.IDs {
		conflicting[id] = true
	}

	res := &resolution{
		changes: &storage.ChangeSet{Inserted: changes.Inserted},
		fresh:   make(map[types.ObjectID]*storage.Row),
	}

	for _, row := range changes.Updated {
		if !conflicting[row.ID] {
			res.changes.Updated = append(res.changes.Updated, row)
			continue
		}
		fresh, err := coord.Fetch(ctx, row.ID)
		if err != nil {
			if isNotFound(err) {
				return nil, fmt.Errorf("%w: %s was deleted by another context", conflict, row.ID)
			}
			return nil, err
		}
		res.fresh[row.ID] = fresh
		res.changes.Updated = append(res.changes.Updated, c.mergeRowLocked(row, fresh))
	}

	for _, row := range changes.Deleted {
		if !conflicting[row.ID] {
			res.changes.Deleted = append(res.changes.Deleted, row)
			continue
		}
		fresh, err := coord.Fetch(ctx, row.ID)
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		res.changes.Deleted = append(res.changes.Deleted, &storage.Row{ID: row.ID, Version: fresh.Version})
	}
	return res, nil
}

// mergeRowLocked combines a pending update with the stored row it
// conflicted with
func (c *Context) mergeRowLocked(row, fresh *storage.Row) *storage.Row {
	merged := &storage.Row{ID: row.ID, Version: fresh.Version, Values: make(map[string]any, len(row.Values))}
	o := c.objects[row.ID]
	for k, v := range row.Values {
		storeChanged := o != nil && !valuesEqual(fresh.Values[k], o.base[k])
		if c.mergePolicy == MergeStoreTrump && storeChanged {
			continue
		}
		merged.Values[k] = v
	}
	return merged
}

// commitLocked makes a successful save the new base state. versions holds
// new store versions; it is nil when the save went to a parent context.
func (c *Context) commitLocked(res *resolution, versions map[types.ObjectID]int64) {
	written := make(map[types.ObjectID]map[string]any, len(res.changes.Updated))
	for _, row := range res.changes.Updated {
		written[row.ID] = row.Values
	}

	for id, o := range c.objects {
		if o.deleted {
			o.valid = false
			delete(c.objects, id)
			continue
		}
		if fresh, ok := res.fresh[id]; ok {
			merged := make(map[string]any, len(o.values))
			for k := range o.values {
				merged[k] = copyValue(fresh.Values[k])
			}
			for k, v := range written[id] {
				merged[k] = copyValue(v)
			}
			o.values = merged
		}
		o.base = cloneValues(o.values)
		o.inserted = false
		if v, ok := versions[id]; ok {
			o.version = v
		}
	}
}

// absorb applies a child context's saved changes to this working set.
// Objects the child touched are faulted in first so a failure changes
// nothing.
func (c *Context) absorb(ctx context.Context, changes *storage.ChangeSet) error {
	if c.closed.Load() {
		return ErrContextClosed
	}
	m, err := c.Model()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	faulted := make(map[types.ObjectID]*storage.Row)
	touched := append(append([]*storage.Row(nil), changes.Updated...), changes.Deleted...)
	for _, row := range touched {
		if o, ok := c.objects[row.ID]; ok {
			if o.deleted {
				return fmt.Errorf("%w: %s", types.ErrObjectDeleted, row.ID)
			}
			continue
		}
		fresh, err := c.upstreamRow(ctx, row.ID)
		if err != nil {
			return err
		}
		faulted[row.ID] = fresh
	}
	for _, row := range changes.Inserted {
		if _, err := m.LookupEntity(row.ID.Entity); err != nil {
			return err
		}
	}

	for _, row := range faulted {
		e, _ := m.Entity(row.ID.Entity)
		c.registerLocked(e, row)
	}
	for _, row := range changes.Inserted {
		if o, ok := c.objects[row.ID]; ok {
			o.values = cloneValues(row.Values)
			continue
		}
		e, _ := m.Entity(row.ID.Entity)
		c.objects[row.ID] = &Object{
			ctx:      c,
			id:       row.ID,
			entity:   e,
			base:     map[string]any{},
			values:   cloneValues(row.Values),
			inserted: true,
			valid:    true,
		}
	}
	for _, row := range changes.Updated {
		o := c.objects[row.ID]
		for k, v := range row.Values {
			o.values[k] = copyValue(v)
		}
	}
	for _, row := range changes.Deleted {
		c.objects[row.ID].deleted = true
	}
	return nil
}
