package managed

import (
	"context"
	"fmt"

	"github.com/dshills/datastack/internal/model"
	"github.com/dshills/datastack/pkg/types"
)

// deletePlan is the full effect of one Delete, computed before anything
// is marked
type deletePlan struct {
	deleted map[types.ObjectID]*Object
	order   []*Object
	nullify []nullification
}

type nullification struct {
	object *Object
	key    string
	target types.ObjectID
}

// Delete marks o for deletion and applies its relationships' delete
// rules: cascade deletes related objects, nullify clears their inverse and
// deny fails the whole delete while related objects remain
func (c *Context) Delete(ctx context.Context, o *Object) error {
	if o == nil {
		return fmt.Errorf("object is required")
	}
	if o.ctx != c {
		return ErrForeignObject
	}

	c.mu.Lock()
	if !o.valid {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInvalidObject, o.id)
	}
	if o.deleted {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	plan := &deletePlan{deleted: make(map[types.ObjectID]*Object)}
	if err := c.planDelete(ctx, o, plan); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range plan.nullify {
		if _, gone := plan.deleted[n.object.id]; gone {
			continue
		}
		if n.object.values[n.key] == any(n.target) {
			n.object.values[n.key] = nil
		}
	}
	for _, d := range plan.order {
		d.deleted = true
	}
	c.logger.Debug("objects deleted", "root", o.id.String(), "count", len(plan.order))
	return nil
}

func (c *Context) planDelete(ctx context.Context, o *Object, plan *deletePlan) error {
	if _, ok := plan.deleted[o.id]; ok {
		return nil
	}
	plan.deleted[o.id] = o
	plan.order = append(plan.order, o)

	for _, r := range o.entity.Relationships {
		if r.ToMany {
			if err := c.planToMany(ctx, o, r, plan); err != nil {
				return err
			}
			continue
		}
		if err := c.planToOne(ctx, o, r, plan); err != nil {
			return err
		}
	}
	return nil
}

func (c *Context) planToOne(ctx context.Context, o *Object, r *model.Relationship, plan *deletePlan) error {
	target, _ := o.Value(r.Name).(types.ObjectID)
	if target.IsZero() {
		return nil
	}
	switch r.DeleteRule {
	case model.DeleteDeny:
		return fmt.Errorf("%w: %s.%s still references %s", types.ErrDeleteDenied, o.id, r.Name, target)
	case model.DeleteCascade:
		t, err := c.Object(ctx, target)
		if err != nil {
			return ignoreMissing(err)
		}
		return c.planDelete(ctx, t, plan)
	}
	// Nullify: the destination's to-many side is derived from this column
	return nil
}

func (c *Context) planToMany(ctx context.Context, o *Object, r *model.Relationship, plan *deletePlan) error {
	related, err := c.related(ctx, o, r)
	if err != nil {
		return err
	}
	switch r.DeleteRule {
	case model.DeleteDeny:
		for _, t := range related {
			if _, dying := plan.deleted[t.id]; !dying {
				return fmt.Errorf("%w: %s.%s still has %s", types.ErrDeleteDenied, o.id, r.Name, t.id)
			}
		}
	case model.DeleteCascade:
		for _, t := range related {
			if err := c.planDelete(ctx, t, plan); err != nil {
				return err
			}
		}
	default:
		for _, t := range related {
			plan.nullify = append(plan.nullify, nullification{object: t, key: r.Inverse, target: o.id})
		}
	}
	return nil
}

func ignoreMissing(err error) error {
	if isNotFound(err) {
		return nil
	}
	return err
}
