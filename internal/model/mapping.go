package model

import (
	"errors"
	"fmt"
)

// ErrMappingNotInferable is returned when two versions differ in a way a
// lightweight migration cannot express
var ErrMappingNotInferable = errors.New("mapping model cannot be inferred")

// StepOp is a single lightweight migration operation
type StepOp string

const (
	OpCreateEntity StepOp = "create_entity"
	OpDropEntity   StepOp = "drop_entity"
	OpRenameEntity StepOp = "rename_entity"
	OpAddColumn    StepOp = "add_column"
	OpDropColumn   StepOp = "drop_column"
	OpRenameColumn StepOp = "rename_column"
	OpFillDefault  StepOp = "fill_default"
)

// Step is one operation of an inferred mapping. Entity is always the
// destination entity name, except for drops where it is the source name.
type Step struct {
	Op     StepOp
	Entity string
	From   string // Previous entity or column name for renames
	Column string
	// Type of an added column; empty for relationship reference columns
	Type AttributeType
	// Default written into existing rows for added or tightened columns
	Default any
}

func (s Step) String() string {
	switch s.Op {
	case OpCreateEntity, OpDropEntity:
		return fmt.Sprintf("%s %s", s.Op, s.Entity)
	case OpRenameEntity:
		return fmt.Sprintf("%s %s -> %s", s.Op, s.From, s.Entity)
	case OpRenameColumn:
		return fmt.Sprintf("%s %s.%s -> %s", s.Op, s.Entity, s.From, s.Column)
	default:
		return fmt.Sprintf("%s %s.%s", s.Op, s.Entity, s.Column)
	}
}

// Mapping describes how to move a store from Source to Destination
type Mapping struct {
	Source      *Model
	Destination *Model
	Steps       []Step
}

// InferMapping derives a lightweight mapping between two model versions.
// Entities and properties are matched by renaming identifier when one is
// set, otherwise by name. Added required properties need a default; type
// changes and to-one destination changes are never inferable.
func InferMapping(source, destination *Model) (*Mapping, error) {
	mapping := &Mapping{Source: source, Destination: destination}
	matched := make(map[string]bool)

	// Drops, then renames, then column changes, so column steps address final table names
	var renames, changes []Step

	for _, dst := range destination.entities {
		src := matchEntity(source, dst)
		if src == nil {
			changes = append(changes, Step{Op: OpCreateEntity, Entity: dst.Name})
			continue
		}
		matched[src.Name] = true
		if src.Name != dst.Name {
			renames = append(renames, Step{Op: OpRenameEntity, Entity: dst.Name, From: src.Name})
		}

		steps, err := inferEntity(source, destination, src, dst)
		if err != nil {
			return nil, fmt.Errorf("%w: entity %s: %v", ErrMappingNotInferable, dst.Name, err)
		}
		changes = append(changes, steps...)
	}

	var drops []Step
	for _, src := range source.entities {
		if !matched[src.Name] {
			drops = append(drops, Step{Op: OpDropEntity, Entity: src.Name})
		}
	}

	// Drops go first: a dropped table may hold a name a rename wants
	mapping.Steps = append(append(append(mapping.Steps, drops...), renames...), changes...)
	return mapping, nil
}

func matchEntity(source *Model, dst *Entity) *Entity {
	if dst.RenamingID != "" {
		if e, ok := source.index[dst.RenamingID]; ok {
			return e
		}
	}
	e, ok := source.index[dst.Name]
	if !ok {
		return nil
	}
	return e
}

func inferEntity(source, destination *Model, src, dst *Entity) ([]Step, error) {
	var renames, steps []Step
	matched := make(map[string]bool)

	for _, a := range dst.Attributes {
		prev := matchAttribute(src, a)
		if prev == nil {
			if _, clash := src.rels[a.Name]; clash {
				return nil, fmt.Errorf("attribute %s replaces a relationship", a.Name)
			}
			if !a.Optional && a.Default == nil {
				return nil, fmt.Errorf("added attribute %s is required and has no default", a.Name)
			}
			steps = append(steps, Step{Op: OpAddColumn, Entity: dst.Name, Column: a.Name, Type: a.Type, Default: a.Default})
			continue
		}
		matched[prev.Name] = true
		if prev.Type != a.Type {
			return nil, fmt.Errorf("attribute %s changes type %s -> %s", a.Name, prev.Type, a.Type)
		}
		if prev.Name != a.Name {
			renames = append(renames, Step{Op: OpRenameColumn, Entity: dst.Name, From: prev.Name, Column: a.Name})
		}
		if prev.Optional && !a.Optional {
			if a.Default == nil {
				return nil, fmt.Errorf("attribute %s becomes required without a default", a.Name)
			}
			steps = append(steps, Step{Op: OpFillDefault, Entity: dst.Name, Column: a.Name, Type: a.Type, Default: a.Default})
		}
	}

	for _, r := range dst.ToOne() {
		prev := matchRelationship(src, r)
		if prev == nil || prev.ToMany {
			if prev == nil {
				if _, clash := src.attrs[r.Name]; clash {
					return nil, fmt.Errorf("relationship %s replaces an attribute", r.Name)
				}
			}
			if !r.Optional {
				return nil, fmt.Errorf("added to-one relationship %s is required", r.Name)
			}
			steps = append(steps, Step{Op: OpAddColumn, Entity: dst.Name, Column: r.Name})
			if prev != nil {
				matched[prev.Name] = true
			}
			continue
		}
		matched[prev.Name] = true
		if !sameDestination(source, destination, prev, r) {
			return nil, fmt.Errorf("relationship %s changes destination %s -> %s", r.Name, prev.Destination, r.Destination)
		}
		if prev.Name != r.Name {
			renames = append(renames, Step{Op: OpRenameColumn, Entity: dst.Name, From: prev.Name, Column: r.Name})
		}
		if prev.Optional && !r.Optional {
			return nil, fmt.Errorf("relationship %s becomes required", r.Name)
		}
	}

	for _, r := range dst.Relationships {
		if r.ToMany {
			if prev := matchRelationship(src, r); prev != nil {
				matched[prev.Name] = true
			}
		}
	}

	var drops []Step
	for _, a := range src.Attributes {
		if !matched[a.Name] {
			drops = append(drops, Step{Op: OpDropColumn, Entity: dst.Name, Column: a.Name})
		}
	}
	for _, r := range src.ToOne() {
		if !matched[r.Name] {
			drops = append(drops, Step{Op: OpDropColumn, Entity: dst.Name, Column: r.Name})
		}
	}

	return append(append(drops, renames...), steps...), nil
}

// sameDestination reports whether r still points at the entity prev pointed
// at, following entity renames
func sameDestination(source, destination *Model, prev, r *Relationship) bool {
	dest, ok := destination.index[r.Destination]
	if !ok {
		return false
	}
	srcDest := matchEntity(source, dest)
	return srcDest != nil && srcDest.Name == prev.Destination
}

func matchAttribute(src *Entity, a *Attribute) *Attribute {
	if a.RenamingID != "" {
		if prev, ok := src.attrs[a.RenamingID]; ok {
			return prev
		}
	}
	prev, ok := src.attrs[a.Name]
	if !ok {
		return nil
	}
	return prev
}

func matchRelationship(src *Entity, r *Relationship) *Relationship {
	if r.RenamingID != "" {
		if prev, ok := src.rels[r.RenamingID]; ok {
			return prev
		}
	}
	prev, ok := src.rels[r.Name]
	if !ok {
		return nil
	}
	return prev
}
