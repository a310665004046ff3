package model

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/expr-lang/expr/vm"

	"github.com/dshills/datastack/pkg/types"
)

// ResourceExtension is the bundle extension of a compiled model
const ResourceExtension = "momd"

// reservedPrefix is kept for store bookkeeping tables and columns
const reservedPrefix = "z_"

// DeleteRule decides what happens to related objects when an object is deleted
type DeleteRule string

const (
	DeleteNullify DeleteRule = "nullify"
	DeleteCascade DeleteRule = "cascade"
	DeleteDeny    DeleteRule = "deny"
)

// Attribute describes a single typed property of an entity
type Attribute struct {
	Name       string        `yaml:"name"`
	Type       AttributeType `yaml:"type"`
	Optional   bool          `yaml:"optional,omitempty"`
	Default    any           `yaml:"default,omitempty"`
	RenamingID string        `yaml:"renaming_id,omitempty"`
	Validate   string        `yaml:"validate,omitempty"`

	predicate *vm.Program
}

// Relationship links an entity to a destination entity
type Relationship struct {
	Name        string     `yaml:"name"`
	Destination string     `yaml:"destination"`
	ToMany      bool       `yaml:"to_many,omitempty"`
	Inverse     string     `yaml:"inverse,omitempty"`
	DeleteRule  DeleteRule `yaml:"delete_rule,omitempty"`
	Optional    bool       `yaml:"optional,omitempty"`
	RenamingID  string     `yaml:"renaming_id,omitempty"`
}

// Entity describes one kind of managed object
type Entity struct {
	Name          string          `yaml:"name"`
	RenamingID    string          `yaml:"renaming_id,omitempty"`
	Attributes    []*Attribute    `yaml:"attributes"`
	Relationships []*Relationship `yaml:"relationships,omitempty"`

	attrs map[string]*Attribute
	rels  map[string]*Relationship
}

// Attribute returns the named attribute
func (e *Entity) Attribute(name string) (*Attribute, bool) {
	a, ok := e.attrs[name]
	return a, ok
}

// Relationship returns the named relationship
func (e *Entity) Relationship(name string) (*Relationship, bool) {
	r, ok := e.rels[name]
	return r, ok
}

// ToOne returns the to-one relationships, which are stored as reference columns
func (e *Entity) ToOne() []*Relationship {
	var out []*Relationship
	for _, r := range e.Relationships {
		if !r.ToMany {
			out = append(out, r)
		}
	}
	return out
}

// HasKey reports whether name is an attribute or relationship of e
func (e *Entity) HasKey(name string) bool {
	_, attr := e.attrs[name]
	_, rel := e.rels[name]
	return attr || rel
}

// Model is one immutable version of a compiled schema
type Model struct {
	Name    string
	Version *semver.Version

	entities []*Entity
	index    map[string]*Entity
	hash     string

	// versions holds every version compiled into the resource, oldest first.
	// Only populated on the model returned by Load/Parse.
	versions []*Model
}

// Entities returns the entities in declaration order
func (m *Model) Entities() []*Entity {
	return m.entities
}

// Entity returns the named entity
func (m *Model) Entity(name string) (*Entity, bool) {
	e, ok := m.index[name]
	return e, ok
}

// LookupEntity returns the named entity or an ErrUnknownEntity error
func (m *Model) LookupEntity(name string) (*Entity, error) {
	e, ok := m.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownEntity, name)
	}
	return e, nil
}

// VersionHash identifies store-compatible models
func (m *Model) VersionHash() string {
	return m.hash
}

// Versions returns every version known to the resource this model came from
func (m *Model) Versions() []*Model {
	if len(m.versions) == 0 {
		return []*Model{m}
	}
	return m.versions
}

// VersionWithHash finds a compiled version by its version hash
func (m *Model) VersionWithHash(hash string) (*Model, bool) {
	for _, v := range m.Versions() {
		if v.hash == hash {
			return v, true
		}
	}
	return nil, false
}

// String renders "Name@version"
func (m *Model) String() string {
	return m.Name + "@" + m.Version.String()
}

// build indexes entities and validates the version's internal consistency
func (m *Model) build() error {
	m.index = make(map[string]*Entity, len(m.entities))
	for _, e := range m.entities {
		if err := checkName("entity", e.Name); err != nil {
			return err
		}
		if _, dup := m.index[e.Name]; dup {
			return fmt.Errorf("duplicate entity %s", e.Name)
		}
		m.index[e.Name] = e
	}

	for _, e := range m.entities {
		if err := buildEntity(e); err != nil {
			return fmt.Errorf("entity %s: %w", e.Name, err)
		}
	}

	for _, e := range m.entities {
		for _, r := range e.Relationships {
			if err := m.checkRelationship(e, r); err != nil {
				return fmt.Errorf("entity %s relationship %s: %w", e.Name, r.Name, err)
			}
		}
	}

	m.hash = computeVersionHash(m)
	return nil
}

func buildEntity(e *Entity) error {
	e.attrs = make(map[string]*Attribute, len(e.Attributes))
	e.rels = make(map[string]*Relationship, len(e.Relationships))

	for _, a := range e.Attributes {
		if err := checkName("attribute", a.Name); err != nil {
			return err
		}
		if e.HasKey(a.Name) {
			return fmt.Errorf("duplicate key %s", a.Name)
		}
		if !a.Type.Valid() {
			return fmt.Errorf("attribute %s: unknown type %q", a.Name, a.Type)
		}
		if a.Default != nil {
			v, err := a.Type.Coerce(a.Default)
			if err != nil {
				return fmt.Errorf("attribute %s default: %w", a.Name, err)
			}
			a.Default = v
		}
		if err := a.compile(); err != nil {
			return fmt.Errorf("attribute %s: %w", a.Name, err)
		}
		e.attrs[a.Name] = a
	}

	for _, r := range e.Relationships {
		if err := checkName("relationship", r.Name); err != nil {
			return err
		}
		if e.HasKey(r.Name) {
			return fmt.Errorf("duplicate key %s", r.Name)
		}
		switch r.DeleteRule {
		case "":
			r.DeleteRule = DeleteNullify
		case DeleteNullify, DeleteCascade, DeleteDeny:
		default:
			return fmt.Errorf("relationship %s: unknown delete rule %q", r.Name, r.DeleteRule)
		}
		e.rels[r.Name] = r
	}
	return nil
}

func (m *Model) checkRelationship(e *Entity, r *Relationship) error {
	dest, ok := m.index[r.Destination]
	if !ok {
		return fmt.Errorf("%w: destination %s", types.ErrUnknownEntity, r.Destination)
	}
	if r.Inverse == "" {
		if r.ToMany {
			return fmt.Errorf("to-many relationships need a to-one inverse")
		}
		return nil
	}
	inv, ok := dest.rels[r.Inverse]
	if !ok {
		return fmt.Errorf("%w: inverse %s.%s", types.ErrUnknownKey, dest.Name, r.Inverse)
	}
	if inv.Destination != e.Name || inv.Inverse != r.Name {
		return fmt.Errorf("inverse %s.%s does not point back", dest.Name, inv.Name)
	}
	if r.ToMany && inv.ToMany {
		return fmt.Errorf("many-to-many relationships are not supported")
	}
	return nil
}

func checkName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%s name is required", kind)
	}
	lower := strings.ToLower(name)
	if strings.HasPrefix(lower, reservedPrefix) || strings.HasPrefix(lower, "sqlite_") {
		return fmt.Errorf("%s name %s uses a reserved prefix", kind, name)
	}
	for _, r := range name {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return fmt.Errorf("%s name %q may only contain letters, digits and underscores", kind, name)
		}
	}
	return nil
}

// sortedEntities returns entities ordered by name
func sortedEntities(m *Model) []*Entity {
	out := append([]*Entity(nil), m.entities...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
