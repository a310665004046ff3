package model

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/dshills/datastack/internal/bundle"
)

var (
	// ErrModelNotFound is returned when the compiled model is not in the bundle
	ErrModelNotFound = errors.New("model resource not found")
	// ErrModelInvalid is returned when the compiled model cannot be decoded or fails validation
	ErrModelInvalid = errors.New("model resource is invalid")
)

// document is the on-disk layout of a compiled model resource
type document struct {
	Name     string        `yaml:"name"`
	Current  string        `yaml:"current"`
	Versions []versionSpec `yaml:"versions"`
}

type versionSpec struct {
	Version  string    `yaml:"version"`
	Entities []*Entity `yaml:"entities"`
}

// Load finds the compiled model name.momd in b and returns its current version
func Load(b *bundle.Bundle, name string) (*Model, error) {
	if _, ok := b.URL(name, ResourceExtension); !ok {
		return nil, fmt.Errorf("%w: %s.%s in %s", ErrModelNotFound, name, ResourceExtension, b.Root())
	}
	data, err := b.ReadResource(name, ResourceExtension)
	if err != nil {
		if errors.Is(err, bundle.ErrResourceNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrModelNotFound, err)
		}
		return nil, err
	}
	return Parse(name, data)
}

// Parse decodes a compiled model resource. name must match the resource's
// declared name when one is present.
func Parse(name string, data []byte) (*Model, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrModelInvalid, name, err)
	}
	if doc.Name != "" && doc.Name != name {
		return nil, fmt.Errorf("%w: resource declares model %q, expected %q", ErrModelInvalid, doc.Name, name)
	}
	if len(doc.Versions) == 0 {
		return nil, fmt.Errorf("%w: %s declares no versions", ErrModelInvalid, name)
	}

	versions := make([]*Model, 0, len(doc.Versions))
	seen := make(map[string]bool, len(doc.Versions))
	for _, spec := range doc.Versions {
		m, err := newVersion(name, spec)
		if err != nil {
			return nil, err
		}
		if seen[m.Version.String()] {
			return nil, fmt.Errorf("%w: %s: duplicate version %s", ErrModelInvalid, name, m.Version)
		}
		seen[m.Version.String()] = true
		versions = append(versions, m)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].Version.LessThan(versions[j].Version) })

	current := versions[len(versions)-1]
	if doc.Current != "" {
		want, err := semver.NewVersion(doc.Current)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: current version %q: %v", ErrModelInvalid, name, doc.Current, err)
		}
		current = nil
		for _, v := range versions {
			if v.Version.Equal(want) {
				current = v
				break
			}
		}
		if current == nil {
			return nil, fmt.Errorf("%w: %s: current version %s is not compiled", ErrModelInvalid, name, want)
		}
	}

	for _, v := range versions {
		v.versions = versions
	}
	return current, nil
}

func newVersion(name string, spec versionSpec) (*Model, error) {
	v, err := semver.NewVersion(spec.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: version %q: %v", ErrModelInvalid, name, spec.Version, err)
	}
	m := &Model{Name: name, Version: v, entities: spec.Entities}
	if err := m.build(); err != nil {
		return nil, fmt.Errorf("%w: %s@%s: %v", ErrModelInvalid, name, v, err)
	}
	return m, nil
}

// MarshalSnapshot encodes this single version in the resource format so a
// store can remember the model it was written with
func (m *Model) MarshalSnapshot() ([]byte, error) {
	doc := document{
		Name:    m.Name,
		Current: m.Version.String(),
		Versions: []versionSpec{{
			Version:  m.Version.String(),
			Entities: m.entities,
		}},
	}
	return yaml.Marshal(doc)
}

// ParseSnapshot decodes a snapshot written by MarshalSnapshot
func ParseSnapshot(data []byte) (*Model, error) {
	var head struct {
		Name string `yaml:"name"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: snapshot: %v", ErrModelInvalid, err)
	}
	return Parse(head.Name, data)
}
