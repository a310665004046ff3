package types

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ObjectID identifies a managed object across contexts and the store
type ObjectID struct {
	Entity string
	UUID   uuid.UUID
}

// NewObjectID returns a fresh, time-ordered ID for an object of entity
func NewObjectID(entity string) ObjectID {
	return ObjectID{Entity: entity, UUID: uuid.Must(uuid.NewV7())}
}

// ParseObjectID parses the "Entity/uuid" form produced by String
func ParseObjectID(s string) (ObjectID, error) {
	entity, raw, ok := strings.Cut(s, "/")
	if !ok || entity == "" {
		return ObjectID{}, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	u, err := uuid.Parse(raw)
	if err != nil {
		return ObjectID{}, fmt.Errorf("%w: %q: %v", ErrInvalidID, s, err)
	}
	return ObjectID{Entity: entity, UUID: u}, nil
}

// String renders the ID as "Entity/uuid"
func (id ObjectID) String() string {
	return id.Entity + "/" + id.UUID.String()
}

// IsZero reports whether the ID is unset
func (id ObjectID) IsZero() bool {
	return id.Entity == "" && id.UUID == uuid.Nil
}

// Less orders IDs by entity, then by UUID (creation order for v7 UUIDs)
func (id ObjectID) Less(other ObjectID) bool {
	if id.Entity != other.Entity {
		return id.Entity < other.Entity
	}
	return bytes.Compare(id.UUID[:], other.UUID[:]) < 0
}

// MarshalText implements encoding.TextMarshaler
func (id ObjectID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (id *ObjectID) UnmarshalText(text []byte) error {
	parsed, err := ParseObjectID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
