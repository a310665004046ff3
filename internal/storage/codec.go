package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/datastack/internal/model"
	"github.com/dshills/datastack/pkg/types"
)

// column describes one entity table column
type column struct {
	name string
	typ  model.AttributeType // Empty for relationship references
	dest string              // Destination entity for references
}

func (c column) sqlType() string {
	return sqlType(c.typ)
}

func sqlType(t model.AttributeType) string {
	switch t {
	case model.TypeInteger, model.TypeBoolean:
		return "INTEGER"
	case model.TypeFloat:
		return "REAL"
	case model.TypeBinary:
		return "BLOB"
	default:
		// Dates are TEXT so neither driver rewrites them on scan
		return "TEXT"
	}
}

// columns lists the persisted properties of e in table order
func columns(e *model.Entity) []column {
	cols := make([]column, 0, len(e.Attributes)+len(e.Relationships))
	for _, a := range e.Attributes {
		cols = append(cols, column{name: a.Name, typ: a.Type})
	}
	for _, r := range e.ToOne() {
		cols = append(cols, column{name: r.Name, dest: r.Destination})
	}
	return cols
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// encode converts a canonical value into its column representation
func (c column) encode(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if c.typ == "" {
		id, ok := v.(types.ObjectID)
		if !ok {
			return nil, fmt.Errorf("%w: reference %s cannot hold %T", types.ErrTypeMismatch, c.name, v)
		}
		return id.UUID.String(), nil
	}
	return encodeValue(c.typ, v)
}

func encodeValue(t model.AttributeType, v any) (any, error) {
	v, err := t.Coerce(v)
	if err != nil || v == nil {
		return nil, err
	}
	switch t {
	case model.TypeBoolean:
		if v.(bool) {
			return int64(1), nil
		}
		return int64(0), nil
	case model.TypeDate:
		return v.(time.Time).UTC().Format(time.RFC3339Nano), nil
	case model.TypeUUID:
		return v.(uuid.UUID).String(), nil
	}
	return v, nil
}

// decode converts a scanned column value into its canonical type
func (c column) decode(raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	if c.typ == "" {
		u, err := uuid.Parse(asString(raw))
		if err != nil {
			return nil, fmt.Errorf("column %s: invalid reference: %w", c.name, err)
		}
		return types.ObjectID{Entity: c.dest, UUID: u}, nil
	}

	switch c.typ {
	case model.TypeString:
		return asString(raw), nil
	case model.TypeInteger:
		if n, ok := raw.(int64); ok {
			return n, nil
		}
	case model.TypeFloat:
		switch n := raw.(type) {
		case float64:
			return n, nil
		case int64:
			return float64(n), nil
		}
	case model.TypeBoolean:
		switch b := raw.(type) {
		case int64:
			return b != 0, nil
		case bool:
			return b, nil
		}
	case model.TypeDate:
		if t, ok := raw.(time.Time); ok {
			return t.UTC(), nil
		}
		t, err := time.Parse(time.RFC3339Nano, asString(raw))
		if err != nil {
			return nil, fmt.Errorf("column %s: invalid date: %w", c.name, err)
		}
		return t.UTC(), nil
	case model.TypeBinary:
		switch b := raw.(type) {
		case []byte:
			return append([]byte(nil), b...), nil
		case string:
			return []byte(b), nil
		}
	case model.TypeUUID:
		u, err := uuid.Parse(asString(raw))
		if err != nil {
			return nil, fmt.Errorf("column %s: invalid uuid: %w", c.name, err)
		}
		return u, nil
	}
	return nil, fmt.Errorf("column %s: cannot decode %T as %s", c.name, raw, c.typ)
}

func asString(raw any) string {
	switch s := raw.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	}
	return fmt.Sprint(raw)
}
