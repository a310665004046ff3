package model

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/datastack/pkg/types"
)

// AttributeType is the storage type of an attribute
type AttributeType string

const (
	TypeString  AttributeType = "string"
	TypeInteger AttributeType = "integer"
	TypeFloat   AttributeType = "float"
	TypeBoolean AttributeType = "boolean"
	TypeDate    AttributeType = "date"
	TypeBinary  AttributeType = "binary"
	TypeUUID    AttributeType = "uuid"
)

// Valid reports whether t is a known attribute type
func (t AttributeType) Valid() bool {
	switch t {
	case TypeString, TypeInteger, TypeFloat, TypeBoolean, TypeDate, TypeBinary, TypeUUID:
		return true
	}
	return false
}

// Coerce converts v to the canonical Go representation of t:
// string, int64, float64, bool, time.Time, []byte or uuid.UUID.
// nil passes through unchanged.
func (t AttributeType) Coerce(v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	switch t {
	case TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case TypeInteger:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int8:
			return int64(n), nil
		case int16:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		case uint8:
			return int64(n), nil
		case uint16:
			return int64(n), nil
		case uint32:
			return int64(n), nil
		case uint:
			if uint64(n) <= math.MaxInt64 {
				return int64(n), nil
			}
		case uint64:
			// yaml.v3 decodes integers above MaxInt64 as uint64
			if n <= math.MaxInt64 {
				return int64(n), nil
			}
		case float64:
			// JSON numbers arrive as float64; MaxInt64 rounds up to 2^63
			if n == math.Trunc(n) && n >= math.MinInt64 && n < math.MaxInt64 {
				return int64(n), nil
			}
		}
	case TypeFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		}
	case TypeBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case TypeDate:
		switch d := v.(type) {
		case time.Time:
			return d.UTC(), nil
		case string:
			parsed, err := time.Parse(time.RFC3339Nano, d)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", types.ErrTypeMismatch, t, err)
			}
			return parsed.UTC(), nil
		}
	case TypeBinary:
		switch b := v.(type) {
		case []byte:
			return append([]byte(nil), b...), nil
		case string:
			return []byte(b), nil
		}
	case TypeUUID:
		switch u := v.(type) {
		case uuid.UUID:
			return u, nil
		case string:
			parsed, err := uuid.Parse(u)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", types.ErrTypeMismatch, t, err)
			}
			return parsed, nil
		}
	}

	return nil, fmt.Errorf("%w: %s cannot hold %T", types.ErrTypeMismatch, t, v)
}
