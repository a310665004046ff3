package types

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectIDRoundTrip(t *testing.T) {
	id := NewObjectID("Note")
	assert.Equal(t, "Note", id.Entity)
	assert.False(t, id.IsZero())

	parsed, err := ParseObjectID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestParseObjectID_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"missing separator", "Note"},
		{"empty entity", "/0190f5c1-0000-7000-8000-000000000000"},
		{"bad uuid", "Note/not-a-uuid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseObjectID(tt.input)
			assert.ErrorIs(t, err, ErrInvalidID)
		})
	}
}

func TestObjectIDOrdering(t *testing.T) {
	first := NewObjectID("Note")
	second := NewObjectID("Note")
	other := NewObjectID("Folder")

	assert.True(t, first.Less(second), "v7 UUIDs should sort in creation order")
	assert.True(t, other.Less(first), "entity name sorts first")
	assert.True(t, ObjectID{}.IsZero())
}

func TestValidationError(t *testing.T) {
	id := NewObjectID("Note")
	verr := &ValidationError{}
	assert.True(t, verr.Empty())

	verr.Add(id, "title", ErrRequiredValue)
	verr.Add(id, "", ErrDeleteDenied)

	assert.False(t, verr.Empty())
	assert.True(t, errors.Is(verr, ErrRequiredValue))
	assert.True(t, errors.Is(verr, ErrDeleteDenied))
	assert.Contains(t, verr.Error(), "2 errors")
	assert.Contains(t, verr.Error(), "title")
}

func TestObjectIDJSON(t *testing.T) {
	id := NewObjectID("Note")
	data, err := json.Marshal(map[string]ObjectID{"id": id})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"`+id.String()+`"}`, string(data))

	var back map[string]ObjectID
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, id, back["id"])

	assert.Error(t, json.Unmarshal([]byte(`{"id":"nope"}`), &back))
}
