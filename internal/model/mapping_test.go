package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseVersions(t *testing.T, resource string) (*Model, *Model) {
	t.Helper()
	m, err := Parse("Notes", []byte(resource))
	require.NoError(t, err)
	versions := m.Versions()
	require.Len(t, versions, 2)
	return versions[0], versions[1]
}

func stepStrings(m *Mapping) []string {
	out := make([]string, len(m.Steps))
	for i, s := range m.Steps {
		out[i] = s.String()
	}
	return out
}

func TestInferMapping_AddedAttributes(t *testing.T) {
	src, dst := parseVersions(t, notesResource)

	mapping, err := InferMapping(src, dst)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"add_column Note.pinned",
		"add_column Note.created",
	}, stepStrings(mapping))
	assert.Equal(t, false, mapping.Steps[0].Default)
}

func TestInferMapping_Renames(t *testing.T) {
	resource := `
versions:
  - version: 1.0.0
    entities:
      - name: Memo
        attributes:
          - {name: heading, type: string}
          - {name: legacy, type: integer, optional: true}
  - version: 2.0.0
    entities:
      - name: Note
        renaming_id: Memo
        attributes:
          - {name: title, type: string, renaming_id: heading}
      - name: Tag
        attributes:
          - {name: label, type: string}
`
	src, dst := parseVersions(t, resource)

	mapping, err := InferMapping(src, dst)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"rename_entity Memo -> Note",
		"drop_column Note.legacy",
		"rename_column Note.heading -> title",
		"create_entity Tag",
	}, stepStrings(mapping))
}

func TestInferMapping_DropsEntities(t *testing.T) {
	resource := `
versions:
  - version: 1.0.0
    entities:
      - name: Note
        attributes:
          - {name: title, type: string}
      - name: Draft
        attributes:
          - {name: body, type: string}
  - version: 1.1.0
    entities:
      - name: Note
        attributes:
          - {name: title, type: string}
`
	src, dst := parseVersions(t, resource)

	mapping, err := InferMapping(src, dst)
	require.NoError(t, err)
	assert.Equal(t, []string{"drop_entity Draft"}, stepStrings(mapping))
}

func TestInferMapping_TightenedWithDefault(t *testing.T) {
	resource := `
versions:
  - version: 1.0.0
    entities:
      - name: Note
        attributes:
          - {name: rank, type: integer, optional: true}
  - version: 1.1.0
    entities:
      - name: Note
        attributes:
          - {name: rank, type: integer, default: 0}
`
	src, dst := parseVersions(t, resource)

	mapping, err := InferMapping(src, dst)
	require.NoError(t, err)
	require.Len(t, mapping.Steps, 1)
	assert.Equal(t, OpFillDefault, mapping.Steps[0].Op)
	assert.Equal(t, int64(0), mapping.Steps[0].Default)
}

func TestInferMapping_NotInferable(t *testing.T) {
	tests := []struct {
		name     string
		resource string
	}{
		{"type change", `
versions:
  - version: 1.0.0
    entities:
      - name: Note
        attributes:
          - {name: rank, type: integer}
  - version: 1.1.0
    entities:
      - name: Note
        attributes:
          - {name: rank, type: string}
`},
		{"required without default", `
versions:
  - version: 1.0.0
    entities:
      - name: Note
        attributes:
          - {name: title, type: string}
  - version: 1.1.0
    entities:
      - name: Note
        attributes:
          - {name: title, type: string}
          - {name: rank, type: integer}
`},
		{"required relationship added", `
versions:
  - version: 1.0.0
    entities:
      - name: Note
        attributes: []
  - version: 1.1.0
    entities:
      - name: Note
        attributes: []
        relationships:
          - {name: parent, destination: Note}
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, dst := parseVersions(t, tt.resource)
			_, err := InferMapping(src, dst)
			assert.ErrorIs(t, err, ErrMappingNotInferable)
		})
	}
}
