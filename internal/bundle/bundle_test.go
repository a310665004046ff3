package bundle

import (
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBundleURL(t *testing.T) {
	b := New(fstest.MapFS{
		"Notes.momd": &fstest.MapFile{Data: []byte("name: Notes")},
	}, "/app/Resources")

	url, ok := b.URL("Notes", "momd")
	require.True(t, ok)
	assert.Equal(t, filepath.Join("/app/Resources", "Notes.momd"), url)

	_, ok = b.URL("Missing", "momd")
	assert.False(t, ok)

	_, ok = b.URL("../escape", "momd")
	assert.False(t, ok, "paths leaving the bundle are never resolved")
}

func TestReadResource(t *testing.T) {
	b := New(fstest.MapFS{
		"Notes.momd": &fstest.MapFile{Data: []byte("name: Notes")},
	}, "")

	data, err := b.ReadResource("Notes", "momd")
	require.NoError(t, err)
	assert.Equal(t, "name: Notes", string(data))

	_, err = b.ReadResource("Missing", "momd")
	assert.ErrorIs(t, err, ErrResourceNotFound)
}

func TestMain_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvBundleDir, dir)

	b, err := Main()
	require.NoError(t, err)
	assert.Equal(t, dir, b.Root())
}

func TestDocumentDirectories(t *testing.T) {
	t.Run("override comes first", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv(EnvDocumentsDir, dir)

		dirs := DocumentDirectories("datastack")
		require.NotEmpty(t, dirs)
		assert.Equal(t, dir, dirs[0])

		first, err := DocumentDirectory("datastack")
		require.NoError(t, err)
		assert.Equal(t, dir, first)
	})

	t.Run("platform entries are app scoped", func(t *testing.T) {
		t.Setenv(EnvDocumentsDir, "")
		for _, dir := range DocumentDirectories("datastack") {
			assert.Equal(t, "datastack", filepath.Base(dir))
		}
	})
}
