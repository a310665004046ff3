package coordinator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/datastack/internal/model"
	"github.com/dshills/datastack/internal/storage"
	"github.com/dshills/datastack/pkg/types"
)

const v1Entities = `
      - name: Note
        attributes:
          - {name: title, type: string}
          - {name: body, type: string, optional: true}
`

const v2Entities = `
      - name: Note
        attributes:
          - {name: title, type: string}
          - {name: text, type: string, optional: true, renaming_id: body}
          - {name: pinned, type: boolean, default: false}
`

func resource(current string, versions ...string) string {
	doc := "name: Notes\ncurrent: " + current + "\nversions:\n"
	for i, entities := range versions {
		doc += "  - version: 1." + string(rune('0'+i)) + ".0\n    entities:" + entities
	}
	return doc
}

func parse(t *testing.T, doc string) *model.Model {
	t.Helper()
	m, err := model.Parse("Notes", []byte(doc))
	require.NoError(t, err)
	return m
}

func newCoordinator(t *testing.T, m *model.Model) *Coordinator {
	t.Helper()
	c, err := New(m, WithRowCacheSize(16))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func insertNote(t *testing.T, c *Coordinator, values map[string]any) types.ObjectID {
	t.Helper()
	row := &storage.Row{ID: types.NewObjectID("Note"), Values: values}
	_, err := c.Save(context.Background(), nil, &storage.ChangeSet{Inserted: []*storage.Row{row}})
	require.NoError(t, err)
	return row.ID
}

func TestNew_InvalidCacheSize(t *testing.T) {
	m := parse(t, resource("1.0.0", v1Entities))
	_, err := New(m, WithRowCacheSize(0))
	assert.Error(t, err)

	_, err = New(nil)
	assert.Error(t, err)
}

func TestAddStore_CreatesStore(t *testing.T) {
	ctx := context.Background()
	m := parse(t, resource("1.0.0", v1Entities))
	c := newCoordinator(t, m)
	path := filepath.Join(t.TempDir(), "Notes.sqlite")

	_, err := c.FetchAll(ctx, "Note")
	assert.ErrorIs(t, err, ErrNoStore)

	require.NoError(t, c.AddStore(ctx, path, DefaultStoreOptions()))
	assert.FileExists(t, path)
	assert.Equal(t, path, c.StorePath())

	meta, err := c.StoreMetadata()
	require.NoError(t, err)
	assert.Equal(t, m.VersionHash(), meta.VersionHash)

	err = c.AddStore(ctx, path, DefaultStoreOptions())
	assert.ErrorIs(t, err, ErrStoreAlreadyAttached)
}

func TestAddStore_RemovesCreatedFileOnFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := parse(t, resource("1.0.0", v1Entities))
	c := newCoordinator(t, m)
	path := filepath.Join(t.TempDir(), "Notes.sqlite")

	require.Error(t, c.AddStore(ctx, path, DefaultStoreOptions()))
	assert.NoFileExists(t, path)
	assert.Empty(t, c.StorePath())
}

func TestAddStore_MigratesOlderStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "Notes.sqlite")

	old := newCoordinator(t, parse(t, resource("1.0.0", v1Entities)))
	require.NoError(t, old.AddStore(ctx, path, DefaultStoreOptions()))
	id := insertNote(t, old, map[string]any{"title": "kept", "body": "old body"})
	require.NoError(t, old.Close())

	current := parse(t, resource("1.1.0", v1Entities, v2Entities))
	c := newCoordinator(t, current)
	require.NoError(t, c.AddStore(ctx, path, DefaultStoreOptions()))

	row, err := c.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "kept", row.Values["title"])
	assert.Equal(t, "old body", row.Values["text"])
	assert.Equal(t, false, row.Values["pinned"])
}

func TestAddStore_MigratesFromSnapshot(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "Notes.sqlite")

	old := newCoordinator(t, parse(t, resource("1.0.0", v1Entities)))
	require.NoError(t, old.AddStore(ctx, path, DefaultStoreOptions()))
	id := insertNote(t, old, map[string]any{"title": "kept"})
	require.NoError(t, old.Close())

	// The new resource no longer compiles 1.0.0, so the stored snapshot is the source
	onlyV2 := "name: Notes\nversions:\n  - version: 1.1.0\n    entities:" + v2Entities
	c := newCoordinator(t, parse(t, onlyV2))
	require.NoError(t, c.AddStore(ctx, path, DefaultStoreOptions()))

	row, err := c.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "kept", row.Values["title"])
}

func TestAddStore_Incompatible(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		written string
		opened  string
		opts    StoreOptions
	}{
		{
			name:    "migration disabled",
			written: resource("1.0.0", v1Entities),
			opened:  resource("1.1.0", v1Entities, v2Entities),
			opts:    StoreOptions{},
		},
		{
			name:    "mapping not inferred",
			written: resource("1.0.0", v1Entities),
			opened:  resource("1.1.0", v1Entities, v2Entities),
			opts:    StoreOptions{AutoMigrate: true},
		},
		{
			name:    "newer store",
			written: resource("1.1.0", v1Entities, v2Entities),
			opened:  resource("1.0.0", v1Entities, v2Entities),
			opts:    DefaultStoreOptions(),
		},
		{
			name:    "type change",
			written: resource("1.0.0", v1Entities),
			opened: resource("1.1.0", v1Entities, `
      - name: Note
        attributes:
          - {name: title, type: integer}
`),
			opts: DefaultStoreOptions(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "Notes.sqlite")
			writer := newCoordinator(t, parse(t, tt.written))
			require.NoError(t, writer.AddStore(ctx, path, DefaultStoreOptions()))
			before, err := writer.StoreMetadata()
			require.NoError(t, err)
			require.NoError(t, writer.Close())

			c := newCoordinator(t, parse(t, tt.opened))
			err = c.AddStore(ctx, path, tt.opts)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrIncompatibleStore)
			assert.FileExists(t, path)

			// The store was not touched
			check := newCoordinator(t, parse(t, tt.written))
			require.NoError(t, check.AddStore(ctx, path, StoreOptions{}))
			after, err := check.StoreMetadata()
			require.NoError(t, err)
			assert.Equal(t, before, after)
		})
	}
}

func TestAddStore_NotADatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Notes.sqlite")
	require.NoError(t, os.WriteFile(path, []byte("definitely not sqlite, just some text that is long enough"), 0o600))

	c := newCoordinator(t, parse(t, resource("1.0.0", v1Entities)))
	err := c.AddStore(context.Background(), path, DefaultStoreOptions())
	assert.ErrorIs(t, err, ErrIncompatibleStore)
	assert.FileExists(t, path)
}

func TestSave_NotifiesObservers(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t, parse(t, resource("1.0.0", v1Entities)))
	require.NoError(t, c.AddStore(ctx, filepath.Join(t.TempDir(), "Notes.sqlite"), DefaultStoreOptions()))

	var mu sync.Mutex
	var got []*SaveNotification
	remove := c.AddObserver(func(_ context.Context, n *SaveNotification) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, n)
		return nil
	})

	origin := &struct{ name string }{"writer"}
	row := &storage.Row{ID: types.NewObjectID("Note"), Values: map[string]any{"title": "a"}}
	n, err := c.Save(ctx, origin, &storage.ChangeSet{Inserted: []*storage.Row{row}})
	require.NoError(t, err)
	assert.Equal(t, []types.ObjectID{row.ID}, n.Inserted)
	assert.Equal(t, int64(1), n.Versions[row.ID])

	mu.Lock()
	require.Len(t, got, 1)
	assert.Same(t, origin, got[0].Origin)
	mu.Unlock()

	// Empty saves do not notify
	_, err = c.Save(ctx, origin, &storage.ChangeSet{})
	require.NoError(t, err)

	remove()
	update := &storage.Row{ID: row.ID, Version: 1, Values: map[string]any{"title": "b"}}
	_, err = c.Save(ctx, origin, &storage.ChangeSet{Updated: []*storage.Row{update}})
	require.NoError(t, err)

	mu.Lock()
	assert.Len(t, got, 1)
	mu.Unlock()
}

func TestSave_InvalidatesCache(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t, parse(t, resource("1.0.0", v1Entities)))
	require.NoError(t, c.AddStore(ctx, filepath.Join(t.TempDir(), "Notes.sqlite"), DefaultStoreOptions()))

	id := insertNote(t, c, map[string]any{"title": "a"})

	row, err := c.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "a", row.Values["title"])

	// Callers get copies
	row.Values["title"] = "mutated"
	again, err := c.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "a", again.Values["title"])

	update := &storage.Row{ID: id, Version: 1, Values: map[string]any{"title": "b"}}
	_, err = c.Save(ctx, nil, &storage.ChangeSet{Updated: []*storage.Row{update}})
	require.NoError(t, err)

	row, err = c.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "b", row.Values["title"])
	assert.Equal(t, int64(2), row.Version)

	// Stale writers conflict
	_, err = c.Save(ctx, nil, &storage.ChangeSet{Updated: []*storage.Row{update}})
	assert.ErrorIs(t, err, storage.ErrOptimisticLock)

	_, err = c.Save(ctx, nil, &storage.ChangeSet{Deleted: []*storage.Row{{ID: id, Version: 2}}})
	require.NoError(t, err)
	_, err = c.Fetch(ctx, id)
	assert.ErrorIs(t, err, types.ErrObjectNotFound)
}

func TestClose_Idempotent(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t, parse(t, resource("1.0.0", v1Entities)))
	require.NoError(t, c.AddStore(ctx, filepath.Join(t.TempDir(), "Notes.sqlite"), DefaultStoreOptions()))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.Fetch(ctx, types.NewObjectID("Note"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.AddStore(ctx, "x.sqlite", DefaultStoreOptions()), ErrClosed)
}
