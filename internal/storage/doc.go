// Package storage provides the SQLite persistent store behind a
// coordinator.
//
// A store file holds one table per entity plus bookkeeping tables:
//   - z_schema_version: applied bookkeeping migrations
//   - z_metadata: store UUID, model name, version, version hash and snapshot
//   - z_model_history: every model version the store was written with
//
// Entity tables carry two reserved columns, z_pk (the object UUID) and
// z_opt (an optimistic lock counter), followed by one column per attribute
// and one reference column per to-one relationship.
//
// # Basic Usage
//
//	store, err := storage.OpenSQLite(ctx, path, logger)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	if _, ok := store.Metadata(); !ok {
//	    err = store.Initialize(ctx, m)
//	} else {
//	    err = store.Bind(m)
//	}
//
// # Migrations
//
// When the store was written with another model version, infer a mapping
// and apply it. All steps and the metadata update commit together:
//
//	mapping, err := model.InferMapping(previous, current)
//	if err != nil {
//	    return err
//	}
//	err = store.Migrate(ctx, mapping)
//
// # Build Tags
//
// Pure Go Build (default):
//
//   - Uses modernc.org/sqlite driver
//
//   - No C compiler needed
//
//     CGO_ENABLED=0 go build
//
// CGO Build (sqlite_cgo tag):
//
//   - Uses github.com/mattn/go-sqlite3 driver
//
//   - Requires C compiler
//
//     CGO_ENABLED=1 go build -tags "sqlite_cgo"
package storage
