package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/dshills/datastack/internal/model"
	"github.com/dshills/datastack/pkg/types"
)

// Metadata keys in z_metadata
const (
	metaStoreUUID    = "store_uuid"
	metaModelName    = "model_name"
	metaModelVersion = "model_version"
	metaVersionHash  = "version_hash"
	metaSnapshot     = "model_snapshot"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *slog.Logger

	mu    sync.RWMutex
	meta  Metadata
	ready bool // meta was read from or written to the store
	model *model.Model
}

// openDatabase opens a SQLite database with appropriate settings
func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite benefits from single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// Reference columns carry no REFERENCES clause. Delete rules are
	// applied by contexts before a change set reaches the store.
	return db, nil
}

// OpenSQLite opens (creating if needed) the store file at dbPath and
// brings its bookkeeping tables up to date. Entity tables are created by
// Initialize or adjusted by Migrate.
func OpenSQLite(ctx context.Context, dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "storage", "path", dbPath)

	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := ApplyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	s := &SQLiteStore{db: db, path: dbPath, logger: logger}
	if err := s.loadMetadata(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to read store metadata: %w", err)
	}

	logger.Debug("store opened", "driver", DriverName, "initialized", s.ready)
	return s, nil
}

// Path returns the store file location
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Metadata returns the stored metadata and whether the store was initialised
func (s *SQLiteStore) Metadata() (Metadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta, s.ready
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *SQLiteStore) loadMetadata(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM z_metadata")
	if err != nil {
		return err
	}
	defer rows.Close()

	values := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}
		values[key] = value
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if len(values[metaVersionHash]) == 0 {
		return nil
	}
	s.meta = Metadata{
		StoreUUID:    string(values[metaStoreUUID]),
		ModelName:    string(values[metaModelName]),
		ModelVersion: string(values[metaModelVersion]),
		VersionHash:  string(values[metaVersionHash]),
		Snapshot:     values[metaSnapshot],
	}
	s.ready = true
	return nil
}

// writeMetadata records m as the store's model and appends to the history
func writeMetadata(ctx context.Context, q querier, meta Metadata, action string) error {
	entries := []struct {
		key   string
		value []byte
	}{
		{metaStoreUUID, []byte(meta.StoreUUID)},
		{metaModelName, []byte(meta.ModelName)},
		{metaModelVersion, []byte(meta.ModelVersion)},
		{metaVersionHash, []byte(meta.VersionHash)},
		{metaSnapshot, meta.Snapshot},
	}
	for _, e := range entries {
		_, err := q.ExecContext(ctx,
			"INSERT INTO z_metadata (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
			e.key, e.value)
		if err != nil {
			return fmt.Errorf("failed to write metadata %s: %w", e.key, err)
		}
	}
	_, err := q.ExecContext(ctx,
		"INSERT INTO z_model_history (model_version, version_hash, action) VALUES (?, ?, ?)",
		meta.ModelVersion, meta.VersionHash, action)
	if err != nil {
		return fmt.Errorf("failed to record model history: %w", err)
	}
	return nil
}

func metadataFor(m *model.Model, storeUUID string) (Metadata, error) {
	snapshot, err := m.MarshalSnapshot()
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to snapshot model: %w", err)
	}
	return Metadata{
		StoreUUID:    storeUUID,
		ModelName:    m.Name,
		ModelVersion: m.Version.String(),
		VersionHash:  m.VersionHash(),
		Snapshot:     snapshot,
	}, nil
}

// Initialize creates the entity tables for m in an empty store
func (s *SQLiteStore) Initialize(ctx context.Context, m *model.Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ready {
		return fmt.Errorf("store %s is already initialized with %s@%s", s.path, s.meta.ModelName, s.meta.ModelVersion)
	}

	meta, err := metadataFor(m, uuid.NewString())
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range m.Entities() {
		if _, err := tx.ExecContext(ctx, createTableSQL(e)); err != nil {
			return fmt.Errorf("failed to create table %s: %w", e.Name, err)
		}
	}
	if err := writeMetadata(ctx, tx, meta, "initialize"); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit initialization: %w", err)
	}

	s.meta, s.ready, s.model = meta, true, m
	s.logger.Info("store initialized", "model", m.String(), "store_uuid", meta.StoreUUID)
	return nil
}

// Bind attaches m to a store already written with the same version hash
func (s *SQLiteStore) Bind(m *model.Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready {
		return fmt.Errorf("store %s is not initialized", s.path)
	}
	if s.meta.VersionHash != m.VersionHash() {
		return fmt.Errorf("store %s was written with %s@%s, not %s", s.path, s.meta.ModelName, s.meta.ModelVersion, m)
	}
	s.model = m
	return nil
}

// Migrate applies an inferred mapping in one transaction and binds the
// mapping's destination model
func (s *SQLiteStore) Migrate(ctx context.Context, mapping *model.Mapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready {
		return fmt.Errorf("store %s is not initialized", s.path)
	}
	if s.meta.VersionHash != mapping.Source.VersionHash() {
		return fmt.Errorf("mapping source %s does not match store model %s@%s", mapping.Source, s.meta.ModelName, s.meta.ModelVersion)
	}

	meta, err := metadataFor(mapping.Destination, s.meta.StoreUUID)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, step := range mapping.Steps {
		if err := applyStep(ctx, tx, mapping.Destination, step); err != nil {
			return fmt.Errorf("failed to apply %s: %w", step, err)
		}
		s.logger.Debug("migration step applied", "step", step.String())
	}
	if err := writeMetadata(ctx, tx, meta, "migrate"); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	s.meta, s.model = meta, mapping.Destination
	s.logger.Info("store migrated",
		"from", mapping.Source.String(),
		"to", mapping.Destination.String(),
		"steps", len(mapping.Steps))
	return nil
}

// entity returns the named entity of the bound model
func (s *SQLiteStore) entity(name string) (*model.Entity, error) {
	s.mu.RLock()
	m := s.model
	s.mu.RUnlock()
	if m == nil {
		return nil, ErrNotBound
	}
	return m.LookupEntity(name)
}

func selectSQL(e *model.Entity) (string, []column) {
	cols := columns(e)
	names := make([]string, 0, len(cols)+2)
	names = append(names, "z_pk", "z_opt")
	for _, c := range cols {
		names = append(names, quoteIdent(c.name))
	}
	return fmt.Sprintf("SELECT %s FROM %s", strings.Join(names, ", "), quoteIdent(e.Name)), cols
}

// scanRow decodes the current row of rows into a Row of entity e
func scanRow(rows interface{ Scan(...any) error }, e *model.Entity, cols []column) (*Row, error) {
	var pk string
	var version int64
	raw := make([]any, len(cols))
	dest := make([]any, 0, len(cols)+2)
	dest = append(dest, &pk, &version)
	for i := range raw {
		dest = append(dest, &raw[i])
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, err
	}

	u, err := uuid.Parse(pk)
	if err != nil {
		return nil, fmt.Errorf("invalid primary key %q in %s: %w", pk, e.Name, err)
	}
	row := &Row{
		ID:      types.ObjectID{Entity: e.Name, UUID: u},
		Version: version,
		Values:  make(map[string]any, len(cols)),
	}
	for i, c := range cols {
		v, err := c.decode(raw[i])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", row.ID, err)
		}
		row.Values[c.name] = v
	}
	return row, nil
}

func (s *SQLiteStore) queryRows(ctx context.Context, e *model.Entity, where string, args ...any) ([]*Row, error) {
	query, cols := selectSQL(e)
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY z_pk"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", e.Name, err)
	}
	defer rows.Close()

	var out []*Row
	for rows.Next() {
		row, err := scanRow(rows, e, cols)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Fetch returns the row for id
func (s *SQLiteStore) Fetch(ctx context.Context, id types.ObjectID) (*Row, error) {
	e, err := s.entity(id.Entity)
	if err != nil {
		return nil, err
	}
	rows, err := s.queryRows(ctx, e, "z_pk = ?", id.UUID.String())
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

// FetchAll returns every row of entity in insertion order
func (s *SQLiteStore) FetchAll(ctx context.Context, entity string) ([]*Row, error) {
	e, err := s.entity(entity)
	if err != nil {
		return nil, err
	}
	return s.queryRows(ctx, e, "")
}

// FetchRelated returns the rows of entity whose to-one relationship key
// points at target
func (s *SQLiteStore) FetchRelated(ctx context.Context, entity, key string, target types.ObjectID) ([]*Row, error) {
	e, err := s.entity(entity)
	if err != nil {
		return nil, err
	}
	r, ok := e.Relationship(key)
	if !ok || r.ToMany {
		return nil, fmt.Errorf("%w: %s.%s is not a to-one relationship", types.ErrUnknownKey, entity, key)
	}
	return s.queryRows(ctx, e, quoteIdent(key)+" = ?", target.UUID.String())
}

// ApplyChanges writes a change set in one transaction and returns the new
// version of every inserted or updated row. Version mismatches on updates
// or deletes roll the whole set back with a *ConflictError.
func (s *SQLiteStore) ApplyChanges(ctx context.Context, changes *ChangeSet) (map[types.ObjectID]int64, error) {
	versions := make(map[types.ObjectID]int64)
	if changes.Empty() {
		return versions, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	for _, row := range changes.Inserted {
		if err := s.insertRow(ctx, tx, row); err != nil {
			return nil, err
		}
		versions[row.ID] = 1
	}

	var conflicts []types.ObjectID
	for _, row := range changes.Updated {
		ok, err := s.updateRow(ctx, tx, row)
		if err != nil {
			return nil, err
		}
		if !ok {
			conflicts = append(conflicts, row.ID)
			continue
		}
		versions[row.ID] = row.Version + 1
	}
	for _, row := range changes.Deleted {
		ok, err := s.deleteRow(ctx, tx, row)
		if err != nil {
			return nil, err
		}
		if !ok {
			conflicts = append(conflicts, row.ID)
		}
	}
	if len(conflicts) > 0 {
		return nil, &ConflictError{IDs: conflicts}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit changes: %w", err)
	}
	s.logger.Debug("changes applied",
		"inserted", len(changes.Inserted),
		"updated", len(changes.Updated),
		"deleted", len(changes.Deleted))
	return versions, nil
}

func (s *SQLiteStore) insertRow(ctx context.Context, q querier, row *Row) error {
	e, err := s.entity(row.ID.Entity)
	if err != nil {
		return err
	}
	cols := columns(e)
	names := []string{"z_pk", "z_opt"}
	args := []any{row.ID.UUID.String(), int64(1)}
	for _, c := range cols {
		v, err := c.encode(row.Values[c.name])
		if err != nil {
			return fmt.Errorf("%s: %w", row.ID, err)
		}
		names = append(names, quoteIdent(c.name))
		args = append(args, v)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(e.Name), strings.Join(names, ", "), placeholders(len(names)))
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert %s: %w", row.ID, err)
	}
	return nil
}

func (s *SQLiteStore) updateRow(ctx context.Context, q querier, row *Row) (bool, error) {
	e, err := s.entity(row.ID.Entity)
	if err != nil {
		return false, err
	}
	sets := []string{"z_opt = z_opt + 1"}
	var args []any
	for _, c := range columns(e) {
		v, present := row.Values[c.name]
		if !present {
			continue
		}
		encoded, err := c.encode(v)
		if err != nil {
			return false, fmt.Errorf("%s: %w", row.ID, err)
		}
		sets = append(sets, quoteIdent(c.name)+" = ?")
		args = append(args, encoded)
	}
	args = append(args, row.ID.UUID.String(), row.Version)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE z_pk = ? AND z_opt = ?", quoteIdent(e.Name), strings.Join(sets, ", "))
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update %s: %w", row.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) deleteRow(ctx context.Context, q querier, row *Row) (bool, error) {
	e, err := s.entity(row.ID.Entity)
	if err != nil {
		return false, err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE z_pk = ? AND z_opt = ?", quoteIdent(e.Name))
	res, err := q.ExecContext(ctx, query, row.ID.UUID.String(), row.Version)
	if err != nil {
		return false, fmt.Errorf("failed to delete %s: %w", row.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
