package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/datastack/internal/model"
	"github.com/dshills/datastack/internal/storage"
	"github.com/dshills/datastack/pkg/types"
)

var (
	// ErrStoreAlreadyAttached is returned when a second store is added
	ErrStoreAlreadyAttached = errors.New("a store is already attached")
	// ErrNoStore is returned by row operations before a store is attached
	ErrNoStore = errors.New("no store attached")
	// ErrIncompatibleStore is returned when an existing store cannot be opened with the model
	ErrIncompatibleStore = errors.New("store is incompatible with the model")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("coordinator is closed")
)

// DefaultRowCacheSize is the number of committed rows kept in memory
const DefaultRowCacheSize = 1024

// StoreOptions controls how an existing store written with another model
// version is handled
type StoreOptions struct {
	// AutoMigrate migrates an older store in place
	AutoMigrate bool
	// InferMapping derives the mapping from the two model versions
	InferMapping bool
}

// DefaultStoreOptions enables lightweight migration
func DefaultStoreOptions() StoreOptions {
	return StoreOptions{AutoMigrate: true, InferMapping: true}
}

// SaveNotification describes one committed save
type SaveNotification struct {
	// Origin is the context that saved, compared by identity
	Origin   any
	Inserted []types.ObjectID
	Updated  []types.ObjectID
	Deleted  []types.ObjectID
	// Versions holds the new store version of inserted and updated rows
	Versions map[types.ObjectID]int64
}

// Empty reports whether the notification carries no changes
func (n *SaveNotification) Empty() bool {
	return len(n.Inserted)+len(n.Updated)+len(n.Deleted) == 0
}

// Observer receives save notifications. Observers run concurrently and
// must not block on the coordinator's saving context.
type Observer func(ctx context.Context, n *SaveNotification) error

// Coordinator mediates between contexts and the single attached store
type Coordinator struct {
	model  *model.Model
	logger *slog.Logger

	// mu serialises store attachment and writes
	mu     sync.Mutex
	store  storage.Store
	path   string
	closed bool

	cache *lru.Cache[types.ObjectID, *storage.Row]

	obsMu     sync.RWMutex
	observers map[uint64]Observer
	nextObs   uint64
}

// Option configures a Coordinator
type Option func(*config)

type config struct {
	logger    *slog.Logger
	cacheSize int
}

// WithLogger sets the coordinator logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithRowCacheSize sets how many committed rows are cached
func WithRowCacheSize(size int) Option {
	return func(c *config) { c.cacheSize = size }
}

// New creates a coordinator for m with no store attached
func New(m *model.Model, opts ...Option) (*Coordinator, error) {
	if m == nil {
		return nil, fmt.Errorf("model is required")
	}
	cfg := config{logger: slog.Default(), cacheSize: DefaultRowCacheSize}
	for _, opt := range opts {
		opt(&cfg)
	}

	cache, err := lru.New[types.ObjectID, *storage.Row](cfg.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create row cache: %w", err)
	}

	return &Coordinator{
		model:     m,
		logger:    cfg.logger.With("component", "coordinator", "model", m.String()),
		cache:     cache,
		observers: make(map[uint64]Observer),
	}, nil
}

// Model returns the coordinator's model
func (c *Coordinator) Model() *model.Model {
	return c.model
}

// StorePath returns the attached store path, empty when none is attached
func (c *Coordinator) StorePath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.path
}

// StoreMetadata returns the attached store's metadata
func (c *Coordinator) StoreMetadata() (storage.Metadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store == nil {
		return storage.Metadata{}, ErrNoStore
	}
	meta, _ := c.store.Metadata()
	return meta, nil
}

// AddStore attaches the SQLite store at path. A missing file is created
// for the model, a file written with the same model version is opened, and
// a file written with an older known version is migrated when opts allow.
// Any failure leaves no file behind that this call created.
func (c *Coordinator) AddStore(ctx context.Context, path string, opts StoreOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.store != nil {
		return fmt.Errorf("%w: %s", ErrStoreAlreadyAttached, c.path)
	}

	_, statErr := os.Stat(path)
	existed := statErr == nil

	store, err := storage.OpenSQLite(ctx, path, c.logger)
	if err != nil {
		if existed {
			return fmt.Errorf("%w: %s: %v", ErrIncompatibleStore, path, err)
		}
		removeStoreFiles(path)
		return err
	}

	if err := c.prepare(ctx, store, opts); err != nil {
		_ = store.Close()
		if !existed {
			removeStoreFiles(path)
		}
		return err
	}

	c.store = store
	c.path = path
	c.logger.Info("store attached", "path", path, "created", !existed)
	return nil
}

// prepare initialises, binds or migrates store for the coordinator's model
func (c *Coordinator) prepare(ctx context.Context, store storage.Store, opts StoreOptions) error {
	meta, ok := store.Metadata()
	if !ok {
		return store.Initialize(ctx, c.model)
	}
	if meta.VersionHash == c.model.VersionHash() {
		return store.Bind(c.model)
	}

	incompatible := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s: %s", ErrIncompatibleStore, store.Path(), fmt.Sprintf(format, args...))
	}

	if meta.ModelName != c.model.Name {
		return incompatible("written by model %s", meta.ModelName)
	}

	source, err := c.sourceModel(meta)
	if err != nil {
		return incompatible("%v", err)
	}
	if c.model.Version.LessThan(source.Version) {
		return incompatible("written by newer model version %s", source.Version)
	}
	if !opts.AutoMigrate || !opts.InferMapping {
		return incompatible("written by model version %s and migration is disabled", source.Version)
	}

	mapping, err := model.InferMapping(source, c.model)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrIncompatibleStore, store.Path(), err)
	}
	if err := store.Migrate(ctx, mapping); err != nil {
		return fmt.Errorf("failed to migrate store: %w", err)
	}
	return nil
}

// sourceModel finds the model version a store was written with, preferring
// the compiled version over the stored snapshot
func (c *Coordinator) sourceModel(meta storage.Metadata) (*model.Model, error) {
	if m, ok := c.model.VersionWithHash(meta.VersionHash); ok {
		return m, nil
	}
	if len(meta.Snapshot) == 0 {
		return nil, fmt.Errorf("unknown model version %s and no stored snapshot", meta.ModelVersion)
	}
	m, err := model.ParseSnapshot(meta.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("stored model snapshot: %w", err)
	}
	if m.VersionHash() != meta.VersionHash {
		return nil, fmt.Errorf("stored model snapshot does not match version hash")
	}
	return m, nil
}

func removeStoreFiles(path string) {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		_ = os.Remove(p)
	}
}

// attached returns the store; callers hold c.mu so cached rows cannot
// race a concurrent save
func (c *Coordinator) attached() (storage.Store, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if c.store == nil {
		return nil, ErrNoStore
	}
	return c.store, nil
}

// Fetch returns a copy of the committed row for id
func (c *Coordinator) Fetch(ctx context.Context, id types.ObjectID) (*storage.Row, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	store, err := c.attached()
	if err != nil {
		return nil, err
	}
	if row, ok := c.cache.Get(id); ok {
		return row.Clone(), nil
	}
	row, err := store.Fetch(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", types.ErrObjectNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	c.cache.Add(id, row)
	return row.Clone(), nil
}

// FetchAll returns copies of every committed row of entity
func (c *Coordinator) FetchAll(ctx context.Context, entity string) ([]*storage.Row, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	store, err := c.attached()
	if err != nil {
		return nil, err
	}
	rows, err := store.FetchAll(ctx, entity)
	if err != nil {
		return nil, err
	}
	return c.remember(rows), nil
}

// FetchRelated returns copies of the committed rows of entity whose to-one
// relationship key points at target
func (c *Coordinator) FetchRelated(ctx context.Context, entity, key string, target types.ObjectID) ([]*storage.Row, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	store, err := c.attached()
	if err != nil {
		return nil, err
	}
	rows, err := store.FetchRelated(ctx, entity, key, target)
	if err != nil {
		return nil, err
	}
	return c.remember(rows), nil
}

func (c *Coordinator) remember(rows []*storage.Row) []*storage.Row {
	out := make([]*storage.Row, len(rows))
	for i, row := range rows {
		c.cache.Add(row.ID, row)
		out[i] = row.Clone()
	}
	return out
}

// Save applies changes to the store on behalf of origin and notifies every
// observer once the write has committed. Conflicting rows are reported as
// a *storage.ConflictError and nothing is written.
func (c *Coordinator) Save(ctx context.Context, origin any, changes *storage.ChangeSet) (*SaveNotification, error) {
	n, err := c.write(ctx, origin, changes)
	if err != nil {
		return nil, err
	}
	if !n.Empty() {
		c.broadcast(ctx, n)
	}
	return n, nil
}

func (c *Coordinator) write(ctx context.Context, origin any, changes *storage.ChangeSet) (*SaveNotification, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.attached(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n := &SaveNotification{Origin: origin, Versions: map[types.ObjectID]int64{}}
	if changes.Empty() {
		return n, nil
	}

	versions, err := c.store.ApplyChanges(ctx, changes)
	if err != nil {
		var conflict *storage.ConflictError
		if errors.As(err, &conflict) {
			for _, id := range conflict.IDs {
				c.cache.Remove(id)
			}
		}
		return nil, err
	}

	for _, row := range changes.Inserted {
		n.Inserted = append(n.Inserted, row.ID)
	}
	for _, row := range changes.Updated {
		c.cache.Remove(row.ID)
		n.Updated = append(n.Updated, row.ID)
	}
	for _, row := range changes.Deleted {
		c.cache.Remove(row.ID)
		n.Deleted = append(n.Deleted, row.ID)
	}
	n.Versions = versions

	c.logger.Debug("save committed",
		"inserted", len(n.Inserted),
		"updated", len(n.Updated),
		"deleted", len(n.Deleted))
	return n, nil
}

// AddObserver registers fn for save notifications and returns a function
// that removes it
func (c *Coordinator) AddObserver(fn Observer) (remove func()) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	return func() {
		c.obsMu.Lock()
		defer c.obsMu.Unlock()
		delete(c.observers, id)
	}
}

func (c *Coordinator) broadcast(ctx context.Context, n *SaveNotification) {
	c.obsMu.RLock()
	observers := make([]Observer, 0, len(c.observers))
	for _, fn := range c.observers {
		observers = append(observers, fn)
	}
	c.obsMu.RUnlock()

	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	for _, fn := range observers {
		g.Go(func() error {
			return fn(gctx, n)
		})
	}
	if err := g.Wait(); err != nil {
		c.logger.Warn("save notification observer failed", "error", err)
	}
}

// Close detaches and closes the store. Safe to call more than once.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.cache.Purge()
	if c.store == nil {
		return nil
	}
	err := c.store.Close()
	c.store = nil
	c.logger.Info("store detached", "path", c.path)
	return err
}
