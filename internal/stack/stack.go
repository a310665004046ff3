package stack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/datastack/internal/bundle"
	"github.com/dshills/datastack/internal/coordinator"
	"github.com/dshills/datastack/internal/managed"
	"github.com/dshills/datastack/internal/model"
)

// StoreExtension is the file extension of the persistent store
const StoreExtension = "sqlite"

// ErrClosed is returned by operations on a closed stack
var ErrClosed = errors.New("persistence stack is closed")

// Stack owns the model, the coordinator with its single store, the main
// context and, unless wiring is none, a background context
type Stack struct {
	schemaName string
	model      *model.Model
	coord      *coordinator.Coordinator
	storePath  string
	wiring     Wiring
	opts       options
	logger     *slog.Logger

	mainQueue  *managed.Queue // nil when the host supplied an executor
	main       *managed.Context
	background *managed.Context

	mu     sync.Mutex
	extra  []*managed.Context
	closed bool
}

// New builds the stack for schemaName in order: bundle, model,
// coordinator with its store, then contexts. It returns a *SetupError
// naming the stage that failed; nothing is left open on failure.
func New(ctx context.Context, schemaName string, opts ...Option) (*Stack, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	fail := func(stage Stage, err error) (*Stack, error) {
		return nil, &SetupError{Stage: stage, SchemaName: schemaName, Err: err}
	}

	if schemaName == "" {
		return fail(StageModel, errors.New("schema name is required"))
	}
	if _, err := ParseWiring(string(o.wiring)); err != nil {
		return fail(StageContext, err)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	logger := o.logger.With("component", "stack", "schema", schemaName)

	b := o.bundle
	if b == nil {
		var err error
		if b, err = bundle.Main(); err != nil {
			return fail(StageBundle, err)
		}
	}

	m, err := model.Load(b, schemaName)
	if err != nil {
		return fail(StageModel, err)
	}
	logger.Debug("model loaded", "version", m.Version.String(), "hash", m.VersionHash())

	dir := o.documentsDir
	if dir == "" {
		if dir, err = bundle.DocumentDirectory(o.appName); err != nil {
			return fail(StageCoordinator, err)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fail(StageCoordinator, fmt.Errorf("failed to create documents directory: %w", err))
	}
	storePath := filepath.Join(dir, schemaName+"."+StoreExtension)

	coord, err := coordinator.New(m,
		coordinator.WithLogger(o.logger),
		coordinator.WithRowCacheSize(o.rowCacheSize),
	)
	if err != nil {
		return fail(StageCoordinator, err)
	}
	if err := coord.AddStore(ctx, storePath, o.storeOptions); err != nil {
		_ = coord.Close()
		return fail(StageCoordinator, err)
	}

	s := &Stack{
		schemaName: schemaName,
		model:      m,
		coord:      coord,
		storePath:  storePath,
		wiring:     o.wiring,
		opts:       o,
		logger:     logger,
	}
	if err := s.wire(); err != nil {
		s.closeContexts()
		_ = coord.Close()
		return fail(StageContext, err)
	}

	logger.Info("persistence stack ready",
		"store", storePath,
		"model", m.String(),
		"wiring", string(o.wiring))
	return s, nil
}

// MustNew is like New but panics on setup failure
func MustNew(ctx context.Context, schemaName string, opts ...Option) *Stack {
	s, err := New(ctx, schemaName, opts...)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Stack) newContext(concurrency managed.ConcurrencyType, name string, extra ...managed.Option) *managed.Context {
	opts := []managed.Option{
		managed.WithName(name),
		managed.WithMergePolicy(s.opts.mergePolicy),
		managed.WithLogger(s.opts.logger),
	}
	return managed.NewContext(concurrency, append(opts, extra...)...)
}

// wire creates the contexts for the configured wiring
func (s *Stack) wire() error {
	exec := s.opts.mainExecutor
	if exec == nil {
		s.mainQueue = managed.NewQueue()
		exec = s.mainQueue
	}
	s.main = s.newContext(managed.MainQueue, "main", managed.WithExecutor(exec))

	if s.wiring == WiringNone {
		return s.main.SetCoordinator(s.coord)
	}

	s.background = s.newContext(managed.PrivateQueue, "background")
	if err := s.background.SetCoordinator(s.coord); err != nil {
		return err
	}
	if s.wiring == WiringParent {
		return s.main.SetParent(s.background)
	}
	return s.main.SetCoordinator(s.coord)
}

// SchemaName returns the name the stack was built for
func (s *Stack) SchemaName() string {
	return s.schemaName
}

// Model returns the loaded schema model
func (s *Stack) Model() *model.Model {
	return s.model
}

// Coordinator returns the store coordinator
func (s *Stack) Coordinator() *coordinator.Coordinator {
	return s.coord
}

// StorePath returns the location of the store file
func (s *Stack) StorePath() string {
	return s.storePath
}

// Wiring returns how the background context is attached
func (s *Stack) Wiring() Wiring {
	return s.wiring
}

// MainContext returns the main-queue context. Every call returns the same
// instance.
func (s *Stack) MainContext() *managed.Context {
	return s.main
}

// BackgroundContext returns the private-queue background context, nil
// when wiring is none
func (s *Stack) BackgroundContext() *managed.Context {
	return s.background
}

// NewBackgroundContext creates an additional private-queue context attached
// to the coordinator. It is closed with the stack.
func (s *Stack) NewBackgroundContext(name string) (*managed.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	c := s.newContext(managed.PrivateQueue, name)
	if err := c.SetCoordinator(s.coord); err != nil {
		c.Close()
		return nil, err
	}
	s.extra = append(s.extra, c)
	return c, nil
}

// Propagate saves the background context and makes its changes visible to
// the main context. Sibling wiring merges the resulting notification into
// main; parent wiring refreshes main's objects from the background context.
func (s *Stack) Propagate(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	if s.background == nil {
		return nil
	}
	if err := s.background.Save(ctx); err != nil {
		return fmt.Errorf("failed to save background context: %w", err)
	}

	if s.wiring == WiringParent {
		if err := s.main.RefreshObjects(ctx, true); err != nil {
			return fmt.Errorf("failed to refresh main context: %w", err)
		}
		return nil
	}

	if err := s.main.MergePendingChanges(ctx); err != nil {
		return fmt.Errorf("failed to merge into main context: %w", err)
	}
	if s.main.AutomaticallyMergesChanges() {
		// Let queued merges finish before returning
		return s.main.PerformAndWait(ctx, func(context.Context) error { return nil })
	}
	return nil
}

// Save saves the main context. With parent wiring the background context
// is saved as well so the changes reach the store.
func (s *Stack) Save(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	if err := s.main.Save(ctx); err != nil {
		return fmt.Errorf("failed to save main context: %w", err)
	}
	if s.wiring == WiringParent {
		if err := s.background.Save(ctx); err != nil {
			return fmt.Errorf("failed to save background context: %w", err)
		}
	}
	return nil
}

// SaveAll saves every context attached directly to the coordinator
// concurrently. With parent wiring main is saved into background first.
func (s *Stack) SaveAll(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	if s.wiring == WiringParent {
		if err := s.main.Save(ctx); err != nil {
			return fmt.Errorf("failed to save main context: %w", err)
		}
	}

	s.mu.Lock()
	roots := append([]*managed.Context(nil), s.extra...)
	s.mu.Unlock()
	if s.background != nil {
		roots = append(roots, s.background)
	}
	if s.wiring != WiringParent {
		roots = append(roots, s.main)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range roots {
		g.Go(func() error {
			if err := c.Save(gctx); err != nil {
				return fmt.Errorf("failed to save %s context: %w", c.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Stack) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Stack) closeContexts() {
	for _, c := range s.extra {
		c.Close()
	}
	if s.main != nil {
		s.main.Close()
	}
	if s.background != nil {
		s.background.Close()
	}
	if s.mainQueue != nil {
		s.mainQueue.Close()
	}
}

// Close stops every context and closes the store. Unsaved changes are
// discarded. Safe to call more than once.
func (s *Stack) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.closeContexts()
	if err := s.coord.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	s.logger.Info("persistence stack closed")
	return nil
}
