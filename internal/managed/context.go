package managed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dshills/datastack/internal/coordinator"
	"github.com/dshills/datastack/internal/model"
	"github.com/dshills/datastack/internal/storage"
	"github.com/dshills/datastack/pkg/types"
)

var (
	// ErrParentCycle is returned when a parent would make a context its own ancestor
	ErrParentCycle = errors.New("context cannot be its own ancestor")
	// ErrParentAlreadySet is returned when a context is wired twice
	ErrParentAlreadySet = errors.New("context already has a parent")
	// ErrNoParent is returned by operations on a context that is not wired yet
	ErrNoParent = errors.New("context has no parent or coordinator")
	// ErrSaveInProgress is returned when a save is re-entered on the same context
	ErrSaveInProgress = errors.New("save already in progress")
	// ErrContextClosed is returned after Close
	ErrContextClosed = errors.New("context is closed")
	// ErrForeignObject is returned when an object from another context is passed in
	ErrForeignObject = errors.New("object belongs to another context")
	// ErrInvalidObject is returned for objects dropped by Reset, Rollback or a save
	ErrInvalidObject = errors.New("object is no longer registered with its context")
)

// ConcurrencyType decides where a context runs Perform blocks
type ConcurrencyType int

const (
	// MainQueue contexts run work on the host's main executor
	MainQueue ConcurrencyType = iota
	// PrivateQueue contexts own a serial queue goroutine
	PrivateQueue
)

func (t ConcurrencyType) String() string {
	switch t {
	case MainQueue:
		return "main"
	case PrivateQueue:
		return "private"
	}
	return fmt.Sprintf("ConcurrencyType(%d)", int(t))
}

// MergePolicy decides how optimistic-lock conflicts are resolved on save
type MergePolicy string

const (
	// MergeError returns conflicts to the caller
	MergeError MergePolicy = "error"
	// MergeStoreTrump keeps stored values for properties changed on both sides
	MergeStoreTrump MergePolicy = "store_trump"
	// MergeObjectTrump keeps in-memory values for properties changed on both sides
	MergeObjectTrump MergePolicy = "object_trump"
)

// ParseMergePolicy validates a policy name
func ParseMergePolicy(s string) (MergePolicy, error) {
	switch p := MergePolicy(s); p {
	case MergeError, MergeStoreTrump, MergeObjectTrump:
		return p, nil
	}
	return "", fmt.Errorf("unknown merge policy %q", s)
}

// wiringMu makes the cycle check and parent assignment atomic across contexts
var wiringMu sync.Mutex

// Context is a working set of managed objects
type Context struct {
	name        string
	concurrency ConcurrencyType
	exec        Executor
	ownedQueue  *Queue
	mergePolicy MergePolicy
	logger      *slog.Logger

	parent    atomic.Pointer[Context]
	coord     atomic.Pointer[coordinator.Coordinator]
	unobserve func()

	saveLock  SaveLock
	autoMerge atomic.Bool
	closed    atomic.Bool

	mu      sync.Mutex
	objects map[types.ObjectID]*Object

	pendingMu sync.Mutex
	pending   []*coordinator.SaveNotification
}

// Option configures a Context
type Option func(*Context)

// WithName labels the context in logs
func WithName(name string) Option {
	return func(c *Context) { c.name = name }
}

// WithExecutor sets the executor of a MainQueue context
func WithExecutor(exec Executor) Option {
	return func(c *Context) { c.exec = exec }
}

// WithMergePolicy sets the conflict resolution policy for saves
func WithMergePolicy(p MergePolicy) Option {
	return func(c *Context) { c.mergePolicy = p }
}

// WithAutomaticMerge turns on merging of other contexts' saves
func WithAutomaticMerge(on bool) Option {
	return func(c *Context) { c.autoMerge.Store(on) }
}

// WithLogger sets the context logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Context) { c.logger = logger }
}

// NewContext creates an unwired context. Attach it with SetCoordinator or
// SetParent before use. A MainQueue context without an executor and every
// PrivateQueue context get their own serial queue.
func NewContext(concurrency ConcurrencyType, opts ...Option) *Context {
	c := &Context{
		name:        concurrency.String(),
		concurrency: concurrency,
		mergePolicy: MergeError,
		logger:      slog.Default(),
		objects:     make(map[types.ObjectID]*Object),
	}
	for _, opt := range opts {
		opt(c)
	}
	if concurrency == PrivateQueue {
		c.exec = nil
	}
	if c.exec == nil {
		c.ownedQueue = NewQueue()
		c.exec = c.ownedQueue
	}
	c.logger = c.logger.With("component", "context", "context", c.name)
	return c
}

// Name returns the context label
func (c *Context) Name() string {
	return c.name
}

// ConcurrencyType returns where the context runs Perform blocks
func (c *Context) ConcurrencyType() ConcurrencyType {
	return c.concurrency
}

// MergePolicy returns the save conflict policy
func (c *Context) MergePolicy() MergePolicy {
	return c.mergePolicy
}

// Parent returns the parent context, nil when attached to a coordinator
func (c *Context) Parent() *Context {
	return c.parent.Load()
}

// Coordinator returns the coordinator at the root of the context's chain
func (c *Context) Coordinator() *coordinator.Coordinator {
	for ctx := c; ctx != nil; ctx = ctx.parent.Load() {
		if coord := ctx.coord.Load(); coord != nil {
			return coord
		}
	}
	return nil
}

// Model returns the model of the root coordinator
func (c *Context) Model() (*model.Model, error) {
	coord := c.Coordinator()
	if coord == nil {
		return nil, ErrNoParent
	}
	return coord.Model(), nil
}

// SetCoordinator attaches the context directly to coord and subscribes it
// to coord's save notifications
func (c *Context) SetCoordinator(coord *coordinator.Coordinator) error {
	if coord == nil {
		return fmt.Errorf("coordinator is required")
	}
	wiringMu.Lock()
	defer wiringMu.Unlock()

	if c.parent.Load() != nil || c.coord.Load() != nil {
		return ErrParentAlreadySet
	}
	c.coord.Store(coord)
	c.unobserve = coord.AddObserver(c.observe)
	return nil
}

// SetParent makes parent the context this one saves into. parent must not
// be c or have c among its ancestors.
func (c *Context) SetParent(parent *Context) error {
	if parent == nil {
		return fmt.Errorf("parent context is required")
	}
	wiringMu.Lock()
	defer wiringMu.Unlock()

	if c.parent.Load() != nil || c.coord.Load() != nil {
		return ErrParentAlreadySet
	}
	for ancestor := parent; ancestor != nil; ancestor = ancestor.parent.Load() {
		if ancestor == c {
			return fmt.Errorf("%w: %s", ErrParentCycle, c.name)
		}
	}
	c.parent.Store(parent)
	return nil
}

// AutomaticallyMergesChanges reports whether other contexts' saves are
// merged as they happen
func (c *Context) AutomaticallyMergesChanges() bool {
	return c.autoMerge.Load()
}

// SetAutomaticallyMergesChanges turns automatic merging on or off.
// Notifications buffered while it was off stay pending.
func (c *Context) SetAutomaticallyMergesChanges(on bool) {
	c.autoMerge.Store(on)
}

// observe receives coordinator notifications. It never takes c.mu.
func (c *Context) observe(_ context.Context, n *coordinator.SaveNotification) error {
	if n.Origin == any(c) || c.closed.Load() {
		return nil
	}
	if c.autoMerge.Load() {
		err := c.Perform(func(qctx context.Context) {
			if err := c.MergeChanges(qctx, n); err != nil {
				c.logger.Warn("failed to merge changes", "error", err)
			}
		})
		if err != nil && !errors.Is(err, ErrContextClosed) {
			return err
		}
		return nil
	}
	c.pendingMu.Lock()
	c.pending = append(c.pending, n)
	c.pendingMu.Unlock()
	return nil
}

// PendingNotifications returns how many saves are waiting to be merged
func (c *Context) PendingNotifications() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// Perform runs fn on the context's queue without waiting for it
func (c *Context) Perform(fn func(ctx context.Context)) error {
	if c.closed.Load() {
		return ErrContextClosed
	}
	err := c.exec.Submit(func() {
		fn(onQueue(context.Background(), c.exec))
	})
	if errors.Is(err, ErrQueueClosed) {
		return ErrContextClosed
	}
	return err
}

// PerformAndWait runs fn on the context's queue and waits for its result.
// Called from a function already running on that queue, fn runs inline.
func (c *Context) PerformAndWait(ctx context.Context, fn func(ctx context.Context) error) error {
	if c.closed.Load() {
		return ErrContextClosed
	}
	if runningOn(ctx, c.exec) {
		return fn(ctx)
	}

	done := make(chan error, 1)
	err := c.exec.Submit(func() {
		qctx := onQueue(context.WithoutCancel(ctx), c.exec)
		if ctx.Err() != nil {
			done <- ctx.Err()
			return
		}
		done <- fn(qctx)
	})
	if errors.Is(err, ErrQueueClosed) {
		return ErrContextClosed
	}
	if err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close unsubscribes from the coordinator and stops the context's own
// queue. Registered objects become invalid. Safe to call more than once.
func (c *Context) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	if c.unobserve != nil {
		c.unobserve()
	}
	if c.ownedQueue != nil {
		c.ownedQueue.Close()
	}

	c.mu.Lock()
	for _, o := range c.objects {
		o.valid = false
	}
	c.objects = make(map[types.ObjectID]*Object)
	c.mu.Unlock()

	c.pendingMu.Lock()
	c.pending = nil
	c.pendingMu.Unlock()
}

// Done is closed when the context's own queue has drained after Close.
// Contexts on a shared executor return a closed channel.
func (c *Context) Done() <-chan struct{} {
	if c.ownedQueue != nil {
		return c.ownedQueue.Done()
	}
	done := make(chan struct{})
	close(done)
	return done
}

// upstreamRow returns the parent's view of id
func (c *Context) upstreamRow(ctx context.Context, id types.ObjectID) (*storage.Row, error) {
	if p := c.parent.Load(); p != nil {
		return p.rowFor(ctx, id)
	}
	if coord := c.coord.Load(); coord != nil {
		return coord.Fetch(ctx, id)
	}
	return nil, ErrNoParent
}

// upstreamRows returns the parent's view of every object of entity
func (c *Context) upstreamRows(ctx context.Context, entity string) ([]*storage.Row, error) {
	if p := c.parent.Load(); p != nil {
		return p.rowsFor(ctx, entity)
	}
	if coord := c.coord.Load(); coord != nil {
		return coord.FetchAll(ctx, entity)
	}
	return nil, ErrNoParent
}

// upstreamRelated returns the parent's view of the objects of entity whose
// to-one key points at target
func (c *Context) upstreamRelated(ctx context.Context, entity, key string, target types.ObjectID) ([]*storage.Row, error) {
	if p := c.parent.Load(); p != nil {
		return p.relatedRows(ctx, entity, key, target)
	}
	if coord := c.coord.Load(); coord != nil {
		return coord.FetchRelated(ctx, entity, key, target)
	}
	return nil, ErrNoParent
}

// rowFor is what a child context sees for id: this context's unsaved
// state when registered, the upstream row otherwise
func (c *Context) rowFor(ctx context.Context, id types.ObjectID) (*storage.Row, error) {
	c.mu.Lock()
	if o, ok := c.objects[id]; ok {
		defer c.mu.Unlock()
		if o.deleted {
			return nil, fmt.Errorf("%w: %s", types.ErrObjectNotFound, id)
		}
		return o.rowLocked(), nil
	}
	c.mu.Unlock()
	return c.upstreamRow(ctx, id)
}

// rowsFor is what a child context sees for every object of entity
func (c *Context) rowsFor(ctx context.Context, entity string) ([]*storage.Row, error) {
	rows, err := c.upstreamRows(ctx, entity)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overlayLocked(entity, rows, func(*Object) bool { return true }), nil
}

// relatedRows is what a child context sees for the objects of entity whose
// to-one key points at target
func (c *Context) relatedRows(ctx context.Context, entity, key string, target types.ObjectID) ([]*storage.Row, error) {
	rows, err := c.upstreamRelated(ctx, entity, key, target)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overlayLocked(entity, rows, func(o *Object) bool {
		return o.values[key] == any(target)
	}), nil
}

// overlayLocked replaces upstream rows with this context's registered
// objects of entity. Deleted objects are removed and registered objects
// rejected by match are dropped.
func (c *Context) overlayLocked(entity string, rows []*storage.Row, match func(*Object) bool) []*storage.Row {
	byID := make(map[types.ObjectID]*storage.Row, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}
	for id, o := range c.objects {
		if id.Entity != entity {
			continue
		}
		if o.deleted || !match(o) {
			delete(byID, id)
			continue
		}
		byID[id] = o.rowLocked()
	}

	out := make([]*storage.Row, 0, len(byID))
	for _, row := range byID {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}
