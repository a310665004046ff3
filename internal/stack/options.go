package stack

import (
	"fmt"
	"log/slog"

	"github.com/dshills/datastack/internal/bundle"
	"github.com/dshills/datastack/internal/config"
	"github.com/dshills/datastack/internal/coordinator"
	"github.com/dshills/datastack/internal/managed"
)

// Wiring decides how the background context relates to the main context
type Wiring string

const (
	// WiringSibling attaches both contexts to the coordinator
	WiringSibling Wiring = "sibling"
	// WiringParent makes the background context the main context's parent
	WiringParent Wiring = "parent"
	// WiringNone builds only the main context
	WiringNone Wiring = "none"
)

// ParseWiring validates a wiring name
func ParseWiring(s string) (Wiring, error) {
	switch w := Wiring(s); w {
	case WiringSibling, WiringParent, WiringNone:
		return w, nil
	}
	return "", fmt.Errorf("unknown background wiring %q", s)
}

// DefaultAppName names the per-user document directory
const DefaultAppName = "datastack"

type options struct {
	appName      string
	bundle       *bundle.Bundle
	documentsDir string
	storeOptions coordinator.StoreOptions
	wiring       Wiring
	rowCacheSize int
	mergePolicy  managed.MergePolicy
	logger       *slog.Logger
	mainExecutor managed.Executor
}

func defaultOptions() options {
	return options{
		appName:      DefaultAppName,
		storeOptions: coordinator.DefaultStoreOptions(),
		wiring:       WiringSibling,
		rowCacheSize: coordinator.DefaultRowCacheSize,
		mergePolicy:  managed.MergeError,
		logger:       slog.Default(),
	}
}

// Option configures New
type Option func(*options)

// WithAppName sets the name of the per-user document directory
func WithAppName(name string) Option {
	return func(o *options) { o.appName = name }
}

// WithBundle sets the bundle the model is loaded from instead of the main bundle
func WithBundle(b *bundle.Bundle) Option {
	return func(o *options) { o.bundle = b }
}

// WithDocumentsDir sets the directory the store file lives in
func WithDocumentsDir(dir string) Option {
	return func(o *options) { o.documentsDir = dir }
}

// WithStoreOptions sets migration behaviour for existing stores
func WithStoreOptions(opts coordinator.StoreOptions) Option {
	return func(o *options) { o.storeOptions = opts }
}

// WithWiring sets how the background context is attached
func WithWiring(w Wiring) Option {
	return func(o *options) { o.wiring = w }
}

// WithRowCacheSize sets the coordinator row cache size
func WithRowCacheSize(size int) Option {
	return func(o *options) { o.rowCacheSize = size }
}

// WithMergePolicy sets the save conflict policy of every context
func WithMergePolicy(p managed.MergePolicy) Option {
	return func(o *options) { o.mergePolicy = p }
}

// WithLogger sets the logger handed to every component
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMainExecutor runs the main context on the host's main loop. Without
// it the stack starts a dedicated serial queue.
func WithMainExecutor(exec managed.Executor) Option {
	return func(o *options) { o.mainExecutor = exec }
}

// OptionsFromConfig translates a validated configuration into options
func OptionsFromConfig(cfg *config.Config) ([]Option, error) {
	wiring, err := ParseWiring(cfg.Store.Wiring)
	if err != nil {
		return nil, err
	}
	policy, err := managed.ParseMergePolicy(cfg.Store.MergePolicy)
	if err != nil {
		return nil, err
	}

	opts := []Option{
		WithStoreOptions(coordinator.StoreOptions{
			AutoMigrate:  cfg.Store.AutoMigrate,
			InferMapping: cfg.Store.InferMapping,
		}),
		WithWiring(wiring),
		WithRowCacheSize(cfg.Store.RowCacheSize),
		WithMergePolicy(policy),
	}
	if cfg.AppName != "" {
		opts = append(opts, WithAppName(cfg.AppName))
	}
	if cfg.BundleDir != "" {
		opts = append(opts, WithBundle(bundle.Dir(cfg.BundleDir)))
	}
	if cfg.DocumentsDir != "" {
		opts = append(opts, WithDocumentsDir(cfg.DocumentsDir))
	}
	return opts, nil
}
