package bundle

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
)

const (
	// EnvBundleDir overrides the location of the main bundle
	EnvBundleDir = "DATASTACK_BUNDLE_DIR"
	// ResourcesDir is the bundle directory next to the executable
	ResourcesDir = "Resources"
)

// ErrResourceNotFound is returned when a named resource is not in the bundle
var ErrResourceNotFound = errors.New("resource not found in bundle")

// Bundle is a read-only tree of named resources
type Bundle struct {
	fsys fs.FS
	root string
}

// New wraps fsys as a bundle. root is only used to render resource URLs.
func New(fsys fs.FS, root string) *Bundle {
	return &Bundle{fsys: fsys, root: root}
}

// Dir returns a bundle rooted at dir on the local filesystem
func Dir(dir string) *Bundle {
	return New(os.DirFS(dir), dir)
}

// Main resolves the application bundle: DATASTACK_BUNDLE_DIR when set,
// otherwise the Resources directory beside the running executable.
func Main() (*Bundle, error) {
	if dir := os.Getenv(EnvBundleDir); dir != "" {
		return Dir(dir), nil
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return Dir(filepath.Join(filepath.Dir(exe), ResourcesDir)), nil
}

// Root returns the location the bundle was opened from
func (b *Bundle) Root() string {
	return b.root
}

// URL returns the location of resource name.ext and whether it exists
func (b *Bundle) URL(name, ext string) (string, bool) {
	rel := resourceName(name, ext)
	if !fs.ValidPath(rel) {
		return "", false
	}
	if _, err := fs.Stat(b.fsys, rel); err != nil {
		return "", false
	}
	if b.root == "" {
		return rel, true
	}
	return filepath.Join(b.root, filepath.FromSlash(rel)), true
}

// ReadResource returns the contents of resource name.ext
func (b *Bundle) ReadResource(name, ext string) ([]byte, error) {
	rel := resourceName(name, ext)
	if !fs.ValidPath(rel) {
		return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, rel)
	}
	data, err := fs.ReadFile(b.fsys, rel)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, rel)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read resource %s: %w", rel, err)
	}
	return data, nil
}

func resourceName(name, ext string) string {
	if ext == "" {
		return path.Clean(name)
	}
	return path.Clean(name + "." + ext)
}
