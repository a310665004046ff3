// Package bundle locates the application's bundled resources and the
// per-user directories where writable data lives.
//
// # Resources
//
// A Bundle is a read-only fs.FS of compiled resources addressed by name and
// extension. Main resolves the application bundle from DATASTACK_BUNDLE_DIR,
// falling back to a Resources directory next to the executable:
//
//	b, err := bundle.Main()
//	if err != nil {
//	    return err
//	}
//	data, err := b.ReadResource("Notes", "momd")
//
// Tests can wrap an fstest.MapFS with New.
//
// # Document Directories
//
// DocumentDirectories lists per-user data directories in priority order:
// DATASTACK_DOCUMENTS_DIR, the platform data directory (XDG_DATA_HOME or
// ~/.local/share on linux), then ~/Documents. DocumentDirectory returns the
// first entry.
package bundle
