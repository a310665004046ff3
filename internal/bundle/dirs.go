package bundle

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// EnvDocumentsDir overrides the per-user document directory
const EnvDocumentsDir = "DATASTACK_DOCUMENTS_DIR"

// DocumentDirectories lists the per-user writable data directories for app,
// most preferred first. Entries may not exist yet.
func DocumentDirectories(app string) []string {
	var dirs []string
	if dir := os.Getenv(EnvDocumentsDir); dir != "" {
		dirs = append(dirs, dir)
	}

	home, _ := os.UserHomeDir()

	switch runtime.GOOS {
	case "darwin":
		if home != "" {
			dirs = append(dirs, filepath.Join(home, "Library", "Application Support", app))
		}
	case "windows":
		if appData := os.Getenv("AppData"); appData != "" {
			dirs = append(dirs, filepath.Join(appData, app))
		}
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			dirs = append(dirs, filepath.Join(xdg, app))
		} else if home != "" {
			dirs = append(dirs, filepath.Join(home, ".local", "share", app))
		}
	}

	if home != "" {
		dirs = append(dirs, filepath.Join(home, "Documents", app))
	}
	return dirs
}

// DocumentDirectory returns the first entry of DocumentDirectories
func DocumentDirectory(app string) (string, error) {
	dirs := DocumentDirectories(app)
	if len(dirs) == 0 {
		return "", fmt.Errorf("no document directory available for %s", app)
	}
	return dirs[0], nil
}
