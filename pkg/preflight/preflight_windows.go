//go:build windows

package preflight

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// checkVolumeExists verifies that the drive or share of path is present,
// e.g. "Z:\" for "Z:\mirror".
func checkVolumeExists(path string) error {
	volume := filepath.VolumeName(path)
	if volume == "" {
		return nil
	}
	root := volume
	if !strings.HasSuffix(root, string(filepath.Separator)) {
		root += string(filepath.Separator)
	}
	root = filepath.Clean(root)
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return fmt.Errorf("volume root does not exist: %s. Ensure the drive is connected", root)
	}
	return nil
}

// platformValidateMountPoint has nothing to add on Windows; a missing
// drive is caught by checkVolumeExists.
func platformValidateMountPoint(string) error { return nil }

// isUnsafeRoot reports whether path is the root of a drive or a bare drive
// letter. UNC share roots are allowed.
func isUnsafeRoot(path string) bool {
	if path == "." || path == string(filepath.Separator) {
		return true
	}
	vol := filepath.VolumeName(path)
	if vol == "" || strings.HasPrefix(vol, `\\`) {
		return false
	}
	rest := strings.TrimPrefix(path, vol)
	return rest == "" || rest == "." || rest == string(filepath.Separator)
}
