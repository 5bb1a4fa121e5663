//go:build !windows

package preflight

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// mountRoots are the directories removable and network drives are usually
// mounted below. A var so tests can point it at a temp directory.
var mountRoots = []string{"/mnt", "/media", "/run/media", "/Volumes"}

func checkVolumeExists(string) error { return nil }

func isUnsafeRoot(p string) bool {
	return filepath.Clean(p) == "/"
}

// platformValidateMountPoint guards paths below one of the mount roots:
// some directory between the mount root and p must be on a different
// device than its parent. Otherwise the drive is not mounted and p is a
// ghost directory on the system disk.
func platformValidateMountPoint(p string) error {
	p = filepath.Clean(p)
	var root string
	for _, r := range mountRoots {
		if strings.HasPrefix(p, r+string(filepath.Separator)) {
			root = r
			break
		}
	}
	if root == "" {
		return nil
	}

	for dir := p; dir != root && dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
		mounted, err := IsMountPoint(dir)
		if err != nil {
			return fmt.Errorf("failed to check mount point %s: %w", dir, err)
		}
		if mounted {
			return nil
		}
	}
	return fmt.Errorf("path '%s' is on the root filesystem (system disk). "+
		"Ensure your external drive is mounted", p)
}

// IsMountPoint reports whether path is on a different device than its
// parent, or is "/".
func IsMountPoint(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	parent := filepath.Dir(path)
	parentInfo, err := os.Stat(parent)
	if err != nil {
		return false, err
	}
	stat, ok := info.Sys().(*unix.Stat_t)
	if !ok {
		return false, fmt.Errorf("unsupported platform for unix.Stat_t")
	}
	parentStat, ok := parentInfo.Sys().(*unix.Stat_t)
	if !ok {
		return false, fmt.Errorf("unsupported platform for unix.Stat_t")
	}
	return stat.Dev != parentStat.Dev || path == parent, nil
}
