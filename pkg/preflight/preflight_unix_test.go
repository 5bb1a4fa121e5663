//go:build !windows

package preflight

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCheckDestinationAccessible_Unix(t *testing.T) {
	t.Run("Error - No Permission on Deepest Existing Ancestor", func(t *testing.T) {
		if os.Geteuid() == 0 {
			t.Skip("permissions are not enforced for root")
		}
		unreadable := filepath.Join(t.TempDir(), "unreadable_ancestor")
		if err := os.Mkdir(unreadable, 0000); err != nil {
			t.Fatalf("failed to create unreadable ancestor dir: %v", err)
		}
		t.Cleanup(func() { os.Chmod(unreadable, 0755) })

		err := CheckDestinationAccessible(filepath.Join(unreadable, "non_existent_child", "mirror"))
		if err == nil {
			t.Fatal("expected a permission error, but got nil")
		}
		if !strings.Contains(err.Error(), "cannot access ancestor directory") {
			t.Errorf("expected ancestor error, but got: %v", err)
		}
	})

	t.Run("Error - Filesystem Root", func(t *testing.T) {
		err := CheckDestinationAccessible("/")
		if err == nil || !strings.Contains(err.Error(), "filesystem root") {
			t.Errorf("expected root error, got: %v", err)
		}
	})

	t.Run("Ghost Directory Below Mount Root", func(t *testing.T) {
		base := t.TempDir()
		original := mountRoots
		mountRoots = []string{base}
		t.Cleanup(func() { mountRoots = original })

		// base/usb is meant to be a mounted drive but is a plain directory.
		dst := filepath.Join(base, "usb", "mirror")
		if err := os.MkdirAll(dst, 0755); err != nil {
			t.Fatal(err)
		}
		err := CheckDestinationAccessible(dst)
		if err == nil || !strings.Contains(err.Error(), "is on the root filesystem") {
			t.Errorf("expected ghost directory error, got: %v", err)
		}

		// A missing destination is judged by its deepest existing ancestor.
		err = CheckDestinationAccessible(filepath.Join(base, "usb", "new", "mirror"))
		if err == nil || !strings.Contains(err.Error(), "is on the root filesystem") {
			t.Errorf("expected ghost directory error for missing path, got: %v", err)
		}
	})

	t.Run("Paths Outside Mount Roots Are Not Checked", func(t *testing.T) {
		original := mountRoots
		mountRoots = []string{"/nonexistent-mount-root"}
		t.Cleanup(func() { mountRoots = original })

		if err := CheckDestinationAccessible(t.TempDir()); err != nil {
			t.Errorf("expected no error, got: %v", err)
		}
	})
}

func TestIsMountPoint(t *testing.T) {
	mounted, err := IsMountPoint("/")
	if err != nil || !mounted {
		t.Errorf("expected / to be a mount point, got %v, %v", mounted, err)
	}
	if _, err := IsMountPoint(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing path")
	}
}

func TestCheckDestinationWritable_Unix(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permissions are not enforced for root")
	}
	unwritable := filepath.Join(t.TempDir(), "unwritable")
	if err := os.Mkdir(unwritable, 0555); err != nil {
		t.Fatalf("failed to create unwritable dir: %v", err)
	}
	t.Cleanup(func() { os.Chmod(unwritable, 0755) })

	err := CheckDestinationWritable(unwritable)
	if err == nil || !strings.Contains(err.Error(), "not writable") {
		t.Errorf("expected 'not writable' error, got: %v", err)
	}
}
