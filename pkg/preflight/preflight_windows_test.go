//go:build windows

package preflight

import (
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/sys/windows"
)

func TestCheckDestinationAccessible_Windows(t *testing.T) {
	t.Run("Error on Non-Existent Drive", func(t *testing.T) {
		drives, err := windows.GetLogicalDrives()
		if err != nil {
			t.Fatalf("Failed to get logical drives: %v", err)
		}
		var missing string
		for letter := 'A'; letter <= 'Z'; letter++ {
			if drives&(uint32(1)<<(letter-'A')) == 0 {
				missing = string(letter) + `:\`
				break
			}
		}
		if missing == "" {
			t.Skip("all drive letters A-Z are in use")
		}

		err = CheckDestinationAccessible(filepath.Join(missing, "nonexistent", "mirror"))
		if err == nil || !strings.Contains(err.Error(), "volume root does not exist") {
			t.Errorf("expected volume error, got: %v", err)
		}
	})

	t.Run("Error on Drive Root", func(t *testing.T) {
		for _, p := range []string{`C:`, `C:\`, `C:.`} {
			err := CheckDestinationAccessible(p)
			if err == nil || !strings.Contains(err.Error(), "filesystem root") {
				t.Errorf("%s: expected root error, got: %v", p, err)
			}
		}
	})
}

func TestIsUnsafeRoot_Windows(t *testing.T) {
	testCases := []struct {
		path string
		want bool
	}{
		{`C:`, true},
		{`C:\`, true},
		{`C:\data`, false},
		{`\\server\share`, false},
		{`\\server\share\dir`, false},
		{`.`, true},
	}
	for _, tc := range testCases {
		if got := isUnsafeRoot(tc.path); got != tc.want {
			t.Errorf("isUnsafeRoot(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestIsNestedLocal_CaseInsensitive(t *testing.T) {
	if !isNestedLocal(`C:\Data`, `c:\data\mirror`) {
		t.Error("expected nesting to ignore case")
	}
}
