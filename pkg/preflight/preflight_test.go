package preflight

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulschiretz/pgl-sync/pkg/ftp"
	"github.com/paulschiretz/pgl-sync/pkg/location"
	"github.com/paulschiretz/pgl-sync/pkg/plog"
)

func TestMain(m *testing.M) {
	plog.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func mustParse(t *testing.T, s string) location.Location {
	t.Helper()
	loc, err := location.Parse(s)
	if err != nil {
		t.Fatalf("failed to parse location %q: %v", s, err)
	}
	return loc
}

type probeCall struct {
	path   string
	create bool
}

func recordingProbe(calls *[]probeCall, err error) ProbeFunc {
	return func(_ context.Context, loc location.Location, create bool) error {
		*calls = append(*calls, probeCall{loc.Path, create})
		return err
	}
}

func fullPlan() *Plan {
	return &Plan{
		SourceAccessible:        true,
		DestinationAccessible:   true,
		DestinationWritable:     true,
		EnsureDestinationExists: true,
		PathNesting:             true,
	}
}

func TestCheckSourceAccessible(t *testing.T) {
	if err := CheckSourceAccessible(t.TempDir()); err != nil {
		t.Errorf("expected no error for existing directory, but got: %v", err)
	}

	err := CheckSourceAccessible(filepath.Join(t.TempDir(), "nonexistent"))
	if err == nil || !strings.Contains(err.Error(), "does not exist") {
		t.Errorf("expected error about non-existent source, but got: %v", err)
	}

	srcFile := filepath.Join(t.TempDir(), "source.txt")
	if err := os.WriteFile(srcFile, []byte("i am a file"), 0644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}
	err = CheckSourceAccessible(srcFile)
	if err == nil || !strings.Contains(err.Error(), "is not a directory") {
		t.Errorf("expected error about source not being a directory, but got: %v", err)
	}
}

func TestCheckDestinationAccessible(t *testing.T) {
	t.Run("Destination Exists", func(t *testing.T) {
		if err := CheckDestinationAccessible(t.TempDir()); err != nil {
			t.Errorf("expected no error, but got: %v", err)
		}
	})

	t.Run("Destination Does Not Exist", func(t *testing.T) {
		dst := filepath.Join(t.TempDir(), "a", "b", "mirror")
		if err := CheckDestinationAccessible(dst); err != nil {
			t.Errorf("expected no error for missing destination, but got: %v", err)
		}
	})

	t.Run("Destination Is a File", func(t *testing.T) {
		dst := filepath.Join(t.TempDir(), "dst.txt")
		if err := os.WriteFile(dst, []byte("i am a file"), 0644); err != nil {
			t.Fatal(err)
		}
		err := CheckDestinationAccessible(dst)
		if err == nil || !strings.Contains(err.Error(), "is not a directory") {
			t.Errorf("expected 'not a directory' error, but got: %v", err)
		}
	})
}

func TestCheckDestinationWritable(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "new", "mirror")
	if err := CheckDestinationWritable(dst); err != nil {
		t.Fatalf("expected no error, but got: %v", err)
	}
	entries, err := os.ReadDir(dst)
	if err != nil {
		t.Fatalf("destination was not created: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("write probe was left behind: %v", entries)
	}

	file := filepath.Join(t.TempDir(), "file")
	os.WriteFile(file, []byte("x"), 0644)
	if err := CheckDestinationWritable(file); err == nil || !strings.Contains(err.Error(), "not a directory") {
		t.Errorf("expected error about destination being a file, but got: %v", err)
	}
}

func TestCheckPathNesting(t *testing.T) {
	base := t.TempDir()
	testCases := []struct {
		name      string
		src, dst  string
		expectErr bool
	}{
		{"Siblings", filepath.Join(base, "a"), filepath.Join(base, "b"), false},
		{"Common prefix is not nesting", filepath.Join(base, "data"), filepath.Join(base, "data2"), false},
		{"Same path", filepath.Join(base, "a"), filepath.Join(base, "a"), true},
		{"Destination inside source", filepath.Join(base, "a"), filepath.Join(base, "a", "mirror"), true},
		{"Source inside destination", filepath.Join(base, "a", "src"), filepath.Join(base, "a"), true},
		{"Same FTP endpoint nested", "ftp://host/data", "ftp://host/data/mirror", true},
		{"Same FTP endpoint siblings", "ftp://host/data", "ftp://host/mirror", false},
		{"Different FTP endpoints", "ftp://host/data", "ftp://other/data", false},
		{"Different users", "ftp://alice@host/data", "ftp://bob@host/data", false},
		{"Local and FTP", base, "ftp://host/data", false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckPathNesting(mustParse(t, tc.src), mustParse(t, tc.dst))
			if tc.expectErr && err == nil {
				t.Error("expected nesting error, got nil")
			}
			if !tc.expectErr && err != nil {
				t.Errorf("expected no error, got %v", err)
			}
		})
	}
}

func TestValidatorRun(t *testing.T) {
	t.Run("Local to local creates destination", func(t *testing.T) {
		src := mustParse(t, t.TempDir())
		dst := mustParse(t, filepath.Join(t.TempDir(), "mirror"))

		if err := NewValidator(nil).Run(context.Background(), src, dst, fullPlan()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := os.Stat(dst.Path); err != nil {
			t.Errorf("destination was not created: %v", err)
		}
	})

	t.Run("Dry run leaves destination alone", func(t *testing.T) {
		src := mustParse(t, t.TempDir())
		dst := mustParse(t, filepath.Join(t.TempDir(), "mirror"))
		plan := fullPlan()
		plan.DryRun = true

		if err := NewValidator(nil).Run(context.Background(), src, dst, plan); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := os.Stat(dst.Path); !os.IsNotExist(err) {
			t.Errorf("expected destination to be absent in dry run, got %v", err)
		}
	})

	t.Run("Missing source", func(t *testing.T) {
		src := mustParse(t, filepath.Join(t.TempDir(), "missing"))
		dst := mustParse(t, t.TempDir())
		err := NewValidator(nil).Run(context.Background(), src, dst, fullPlan())
		if err == nil || !strings.Contains(err.Error(), "does not exist") {
			t.Errorf("expected missing source error, got %v", err)
		}
	})

	t.Run("Nested paths", func(t *testing.T) {
		base := t.TempDir()
		err := NewValidator(nil).Run(context.Background(), mustParse(t, base), mustParse(t, filepath.Join(base, "mirror")), fullPlan())
		if err == nil || !strings.Contains(err.Error(), "overlap") {
			t.Errorf("expected overlap error, got %v", err)
		}
	})

	t.Run("FTP destination is probed with create", func(t *testing.T) {
		var calls []probeCall
		src := mustParse(t, t.TempDir())
		dst := mustParse(t, "ftp://host/mirror")

		if err := NewValidator(recordingProbe(&calls, nil)).Run(context.Background(), src, dst, fullPlan()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(calls) != 1 || calls[0] != (probeCall{"/mirror", true}) {
			t.Errorf("unexpected probe calls %+v", calls)
		}
	})

	t.Run("FTP source is probed without create", func(t *testing.T) {
		var calls []probeCall
		src := mustParse(t, "ftp://host/data")
		dst := mustParse(t, t.TempDir())

		if err := NewValidator(recordingProbe(&calls, nil)).Run(context.Background(), src, dst, fullPlan()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(calls) != 1 || calls[0] != (probeCall{"/data", false}) {
			t.Errorf("unexpected probe calls %+v", calls)
		}
	})

	t.Run("FTP probe failure", func(t *testing.T) {
		var calls []probeCall
		probeErr := errors.New("connection refused")
		src := mustParse(t, "ftp://host/data")
		dst := mustParse(t, t.TempDir())

		err := NewValidator(recordingProbe(&calls, probeErr)).Run(context.Background(), src, dst, fullPlan())
		if !errors.Is(err, probeErr) {
			t.Errorf("expected probe error to be wrapped, got %v", err)
		}
	})

	t.Run("Missing FTP destination in dry run", func(t *testing.T) {
		var calls []probeCall
		notFound := &ftp.ProtocolError{Command: "CWD", Code: 550, Response: "550 No such directory"}
		plan := fullPlan()
		plan.DryRun = true

		err := NewValidator(recordingProbe(&calls, notFound)).Run(context.Background(), mustParse(t, t.TempDir()), mustParse(t, "ftp://host/mirror"), plan)
		if err != nil {
			t.Errorf("expected missing destination to be accepted in dry run, got %v", err)
		}
		if len(calls) != 1 || calls[0].create {
			t.Errorf("dry run must not create the destination: %+v", calls)
		}
	})

	t.Run("FTP without probe", func(t *testing.T) {
		err := NewValidator(nil).Run(context.Background(), mustParse(t, "ftp://host/data"), mustParse(t, t.TempDir()), fullPlan())
		if err == nil {
			t.Error("expected error without probe")
		}
	})
}
