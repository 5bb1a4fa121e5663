package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-sync/pkg/connpool"
	"github.com/paulschiretz/pgl-sync/pkg/pathsync"
)

// findSample returns the value of the first sample of name whose labels
// contain every given label pair.
func findSample(t *testing.T, content, name string, labels ...string) string {
	t.Helper()
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(line, "#") || !strings.HasPrefix(line, name+"{") {
			continue
		}
		ok := true
		for _, l := range labels {
			if !strings.Contains(line, l) {
				ok = false
				break
			}
		}
		if ok {
			return line[strings.LastIndex(line, " ")+1:]
		}
	}
	t.Fatalf("no sample %s%v in:\n%s", name, labels, content)
	return ""
}

func TestWriteTextfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pgl_sync.prom")
	run := Run{
		Mode: "mirror",
		Stats: pathsync.Stats{
			Uploads:          3,
			FilesDeleted:     2,
			DirsCreated:      1,
			BytesTransferred: 4096,
			Elapsed:          1500 * time.Millisecond,
		},
		Sessions: map[string]connpool.Stats{"destination": {Dialed: 2, Reused: 7}},
		Finished: time.Unix(1700000000, 0),
	}
	if err := WriteTextfile(path, run); err != nil {
		t.Fatalf("WriteTextfile failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read textfile: %v", err)
	}
	content := string(data)

	testCases := []struct {
		name   string
		labels []string
		want   string
	}{
		{name: "pgl_sync_last_run_files", labels: []string{`action="upload"`, `mode="mirror"`}, want: "3"},
		{name: "pgl_sync_last_run_files", labels: []string{`action="delete"`}, want: "2"},
		{name: "pgl_sync_last_run_directories", labels: []string{`action="create"`}, want: "1"},
		{name: "pgl_sync_last_run_ftp_sessions", labels: []string{`side="destination"`, `state="reused"`}, want: "7"},
		{name: "pgl_sync_last_run_bytes_transferred", want: "4096"},
		{name: "pgl_sync_last_run_success", want: "1"},
		{name: "pgl_sync_last_run_duration_seconds", want: "1.5"},
		{name: "pgl_sync_last_run_timestamp_seconds", want: "1.7e+09"},
	}
	for _, tc := range testCases {
		if got := findSample(t, content, tc.name, tc.labels...); got != tc.want {
			t.Errorf("%s%v = %s, want %s", tc.name, tc.labels, got, tc.want)
		}
	}
}

func TestWriteTextfile_Failures(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pgl_sync.prom")
	if err := WriteTextfile(path, Run{Mode: "add", Failures: 4}); err != nil {
		t.Fatalf("WriteTextfile failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read textfile: %v", err)
	}
	if got := findSample(t, string(data), "pgl_sync_last_run_failures"); got != "4" {
		t.Errorf("expected 4 failures, got %s", got)
	}
	if got := findSample(t, string(data), "pgl_sync_last_run_success"); got != "0" {
		t.Errorf("expected success 0, got %s", got)
	}
}

func TestWriteTextfile_BadPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "pgl_sync.prom")
	if err := WriteTextfile(path, Run{Mode: "mirror"}); err == nil {
		t.Error("expected an error for a missing directory")
	}
}
