package plog

import (
	"bytes"
	"compress/gzip"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPlogLevels(t *testing.T) {
	// --- Setup: Redirect plog output to capture log output ---
	var logBuf bytes.Buffer
	SetOutput(&logBuf)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		SetLevel(LevelInfo)
	})

	t.Run("Logs all levels when level is Debug", func(t *testing.T) {
		logBuf.Reset()
		SetLevel(LevelDebug)

		Debug("debug message", "key", "val1")
		Info("info message", "key", "val2")
		Warn("warn message")

		output := logBuf.String()

		if !strings.Contains(output, "level=DEBUG msg=\"debug message\" key=val1") {
			t.Errorf("expected debug message to be logged, but it wasn't. Got: %s", output)
		}
		if !strings.Contains(output, "level=INFO msg=\"info message\" key=val2") {
			t.Errorf("expected info message to be logged, but it wasn't. Got: %s", output)
		}
		if !strings.Contains(output, "level=WARN msg=\"warn message\"") {
			t.Errorf("expected warn message to be logged, but it wasn't. Got: %s", output)
		}
	})

	t.Run("Suppresses lower levels when level is Warn", func(t *testing.T) {
		logBuf.Reset()
		SetLevel(LevelWarn)

		Debug("debug message")
		Info("info message")

		output := logBuf.String()

		if strings.Contains(output, "level=DEBUG") || strings.Contains(output, "level=INFO") {
			t.Errorf("expected no debug or info output at warn level, but got: %s", output)
		}
	})

	t.Run("Logs Notice and above, but suppresses Debug", func(t *testing.T) {
		logBuf.Reset()
		SetLevel(LevelNotice)

		Debug("debug message")
		Notice("notice message", "key", "val1")
		Info("info message", "key", "val2")
		Warn("warn message")

		output := logBuf.String()

		if strings.Contains(output, "level=DEBUG msg=\"debug message\"") {
			t.Errorf("expected debug message to be suppressed at notice level, but it was logged. Got: %s", output)
		}
		if !strings.Contains(output, "level=NOTICE msg=\"notice message\" key=val1") {
			t.Errorf("expected notice message to be logged, but it wasn't. Got: %s", output)
		}
		if !strings.Contains(output, "level=INFO msg=\"info message\" key=val2") {
			t.Errorf("expected info message to be logged, but it wasn't. Got: %s", output)
		}
	})

	t.Run("Quiet mode drops info but keeps warnings", func(t *testing.T) {
		logBuf.Reset()
		SetLevel(LevelInfo)
		SetQuiet(true)
		defer SetQuiet(false)

		Info("info message")
		Warn("warn message")

		output := logBuf.String()
		if strings.Contains(output, "info message") {
			t.Errorf("expected info to be suppressed in quiet mode, got: %s", output)
		}
		if !strings.Contains(output, "warn message") {
			t.Errorf("expected warn to be logged in quiet mode, got: %s", output)
		}
	})

	t.Run("Error increments the error counter", func(t *testing.T) {
		ResetErrorCount()
		Error("boom", "error", "bad")
		Error("boom again")
		if got := ErrorCount(); got != 2 {
			t.Errorf("expected error count 2, got %d", got)
		}
	})
}

func TestLevelFromString(t *testing.T) {
	testCases := map[string]slog.Level{
		"debug":   LevelDebug,
		"NOTICE":  LevelNotice,
		"info":    LevelInfo,
		"warn":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
	}
	for in, want := range testCases {
		if got := LevelFromString(in); got != want {
			t.Errorf("LevelFromString(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestEnableFileMirrorsRecords(t *testing.T) {
	SetOutput(io.Discard)
	t.Cleanup(func() { SetOutput(os.Stderr) })

	path := filepath.Join(t.TempDir(), "sync.log")
	if err := EnableFile(path, 1<<20, false); err != nil {
		t.Fatalf("EnableFile failed: %v", err)
	}
	Info("mirrored to file", "file", "a.txt")
	if err := CloseFile(); err != nil {
		t.Fatalf("CloseFile failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "msg=\"mirrored to file\" file=a.txt") {
		t.Errorf("expected record in log file, got: %s", data)
	}
}

func TestRotatingFile(t *testing.T) {
	t.Run("Keeps the newest half on rotation", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "sync.log")
		rf, err := OpenRotatingFile(path, 100, false)
		if err != nil {
			t.Fatalf("OpenRotatingFile failed: %v", err)
		}
		defer rf.Close()

		for i := 0; i < 10; i++ {
			line := strings.Repeat(string(rune('a'+i)), 19) + "\n"
			if _, err := rf.Write([]byte(line)); err != nil {
				t.Fatalf("write %d failed: %v", i, err)
			}
		}

		if rf.Size() > 100 {
			t.Errorf("expected size to stay within cap, got %d", rf.Size())
		}
		data, _ := os.ReadFile(path)
		content := string(data)
		if strings.Contains(content, "aaaa") {
			t.Errorf("expected oldest lines to be discarded, got: %q", content)
		}
		if !strings.HasSuffix(content, strings.Repeat("j", 19)+"\n") {
			t.Errorf("expected newest line to be kept, got: %q", content)
		}
		for _, line := range strings.Split(strings.TrimSuffix(content, "\n"), "\n") {
			if len(line) != 19 {
				t.Errorf("expected rotation to cut on line boundaries, got line %q", line)
			}
		}
	})

	t.Run("Archives the discarded half", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "sync.log")
		rf, err := OpenRotatingFile(path, 50, true)
		if err != nil {
			t.Fatalf("OpenRotatingFile failed: %v", err)
		}
		defer rf.Close()

		for i := 0; i < 4; i++ {
			rf.Write([]byte(strings.Repeat("x", 19) + "\n"))
		}

		matches, _ := filepath.Glob(filepath.Join(dir, "sync.*.log.gz"))
		if len(matches) == 0 {
			t.Fatal("expected an archive of the discarded half")
		}
		f, err := os.Open(matches[0])
		if err != nil {
			t.Fatalf("failed to open archive: %v", err)
		}
		defer f.Close()
		zr, err := gzip.NewReader(f)
		if err != nil {
			t.Fatalf("archive is not valid gzip: %v", err)
		}
		data, _ := io.ReadAll(zr)
		if !strings.HasPrefix(string(data), "xxxx") {
			t.Errorf("unexpected archive content: %q", data)
		}
	})
}
