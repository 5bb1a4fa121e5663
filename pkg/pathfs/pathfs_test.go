package pathfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-sync/pkg/connpool"
	"github.com/paulschiretz/pgl-sync/pkg/ftp"
	"github.com/paulschiretz/pgl-sync/pkg/ftp/ftptest"
	"github.com/paulschiretz/pgl-sync/pkg/location"
	"github.com/paulschiretz/pgl-sync/pkg/plog"
	"github.com/paulschiretz/pgl-sync/pkg/pool"
	"github.com/paulschiretz/pgl-sync/pkg/workpool"
)

func TestMain(m *testing.M) {
	plog.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func newEnv(t *testing.T, conns *connpool.Pool, dryRun bool) *Env {
	t.Helper()
	workers := workpool.New(4, 4, 16)
	t.Cleanup(workers.Close)
	return &Env{
		Workers:     workers,
		Conns:       conns,
		Buffers:     pool.NewBucketedBufferPool(1024, 1<<20),
		CopyBuffers: pool.NewFixedBuffer(32 * 1024),
		DryRun:      dryRun,
	}
}

func newLocal(t *testing.T, dir string, dryRun bool) Directory {
	t.Helper()
	loc, err := location.Parse(dir)
	if err != nil {
		t.Fatalf("failed to parse location: %v", err)
	}
	d, err := Open(loc, newEnv(t, nil, dryRun))
	if err != nil {
		t.Fatalf("failed to open directory: %v", err)
	}
	return d
}

func newFTP(t *testing.T, opts ftptest.Options, rel string, dryRun bool) (*ftptest.Server, Directory) {
	t.Helper()
	return newFTPWith(t, opts, rel, func(env *Env) { env.DryRun = dryRun })
}

func newFTPWith(t *testing.T, opts ftptest.Options, rel string, mutate func(*Env)) (*ftptest.Server, Directory) {
	t.Helper()
	srv, err := ftptest.NewServer(opts)
	if err != nil {
		t.Fatalf("failed to start test server: %v", err)
	}
	t.Cleanup(srv.Close)

	loc, err := location.Parse(fmt.Sprintf("ftp://%s/%s", srv.Addr(), rel))
	if err != nil {
		t.Fatalf("failed to parse location: %v", err)
	}
	conns := connpool.New(connpool.Options{
		Base:  ftp.Config{Passive: true, CommandTimeout: 5 * time.Second, DataTimeout: 5 * time.Second},
		Slots: 2,
	})
	t.Cleanup(func() { conns.Close(context.Background()) })

	env := newEnv(t, conns, false)
	mutate(env)
	d, err := Open(loc, env)
	if err != nil {
		t.Fatalf("failed to open directory: %v", err)
	}
	return srv, d
}

func mustList(t *testing.T, d Directory) *Listing {
	t.Helper()
	l, err := d.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	return l
}

func TestListingDropsDuplicates(t *testing.T) {
	l := NewListing()
	first := &Entry{Name: "a.txt", Size: 1}
	if !l.Add(first) {
		t.Fatal("expected first entry to be added")
	}
	if l.Add(&Entry{Name: "a.txt", Size: 2}) {
		t.Error("expected duplicate to be dropped")
	}
	l.Add(&Entry{Name: "b.txt"})
	if l.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", l.Len())
	}
	if got, _ := l.Lookup("a.txt"); got != first {
		t.Error("expected the first entry to win")
	}
	if l.Entries()[1].Name != "b.txt" {
		t.Error("expected discovery order to be kept")
	}
}

func TestRelPath(t *testing.T) {
	a := &Entry{Name: "a", Kind: KindDir}
	b := &Entry{Name: "b", Kind: KindDir, Parent: a}
	f := &Entry{Name: "f.txt", Parent: b}
	if got := f.RelPath(); got != "a/b/f.txt" {
		t.Errorf("expected a/b/f.txt, got %q", got)
	}
	var root *Entry
	if root.RelPath() != "" {
		t.Error("expected empty path for the root")
	}
}

func TestLocalList(t *testing.T) {
	dir := t.TempDir()
	mod := time.Date(2023, 5, 1, 10, 0, 0, 0, time.UTC)
	os.WriteFile(filepath.Join(dir, "file.txt"), []byte("hello"), 0644)
	os.Chtimes(filepath.Join(dir, "file.txt"), mod, mod)
	os.Mkdir(filepath.Join(dir, "sub"), 0755)
	if runtime.GOOS != "windows" {
		os.Symlink("file.txt", filepath.Join(dir, "link"))
	}

	l := mustList(t, newLocal(t, dir, false))
	if l.Len() != 2 {
		t.Fatalf("expected 2 entries (symlink skipped), got %d", l.Len())
	}
	f, ok := l.Lookup("file.txt")
	if !ok || f.Kind != KindFile || f.Size != 5 || !f.ModTime.Equal(mod) {
		t.Errorf("unexpected file entry %+v", f)
	}
	if f.ModTime.Location() != time.UTC {
		t.Error("expected UTC timestamps")
	}
	if s, ok := l.Lookup("sub"); !ok || !s.IsDir() {
		t.Errorf("unexpected directory entry %+v", s)
	}
}

func TestLocalListMissingDirectory(t *testing.T) {
	testCases := []struct {
		name        string
		dryRun      bool
		wantCreated bool
	}{
		{name: "Created", dryRun: false, wantCreated: true},
		{name: "DryRun", dryRun: true, wantCreated: false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "missing", "deep")
			l := mustList(t, newLocal(t, dir, tc.dryRun))
			if l.Len() != 0 {
				t.Errorf("expected an empty listing, got %d entries", l.Len())
			}
			_, err := os.Stat(dir)
			if created := err == nil; created != tc.wantCreated {
				t.Errorf("expected created=%v, got %v", tc.wantCreated, created)
			}
		})
	}
}

func TestReadOnlyListMissingDirectory(t *testing.T) {
	for _, dryRun := range []bool{false, true} {
		t.Run(fmt.Sprintf("Local/DryRun=%v", dryRun), func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "missing")
			loc, err := location.Parse(dir)
			if err != nil {
				t.Fatal(err)
			}
			env := newEnv(t, nil, dryRun)
			env.ReadOnly = true
			d, err := Open(loc, env)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := d.List(context.Background()); !errors.Is(err, fs.ErrNotExist) {
				t.Errorf("expected a not-exist error, got %v", err)
			}
			if _, err := os.Stat(dir); err == nil {
				t.Error("a read-only side must not create directories")
			}
		})
		t.Run(fmt.Sprintf("FTP/DryRun=%v", dryRun), func(t *testing.T) {
			srv, d := newFTPWith(t, ftptest.Options{}, "a/b", func(env *Env) {
				env.DryRun = dryRun
				env.ReadOnly = true
			})
			_, err := d.List(context.Background())
			if code := ftp.ResponseCode(err); code != 550 {
				t.Errorf("expected a 550 error, got %v", err)
			}
			if _, _, _, ok := srv.Stat("/a"); ok {
				t.Error("a read-only side must not create directories")
			}
		})
	}
}

func TestFTPListDeniedDirectory(t *testing.T) {
	testCases := []struct {
		name     string
		readOnly bool
		dryRun   bool
	}{
		{name: "Source", readOnly: true},
		{name: "DryRunDestination", dryRun: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv, root := newFTPWith(t, ftptest.Options{Denied: []string{"/data/sub"}}, "data", func(env *Env) {
				env.ReadOnly = tc.readOnly
				env.DryRun = tc.dryRun
			})
			srv.WriteFile("/data/sub/important.txt", []byte("keep"), time.Now())

			l := mustList(t, root)
			sub, ok := l.Lookup("sub")
			if !ok || !sub.IsDir() {
				t.Fatalf("expected sub in the root listing, got %d entries", l.Len())
			}
			_, err := root.Child(sub).List(context.Background())
			if code := ftp.ResponseCode(err); code != 550 {
				t.Errorf("expected the denial to surface as a 550 error, got %v", err)
			}
		})
	}
}

func TestPlannedListsEmpty(t *testing.T) {
	srv, root := newFTP(t, ftptest.Options{}, "data", true)
	srv.WriteFile("/data/sub/x.txt", []byte("x"), time.Now())
	before := srv.CountCommand("CWD")

	planned := Planned(root)
	if l := mustList(t, planned); l.Len() != 0 {
		t.Errorf("expected an empty listing, got %d entries", l.Len())
	}
	child := planned.Child(&Entry{Name: "sub", Kind: KindDir})
	if l := mustList(t, child); l.Len() != 0 {
		t.Errorf("expected an empty child listing, got %d entries", l.Len())
	}
	if got := srv.CountCommand("CWD"); got != before {
		t.Errorf("planned directories must not reach the server, got %d CWD", got-before)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := planned.List(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestLocalWriteReadDelete(t *testing.T) {
	dir := t.TempDir()
	d := newLocal(t, dir, false)
	ctx := context.Background()
	mod := time.Date(2022, 1, 2, 3, 4, 5, 0, time.UTC)
	payload := bytes.Repeat([]byte("x"), 100*1024)

	e := &Entry{Name: "data.bin", Size: int64(len(payload)), ModTime: mod}
	n, err := d.WriteFile(ctx, bytes.NewReader(payload), e)
	if err != nil || n != int64(len(payload)) {
		t.Fatalf("WriteFile = %d, %v", n, err)
	}
	info, err := os.Stat(filepath.Join(dir, "data.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(mod) {
		t.Errorf("expected mod time %v, got %v", mod, info.ModTime())
	}
	if matches, _ := filepath.Glob(filepath.Join(dir, "*.tmp")); len(matches) != 0 {
		t.Errorf("temporary files left behind: %v", matches)
	}

	r, err := d.ReadFile(ctx, e)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := io.ReadAll(r)
	r.Close()
	if !bytes.Equal(got, payload) {
		t.Error("read content differs from written content")
	}

	if err := d.Delete(ctx, e); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "data.bin")); !os.IsNotExist(err) {
		t.Error("expected file to be deleted")
	}
}

func TestLocalDirectories(t *testing.T) {
	dir := t.TempDir()
	d := newLocal(t, dir, false)
	ctx := context.Background()
	e := &Entry{Name: "tree", Kind: KindDir}
	if err := d.CreateDirectory(ctx, e); err != nil {
		t.Fatal(err)
	}
	child := d.Child(e)
	if child.Entry() != e || child.Location().Path != filepath.Join(dir, "tree") {
		t.Fatalf("unexpected child handle %v", child.Location())
	}
	if _, err := child.WriteFile(ctx, bytes.NewReader([]byte("a")), &Entry{Name: "a.txt", Size: 1, Parent: e}); err != nil {
		t.Fatal(err)
	}
	if l := mustList(t, child); l.Len() != 1 || l.Entries()[0].RelPath() != "tree/a.txt" {
		t.Errorf("unexpected child listing")
	}
	if err := d.DeleteDirectory(ctx, e); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "tree")); !os.IsNotExist(err) {
		t.Error("expected directory tree to be deleted")
	}
}

func TestFTPListDetectsClockOffset(t *testing.T) {
	now := time.Now().UTC()
	mod := now.Add(-10 * time.Minute).Truncate(time.Second)
	srv, d := newFTP(t, ftptest.Options{ClockOffset: 2 * time.Hour}, "data", false)
	srv.WriteFile("/data/recent.txt", []byte("recent"), mod)
	srv.Mkdir("/data/sub", mod)

	l := mustList(t, d)
	if l.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", l.Len())
	}
	f, _ := l.Lookup("recent.txt")
	if f == nil || f.Size != 6 {
		t.Fatalf("unexpected entry %+v", f)
	}
	if want := mod.Truncate(time.Minute); !f.ModTime.Equal(want) {
		t.Errorf("expected corrected time %v, got %v", want, f.ModTime)
	}
	if s, _ := l.Lookup("sub"); s == nil || !s.IsDir() {
		t.Errorf("expected sub to be a directory")
	}
}

func TestFTPListRefinesDateOnlyEntries(t *testing.T) {
	mod := time.Date(2020, 6, 15, 13, 37, 42, 0, time.UTC)
	srv, d := newFTP(t, ftptest.Options{}, "", false)
	srv.WriteFile("/old.txt", []byte("old"), mod)

	l := mustList(t, d)
	f, ok := l.Lookup("old.txt")
	if !ok || !f.ModTime.Equal(mod) {
		t.Errorf("expected MDTM time %v, got %+v", mod, f)
	}
	if srv.CountCommand("MDTM") == 0 {
		t.Error("expected MDTM to be used")
	}
}

func TestFTPListMissingDirectory(t *testing.T) {
	testCases := []struct {
		name        string
		dryRun      bool
		query       string
		wantCreated bool
	}{
		{name: "Created", wantCreated: true},
		{name: "CreatedSegmentwise", query: "?old", wantCreated: true},
		{name: "DryRun", dryRun: true, wantCreated: false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv, d := newFTP(t, ftptest.Options{}, "a/b/c"+tc.query, tc.dryRun)
			if l := mustList(t, d); l.Len() != 0 {
				t.Errorf("expected an empty listing, got %d entries", l.Len())
			}
			_, _, isDir, ok := srv.Stat("/a/b/c")
			if created := ok && isDir; created != tc.wantCreated {
				t.Errorf("expected created=%v, got %v", tc.wantCreated, created)
			}
		})
	}
}

func TestFTPWriteReadRoundTrip(t *testing.T) {
	testCases := []struct {
		name      string
		opts      ftptest.Options
		query     string
		wantMtime bool
	}{
		{name: "Plain", wantMtime: true},
		{name: "Compressed", query: "?zip", wantMtime: true},
		{name: "NoMFMT", opts: ftptest.Options{NoMFMT: true}, wantMtime: false},
		{name: "Checked", query: "?md5", wantMtime: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv, d := newFTP(t, tc.opts, "up"+tc.query, false)
			ctx := context.Background()
			payload := bytes.Repeat([]byte("0123456789"), 20000)
			mod := time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC)
			e := &Entry{Name: "blob.bin", Size: int64(len(payload)), ModTime: mod}

			n, err := d.WriteFile(ctx, bytes.NewReader(payload), e)
			if err != nil || n != int64(len(payload)) {
				t.Fatalf("WriteFile = %d, %v", n, err)
			}
			stored, ok := srv.ReadFile("/up/blob.bin")
			if !ok || !bytes.Equal(stored, payload) {
				t.Fatal("server content differs from upload")
			}
			_, srvMod, _, _ := srv.Stat("/up/blob.bin")
			if srvMod.Equal(mod) != tc.wantMtime {
				t.Errorf("expected mtime preserved=%v, got %v", tc.wantMtime, srvMod)
			}

			r, err := d.ReadFile(ctx, e)
			if err != nil {
				t.Fatal(err)
			}
			got, err := io.ReadAll(r)
			if err != nil {
				t.Fatalf("read failed: %v", err)
			}
			if err := r.Close(); err != nil {
				t.Fatalf("Close returned %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Error("downloaded content differs")
			}
		})
	}
}

func TestFTPReadFileMissing(t *testing.T) {
	_, d := newFTP(t, ftptest.Options{}, "", false)
	r, err := d.ReadFile(context.Background(), &Entry{Name: "nope.txt"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.ReadAll(r); err == nil {
		t.Error("expected the read to fail")
	}
	if err := r.Close(); ftp.ResponseCode(err) != 550 {
		t.Errorf("expected Close to report the 550, got %v", err)
	}
}

func TestFTPReadFileEarlyClose(t *testing.T) {
	srv, d := newFTP(t, ftptest.Options{}, "", false)
	srv.WriteFile("/big.bin", bytes.Repeat([]byte("z"), 1<<20), time.Now())
	r, err := d.ReadFile(context.Background(), &Entry{Name: "big.bin", Size: 1 << 20})
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 10)
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("expected an early Close to succeed, got %v", err)
	}
}

func TestFTPDeleteAndCreate(t *testing.T) {
	srv, d := newFTP(t, ftptest.Options{}, "", false)
	now := time.Now()
	srv.WriteFile("/tree/a.txt", []byte("a"), now)
	srv.WriteFile("/tree/sub/b.txt", []byte("b"), now)
	srv.WriteFile("/keep.txt", []byte("k"), now)
	ctx := context.Background()

	l := mustList(t, d)
	tree, _ := l.Lookup("tree")
	if err := d.DeleteDirectory(ctx, tree); err != nil {
		t.Fatalf("DeleteDirectory failed: %v", err)
	}
	if _, _, _, ok := srv.Stat("/tree"); ok {
		t.Error("expected /tree to be removed")
	}
	keep, _ := l.Lookup("keep.txt")
	if err := d.Delete(ctx, keep); err != nil {
		t.Fatal(err)
	}
	if _, _, _, ok := srv.Stat("/keep.txt"); ok {
		t.Error("expected /keep.txt to be removed")
	}

	fresh := &Entry{Name: "fresh", Kind: KindDir}
	for i := 0; i < 2; i++ {
		if err := d.CreateDirectory(ctx, fresh); err != nil {
			t.Fatal(err)
		}
	}
	if _, _, dir, ok := srv.Stat("/fresh"); !ok || !dir {
		t.Error("expected /fresh to be created")
	}
	if got := srv.CountCommand("MKD"); got != 1 {
		t.Errorf("expected directory creation to be deduplicated, got %d MKD", got)
	}
}

func TestDetectOffset(t *testing.T) {
	mdtm := time.Date(2024, 1, 1, 12, 0, 37, 0, time.UTC)
	testCases := []struct {
		name   string
		listed time.Time
		want   time.Duration
	}{
		{name: "UTC", listed: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), want: 0},
		{name: "East", listed: time.Date(2024, 1, 1, 14, 0, 0, 0, time.UTC), want: 2 * time.Hour},
		{name: "West", listed: time.Date(2024, 1, 1, 7, 0, 0, 0, time.UTC), want: -5 * time.Hour},
		{name: "HalfHour", listed: time.Date(2024, 1, 1, 17, 30, 0, 0, time.UTC), want: 5*time.Hour + 30*time.Minute},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DetectOffset(tc.listed, mdtm); got != tc.want {
				t.Errorf("expected %v, got %v", tc.want, got)
			}
		})
	}
}
