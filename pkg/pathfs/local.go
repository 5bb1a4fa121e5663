package pathfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/paulschiretz/pgl-sync/pkg/location"
	"github.com/paulschiretz/pgl-sync/pkg/plog"
	"github.com/paulschiretz/pgl-sync/pkg/util"
)

type localDir struct {
	loc  location.Location
	env  *Env
	self *Entry
}

// NewLocal returns the handle for a local directory.
func NewLocal(loc location.Location, env *Env) Directory {
	return &localDir{loc: loc, env: env}
}

func (d *localDir) Location() location.Location { return d.loc }
func (d *localDir) Entry() *Entry                { return d.self }

func (d *localDir) path(name string) string {
	return filepath.Join(d.loc.Path, name)
}

func (d *localDir) List(ctx context.Context) (*Listing, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	listing := NewListing()
	dirEntries, err := os.ReadDir(d.loc.Path)
	if errors.Is(err, fs.ErrNotExist) {
		switch {
		case d.env.tolerateMissing(d.self):
			plog.Debug("Directory does not exist yet", "path", d.loc.Path)
			return listing, nil
		case d.env.mayCreate():
			return listing, d.mkdirAll(d.loc.Path)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", d.loc.Path, err)
	}

	for _, de := range dirEntries {
		mode := de.Type()
		if mode&fs.ModeSymlink != 0 || (!mode.IsRegular() && !mode.IsDir()) {
			plog.Debug("Skipping special file", "path", d.path(de.Name()), "type", mode.String())
			continue
		}
		info, err := de.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			plog.Debug("Skipping vanished entry", "path", d.path(de.Name()), "error", err)
			continue
		}
		e := &Entry{Name: de.Name(), Kind: KindFile, ModTime: info.ModTime().UTC(), Parent: d.self}
		if de.IsDir() {
			e.Kind = KindDir
		} else {
			e.Size = info.Size()
		}
		listing.Add(e)
	}
	return listing, nil
}

func (d *localDir) ReadFile(ctx context.Context, e *Entry) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(d.path(e.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to open source file: %w", err)
	}
	return f, nil
}

// WriteFile writes to a temporary file in the directory and renames it into
// place, so readers never see a partial file.
func (d *localDir) WriteFile(ctx context.Context, r io.Reader, e *Entry) (written int64, err error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	absTrgPath := d.path(e.Name)

	out, err := os.CreateTemp(d.loc.Path, "pgl-sync-*.tmp")
	if err != nil {
		return 0, fmt.Errorf("failed to create temporary file in %s: %w", d.loc.Path, err)
	}
	absTempPath := out.Name()
	defer func() {
		if absTempPath != "" {
			os.Remove(absTempPath)
		}
	}()

	// Pre-allocate to reduce fragmentation.
	if e.Size > 0 {
		_ = out.Truncate(e.Size)
	}

	var buf []byte
	if d.env.CopyBuffers != nil {
		bufPtr := d.env.CopyBuffers.Get()
		defer d.env.CopyBuffers.Put(bufPtr)
		buf = (*bufPtr)[:cap(*bufPtr)]
	}
	if written, err = io.CopyBuffer(out, r, buf); err != nil {
		out.Close()
		return written, fmt.Errorf("failed to write %s: %w", absTempPath, err)
	}
	// Truncate again in case the stream was shorter than announced.
	if written != e.Size {
		if err := out.Truncate(written); err != nil {
			out.Close()
			return written, fmt.Errorf("failed to truncate %s: %w", absTempPath, err)
		}
	}

	if err := out.Chmod(util.WithUserWritePermission(util.UserWritableFilePerms)); err != nil {
		out.Close()
		return written, fmt.Errorf("failed to set permissions on temporary file %s: %w", absTempPath, err)
	}
	// Close before Chtimes; flushing may touch the modification time.
	if err := out.Close(); err != nil {
		return written, fmt.Errorf("failed to close temporary file %s: %w", absTempPath, err)
	}
	if !e.ModTime.IsZero() {
		if err := os.Chtimes(absTempPath, e.ModTime, e.ModTime); err != nil {
			return written, fmt.Errorf("failed to set timestamps on %s: %w", absTempPath, err)
		}
	}
	if err := os.Rename(absTempPath, absTrgPath); err != nil {
		return written, err
	}
	absTempPath = ""
	return written, nil
}

func (d *localDir) Delete(ctx context.Context, e *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.Remove(d.path(e.Name))
}

func (d *localDir) DeleteDirectory(ctx context.Context, e *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.RemoveAll(d.path(e.Name))
}

func (d *localDir) CreateDirectory(ctx context.Context, e *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.mkdirAll(d.path(e.Name))
}

func (d *localDir) mkdirAll(absPath string) error {
	return d.env.ensureDir("local:"+absPath, func() error {
		if err := os.MkdirAll(absPath, util.UserWritableDirPerms); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", absPath, err)
		}
		return nil
	})
}

func (d *localDir) Child(e *Entry) Directory {
	return &localDir{loc: d.loc.Join(e.Name), env: d.env, self: e}
}
