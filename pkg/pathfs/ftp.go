package pathfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-sync/pkg/bridge"
	"github.com/paulschiretz/pgl-sync/pkg/connpool"
	"github.com/paulschiretz/pgl-sync/pkg/ftp"
	"github.com/paulschiretz/pgl-sync/pkg/location"
	"github.com/paulschiretz/pgl-sync/pkg/plog"
	"github.com/paulschiretz/pgl-sync/pkg/workpool"
)

// offsetGranularity is the step server time zones are rounded to.
const offsetGranularity = 15 * time.Minute

type ftpDir struct {
	loc  location.Location
	env  *Env
	self *Entry
}

// NewFTP returns the handle for a remote directory. env.Conns must be set.
func NewFTP(loc location.Location, env *Env) Directory {
	return &ftpDir{loc: loc, env: env}
}

func (d *ftpDir) Location() location.Location { return d.loc }
func (d *ftpDir) Entry() *Entry                { return d.self }

// do runs fn on a session whose working directory is this directory. A
// missing directory is created when create is set.
func (d *ftpDir) do(ctx context.Context, create bool, fn func(*connpool.Session) error) error {
	return d.env.Conns.Do(ctx, d.loc, d.loc.Path, func(s *connpool.Session) error {
		if err := d.ensureCwd(ctx, s, create); err != nil {
			return err
		}
		return fn(s)
	})
}

func (d *ftpDir) ensureCwd(ctx context.Context, s *connpool.Session, create bool) error {
	if s.CurrentDir() == d.loc.Path {
		return nil
	}
	err := d.cwd(ctx, s)
	if err == nil || !create || ftp.ResponseCode(err) != 550 {
		return err
	}
	key := "ftp:" + d.loc.Endpoint() + d.loc.Path
	if err := d.env.ensureDir(key, func() error { return mkdirAll(ctx, s, d.loc.Path) }); err != nil {
		return fmt.Errorf("failed to create remote directory %s: %w", d.loc.Path, err)
	}
	return d.cwd(ctx, s)
}

func (d *ftpDir) cwd(ctx context.Context, s *connpool.Session) error {
	if !d.loc.OldCwd {
		return s.Cwd(ctx, d.loc.Path)
	}
	// Some servers only accept one path segment per CWD.
	if err := s.Cwd(ctx, "/"); err != nil {
		return err
	}
	for _, seg := range strings.Split(strings.Trim(d.loc.Path, "/"), "/") {
		if seg == "" {
			continue
		}
		if err := s.Cwd(ctx, seg); err != nil {
			return err
		}
	}
	return nil
}

// mkdirAll creates dir, creating missing parents only after MKD of dir
// itself failed.
func mkdirAll(ctx context.Context, s *connpool.Session, dir string) error {
	err := s.Mkd(ctx, dir)
	if err == nil || dir == "/" || ftp.ResponseCode(err) == 0 {
		return err
	}
	if perr := mkdirAll(ctx, s, path.Dir(dir)); perr != nil {
		return err
	}
	return s.Mkd(ctx, dir)
}

func (d *ftpDir) List(ctx context.Context) (*Listing, error) {
	listing, err := d.list(ctx, d.env.mayCreate())
	if err != nil && d.env.tolerateMissing(d.self) && ftp.ResponseCode(err) == 550 {
		plog.Debug("Remote directory does not exist yet", "path", d.loc.String())
		return NewListing(), nil
	}
	return listing, err
}

func (d *ftpDir) list(ctx context.Context, create bool) (*Listing, error) {
	var listing *Listing
	err := d.do(ctx, create, func(s *connpool.Session) error {
		raw, err := s.List(ctx, "")
		if err != nil {
			return err
		}
		listing, err = d.convert(ctx, s, raw)
		return err
	})
	if err != nil {
		return nil, err
	}
	return listing, nil
}

// convert turns parsed LIST entries into Entries with UTC timestamps.
// Entries that only carry a date are refined with MDTM when available.
func (d *ftpDir) convert(ctx context.Context, s *connpool.Session, raw []ftp.Entry) (*Listing, error) {
	offset := d.clockOffset(ctx, s, raw)
	hasMdtm := s.HasFeature("MDTM")

	listing := NewListing()
	for _, fe := range raw {
		e := &Entry{Name: fe.Name, Parent: d.self}
		switch fe.Kind {
		case ftp.KindFile:
			e.Kind = KindFile
			e.Size = fe.Size
		case ftp.KindDir:
			e.Kind = KindDir
		default:
			plog.Debug("Skipping remote link", "path", d.loc.Join(fe.Name).String(), "target", fe.Target)
			continue
		}
		e.ModTime = fe.ModTime.Add(-offset).UTC()
		if e.Kind == KindFile && !fe.Precise && hasMdtm {
			t, err := s.Mdtm(ctx, fe.Name)
			switch {
			case err == nil:
				e.ModTime = t
			case ftp.IsConnLost(err):
				return nil, err
			default:
				plog.Debug("MDTM failed, keeping listed date", "path", d.loc.Join(fe.Name).String(), "error", err)
			}
		}
		listing.Add(e)
	}
	return listing, nil
}

// clockOffset returns the server's offset from UTC. Until it is known, the
// first listing with a precise file time detects it by comparing that time
// with MDTM.
func (d *ftpDir) clockOffset(ctx context.Context, s *connpool.Session, raw []ftp.Entry) time.Duration {
	if off, ok := d.env.Conns.KnownClockOffset(d.loc); ok {
		return off
	}
	var probe *ftp.Entry
	for i := range raw {
		if raw[i].Kind == ftp.KindFile && raw[i].Precise {
			probe = &raw[i]
			break
		}
	}
	if probe == nil || !s.HasFeature("MDTM") {
		return 0
	}
	return d.env.Conns.ClockOffset(ctx, d.loc, func(ctx context.Context) (time.Duration, error) {
		mt, err := s.Mdtm(ctx, probe.Name)
		if err != nil {
			return 0, err
		}
		return DetectOffset(probe.ModTime, mt), nil
	})
}

// DetectOffset derives a server clock offset from a listed time (server
// local, minute precision) and the MDTM time (UTC) of the same file.
func DetectOffset(listed, mdtm time.Time) time.Duration {
	return listed.Sub(mdtm.Truncate(time.Minute)).Round(offsetGranularity)
}

// ReadFile starts the download on the transfer level and returns the
// consuming end of the stream.
func (d *ftpDir) ReadFile(ctx context.Context, e *Entry) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	br := bridge.New(d.env.Buffers)
	sr := &streamReader{br: br, done: make(chan struct{})}
	d.env.Workers.Submit(workpool.Transfer, func() {
		defer close(sr.done)
		sr.err = d.do(ctx, false, func(s *connpool.Session) error {
			stats, err := s.Retrieve(ctx, e.Name, br, ftp.TransferOptions{Size: e.Size})
			if err == nil {
				plog.Debug("Download finished", "path", d.loc.Join(e.Name).String(), "session", s.ID(), "rate", stats.Rate())
			}
			return err
		})
		if sr.err != nil {
			sr.err = fmt.Errorf("download of %s failed: %w", d.loc.Join(e.Name), sr.err)
		}
		br.CloseWithError(sr.err)
	})
	return sr, nil
}

// errReaderClosed aborts a producer whose consumer stopped early.
var errReaderClosed = errors.New("stream reader closed")

type streamReader struct {
	br   *bridge.Bridge
	done chan struct{}
	err  error
	eof  bool
}

func (r *streamReader) Read(p []byte) (int, error) {
	n, err := r.br.Read(p)
	if err == io.EOF {
		r.eof = true
	}
	return n, err
}

// Close waits for the producer and returns its error.
func (r *streamReader) Close() error {
	if !r.eof {
		r.br.CloseRead(errReaderClosed)
	}
	<-r.done
	if errors.Is(r.err, errReaderClosed) {
		return nil
	}
	return r.err
}

// WriteFile uploads r and sets the remote modification time when the server
// supports MFMT.
func (d *ftpDir) WriteFile(ctx context.Context, r io.Reader, e *Entry) (int64, error) {
	var written int64
	err := d.do(ctx, true, func(s *connpool.Session) error {
		stats, err := s.Store(ctx, e.Name, r, ftp.TransferOptions{Size: e.Size})
		written = stats.Bytes
		if err != nil {
			return err
		}
		plog.Debug("Upload finished", "path", d.loc.Join(e.Name).String(), "session", s.ID(), "rate", stats.Rate())
		if e.ModTime.IsZero() || !s.CanSetModTime() {
			return nil
		}
		if err := s.Mfmt(ctx, e.Name, e.ModTime); err != nil {
			if ftp.IsConnLost(err) {
				return err
			}
			plog.Warn("Could not set remote modification time", "path", d.loc.Join(e.Name).String(), "error", err)
		}
		return nil
	})
	return written, err
}

func (d *ftpDir) Delete(ctx context.Context, e *Entry) error {
	return d.do(ctx, false, func(s *connpool.Session) error {
		return s.Dele(ctx, e.Name)
	})
}

// DeleteDirectory empties e depth first, then removes it.
func (d *ftpDir) DeleteDirectory(ctx context.Context, e *Entry) error {
	child := d.Child(e).(*ftpDir)
	listing, err := child.list(ctx, false)
	if err != nil {
		return err
	}
	for _, ce := range listing.Entries() {
		if ce.IsDir() {
			err = child.DeleteDirectory(ctx, ce)
		} else {
			err = child.Delete(ctx, ce)
		}
		if err != nil {
			return err
		}
	}
	return d.do(ctx, false, func(s *connpool.Session) error {
		return s.Rmd(ctx, e.Name)
	})
}

func (d *ftpDir) CreateDirectory(ctx context.Context, e *Entry) error {
	target := d.loc.Join(e.Name)
	return d.env.ensureDir("ftp:"+target.Endpoint()+target.Path, func() error {
		return d.do(ctx, true, func(s *connpool.Session) error {
			return s.Mkd(ctx, e.Name)
		})
	})
}

func (d *ftpDir) Child(e *Entry) Directory {
	return &ftpDir{loc: d.loc.Join(e.Name), env: d.env, self: e}
}

// Probe checks that an FTP location is reachable by changing into its
// directory on a pooled session. A missing directory is created when
// create is set.
func Probe(ctx context.Context, loc location.Location, env *Env, create bool) error {
	d := &ftpDir{loc: loc, env: env}
	return d.do(ctx, create, func(*connpool.Session) error { return nil })
}
