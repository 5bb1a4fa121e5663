package ftp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"hash"
	"io"
	"net"
	"time"

	"github.com/paulschiretz/pgl-sync/pkg/plog"
	"github.com/paulschiretz/pgl-sync/pkg/util"
)

// TransferStats describes one completed transfer.
type TransferStats struct {
	Bytes   int64
	Offset  int64
	Elapsed time.Duration
}

// Rate returns the human readable throughput.
func (s TransferStats) Rate() string {
	return util.ByteRate(s.Bytes, s.Elapsed)
}

// TransferOptions tune a single Retrieve or Store.
type TransferOptions struct {
	// Resume continues a partial transfer. The local stream must implement
	// io.Seeker.
	Resume bool
	// Size is the expected file size, used for progress percentages.
	Size int64
}

// Retrieve downloads name into w. With Resume set the download continues
// after the bytes already in w.
func (c *Client) Retrieve(ctx context.Context, name string, w io.Writer, opts TransferOptions) (TransferStats, error) {
	var offset int64
	if opts.Resume {
		s, ok := w.(io.Seeker)
		if !ok {
			return TransferStats{}, ErrNotSeekable
		}
		off, err := s.Seek(0, io.SeekEnd)
		if err != nil {
			return TransferStats{}, fmt.Errorf("seeking local stream: %w", err)
		}
		offset = off
	}

	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	h := newHash(c.cfg.Hash)
	stats, err := c.transfer(ctx, "RETR "+name, offset, func(conn net.Conn) (int64, error) {
		var src io.Reader = conn
		if c.compress {
			ir := newInflateReader(conn)
			defer ir.Close()
			src = ir
		}
		return c.copyLoop(ctx, conn, name, opts.Size, w, src, true, h)
	})
	if err != nil {
		return stats, err
	}
	if err := c.verify(ctx, name, offset, offset+stats.Bytes, h); err != nil {
		return stats, err
	}
	plog.Debug("Downloaded", "session", c.id, "file", name, "size", util.ByteCountIEC(stats.Bytes), "rate", stats.Rate())
	return stats, nil
}

// Store uploads r as name. With Resume set the upload continues after the
// bytes the server already has.
func (c *Client) Store(ctx context.Context, name string, r io.Reader, opts TransferOptions) (TransferStats, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	var offset int64
	if opts.Resume {
		s, ok := r.(io.Seeker)
		if !ok {
			return TransferStats{}, ErrNotSeekable
		}
		size, err := c.size(ctx, name)
		if err != nil && ResponseCode(err) != 550 {
			return TransferStats{}, err
		}
		if size > 0 {
			if _, err := s.Seek(size, io.SeekStart); err != nil {
				return TransferStats{}, fmt.Errorf("seeking local stream: %w", err)
			}
			offset = size
		}
	}

	h := newHash(c.cfg.Hash)
	stats, err := c.transfer(ctx, "STOR "+name, offset, func(conn net.Conn) (int64, error) {
		if !c.compress {
			return c.copyLoop(ctx, conn, name, opts.Size, conn, r, false, h)
		}
		dw, err := newDeflateWriter(conn)
		if err != nil {
			return 0, err
		}
		n, err := c.copyLoop(ctx, conn, name, opts.Size, dw, r, false, h)
		if err != nil {
			return n, err
		}
		if err := dw.Close(); err != nil {
			return n, &DataConnError{Session: c.id, Kind: DataConnBroken, Active: !c.passive.Load(), Err: err}
		}
		return n, nil
	})
	if err != nil {
		return stats, err
	}
	if err := c.verify(ctx, name, offset, offset+stats.Bytes, h); err != nil {
		return stats, err
	}
	plog.Debug("Uploaded", "session", c.id, "file", name, "size", util.ByteCountIEC(stats.Bytes), "rate", stats.Rate())
	return stats, nil
}

// List returns the parsed entries of dir, or of the working directory when
// dir is empty. Lines the parser does not understand are skipped.
func (c *Client) List(ctx context.Context, dir string) ([]Entry, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	cmd := "LIST"
	if dir != "" {
		cmd += " " + dir
	}
	var entries []Entry
	_, err := c.transfer(ctx, cmd, 0, func(conn net.Conn) (int64, error) {
		var src io.Reader = conn
		if c.compress {
			ir := newInflateReader(conn)
			defer ir.Close()
			src = ir
		}
		var n int64
		sc := bufio.NewScanner(src)
		sc.Buffer(make([]byte, 0, 4096), 64*1024)
		for {
			_ = conn.SetReadDeadline(time.Now().Add(c.cfg.DataTimeout))
			if !sc.Scan() {
				break
			}
			line := sc.Text()
			n += int64(len(line)) + 1
			if e, ok := c.cfg.Parser.Parse(line); ok {
				entries = append(entries, e)
			} else {
				plog.Debug("Skipping listing line", "session", c.id, "line", line)
			}
		}
		if err := sc.Err(); err != nil {
			return n, &DataConnError{Session: c.id, Kind: DataConnBroken, Active: !c.passive.Load(), Err: err}
		}
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// transfer runs one data command: open the data channel, REST if needed,
// send cmd, move the data with fn and wait for the completion reply.
// Must be called with cmdMu held.
func (c *Client) transfer(ctx context.Context, cmd string, offset int64, fn func(net.Conn) (int64, error)) (TransferStats, error) {
	stats := TransferStats{Offset: offset}
	dc, err := c.openData(ctx)
	if err != nil {
		return stats, err
	}
	defer dc.Close()

	if offset > 0 {
		if _, err := c.exchange(ctx, fmt.Sprintf("REST %d", offset), HappyCodes("REST")); err != nil {
			return stats, err
		}
	}

	name := commandName(cmd)
	if _, err := c.exchange(ctx, cmd, HappyCodes(name)); err != nil {
		if dc.active && ResponseCode(err) == 425 {
			return stats, &DataConnError{Session: c.id, Kind: DataConnRefused, Active: true, Err: err}
		}
		return stats, err
	}

	conn, err := c.establish(ctx, dc)
	if err != nil {
		// The server may still answer the command; the session is unusable.
		c.markBroken()
		return stats, err
	}

	start := time.Now()
	n, copyErr := fn(conn)
	stats.Bytes = n
	stats.Elapsed = time.Since(start)

	// Closing signals end of upload and aborts a failed download.
	closeErr := conn.Close()
	dc.conn = nil

	_, doneErr := c.expect(ctx, name, transferDoneCodes, c.cfg.CommandTimeout+c.cfg.DataTimeout)
	switch {
	case copyErr != nil:
		return stats, copyErr
	case closeErr != nil && !errors.Is(closeErr, net.ErrClosed):
		return stats, &DataConnError{Session: c.id, Kind: DataConnBroken, Active: dc.active, Err: closeErr}
	case doneErr != nil:
		return stats, doneErr
	}
	return stats, nil
}

// copyLoop moves data in pooled chunks with a per chunk deadline, optional
// throttling, hashing and periodic progress. download tells which side is
// the network.
func (c *Client) copyLoop(ctx context.Context, conn net.Conn, name string, size int64, dst io.Writer, src io.Reader, download bool, h hash.Hash) (int64, error) {
	bufPtr := c.cfg.Buffers.Get()
	defer c.cfg.Buffers.Put(bufPtr)
	buf := (*bufPtr)[:cap(*bufPtr)]

	start := time.Now()
	lastReport := start
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		_ = conn.SetDeadline(time.Now().Add(c.cfg.DataTimeout))
		n, rerr := src.Read(buf)
		if n > 0 {
			if err := c.throttle(ctx, n); err != nil {
				return total, err
			}
			if h != nil {
				h.Write(buf[:n])
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				if download {
					return total, fmt.Errorf("writing %s: %w", name, werr)
				}
				return total, &DataConnError{Session: c.id, Kind: DataConnBroken, Active: !c.passive.Load(), Err: werr}
			}
			total += int64(n)
		}
		if now := time.Now(); c.cfg.OnProgress != nil && now.Sub(lastReport) >= c.cfg.ProgressInterval {
			lastReport = now
			c.cfg.OnProgress(Progress{Session: c.id, Name: name, Bytes: total, Total: size, Elapsed: now.Sub(start)})
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			if download {
				return total, &DataConnError{Session: c.id, Kind: DataConnBroken, Active: !c.passive.Load(), Err: rerr}
			}
			return total, fmt.Errorf("reading %s: %w", name, rerr)
		}
	}
}

// throttle waits for n bytes worth of tokens, split by the bucket size.
func (c *Client) throttle(ctx context.Context, n int) error {
	if c.limiter == nil {
		return nil
	}
	burst := c.limiter.Burst()
	for n > 0 {
		k := min(n, burst)
		if err := c.limiter.WaitN(ctx, k); err != nil {
			return err
		}
		n -= k
	}
	return nil
}
