package ftp

import (
	"context"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-sync/pkg/util"
)

const mdtmLayout = "20060102150405"

// Cwd changes the working directory.
func (c *Client) Cwd(ctx context.Context, dir string) error {
	if _, err := c.send(ctx, "CWD "+dir, HappyCodes("CWD")); err != nil {
		return err
	}
	if strings.HasPrefix(dir, "/") {
		c.setCurrentDir(util.JoinRemote(dir))
	} else {
		c.setCurrentDir(util.JoinRemote(c.CurrentDir(), dir))
	}
	return nil
}

// Pwd asks the server for the working directory.
func (c *Client) Pwd(ctx context.Context) (string, error) {
	resp, err := c.send(ctx, "PWD", HappyCodes("PWD"))
	if err != nil {
		return "", err
	}
	dir := parseQuotedPath(resp.Message())
	c.setCurrentDir(dir)
	return dir, nil
}

// Mkd creates a directory. A directory that already exists is not an error.
func (c *Client) Mkd(ctx context.Context, dir string) error {
	_, err := c.send(ctx, "MKD "+dir, HappyCodes("MKD"))
	if err == nil {
		return nil
	}
	if code := ResponseCode(err); (code == 550 || code == 553 || code == 521) && alreadyExists(err.Error()) {
		return nil
	}
	return err
}

func alreadyExists(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "exist") && !strings.Contains(msg, "not exist") && !strings.Contains(msg, "no such")
}

// Rmd removes an empty directory.
func (c *Client) Rmd(ctx context.Context, dir string) error {
	_, err := c.send(ctx, "RMD "+dir, HappyCodes("RMD"))
	return err
}

// Dele removes a file.
func (c *Client) Dele(ctx context.Context, name string) error {
	_, err := c.send(ctx, "DELE "+name, HappyCodes("DELE"))
	return err
}

// Size returns the size of name in bytes.
func (c *Client) Size(ctx context.Context, name string) (int64, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	return c.size(ctx, name)
}

func (c *Client) size(ctx context.Context, name string) (int64, error) {
	resp, err := c.exchange(ctx, "SIZE "+name, HappyCodes("SIZE"))
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(resp.Message()), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid SIZE reply %q", resp.Message())
	}
	return n, nil
}

// Mdtm returns the modification time of name. MDTM is UTC by definition.
func (c *Client) Mdtm(ctx context.Context, name string) (time.Time, error) {
	resp, err := c.send(ctx, "MDTM "+name, HappyCodes("MDTM"))
	if err != nil {
		return time.Time{}, err
	}
	return parseMdtm(resp.Message())
}

func parseMdtm(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	base, frac, _ := strings.Cut(s, ".")
	if len(base) != len(mdtmLayout) {
		return time.Time{}, fmt.Errorf("invalid MDTM reply %q", s)
	}
	t, err := time.ParseInLocation(mdtmLayout, base, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid MDTM reply %q: %w", s, err)
	}
	if frac != "" {
		if ms, err := strconv.Atoi((frac + "000")[:3]); err == nil {
			t = t.Add(time.Duration(ms) * time.Millisecond)
		}
	}
	return t, nil
}

// CanSetModTime reports whether the server advertised MFMT.
func (c *Client) CanSetModTime() bool {
	return c.HasFeature("MFMT")
}

// Mfmt sets the modification time of name.
func (c *Client) Mfmt(ctx context.Context, name string, t time.Time) error {
	cmd := fmt.Sprintf("MFMT %s %s", t.UTC().Format(mdtmLayout), name)
	_, err := c.send(ctx, cmd, HappyCodes("MFMT"))
	return err
}

// Feat returns the features the server advertised at login.
func (c *Client) Feat() map[string]string {
	return maps.Clone(c.features)
}

// Noop keeps the session alive.
func (c *Client) Noop(ctx context.Context) error {
	_, err := c.send(ctx, "NOOP", HappyCodes("NOOP"))
	return err
}

// Quote sends a raw command and returns every reply that arrives within the
// quote grace period. Unhappy replies are not errors here.
func (c *Client) Quote(ctx context.Context, line string) ([]*Response, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	c.drainStale()
	if err := c.writeLine(line); err != nil {
		return nil, err
	}
	timer := time.NewTimer(c.cfg.QuoteGrace)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.queue
	c.queue = nil
	if len(out) == 0 && c.readErr != nil {
		return nil, &ConnError{Session: c.id, Op: "read", Err: c.readErr}
	}
	return out, nil
}

// Quit ends the session politely and closes it.
func (c *Client) Quit(ctx context.Context) error {
	_, err := c.send(ctx, "QUIT", HappyCodes("QUIT"))
	c.Close()
	return err
}
