// Package ftp is an FTP and FTPS client for directory synchronization.
//
// A Client owns one authenticated command connection. A background goroutine
// drains the connection into a response queue; commands are strictly
// sequential and block until a happy reply, an unhappy reply, or the command
// timeout. A Client never reconnects: once the connection is lost every call
// fails and the owner is expected to discard it.
package ftp

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/paulschiretz/pgl-sync/pkg/plog"
)

// Client is one FTP session.
type Client struct {
	id  string
	cfg Config

	conn    net.Conn
	tlsConf *tls.Config

	// cmdMu serializes whole command exchanges, including transfers.
	cmdMu sync.Mutex

	mu         sync.Mutex
	queue      []*Response
	readErr    error
	wake       chan struct{}
	readerDone chan struct{}

	closed atomic.Bool

	features  map[string]string
	passive   atomic.Bool
	compress  bool
	protected bool
	cwd       string
	limiter   *rate.Limiter
}

// Dial connects, negotiates TLS if configured, logs in and prepares the
// session for binary transfers.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	c := &Client{
		id:         uuid.NewString(),
		cfg:        cfg,
		wake:       make(chan struct{}, 1),
		readerDone: make(chan struct{}),
		features:   make(map[string]string),
	}
	c.passive.Store(cfg.Passive)
	if cfg.ThrottleBytesPerSec > 0 {
		burst := int(cfg.Buffers.Size())
		if int64(burst) > cfg.ThrottleBytesPerSec {
			burst = int(cfg.ThrottleBytesPerSec)
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.ThrottleBytesPerSec), burst)
	}

	plog.Debug("Connecting", "session", c.id, "addr", cfg.Addr(), "security", cfg.Security)

	dialer := net.Dialer{Timeout: cfg.CommandTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Addr())
	if err != nil {
		return nil, &ConnError{Session: c.id, Op: "dial", Err: err}
	}

	if cfg.Security != SecurityNone {
		c.tlsConf = cfg.tlsConfig()
	}
	if cfg.Security == SecurityImplicit {
		conn, err = c.handshake(ctx, conn)
		if err != nil {
			return nil, err
		}
		c.protected = true
	}

	br := bufio.NewReader(conn)
	c.conn = conn
	if _, err := c.exchangeSync(br, "", greetingCodes); err != nil {
		conn.Close()
		return nil, err
	}

	if cfg.Security == SecurityExplicit {
		if _, err := c.exchangeSync(br, "AUTH TLS", HappyCodes("AUTH")); err != nil {
			conn.Close()
			return nil, err
		}
		if conn, err = c.handshake(ctx, conn); err != nil {
			return nil, err
		}
		c.conn = conn
		br = bufio.NewReader(conn)
		c.protected = true
	}
	_ = c.conn.SetDeadline(time.Time{})

	go c.readLoop(br)

	if err := c.setup(ctx); err != nil {
		c.Close()
		return nil, err
	}
	plog.Debug("Session ready", "session", c.id, "cwd", c.cwd, "compress", c.compress, "tls", c.protected)
	return c, nil
}

func (c *Client) handshake(ctx context.Context, conn net.Conn) (net.Conn, error) {
	tlsConn := tls.Client(conn, c.tlsConf)
	hctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(hctx); err != nil {
		conn.Close()
		return nil, &ConnError{Session: c.id, Op: "tls", Err: err}
	}
	return tlsConn, nil
}

// exchangeSync runs one command on the raw reader before the background
// reader exists. An empty cmd only reads (the greeting).
func (c *Client) exchangeSync(br *bufio.Reader, cmd string, happy []int) (*Response, error) {
	if cmd != "" {
		if err := c.writeLine(cmd); err != nil {
			return nil, err
		}
	}
	name := commandName(cmd)
	if name == "" {
		name = "greeting"
	}
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.CommandTimeout))
		resp, err := readResponse(br)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil, &TimeoutError{Session: c.id, Command: name, After: c.cfg.CommandTimeout}
			}
			return nil, &ConnError{Session: c.id, Op: "read", Err: err}
		}
		plog.Debug("<-", "session", c.id, "reply", resp.String())
		switch {
		case isHappy(resp.Code, happy):
			return resp, nil
		case isUnhappy(resp.Code):
			return nil, &ProtocolError{Session: c.id, Command: name, Code: resp.Code, Response: resp.String()}
		}
	}
}

func (c *Client) setup(ctx context.Context) error {
	user, pass := c.cfg.login()
	resp, err := c.send(ctx, "USER "+user, HappyCodes("USER"))
	if err != nil {
		return c.authError(user, err)
	}
	if resp.Code == 331 {
		if _, err := c.send(ctx, "PASS "+pass, HappyCodes("PASS")); err != nil {
			return c.authError(user, err)
		}
	}

	if err := c.loadFeatures(ctx); err != nil {
		plog.Debug("FEAT not supported", "session", c.id, "error", err)
	}

	if c.protected {
		if _, err := c.send(ctx, "PBSZ 0", HappyCodes("PBSZ")); err != nil {
			return err
		}
		if _, err := c.send(ctx, "PROT P", HappyCodes("PROT")); err != nil {
			return err
		}
	}

	if _, err := c.send(ctx, "TYPE I", HappyCodes("TYPE")); err != nil {
		return err
	}

	if c.cfg.Compress {
		if _, err := c.send(ctx, "MODE Z", HappyCodes("MODE")); err != nil {
			if IsConnLost(err) {
				return err
			}
			plog.Warn("Server rejected MODE Z, transferring uncompressed", "session", c.id, "error", err)
		} else {
			c.compress = true
		}
	}

	resp, err = c.send(ctx, "PWD", HappyCodes("PWD"))
	if err != nil {
		return err
	}
	c.cwd = parseQuotedPath(resp.Message())
	return nil
}

func (c *Client) authError(user string, err error) error {
	if IsConnLost(err) {
		return err
	}
	return &AuthError{Session: c.id, User: user, Err: err}
}

func (c *Client) loadFeatures(ctx context.Context) error {
	resp, err := c.send(ctx, "FEAT", HappyCodes("FEAT"))
	if err != nil {
		return err
	}
	for _, line := range resp.Lines[1:] {
		if isCodePrefix(line) {
			continue
		}
		name, params, _ := strings.Cut(strings.TrimSpace(line), " ")
		if name != "" {
			c.features[strings.ToUpper(name)] = params
		}
	}
	return nil
}

// readLoop pushes every complete reply into the queue until the connection
// fails.
func (c *Client) readLoop(br *bufio.Reader) {
	defer close(c.readerDone)
	for {
		resp, err := readResponse(br)
		c.mu.Lock()
		if err != nil {
			if c.closed.Load() {
				err = ErrConnClosed
			}
			c.readErr = err
		} else {
			c.queue = append(c.queue, resp)
		}
		c.mu.Unlock()
		c.notify()
		if err != nil {
			return
		}
		plog.Debug("<-", "session", c.id, "reply", resp.String())
	}
}

func (c *Client) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) writeLine(line string) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	plog.Debug("->", "session", c.id, "command", redact(line))
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.CommandTimeout))
	if _, err := c.conn.Write([]byte(line + "\r\n")); err != nil {
		c.markBroken()
		return &ConnError{Session: c.id, Op: "write", Err: err}
	}
	return nil
}

// send writes one command and waits for its reply. Callers must not hold
// cmdMu; use exchange when already holding it.
func (c *Client) send(ctx context.Context, cmd string, happy []int) (*Response, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	return c.exchange(ctx, cmd, happy)
}

func (c *Client) exchange(ctx context.Context, cmd string, happy []int) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.drainStale()
	if err := c.writeLine(cmd); err != nil {
		return nil, err
	}
	return c.expect(ctx, commandName(cmd), happy, c.cfg.CommandTimeout)
}

// drainStale drops replies nobody waited for, e.g. late answers to a timed
// out QUOTE.
func (c *Client) drainStale() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.queue {
		plog.Debug("Dropping unsolicited reply", "session", c.id, "reply", r.String())
	}
	c.queue = c.queue[:0]
}

// expect waits for a happy or unhappy reply. Preliminary and unclassified
// replies are skipped.
func (c *Client) expect(ctx context.Context, name string, happy []int, timeout time.Duration) (*Response, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			resp := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()
			switch {
			case isHappy(resp.Code, happy):
				return resp, nil
			case isUnhappy(resp.Code):
				return nil, &ProtocolError{Session: c.id, Command: name, Code: resp.Code, Response: resp.String()}
			default:
				plog.Debug("Skipping reply", "session", c.id, "command", name, "code", resp.Code)
				continue
			}
		}
		readErr := c.readErr
		c.mu.Unlock()
		if readErr != nil {
			if errors.Is(readErr, ErrConnClosed) {
				return nil, ErrConnClosed
			}
			return nil, &ConnError{Session: c.id, Op: "read", Err: readErr}
		}

		select {
		case <-c.wake:
		case <-timer.C:
			c.markBroken()
			return nil, &TimeoutError{Session: c.id, Command: name, After: timeout}
		case <-ctx.Done():
			// The reply may still arrive; the session state is unknown.
			c.markBroken()
			return nil, ctx.Err()
		}
	}
}

// markBroken closes the connection so the session is never reused.
func (c *Client) markBroken() {
	if c.closed.CompareAndSwap(false, true) {
		c.conn.Close()
	}
}

// ID returns the session id used in logs and errors.
func (c *Client) ID() string { return c.id }

// CurrentDir returns the last known working directory.
func (c *Client) CurrentDir() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cwd
}

func (c *Client) setCurrentDir(dir string) {
	c.mu.Lock()
	c.cwd = dir
	c.mu.Unlock()
}

// Alive reports whether the command connection is still usable.
func (c *Client) Alive() bool {
	if c.closed.Load() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr == nil
}

// Passive reports the current data connection mode.
func (c *Client) Passive() bool { return c.passive.Load() }

// SetPassive switches the data connection mode for later transfers.
func (c *Client) SetPassive(passive bool) { c.passive.Store(passive) }

// Compressed reports whether MODE Z is active.
func (c *Client) Compressed() bool { return c.compress }

// HasFeature reports whether FEAT advertised name.
func (c *Client) HasFeature(name string) bool {
	_, ok := c.features[strings.ToUpper(name)]
	return ok
}

// Close drops the connection without QUIT.
func (c *Client) Close() error {
	c.markBroken()
	<-c.readerDone
	return nil
}

func commandName(cmd string) string {
	name, _, _ := strings.Cut(cmd, " ")
	return strings.ToUpper(name)
}

func redact(line string) string {
	if strings.HasPrefix(strings.ToUpper(line), "PASS ") {
		return "PASS ****"
	}
	return line
}

// parseQuotedPath extracts the path from a 257 reply. Embedded quotes are
// doubled.
func parseQuotedPath(msg string) string {
	start := strings.IndexByte(msg, '"')
	if start < 0 {
		return strings.TrimSpace(msg)
	}
	var b strings.Builder
	for i := start + 1; i < len(msg); i++ {
		if msg[i] == '"' {
			if i+1 < len(msg) && msg[i+1] == '"' {
				b.WriteByte('"')
				i++
				continue
			}
			break
		}
		b.WriteByte(msg[i])
	}
	return b.String()
}

func (c *Client) String() string {
	return fmt.Sprintf("ftp session %s (%s)", c.id, c.cfg.Addr())
}
