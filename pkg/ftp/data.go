package ftp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-sync/pkg/plog"
)

// dataChannel is a data connection in the making. Passive channels are
// dialed before the transfer command, active ones accept after it.
type dataChannel struct {
	active bool
	conn   net.Conn
	ln     net.Listener
	accept chan acceptResult
}

type acceptResult struct {
	conn net.Conn
	err  error
}

// openData prepares a data connection in the session's current mode.
// Must be called with cmdMu held.
func (c *Client) openData(ctx context.Context) (*dataChannel, error) {
	if c.passive.Load() {
		return c.openPassive(ctx)
	}
	return c.openActive(ctx)
}

func (c *Client) openPassive(ctx context.Context) (*dataChannel, error) {
	resp, err := c.exchange(ctx, "PASV", HappyCodes("PASV"))
	if err != nil {
		return nil, err
	}
	ip, port, err := parsePasv(resp.Message())
	if err != nil {
		return nil, &DataConnError{Session: c.id, Kind: DataConnOpen, Err: err}
	}
	host := c.dataHost(ip)
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	dialer := net.Dialer{Timeout: c.cfg.DataTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &DataConnError{Session: c.id, Kind: DataConnOpen, Err: err}
	}
	return &dataChannel{conn: conn}, nil
}

// dataHost picks the address to dial for a PASV reply. Servers behind NAT
// often report their private address; the control host is used instead.
func (c *Client) dataHost(ip net.IP) string {
	ctrl := remoteIP(c.conn)
	if ip.IsUnspecified() && ctrl != nil {
		return ctrl.String()
	}
	if c.cfg.NATWorkaround && ctrl != nil && ip.IsPrivate() && !ctrl.IsPrivate() && !ctrl.IsLoopback() {
		plog.Debug("Replacing private PASV address", "session", c.id, "reported", ip, "using", ctrl)
		return ctrl.String()
	}
	return ip.String()
}

func remoteIP(conn net.Conn) net.IP {
	if tc, ok := conn.(*tls.Conn); ok {
		conn = tc.NetConn()
	}
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return addr.IP
	}
	return nil
}

func localIP(conn net.Conn) net.IP {
	if tc, ok := conn.(*tls.Conn); ok {
		conn = tc.NetConn()
	}
	if addr, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		return addr.IP
	}
	return nil
}

func (c *Client) openActive(ctx context.Context) (*dataChannel, error) {
	ip := localIP(c.conn).To4()
	if ip == nil {
		return nil, &DataConnError{Session: c.id, Kind: DataConnOpen, Active: true, Err: errors.New("active mode needs an IPv4 control connection")}
	}
	ln, err := c.listen(ctx, ip)
	if err != nil {
		return nil, &DataConnError{Session: c.id, Kind: DataConnOpen, Active: true, Err: err}
	}
	port := ln.Addr().(*net.TCPAddr).Port

	cmd := fmt.Sprintf("PORT %d,%d,%d,%d,%d,%d", ip[0], ip[1], ip[2], ip[3], port>>8, port&0xff)
	if _, err := c.exchange(ctx, cmd, HappyCodes("PORT")); err != nil {
		ln.Close()
		if ResponseCode(err) != 0 && !IsConnLost(err) {
			return nil, &DataConnError{Session: c.id, Kind: DataConnRefused, Active: true, Err: err}
		}
		return nil, err
	}

	dc := &dataChannel{active: true, ln: ln, accept: make(chan acceptResult, 1)}
	go func() {
		conn, err := ln.Accept()
		dc.accept <- acceptResult{conn: conn, err: err}
	}()
	return dc, nil
}

// listen binds a port from the configured range, starting at a random
// offset so concurrent sessions spread out.
func (c *Client) listen(ctx context.Context, ip net.IP) (net.Listener, error) {
	var lc net.ListenConfig
	r := c.cfg.ActivePorts
	if r.Min == 0 {
		return lc.Listen(ctx, "tcp4", net.JoinHostPort(ip.String(), "0"))
	}
	span := r.Max - r.Min + 1
	start := rand.IntN(span)
	var lastErr error
	for i := 0; i < span; i++ {
		port := r.Min + (start+i)%span
		ln, err := lc.Listen(ctx, "tcp4", net.JoinHostPort(ip.String(), strconv.Itoa(port)))
		if err == nil {
			return ln, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("no free port in %s: %w", r, lastErr)
}

// establish returns the usable data connection after the server accepted the
// transfer command, wrapped in TLS when PROT P is active.
func (c *Client) establish(ctx context.Context, dc *dataChannel) (net.Conn, error) {
	conn := dc.conn
	if dc.active {
		timer := time.NewTimer(c.cfg.DataTimeout)
		defer timer.Stop()
		select {
		case res := <-dc.accept:
			if res.err != nil {
				return nil, &DataConnError{Session: c.id, Kind: DataConnOpen, Active: true, Err: res.err}
			}
			conn = res.conn
		case <-timer.C:
			return nil, &DataConnError{Session: c.id, Kind: DataConnTimeout, Active: true,
				Err: fmt.Errorf("server did not connect within %s", c.cfg.DataTimeout)}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		dc.conn = conn
	}

	if !c.protected {
		return conn, nil
	}
	// The client is the TLS client on the data channel in both modes.
	tlsConn := tls.Client(conn, c.tlsConf)
	hctx, cancel := context.WithTimeout(ctx, c.cfg.DataTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(hctx); err != nil {
		return nil, &DataConnError{Session: c.id, Kind: DataConnOpen, Active: dc.active, Err: err}
	}
	dc.conn = tlsConn
	return tlsConn, nil
}

func (dc *dataChannel) Close() {
	if dc.ln != nil {
		dc.ln.Close()
	}
	if dc.conn != nil {
		dc.conn.Close()
	}
	if dc.active {
		// Reap a connection that was accepted after we gave up.
		select {
		case res := <-dc.accept:
			if res.conn != nil && res.conn != dc.conn {
				res.conn.Close()
			}
		default:
		}
	}
}

// parsePasv extracts the address from "Entering Passive Mode (h1,h2,h3,h4,p1,p2)".
func parsePasv(msg string) (net.IP, int, error) {
	start := strings.IndexByte(msg, '(')
	end := strings.LastIndexByte(msg, ')')
	var body string
	if start >= 0 && end > start {
		body = msg[start+1 : end]
	} else {
		// Some servers omit the parentheses.
		i := strings.IndexAny(msg, "0123456789")
		if i < 0 {
			return nil, 0, fmt.Errorf("malformed PASV reply %q", msg)
		}
		body = strings.TrimRight(msg[i:], ". ")
	}
	parts := strings.Split(body, ",")
	if len(parts) != 6 {
		return nil, 0, fmt.Errorf("malformed PASV reply %q", msg)
	}
	var nums [6]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 || n > 255 {
			return nil, 0, fmt.Errorf("malformed PASV reply %q", msg)
		}
		nums[i] = n
	}
	ip := net.IPv4(byte(nums[0]), byte(nums[1]), byte(nums[2]), byte(nums[3]))
	return ip, nums[4]<<8 | nums[5], nil
}
