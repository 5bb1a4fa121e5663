// Package ftptest runs an in-process FTP server over an in-memory tree for
// tests. It implements the subset of the protocol the sync client speaks.
package ftptest

import (
	"bufio"
	"compress/zlib"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"math/big"
	"net"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Options change the server's behavior.
type Options struct {
	// User and Password are required when User is set; otherwise any login
	// is accepted.
	User     string
	Password string

	// ListFormat is "unix" (default) or "dos".
	ListFormat string
	// ClockOffset shifts LIST times, simulating a server running in a
	// different time zone.
	ClockOffset time.Duration

	// TLS enables AUTH TLS with a generated certificate.
	TLS bool
	// ImplicitTLS speaks TLS from the first byte of every control
	// connection.
	ImplicitTLS bool
	// RejectActive answers every active mode transfer with 425.
	RejectActive bool
	// NoConnectBack accepts active mode transfers but never dials the
	// client's data port.
	NoConnectBack bool
	// Denied lists directories that show up in their parent's listing but
	// answer CWD and LIST with 550 Permission denied.
	Denied []string
	// NoMFMT hides MFMT from FEAT and rejects it.
	NoMFMT bool
	// NoHash rejects the hash commands with 502.
	NoHash bool
	// CorruptHash answers the hash commands with a wrong digest.
	CorruptHash bool
	// NoCompress rejects MODE Z.
	NoCompress bool
	// Silent lists verbs that never get a reply.
	Silent []string

	// Now is the server clock, time.Now when nil.
	Now func() time.Time
}

type node struct {
	dir  bool
	data []byte
	mod  time.Time
}

// Server is a running fake FTP server.
type Server struct {
	opts    Options
	ln      net.Listener
	tlsConf *tls.Config
	certDER []byte

	mu       sync.Mutex
	tree     map[string]*node
	commands []string
	conns    map[net.Conn]struct{}

	wg sync.WaitGroup
}

// NewServer starts a server on a loopback port.
func NewServer(opts Options) (*Server, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		opts:  opts,
		ln:    ln,
		tree:  map[string]*node{"/": {dir: true, mod: opts.Now().UTC()}},
		conns: make(map[net.Conn]struct{}),
	}
	if opts.TLS || opts.ImplicitTLS {
		if err := s.generateCert(); err != nil {
			ln.Close()
			return nil, err
		}
	}
	s.wg.Add(1)
	go s.serve()
	return s, nil
}

// Host returns the listening IP.
func (s *Server) Host() string { return "127.0.0.1" }

// Port returns the listening port.
func (s *Server) Port() int { return s.ln.Addr().(*net.TCPAddr).Port }

// Addr returns host:port.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// ClientTLSConfig returns a client configuration trusting the server's
// certificate.
func (s *Server) ClientTLSConfig() *tls.Config {
	pool := x509.NewCertPool()
	if cert, err := x509.ParseCertificate(s.certDER); err == nil {
		pool.AddCert(cert)
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
}

// Close stops the server and drops all connections.
func (s *Server) Close() {
	s.ln.Close()
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// WriteFile stores a file, creating parent directories.
func (s *Server) WriteFile(p string, data []byte, mod time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p = path.Clean("/" + p)
	s.mkdirAllLocked(path.Dir(p), mod)
	s.tree[p] = &node{data: append([]byte(nil), data...), mod: mod.UTC()}
}

// Mkdir creates a directory and its parents.
func (s *Server) Mkdir(p string, mod time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mkdirAllLocked(path.Clean("/"+p), mod)
}

func (s *Server) mkdirAllLocked(p string, mod time.Time) {
	for d := p; ; d = path.Dir(d) {
		if _, ok := s.tree[d]; !ok {
			s.tree[d] = &node{dir: true, mod: mod.UTC()}
		}
		if d == "/" {
			return
		}
	}
}

// ReadFile returns the content of a file.
func (s *Server) ReadFile(p string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.tree[path.Clean("/"+p)]
	if !ok || n.dir {
		return nil, false
	}
	return append([]byte(nil), n.data...), true
}

// Stat returns the attributes of an entry.
func (s *Server) Stat(p string) (size int64, mod time.Time, dir bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.tree[path.Clean("/"+p)]
	if !ok {
		return 0, time.Time{}, false, false
	}
	return int64(len(n.data)), n.mod, n.dir, true
}

// Paths returns every path in the tree except the root, sorted.
func (s *Server) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for p := range s.tree {
		if p != "/" {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Commands returns the verbs received so far, in order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// CountCommand returns how often verb was received.
func (s *Server) CountCommand(verb string) int {
	n := 0
	for _, c := range s.Commands() {
		if c == verb {
			n++
		}
	}
	return n
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		if s.opts.ImplicitTLS {
			conn = tls.Server(conn, s.tlsConf)
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess := &session{srv: s, conn: conn, cwd: "/"}
			sess.run()
			s.mu.Lock()
			delete(s.conns, sess.conn)
			delete(s.conns, conn)
			s.mu.Unlock()
			conn.Close()
		}()
	}
}

func (s *Server) generateCert() error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "ftptest"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return err
	}
	s.certDER = der
	s.tlsConf = &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		MinVersion:   tls.VersionTLS12,
	}
	return nil
}

type session struct {
	srv  *Server
	conn net.Conn
	br   *bufio.Reader

	user     string
	loggedIn bool
	cwd      string
	rest     int64
	compress bool
	protP    bool

	pasv     net.Listener
	portAddr string
}

func (ss *session) reply(code int, msg string) {
	fmt.Fprintf(ss.conn, "%d %s\r\n", code, msg)
}

func (ss *session) run() {
	ss.br = bufio.NewReader(ss.conn)
	ss.reply(220, "ftptest ready")
	for {
		line, err := ss.br.ReadString('\n')
		if err != nil {
			ss.closeData()
			return
		}
		line = strings.TrimRight(line, "\r\n")
		verb, arg, _ := strings.Cut(line, " ")
		verb = strings.ToUpper(verb)

		ss.srv.mu.Lock()
		ss.srv.commands = append(ss.srv.commands, verb)
		ss.srv.mu.Unlock()

		if ss.silent(verb) {
			continue
		}
		if !ss.loggedIn && !preLogin(verb) {
			ss.reply(530, "Please login with USER and PASS")
			continue
		}
		if quit := ss.handle(verb, arg); quit {
			ss.closeData()
			return
		}
	}
}

func (ss *session) silent(verb string) bool {
	for _, v := range ss.srv.opts.Silent {
		if strings.EqualFold(v, verb) {
			return true
		}
	}
	return false
}

func preLogin(verb string) bool {
	switch verb {
	case "USER", "PASS", "AUTH", "FEAT", "QUIT", "PBSZ", "PROT":
		return true
	}
	return false
}

func (ss *session) handle(verb, arg string) bool {
	srv := ss.srv
	switch verb {
	case "USER":
		ss.user = arg
		ss.reply(331, "Password required")
	case "PASS":
		if srv.opts.User != "" && (ss.user != srv.opts.User || arg != srv.opts.Password) {
			ss.reply(530, "Login incorrect")
			return false
		}
		ss.loggedIn = true
		ss.reply(230, "Logged in")
	case "AUTH":
		if srv.tlsConf == nil {
			ss.reply(502, "TLS not configured")
			return false
		}
		ss.reply(234, "Proceed with negotiation")
		tlsConn := tls.Server(ss.conn, srv.tlsConf)
		if err := tlsConn.Handshake(); err != nil {
			return true
		}
		srv.mu.Lock()
		srv.conns[tlsConn] = struct{}{}
		srv.mu.Unlock()
		ss.conn = tlsConn
		ss.br = bufio.NewReader(tlsConn)
	case "PBSZ":
		ss.reply(200, "PBSZ=0")
	case "PROT":
		ss.protP = strings.EqualFold(arg, "P")
		ss.reply(200, "Protection level set")
	case "FEAT":
		feats := []string{"MDTM", "SIZE", "REST STREAM", "UTF8"}
		if !srv.opts.NoMFMT {
			feats = append(feats, "MFMT")
		}
		if !srv.opts.NoHash {
			feats = append(feats, "XCRC", "XMD5", "XSHA1")
		}
		if !srv.opts.NoCompress {
			feats = append(feats, "MODE Z")
		}
		if srv.tlsConf != nil {
			feats = append(feats, "AUTH TLS", "PBSZ", "PROT")
		}
		fmt.Fprintf(ss.conn, "211-Features:\r\n")
		for _, f := range feats {
			fmt.Fprintf(ss.conn, " %s\r\n", f)
		}
		ss.reply(211, "End")
	case "TYPE":
		ss.reply(200, "Type set")
	case "MODE":
		switch strings.ToUpper(arg) {
		case "Z":
			if srv.opts.NoCompress {
				ss.reply(504, "MODE Z not supported")
				return false
			}
			ss.compress = true
			ss.reply(200, "MODE Z ok")
		case "S":
			ss.compress = false
			ss.reply(200, "MODE S ok")
		default:
			ss.reply(504, "Unsupported mode")
		}
	case "NOOP":
		ss.reply(200, "OK")
	case "PWD":
		ss.reply(257, fmt.Sprintf("%q is the current directory", ss.cwd))
	case "CWD":
		p := ss.resolve(arg)
		if srv.denied(p) {
			ss.reply(550, "Permission denied")
			return false
		}
		if n := srv.lookup(p); n == nil || !n.dir {
			ss.reply(550, "No such directory")
			return false
		}
		ss.cwd = p
		ss.reply(250, "Directory changed")
	case "MKD":
		ss.mkd(ss.resolve(arg))
	case "RMD":
		ss.rmd(ss.resolve(arg))
	case "DELE":
		p := ss.resolve(arg)
		srv.mu.Lock()
		n, ok := srv.tree[p]
		if ok && !n.dir {
			delete(srv.tree, p)
		}
		srv.mu.Unlock()
		if !ok || n.dir {
			ss.reply(550, "No such file")
			return false
		}
		ss.reply(250, "Deleted")
	case "SIZE":
		n := srv.lookup(ss.resolve(arg))
		if n == nil || n.dir {
			ss.reply(550, "No such file")
			return false
		}
		ss.reply(213, strconv.Itoa(len(n.data)))
	case "MDTM":
		n := srv.lookup(ss.resolve(arg))
		if n == nil {
			ss.reply(550, "No such file")
			return false
		}
		ss.reply(213, n.mod.UTC().Format("20060102150405"))
	case "MFMT":
		ss.mfmt(arg)
	case "REST":
		off, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || off < 0 {
			ss.reply(501, "Invalid offset")
			return false
		}
		ss.rest = off
		ss.reply(350, "Restarting")
	case "PASV":
		ss.closeData()
		ln, err := net.Listen("tcp4", "127.0.0.1:0")
		if err != nil {
			ss.reply(425, "Cannot open passive connection")
			return false
		}
		ss.pasv = ln
		port := ln.Addr().(*net.TCPAddr).Port
		ss.reply(227, fmt.Sprintf("Entering Passive Mode (127,0,0,1,%d,%d)", port>>8, port&0xff))
	case "PORT":
		ss.closeData()
		addr, err := parsePort(arg)
		if err != nil {
			ss.reply(501, "Illegal PORT command")
			return false
		}
		ss.portAddr = addr
		ss.reply(200, "PORT ok")
	case "LIST", "NLST":
		ss.list(arg)
	case "RETR":
		ss.retr(ss.resolve(arg))
	case "STOR":
		ss.stor(ss.resolve(arg))
	case "XCRC", "XMD5", "XSHA1", "MD5":
		ss.checksum(verb, arg)
	case "QUIT":
		ss.reply(221, "Bye")
		return true
	default:
		ss.reply(502, "Command not implemented")
	}
	return false
}

func (s *Server) denied(p string) bool {
	for _, d := range s.opts.Denied {
		if path.Clean("/"+d) == p {
			return true
		}
	}
	return false
}

func (s *Server) lookup(p string) *node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree[p]
}

func (ss *session) resolve(arg string) string {
	arg = unquote(strings.TrimSpace(arg))
	if arg == "" {
		return ss.cwd
	}
	if strings.HasPrefix(arg, "/") {
		return path.Clean(arg)
	}
	return path.Clean(path.Join(ss.cwd, arg))
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

func (ss *session) mkd(p string) {
	srv := ss.srv
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if _, ok := srv.tree[p]; ok {
		ss.reply(550, "Directory already exists")
		return
	}
	parent, ok := srv.tree[path.Dir(p)]
	if !ok || !parent.dir {
		ss.reply(550, "Parent directory does not exist")
		return
	}
	srv.tree[p] = &node{dir: true, mod: srv.opts.Now().UTC()}
	ss.reply(257, fmt.Sprintf("%q created", p))
}

func (ss *session) rmd(p string) {
	srv := ss.srv
	srv.mu.Lock()
	defer srv.mu.Unlock()
	n, ok := srv.tree[p]
	if !ok || !n.dir || p == "/" {
		ss.reply(550, "No such directory")
		return
	}
	prefix := p + "/"
	for other := range srv.tree {
		if strings.HasPrefix(other, prefix) {
			ss.reply(550, "Directory not empty")
			return
		}
	}
	delete(srv.tree, p)
	ss.reply(250, "Directory removed")
}

func (ss *session) mfmt(arg string) {
	if ss.srv.opts.NoMFMT {
		ss.reply(502, "Command not implemented")
		return
	}
	ts, name, found := strings.Cut(arg, " ")
	t, err := time.ParseInLocation("20060102150405", ts, time.UTC)
	if !found || err != nil {
		ss.reply(501, "Invalid MFMT arguments")
		return
	}
	p := ss.resolve(name)
	srv := ss.srv
	srv.mu.Lock()
	n, ok := srv.tree[p]
	if ok {
		n.mod = t
	}
	srv.mu.Unlock()
	if !ok {
		ss.reply(550, "No such file")
		return
	}
	ss.reply(213, fmt.Sprintf("Modify=%s; %s", ts, name))
}

// children returns the sorted direct children of dir.
func (s *Server) children(dir string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := dir + "/"
	if dir == "/" {
		prefix = "/"
	}
	var out []string
	for p := range s.tree {
		if p == "/" || !strings.HasPrefix(p, prefix) {
			continue
		}
		if !strings.Contains(p[len(prefix):], "/") {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func (ss *session) list(arg string) {
	srv := ss.srv
	// Ignore "-la" style flags.
	if strings.HasPrefix(arg, "-") {
		_, arg, _ = strings.Cut(arg, " ")
	}
	dir := ss.resolve(arg)
	if srv.denied(dir) {
		ss.reply(550, "Permission denied")
		return
	}
	n := srv.lookup(dir)
	if n == nil || !n.dir {
		ss.reply(550, "No such directory")
		return
	}
	var buf strings.Builder
	if srv.opts.ListFormat != "dos" {
		buf.WriteString(fmt.Sprintf("total %d\r\n", len(srv.children(dir))))
	}
	for _, p := range srv.children(dir) {
		c := srv.lookup(p)
		if c == nil {
			continue
		}
		buf.WriteString(srv.formatEntry(path.Base(p), c))
		buf.WriteString("\r\n")
	}
	ss.sendData([]byte(buf.String()), 0)
}

func (s *Server) formatEntry(name string, n *node) string {
	t := n.mod.Add(s.opts.ClockOffset)
	if s.opts.ListFormat == "dos" {
		if n.dir {
			return fmt.Sprintf("%s       <DIR>          %s", t.Format("01-02-06  03:04PM"), name)
		}
		return fmt.Sprintf("%s %20d %s", t.Format("01-02-06  03:04PM"), len(n.data), name)
	}
	perms := "-rw-r--r--"
	if n.dir {
		perms = "drwxr-xr-x"
	}
	stamp := t.Format("Jan _2 15:04")
	if now := s.opts.Now().Add(s.opts.ClockOffset); t.Before(now.AddDate(0, -6, 0)) || t.After(now.Add(24*time.Hour)) {
		stamp = t.Format("Jan _2  2006")
	}
	return fmt.Sprintf("%s 1 owner group %12d %s %s", perms, len(n.data), stamp, name)
}

func (ss *session) retr(p string) {
	n := ss.srv.lookup(p)
	if n == nil || n.dir {
		ss.reply(550, "No such file")
		return
	}
	ss.srv.mu.Lock()
	data := append([]byte(nil), n.data...)
	ss.srv.mu.Unlock()
	off := ss.rest
	ss.rest = 0
	if off > int64(len(data)) {
		off = int64(len(data))
	}
	ss.sendData(data, off)
}

// sendData runs the download side of a data transfer.
func (ss *session) sendData(data []byte, off int64) {
	conn, ok := ss.openData()
	if !ok {
		return
	}
	var w io.Writer = conn
	var zw *zlib.Writer
	if ss.compress {
		zw = zlib.NewWriter(conn)
		w = zw
	}
	_, err := w.Write(data[off:])
	if zw != nil && err == nil {
		err = zw.Close()
	}
	conn.Close()
	if err != nil {
		ss.reply(426, "Transfer aborted")
		return
	}
	ss.reply(226, "Transfer complete")
}

func (ss *session) stor(p string) {
	srv := ss.srv
	if parent := srv.lookup(path.Dir(p)); parent == nil || !parent.dir {
		ss.reply(553, "Parent directory does not exist")
		return
	}
	if n := srv.lookup(p); n != nil && n.dir {
		ss.reply(553, "Is a directory")
		return
	}
	off := ss.rest
	ss.rest = 0
	conn, ok := ss.openData()
	if !ok {
		return
	}
	var r io.Reader = conn
	if ss.compress {
		zr, err := zlib.NewReader(conn)
		if err != nil && err != io.EOF {
			conn.Close()
			ss.reply(426, "Invalid compressed stream")
			return
		}
		if zr != nil {
			defer zr.Close()
			r = zr
		} else {
			r = strings.NewReader("")
		}
	}
	data, err := io.ReadAll(r)
	conn.Close()
	if err != nil {
		ss.reply(426, "Transfer aborted")
		return
	}

	srv.mu.Lock()
	if old, exists := srv.tree[p]; exists && off > 0 {
		if off > int64(len(old.data)) {
			off = int64(len(old.data))
		}
		data = append(append([]byte(nil), old.data[:off]...), data...)
	}
	srv.tree[p] = &node{data: data, mod: srv.opts.Now().UTC()}
	srv.mu.Unlock()
	ss.reply(226, "Transfer complete")
}

// openData sends the preliminary reply and connects the data channel.
func (ss *session) openData() (net.Conn, bool) {
	var conn net.Conn
	var err error
	switch {
	case ss.pasv != nil:
		ss.reply(150, "Opening data connection")
		if tl, ok := ss.pasv.(*net.TCPListener); ok {
			tl.SetDeadline(time.Now().Add(5 * time.Second))
		}
		conn, err = ss.pasv.Accept()
		ss.pasv.Close()
		ss.pasv = nil
	case ss.portAddr != "":
		addr := ss.portAddr
		ss.portAddr = ""
		if ss.srv.opts.RejectActive {
			ss.reply(425, "Can't open data connection")
			return nil, false
		}
		ss.reply(150, "Opening data connection")
		if ss.srv.opts.NoConnectBack {
			// The client gives up and drops the session.
			return nil, false
		}
		conn, err = net.DialTimeout("tcp4", addr, 5*time.Second)
	default:
		ss.reply(425, "Use PORT or PASV first")
		return nil, false
	}
	if err != nil {
		ss.reply(425, "Can't open data connection")
		return nil, false
	}
	if ss.protP && ss.srv.tlsConf != nil {
		tlsConn := tls.Server(conn, ss.srv.tlsConf)
		tlsConn.SetDeadline(time.Now().Add(5 * time.Second))
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			ss.reply(425, "TLS negotiation failed")
			return nil, false
		}
		tlsConn.SetDeadline(time.Time{})
		conn = tlsConn
	}
	return conn, true
}

func (ss *session) closeData() {
	if ss.pasv != nil {
		ss.pasv.Close()
		ss.pasv = nil
	}
	ss.portAddr = ""
}

func (ss *session) checksum(verb, arg string) {
	if ss.srv.opts.NoHash {
		ss.reply(502, "Command not implemented")
		return
	}
	name, start, end := splitRange(arg)
	n := ss.srv.lookup(ss.resolve(name))
	if n == nil || n.dir {
		ss.reply(550, "No such file")
		return
	}
	ss.srv.mu.Lock()
	data := append([]byte(nil), n.data...)
	ss.srv.mu.Unlock()
	if end <= 0 || end > int64(len(data)) {
		end = int64(len(data))
	}
	if start > end {
		start = end
	}

	var h hash.Hash
	switch verb {
	case "XCRC":
		h = crc32.NewIEEE()
	case "XMD5", "MD5":
		h = md5.New()
	default:
		h = sha1.New()
	}
	h.Write(data[start:end])
	digest := h.Sum(nil)
	if ss.srv.opts.CorruptHash {
		digest[0] ^= 0xff
	}
	sum := strings.ToUpper(hex.EncodeToString(digest))
	if verb == "MD5" {
		ss.reply(251, name+" "+sum)
		return
	}
	ss.reply(250, sum)
}

// splitRange parses `name`, `"name with spaces"` or `name start end`.
func splitRange(arg string) (string, int64, int64) {
	arg = strings.TrimSpace(arg)
	var name, rest string
	if strings.HasPrefix(arg, `"`) {
		if i := strings.Index(arg[1:], `"`); i >= 0 {
			name = arg[1 : i+1]
			rest = strings.TrimSpace(arg[i+2:])
		}
	} else {
		fields := strings.Fields(arg)
		if len(fields) >= 3 {
			name = strings.Join(fields[:len(fields)-2], " ")
			rest = strings.Join(fields[len(fields)-2:], " ")
		} else {
			name = arg
		}
	}
	parts := strings.Fields(rest)
	if len(parts) != 2 {
		return name, 0, 0
	}
	start, err1 := strconv.ParseInt(parts[0], 10, 64)
	end, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return arg, 0, 0
	}
	return name, start, end
}

func parsePort(arg string) (string, error) {
	parts := strings.Split(arg, ",")
	if len(parts) != 6 {
		return "", fmt.Errorf("bad PORT %q", arg)
	}
	nums := make([]int, 6)
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 || n > 255 {
			return "", fmt.Errorf("bad PORT %q", arg)
		}
		nums[i] = n
	}
	ip := fmt.Sprintf("%d.%d.%d.%d", nums[0], nums[1], nums[2], nums[3])
	return net.JoinHostPort(ip, strconv.Itoa(nums[4]<<8|nums[5])), nil
}
