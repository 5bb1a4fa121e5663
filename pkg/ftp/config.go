package ftp

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-sync/pkg/pool"
	"github.com/paulschiretz/pgl-sync/pkg/util"
)

// Security selects how the command connection is protected.
type Security int

const (
	// SecurityNone is plain FTP.
	SecurityNone Security = iota
	// SecurityExplicit upgrades a plain connection with AUTH TLS.
	SecurityExplicit
	// SecurityImplicit speaks TLS from the first byte.
	SecurityImplicit
)

var securityToString = map[Security]string{SecurityNone: "none", SecurityExplicit: "explicit", SecurityImplicit: "implicit"}
var stringToSecurity map[string]Security

// HashAlgo selects the post-transfer integrity check.
type HashAlgo int

const (
	// HashNone disables integrity checks.
	HashNone HashAlgo = iota
	// HashCRC32 uses XCRC.
	HashCRC32
	// HashMD5 uses XMD5 (or MD5).
	HashMD5
	// HashSHA1 uses XSHA1.
	HashSHA1
)

var hashToString = map[HashAlgo]string{HashNone: "none", HashCRC32: "crc", HashMD5: "md5", HashSHA1: "sha"}
var stringToHash map[string]HashAlgo

func init() {
	stringToSecurity = util.InvertMap(securityToString)
	stringToHash = util.InvertMap(hashToString)
}

func (s Security) String() string {
	if str, ok := securityToString[s]; ok {
		return str
	}
	return fmt.Sprintf("unknown_security(%d)", s)
}

// ParseSecurity parses "none", "explicit" or "implicit".
func ParseSecurity(s string) (Security, error) {
	if v, ok := stringToSecurity[strings.ToLower(s)]; ok {
		return v, nil
	}
	return 0, fmt.Errorf("invalid ftp security: %q. Must be 'none', 'explicit' or 'implicit'", s)
}

// MarshalJSON implements the json.Marshaler interface.
func (s Security) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (h HashAlgo) String() string {
	if str, ok := hashToString[h]; ok {
		return str
	}
	return fmt.Sprintf("unknown_hash(%d)", h)
}

// ParseHashAlgo parses "none", "crc", "md5" or "sha".
func ParseHashAlgo(s string) (HashAlgo, error) {
	if v, ok := stringToHash[strings.ToLower(s)]; ok {
		return v, nil
	}
	return 0, fmt.Errorf("invalid hash algorithm: %q. Must be 'none', 'crc', 'md5' or 'sha'", s)
}

// MarshalJSON implements the json.Marshaler interface.
func (h HashAlgo) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (h *HashAlgo) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("HashAlgo should be a string, got %s", data)
	}
	parsed, err := ParseHashAlgo(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// PortRange is an inclusive range of local ports for active mode listeners.
// The zero value lets the OS choose.
type PortRange struct {
	Min int
	Max int
}

// ParsePortRange parses "50000-50100", a single port, or "" (any port).
func ParsePortRange(s string) (PortRange, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return PortRange{}, nil
	}
	lo, hi, found := strings.Cut(s, "-")
	if !found {
		hi = lo
	}
	min, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return PortRange{}, fmt.Errorf("invalid port range %q: %w", s, err)
	}
	max, err := strconv.Atoi(strings.TrimSpace(hi))
	if err != nil {
		return PortRange{}, fmt.Errorf("invalid port range %q: %w", s, err)
	}
	if min < 1 || max > 65535 || min > max {
		return PortRange{}, fmt.Errorf("invalid port range %q", s)
	}
	return PortRange{Min: min, Max: max}, nil
}

func (r PortRange) String() string {
	if r.Min == 0 {
		return "any"
	}
	return fmt.Sprintf("%d-%d", r.Min, r.Max)
}

// Progress is reported periodically during a transfer.
type Progress struct {
	Session string
	Name    string
	Bytes   int64
	Total   int64 // 0 when unknown
	Elapsed time.Duration
}

// Percent returns the completed percentage, or -1 when the total is unknown.
func (p Progress) Percent() float64 {
	if p.Total <= 0 {
		return -1
	}
	return float64(p.Bytes) * 100 / float64(p.Total)
}

// ProgressFunc receives transfer progress.
type ProgressFunc func(Progress)

// Config describes one FTP endpoint and how to talk to it.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string

	Security           Security
	InsecureSkipVerify bool
	TLSConfig          *tls.Config

	Passive     bool
	ActivePorts PortRange
	// NATWorkaround dials the control host when PASV reports a private
	// address for a public server.
	NATWorkaround bool

	Compress bool
	Hash     HashAlgo

	CommandTimeout   time.Duration
	DataTimeout      time.Duration
	QuoteGrace       time.Duration
	ProgressInterval time.Duration

	// ThrottleBytesPerSec caps the transfer rate per session. 0 disables.
	ThrottleBytesPerSec int64

	Buffers    *pool.FixedBufferPool
	Parser     ListingParser
	OnProgress ProgressFunc
}

// Default timeouts.
const (
	DefaultCommandTimeout   = 30 * time.Second
	DefaultDataTimeout      = 30 * time.Second
	DefaultQuoteGrace       = 2 * time.Second
	DefaultProgressInterval = 10 * time.Second
	DefaultBufferSize       = 64 * 1024
)

// Addr returns host:port, applying the default port for the security mode.
func (c Config) Addr() string {
	port := c.Port
	if port == 0 {
		port = 21
		if c.Security == SecurityImplicit {
			port = 990
		}
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// login returns the credentials, anonymous when no user is configured.
func (c Config) login() (string, string) {
	if c.User == "" {
		return "anonymous", "anonymous@"
	}
	return c.User, c.Password
}

func (c Config) withDefaults() Config {
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.DataTimeout <= 0 {
		c.DataTimeout = DefaultDataTimeout
	}
	if c.QuoteGrace <= 0 {
		c.QuoteGrace = DefaultQuoteGrace
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = DefaultProgressInterval
	}
	if c.Buffers == nil {
		c.Buffers = pool.NewFixedBuffer(DefaultBufferSize)
	}
	if c.Parser == nil {
		c.Parser = NewGenericParser()
	}
	return c
}

func (c Config) tlsConfig() *tls.Config {
	var conf *tls.Config
	if c.TLSConfig != nil {
		conf = c.TLSConfig.Clone()
	} else {
		conf = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if conf.ServerName == "" {
		conf.ServerName = c.Host
	}
	if c.InsecureSkipVerify {
		conf.InsecureSkipVerify = true
	}
	if conf.ClientSessionCache == nil {
		// Many servers require the data channel to resume the control session.
		conf.ClientSessionCache = tls.NewLRUClientSessionCache(16)
	}
	return conf
}
