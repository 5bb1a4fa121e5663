// Package location parses the source and destination addresses of a sync:
// a local path, or an ftp:// / ftps:// URL with transfer options in the
// query string.
//
// Supported options:
//
//	passive | active        data connection mode
//	connections=<n>         sessions per endpoint
//	zip | raw               MODE Z on or off
//	old                     change directories one segment at a time
//	time=<±N|±N.5|Z|UTC>    server clock offset in hours
//	crc | md5 | sha         post-transfer integrity check
//	implicit                implicit TLS (ftps only)
//	insecure                skip TLS certificate verification
package location

import (
	"fmt"
	"net"
	"net/url"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-sync/pkg/ftp"
	"github.com/paulschiretz/pgl-sync/pkg/util"
)

// Kind distinguishes local from remote locations.
type Kind int

const (
	Local Kind = iota
	FTP
)

func (k Kind) String() string {
	if k == FTP {
		return "ftp"
	}
	return "local"
}

// DataMode is the per location data connection preference.
type DataMode int

const (
	// DataModeDefault defers to the configuration.
	DataModeDefault DataMode = iota
	DataModePassive
	DataModeActive
)

// Toggle is an option that may be left to the configuration.
type Toggle int

const (
	ToggleDefault Toggle = iota
	ToggleOn
	ToggleOff
)

// Location is a parsed sync endpoint.
type Location struct {
	Kind Kind
	// Path is an absolute OS path for local locations and an absolute slash
	// separated path for FTP.
	Path string

	Host     string
	Port     int
	User     string
	Password string
	Security ftp.Security

	DataMode    DataMode
	Connections int
	Compress    Toggle
	OldCwd      bool
	Hash        ftp.HashAlgo
	Insecure    bool

	// ClockOffset is the server's offset from UTC. It is only meaningful
	// when ClockOffsetSet is true; otherwise it is detected at runtime.
	ClockOffset    time.Duration
	ClockOffsetSet bool
}

// Parse parses a location string.
func Parse(s string) (Location, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Location{}, fmt.Errorf("empty location")
	}
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "ftp://") || strings.HasPrefix(lower, "ftps://") {
		return parseFTP(s)
	}
	if strings.Contains(s, "://") {
		return Location{}, fmt.Errorf("unsupported location scheme in %q", s)
	}
	return parseLocal(s)
}

func parseLocal(s string) (Location, error) {
	expanded, err := util.ExpandPath(s)
	if err != nil {
		return Location{}, err
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return Location{}, fmt.Errorf("could not resolve local path %q: %w", s, err)
	}
	return Location{Kind: Local, Path: abs}, nil
}

func parseFTP(s string) (Location, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Location{}, fmt.Errorf("invalid ftp location: %w", err)
	}
	if u.Hostname() == "" {
		return Location{}, fmt.Errorf("ftp location %q has no host", redact(s))
	}
	loc := Location{
		Kind: FTP,
		Host: u.Hostname(),
		Path: path.Clean("/" + u.Path),
	}
	if u.User != nil {
		loc.User = u.User.Username()
		loc.Password, _ = u.User.Password()
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return Location{}, fmt.Errorf("invalid port %q", p)
		}
		loc.Port = port
	}

	tls := strings.EqualFold(u.Scheme, "ftps")
	if tls {
		loc.Security = ftp.SecurityExplicit
		if loc.Port == 990 {
			loc.Security = ftp.SecurityImplicit
		}
	}

	if err := loc.applyOptions(u.RawQuery, tls); err != nil {
		return Location{}, err
	}
	return loc, nil
}

func (l *Location) applyOptions(raw string, tls bool) error {
	if raw == "" {
		return nil
	}
	for _, opt := range strings.FieldsFunc(raw, func(r rune) bool { return r == '&' || r == ';' }) {
		key, value, hasValue := strings.Cut(opt, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		if v, err := url.PathUnescape(value); err == nil {
			value = v
		}
		switch key {
		case "passive":
			l.DataMode = DataModePassive
		case "active":
			l.DataMode = DataModeActive
		case "connections":
			n, err := strconv.Atoi(value)
			if !hasValue || err != nil || n < 1 {
				return fmt.Errorf("invalid connections value %q", value)
			}
			l.Connections = n
		case "zip":
			l.Compress = ToggleOn
		case "raw":
			l.Compress = ToggleOff
		case "old":
			l.OldCwd = true
		case "time":
			off, err := ParseClockOffset(value)
			if !hasValue || err != nil {
				return fmt.Errorf("invalid time value %q", value)
			}
			l.ClockOffset = off
			l.ClockOffsetSet = true
		case "crc":
			l.Hash = ftp.HashCRC32
		case "md5":
			l.Hash = ftp.HashMD5
		case "sha":
			l.Hash = ftp.HashSHA1
		case "implicit":
			if !tls {
				return fmt.Errorf("option implicit requires an ftps location")
			}
			l.Security = ftp.SecurityImplicit
		case "insecure":
			l.Insecure = true
		default:
			return fmt.Errorf("unknown location option %q", key)
		}
	}
	return nil
}

// ParseClockOffset parses "+2", "-5.5", "Z" or "UTC" as hours east of UTC.
func ParseClockOffset(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "z") || strings.EqualFold(s, "utc") {
		return 0, nil
	}
	whole, frac, hasFrac := strings.Cut(s, ".")
	h, err := strconv.Atoi(whole)
	if err != nil || h < -14 || h > 14 {
		return 0, fmt.Errorf("invalid clock offset %q", s)
	}
	d := time.Duration(h) * time.Hour
	if hasFrac {
		if frac != "5" {
			return 0, fmt.Errorf("invalid clock offset %q: only .5 fractions are allowed", s)
		}
		if strings.HasPrefix(whole, "-") {
			d -= 30 * time.Minute
		} else {
			d += 30 * time.Minute
		}
	}
	return d, nil
}

// IsFTP reports whether the location is remote.
func (l Location) IsFTP() bool { return l.Kind == FTP }

// Endpoint identifies the server and login; sessions are shared per
// endpoint.
func (l Location) Endpoint() string {
	if l.Kind == Local {
		return "local"
	}
	port := l.Port
	if port == 0 {
		port = 21
		if l.Security == ftp.SecurityImplicit {
			port = 990
		}
	}
	user := l.User
	if user == "" {
		user = "anonymous"
	}
	return user + "@" + net.JoinHostPort(l.Host, strconv.Itoa(port))
}

// String returns the location with the password removed.
func (l Location) String() string {
	if l.Kind == Local {
		return l.Path
	}
	scheme := "ftp"
	if l.Security != ftp.SecurityNone {
		scheme = "ftps"
	}
	u := url.URL{Scheme: scheme, Path: l.Path}
	u.Host = l.Host
	if l.Port != 0 {
		u.Host = net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
	}
	if l.User != "" {
		u.User = url.User(l.User)
	}
	return u.String()
}

// Join returns a child location with rel appended to the path.
func (l Location) Join(rel string) Location {
	if rel == "" {
		return l
	}
	out := l
	if l.Kind == Local {
		out.Path = filepath.Join(l.Path, util.DenormalizePath(rel))
	} else {
		out.Path = util.JoinRemote(l.Path, rel)
	}
	return out
}

// FTPConfig derives the client configuration for this location from base,
// which carries the run wide defaults.
func (l Location) FTPConfig(base ftp.Config) ftp.Config {
	cfg := base
	cfg.Host = l.Host
	cfg.Port = l.Port
	cfg.User = l.User
	cfg.Password = l.Password
	cfg.Security = l.Security
	cfg.InsecureSkipVerify = base.InsecureSkipVerify || l.Insecure
	switch l.DataMode {
	case DataModePassive:
		cfg.Passive = true
	case DataModeActive:
		cfg.Passive = false
	}
	switch l.Compress {
	case ToggleOn:
		cfg.Compress = true
	case ToggleOff:
		cfg.Compress = false
	}
	if l.Hash != ftp.HashNone {
		cfg.Hash = l.Hash
	}
	return cfg
}

func redact(s string) string {
	u, err := url.Parse(s)
	if err != nil || u.User == nil {
		return s
	}
	return u.Redacted()
}
