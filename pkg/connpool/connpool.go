// Package connpool reuses authenticated FTP sessions across the tasks of a
// sync run.
//
// Every endpoint (user, host and port) has a fixed number of slots guarded
// by a weighted semaphore. A slot holds either an idle session or nothing,
// in which case a new session is dialed on demand. Borrowers prefer an idle
// session whose working directory already matches the directory they are
// about to work in.
package connpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/paulschiretz/pgl-sync/pkg/ftp"
	"github.com/paulschiretz/pgl-sync/pkg/location"
	"github.com/paulschiretz/pgl-sync/pkg/plog"
	"github.com/paulschiretz/pgl-sync/pkg/util"
)

var (
	// ErrSessionBusy reports a session handed out or returned twice.
	ErrSessionBusy = errors.New("connpool: session borrower count violated")
	// ErrClosed is returned by Borrow after Close.
	ErrClosed = errors.New("connpool: pool closed")
)

// DefaultSlots is the number of sessions per endpoint when neither the
// location nor the options say otherwise.
const DefaultSlots = 10

// idleProbeAfter is how long a session may sit idle before it is checked
// with NOOP on the next borrow.
const idleProbeAfter = 15 * time.Second

// FallbackPolicy decides what happens after an active mode data connection
// was blocked.
type FallbackPolicy int

const (
	// FallbackPersist switches the endpoint to passive for the rest of the run.
	FallbackPersist FallbackPolicy = iota
	// FallbackOnce retries only the failed operation in passive mode.
	FallbackOnce
)

var fallbackToString = map[FallbackPolicy]string{FallbackPersist: "persist", FallbackOnce: "once"}
var stringToFallback = util.InvertMap(fallbackToString)

func (f FallbackPolicy) String() string {
	if s, ok := fallbackToString[f]; ok {
		return s
	}
	return fmt.Sprintf("unknown_fallback(%d)", f)
}

// ParseFallbackPolicy parses "persist" or "once".
func ParseFallbackPolicy(s string) (FallbackPolicy, error) {
	if v, ok := stringToFallback[strings.ToLower(s)]; ok {
		return v, nil
	}
	return 0, fmt.Errorf("invalid passive fallback policy: %q. Must be 'persist' or 'once'", s)
}

// MarshalJSON implements the json.Marshaler interface.
func (f FallbackPolicy) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (f *FallbackPolicy) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("FallbackPolicy should be a string, got %s", data)
	}
	v, err := ParseFallbackPolicy(s)
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// DialFunc opens a session. ftp.Dial is used when none is set.
type DialFunc func(ctx context.Context, cfg ftp.Config) (*ftp.Client, error)

// Options configure a Pool.
type Options struct {
	// Base carries the run wide client settings; each location overrides
	// endpoint and per-location options.
	Base     ftp.Config
	Slots    int
	Fallback FallbackPolicy
	Dial     DialFunc
}

// Session is a borrowed FTP session.
type Session struct {
	*ftp.Client
	ep        *endpoint
	borrowers atomic.Int32
	idleSince time.Time
}

// Borrowers returns the number of current borrowers, 0 or 1.
func (s *Session) Borrowers() int32 { return s.borrowers.Load() }

type endpoint struct {
	key  string
	cfg  ftp.Config
	sem  *semaphore.Weighted
	size int

	mu   sync.Mutex
	idle []*Session

	passive atomic.Bool

	offsetMu    sync.Mutex
	offset      time.Duration
	offsetKnown bool

	dialed    atomic.Int64
	reused    atomic.Int64
	discarded atomic.Int64
}

// Stats are cumulative session counters across all endpoints.
type Stats struct {
	Dialed    int64
	Reused    int64
	Discarded int64
}

// Pool hands out sessions per endpoint.
type Pool struct {
	opts Options

	mu        sync.Mutex
	endpoints map[string]*endpoint
	closed    bool
}

// New returns an empty pool.
func New(opts Options) *Pool {
	if opts.Slots <= 0 {
		opts.Slots = DefaultSlots
	}
	if opts.Dial == nil {
		opts.Dial = ftp.Dial
	}
	return &Pool{opts: opts, endpoints: make(map[string]*endpoint)}
}

func (p *Pool) endpoint(loc location.Location) (*endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	key := loc.Endpoint()
	if ep, ok := p.endpoints[key]; ok {
		return ep, nil
	}
	size := p.opts.Slots
	if loc.Connections > 0 {
		size = loc.Connections
	}
	cfg := loc.FTPConfig(p.opts.Base)
	ep := &endpoint{key: key, cfg: cfg, sem: semaphore.NewWeighted(int64(size)), size: size}
	ep.passive.Store(cfg.Passive)
	if loc.ClockOffsetSet {
		ep.offset, ep.offsetKnown = loc.ClockOffset, true
	}
	p.endpoints[key] = ep
	return ep, nil
}

// Slots returns the number of sessions loc's endpoint may hold.
func (p *Pool) Slots(loc location.Location) int {
	ep, err := p.endpoint(loc)
	if err != nil {
		return 0
	}
	return ep.size
}

// Passive reports the endpoint's current data connection mode.
func (p *Pool) Passive(loc location.Location) bool {
	ep, err := p.endpoint(loc)
	if err != nil {
		return false
	}
	return ep.passive.Load()
}

// Borrow blocks until a slot is free and returns a session for loc,
// preferring one already in dir.
func (p *Pool) Borrow(ctx context.Context, loc location.Location, dir string) (*Session, error) {
	ep, err := p.endpoint(loc)
	if err != nil {
		return nil, err
	}
	if err := ep.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	s, err := p.take(ctx, ep, dir)
	if err != nil {
		ep.sem.Release(1)
		return nil, err
	}
	if !s.borrowers.CompareAndSwap(0, 1) {
		ep.sem.Release(1)
		return nil, ErrSessionBusy
	}
	s.SetPassive(ep.passive.Load())
	return s, nil
}

// take finds a live idle session or dials a new one.
func (p *Pool) take(ctx context.Context, ep *endpoint, dir string) (*Session, error) {
	for {
		s := ep.pickIdle(dir)
		if s == nil {
			break
		}
		if s.Alive() && (time.Since(s.idleSince) < idleProbeAfter || s.Noop(ctx) == nil) {
			ep.reused.Add(1)
			return s, nil
		}
		plog.Debug("Dropping disconnected session", "endpoint", ep.key, "session", s.ID())
		s.Close()
		ep.discarded.Add(1)
	}

	cfg := ep.cfg
	cfg.Passive = ep.passive.Load()
	c, err := p.opts.Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	ep.dialed.Add(1)
	plog.Debug("Opened session", "endpoint", ep.key, "session", c.ID())
	return &Session{Client: c, ep: ep}, nil
}

func (ep *endpoint) pickIdle(dir string) *Session {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if len(ep.idle) == 0 {
		return nil
	}
	idx := len(ep.idle) - 1
	for i, s := range ep.idle {
		if s.CurrentDir() == dir {
			idx = i
			break
		}
	}
	s := ep.idle[idx]
	ep.idle = append(ep.idle[:idx], ep.idle[idx+1:]...)
	return s
}

// Return puts a session back. Dead sessions are closed instead.
func (p *Pool) Return(s *Session) {
	if !s.borrowers.CompareAndSwap(1, 0) {
		plog.Error("Session returned without being borrowed", "session", s.ID(), "error", ErrSessionBusy)
		return
	}
	ep := s.ep
	defer ep.sem.Release(1)

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed || !s.Alive() {
		s.Close()
		ep.discarded.Add(1)
		return
	}
	s.idleSince = time.Now()
	ep.mu.Lock()
	ep.idle = append(ep.idle, s)
	ep.mu.Unlock()
}

// Discard closes a borrowed session and frees its slot.
func (p *Pool) Discard(s *Session) {
	if !s.borrowers.CompareAndSwap(1, 0) {
		plog.Error("Session discarded without being borrowed", "session", s.ID(), "error", ErrSessionBusy)
		return
	}
	s.Close()
	s.ep.discarded.Add(1)
	s.ep.sem.Release(1)
}

// Do borrows a session, runs fn and returns or discards the session
// depending on the outcome. A blocked active mode data connection is retried
// once in passive mode according to the fallback policy.
func (p *Pool) Do(ctx context.Context, loc location.Location, dir string, fn func(*Session) error) error {
	err := p.do(ctx, loc, dir, false, fn)
	if err == nil || !errors.Is(err, ftp.ErrActiveBlocked) {
		return err
	}

	ep, epErr := p.endpoint(loc)
	if epErr != nil {
		return err
	}
	switch p.opts.Fallback {
	case FallbackPersist:
		if ep.passive.CompareAndSwap(false, true) {
			plog.Warn("Active mode data connection blocked, switching endpoint to passive mode", "endpoint", ep.key, "error", err)
		}
	default:
		plog.Warn("Active mode data connection blocked, retrying in passive mode", "endpoint", ep.key, "error", err)
	}
	return p.do(ctx, loc, dir, true, fn)
}

func (p *Pool) do(ctx context.Context, loc location.Location, dir string, forcePassive bool, fn func(*Session) error) error {
	s, err := p.Borrow(ctx, loc, dir)
	if err != nil {
		return err
	}
	if forcePassive {
		s.SetPassive(true)
	}
	err = fn(s)
	if err != nil && ftp.IsConnLost(err) {
		p.Discard(s)
		return err
	}
	p.Return(s)
	return err
}

// ClockOffset returns the endpoint's server clock offset. The first caller
// runs detect; its result is shared for the rest of the run. A failed
// detection is logged and treated as UTC.
func (p *Pool) ClockOffset(ctx context.Context, loc location.Location, detect func(context.Context) (time.Duration, error)) time.Duration {
	ep, err := p.endpoint(loc)
	if err != nil {
		return 0
	}
	ep.offsetMu.Lock()
	defer ep.offsetMu.Unlock()
	if ep.offsetKnown {
		return ep.offset
	}
	d, err := detect(ctx)
	if err != nil {
		plog.Warn("Could not detect server clock offset, assuming UTC", "endpoint", ep.key, "error", err)
		d = 0
	} else if d != 0 {
		plog.Notice("Detected server clock offset", "endpoint", ep.key, "offset", d)
	}
	ep.offset, ep.offsetKnown = d, true
	return d
}

// KnownClockOffset returns the endpoint's clock offset if it has been set
// or detected already.
func (p *Pool) KnownClockOffset(loc location.Location) (time.Duration, bool) {
	ep, err := p.endpoint(loc)
	if err != nil {
		return 0, false
	}
	ep.offsetMu.Lock()
	defer ep.offsetMu.Unlock()
	return ep.offset, ep.offsetKnown
}

// Stats returns the cumulative counters of all endpoints.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var st Stats
	for _, ep := range p.endpoints {
		st.Dialed += ep.dialed.Load()
		st.Reused += ep.reused.Load()
		st.Discarded += ep.discarded.Load()
	}
	return st
}

// Close ends all idle sessions with QUIT. Borrowed sessions are closed when
// they are returned.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	endpoints := make([]*endpoint, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		endpoints = append(endpoints, ep)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, ep := range endpoints {
		ep.mu.Lock()
		idle := ep.idle
		ep.idle = nil
		ep.mu.Unlock()
		for _, s := range idle {
			wg.Add(1)
			go func(s *Session) {
				defer wg.Done()
				qctx, cancel := context.WithTimeout(ctx, 5*time.Second)
				defer cancel()
				if err := s.Quit(qctx); err != nil {
					plog.Debug("QUIT failed", "session", s.ID(), "error", err)
				}
			}(s)
		}
	}
	wg.Wait()
}
