package connpool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-sync/pkg/ftp"
	"github.com/paulschiretz/pgl-sync/pkg/ftp/ftptest"
	"github.com/paulschiretz/pgl-sync/pkg/location"
	"github.com/paulschiretz/pgl-sync/pkg/plog"
)

func TestMain(m *testing.M) {
	plog.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func setup(t *testing.T, srvOpts ftptest.Options, query string, mutate func(*Options)) (*ftptest.Server, *Pool, location.Location) {
	t.Helper()
	srv, err := ftptest.NewServer(srvOpts)
	if err != nil {
		t.Fatalf("failed to start test server: %v", err)
	}
	t.Cleanup(srv.Close)

	loc, err := location.Parse(fmt.Sprintf("ftp://%s/%s", srv.Addr(), query))
	if err != nil {
		t.Fatalf("failed to parse location: %v", err)
	}
	opts := Options{
		Base:  ftp.Config{Passive: true, CommandTimeout: 5 * time.Second, DataTimeout: 5 * time.Second},
		Slots: 2,
	}
	if mutate != nil {
		mutate(&opts)
	}
	p := New(opts)
	t.Cleanup(func() { p.Close(context.Background()) })
	return srv, p, loc
}

func TestBorrowPrefersMatchingDirectory(t *testing.T) {
	srv, p, loc := setup(t, ftptest.Options{}, "", nil)
	srv.Mkdir("/a", time.Now())
	ctx := context.Background()

	s1, err := p.Borrow(ctx, loc, "/")
	if err != nil {
		t.Fatal(err)
	}
	s2, err := p.Borrow(ctx, loc, "/")
	if err != nil {
		t.Fatal(err)
	}
	if s1.Borrowers() != 1 || s2.Borrowers() != 1 {
		t.Fatalf("expected borrower count 1, got %d and %d", s1.Borrowers(), s2.Borrowers())
	}
	if err := s1.Cwd(ctx, "/a"); err != nil {
		t.Fatal(err)
	}
	p.Return(s2)
	p.Return(s1)
	if s1.Borrowers() != 0 || s2.Borrowers() != 0 {
		t.Fatalf("expected borrower count 0 after return")
	}

	got, err := p.Borrow(ctx, loc, "/a")
	if err != nil {
		t.Fatal(err)
	}
	defer p.Return(got)
	if got != s1 {
		t.Errorf("expected the session already in /a to be reused")
	}
	if st := p.Stats(); st.Dialed != 2 || st.Reused != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestBorrowBlocksWhenSlotsExhausted(t *testing.T) {
	_, p, loc := setup(t, ftptest.Options{}, "?connections=1", nil)
	if p.Slots(loc) != 1 {
		t.Fatalf("expected the location to override the slot count, got %d", p.Slots(loc))
	}

	s, err := p.Borrow(context.Background(), loc, "/")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := p.Borrow(ctx, loc, "/"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected borrow to block until the deadline, got %v", err)
	}

	p.Return(s)
	s2, err := p.Borrow(context.Background(), loc, "/")
	if err != nil {
		t.Fatalf("expected borrow to succeed after return, got %v", err)
	}
	p.Return(s2)
}

func TestDeadSessionIsReplaced(t *testing.T) {
	_, p, loc := setup(t, ftptest.Options{}, "", nil)
	ctx := context.Background()

	s, err := p.Borrow(ctx, loc, "/")
	if err != nil {
		t.Fatal(err)
	}
	s.Close()
	p.Return(s)

	s2, err := p.Borrow(ctx, loc, "/")
	if err != nil {
		t.Fatal(err)
	}
	defer p.Return(s2)
	if s2 == s || !s2.Alive() {
		t.Error("expected a fresh live session")
	}
	if st := p.Stats(); st.Dialed != 2 || st.Discarded != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestReturnTwiceIsRejected(t *testing.T) {
	_, p, loc := setup(t, ftptest.Options{}, "", nil)
	s, err := p.Borrow(context.Background(), loc, "/")
	if err != nil {
		t.Fatal(err)
	}
	p.Return(s)
	p.Return(s)
	if s.Borrowers() != 0 {
		t.Errorf("expected borrower count 0, got %d", s.Borrowers())
	}
}

func TestDoDiscardsOnLostConnection(t *testing.T) {
	_, p, loc := setup(t, ftptest.Options{}, "", nil)
	err := p.Do(context.Background(), loc, "/", func(s *Session) error {
		s.Close()
		return s.Noop(context.Background())
	})
	if !ftp.IsConnLost(err) {
		t.Fatalf("expected a lost connection, got %v", err)
	}
	if st := p.Stats(); st.Discarded != 1 {
		t.Errorf("expected the session to be discarded, got %+v", st)
	}
}

func TestActiveFallback(t *testing.T) {
	testCases := []struct {
		name         string
		policy       FallbackPolicy
		wantPassive  bool
		wantPortCmds int
	}{
		{name: "Persist", policy: FallbackPersist, wantPassive: true, wantPortCmds: 1},
		{name: "Once", policy: FallbackOnce, wantPassive: false, wantPortCmds: 2},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv, p, loc := setup(t, ftptest.Options{RejectActive: true}, "?active", func(o *Options) {
				o.Fallback = tc.policy
			})
			srv.WriteFile("/f.txt", []byte("content"), time.Now())

			for i := 0; i < 2; i++ {
				var buf bytes.Buffer
				err := p.Do(context.Background(), loc, "/", func(s *Session) error {
					_, err := s.Retrieve(context.Background(), "/f.txt", &buf, ftp.TransferOptions{})
					return err
				})
				if err != nil {
					t.Fatalf("run %d: expected fallback to succeed, got %v", i, err)
				}
				if buf.String() != "content" {
					t.Fatalf("run %d: unexpected content %q", i, buf.String())
				}
			}
			if p.Passive(loc) != tc.wantPassive {
				t.Errorf("expected endpoint passive=%v, got %v", tc.wantPassive, p.Passive(loc))
			}
			if got := srv.CountCommand("PORT"); got != tc.wantPortCmds {
				t.Errorf("expected %d PORT commands, got %d", tc.wantPortCmds, got)
			}
		})
	}
}

func TestClockOffsetDetectedOnce(t *testing.T) {
	_, p, loc := setup(t, ftptest.Options{}, "", nil)

	var calls atomic.Int32
	detect := func(context.Context) (time.Duration, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return 2 * time.Hour, nil
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got := p.ClockOffset(context.Background(), loc, detect); got != 2*time.Hour {
				t.Errorf("expected 2h, got %v", got)
			}
		}()
	}
	wg.Wait()
	if calls.Load() != 1 {
		t.Errorf("expected a single detection, got %d", calls.Load())
	}
}

func TestClockOffsetFromLocation(t *testing.T) {
	_, p, loc := setup(t, ftptest.Options{}, "?time=-3", nil)
	got := p.ClockOffset(context.Background(), loc, func(context.Context) (time.Duration, error) {
		t.Error("detection must not run when time= is given")
		return 0, nil
	})
	if got != -3*time.Hour {
		t.Errorf("expected -3h, got %v", got)
	}
}

func TestCloseQuitsIdleSessions(t *testing.T) {
	srv, p, loc := setup(t, ftptest.Options{}, "", nil)
	ctx := context.Background()
	s1, _ := p.Borrow(ctx, loc, "/")
	s2, _ := p.Borrow(ctx, loc, "/")
	p.Return(s1)
	p.Return(s2)

	p.Close(ctx)
	if got := srv.CountCommand("QUIT"); got != 2 {
		t.Errorf("expected 2 QUIT commands, got %d", got)
	}
	if _, err := p.Borrow(ctx, loc, "/"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestParseFallbackPolicy(t *testing.T) {
	for in, want := range map[string]FallbackPolicy{"persist": FallbackPersist, "ONCE": FallbackOnce} {
		got, err := ParseFallbackPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseFallbackPolicy(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseFallbackPolicy("never"); err == nil {
		t.Error("expected an error for an unknown policy")
	}
}
