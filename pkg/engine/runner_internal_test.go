package engine

import (
	"context"
	"testing"

	"github.com/paulschiretz/pgl-sync/pkg/connpool"
	"github.com/paulschiretz/pgl-sync/pkg/location"
	"github.com/paulschiretz/pgl-sync/pkg/pathfs"
)

func TestWorkerTarget(t *testing.T) {
	mustParse := func(t *testing.T, raw string) location.Location {
		t.Helper()
		loc, err := location.Parse(raw)
		if err != nil {
			t.Fatalf("failed to parse %s: %v", raw, err)
		}
		return loc
	}
	localSide := func(t *testing.T) *side {
		return &side{name: "local", loc: mustParse(t, t.TempDir()), env: &pathfs.Env{}}
	}
	ftpSide := func(t *testing.T, raw string, slots int) *side {
		conns := connpool.New(connpool.Options{Slots: slots})
		t.Cleanup(func() { conns.Close(context.Background()) })
		return &side{name: "ftp", loc: mustParse(t, raw), env: &pathfs.Env{Conns: conns}}
	}

	testCases := []struct {
		name    string
		workers int
		sides   func(t *testing.T) []*side
		want    int
	}{
		{
			name:    "Local only uses configured workers",
			workers: 6,
			sides:   func(t *testing.T) []*side { return []*side{localSide(t), localSide(t)} },
			want:    6,
		},
		{
			name:    "Local only never drops below one",
			workers: 0,
			sides:   func(t *testing.T) []*side { return []*side{localSide(t), localSide(t)} },
			want:    1,
		},
		{
			name:    "Single FTP side",
			workers: 16,
			sides: func(t *testing.T) []*side {
				return []*side{localSide(t), ftpSide(t, "ftp://example.com/site", 4)}
			},
			want: 4,
		},
		{
			name:    "Smaller of two FTP sides",
			workers: 16,
			sides: func(t *testing.T) []*side {
				return []*side{ftpSide(t, "ftp://a.example.com/", 5), ftpSide(t, "ftp://b.example.com/", 3)}
			},
			want: 3,
		},
		{
			name:    "Connections option overrides the pool default",
			workers: 16,
			sides: func(t *testing.T) []*side {
				return []*side{ftpSide(t, "ftp://a.example.com/?connections=2", 8), localSide(t)}
			},
			want: 2,
		},
		{
			name:    "Slots may exceed configured workers",
			workers: 2,
			sides: func(t *testing.T) []*side {
				return []*side{ftpSide(t, "ftp://a.example.com/", 7)}
			},
			want: 7,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := workerTarget(tc.workers, tc.sides(t)...); got != tc.want {
				t.Errorf("workerTarget() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestWorkerTargetClosedPool(t *testing.T) {
	loc, err := location.Parse("ftp://example.com/")
	if err != nil {
		t.Fatal(err)
	}
	conns := connpool.New(connpool.Options{Slots: 3})
	conns.Close(context.Background())
	s := &side{name: "ftp", loc: loc, env: &pathfs.Env{Conns: conns}}
	if got := workerTarget(5, s); got != 5 {
		t.Errorf("workerTarget() = %d, want the configured 5 for a closed pool", got)
	}
}
