// Package engine runs one sync from a finished plan: preflight checks, the
// run lock, hooks, the sync itself and the metrics export.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"time"

	"github.com/paulschiretz/pgl-sync/pkg/connpool"
	"github.com/paulschiretz/pgl-sync/pkg/ftp"
	"github.com/paulschiretz/pgl-sync/pkg/hints"
	"github.com/paulschiretz/pgl-sync/pkg/hook"
	"github.com/paulschiretz/pgl-sync/pkg/location"
	"github.com/paulschiretz/pgl-sync/pkg/lockfile"
	"github.com/paulschiretz/pgl-sync/pkg/metrics"
	"github.com/paulschiretz/pgl-sync/pkg/pathfs"
	"github.com/paulschiretz/pgl-sync/pkg/pathsync"
	"github.com/paulschiretz/pgl-sync/pkg/planner"
	"github.com/paulschiretz/pgl-sync/pkg/plog"
	"github.com/paulschiretz/pgl-sync/pkg/pool"
	"github.com/paulschiretz/pgl-sync/pkg/preflight"
	"github.com/paulschiretz/pgl-sync/pkg/util"
	"github.com/paulschiretz/pgl-sync/pkg/workpool"
)

// ErrAlreadyRunning is returned when another run holds the lock for the
// same source and destination. It is a hint: nothing failed.
var ErrAlreadyRunning = hints.New("another run is syncing the same source and destination")

// minChunkSize is the smallest download chunk bucket.
const minChunkSize = 4 * 1024

// closeTimeout bounds the QUIT round at teardown.
const closeTimeout = 10 * time.Second

type Runner struct {
	hooks   *hook.HookExecutor
	dial    connpool.DialFunc
	lockDir string
}

// NewRunner creates a Runner. dial may be nil to use real connections;
// lockDir is where run locks are kept.
func NewRunner(hooks *hook.HookExecutor, dial connpool.DialFunc, lockDir string) *Runner {
	return &Runner{hooks: hooks, dial: dial, lockDir: lockDir}
}

// side is one end of the sync with the resources it owns.
type side struct {
	name string
	loc  location.Location
	env  *pathfs.Env
}

func (s *side) close(ctx context.Context) {
	if s.env.Conns == nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	s.env.Conns.Close(cctx)
}

// ExecuteSync runs p. The returned Result is nil when the sync did not
// start; otherwise it carries the entry level failures. The error is set
// when the run as a whole failed, including when entries failed to sync.
func (r *Runner) ExecuteSync(ctx context.Context, p *planner.SyncPlan) (*pathsync.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	src, dst := r.newSides(p)
	defer src.close(ctx)
	defer dst.close(ctx)

	target := workerTarget(p.Performance.Workers, src, dst)
	workers := workpool.New(target, target, p.Performance.QueueSize)
	defer workers.Close()
	src.env.Workers, dst.env.Workers = workers, workers
	plog.Debug("Worker pool sized", "workers", target)

	// Run Preflight Validation
	validator := preflight.NewValidator(probe(src, dst))
	if err := validator.Run(ctx, src.loc, dst.loc, p.Preflight); err != nil {
		return nil, fmt.Errorf("preflight failed: %w", err)
	}

	release, err := r.acquireLock(ctx, p.LockKey)
	if err != nil {
		return nil, err
	}
	defer release()

	// --- Pre-Sync Hooks ---
	if err := r.hooks.RunPreSync(ctx, p.Hooks); err != nil && !hints.IsHint(err) {
		errMsg := "pre-sync hook failed"
		if errors.Is(err, context.Canceled) {
			errMsg = "pre-sync hook canceled"
		}
		return nil, fmt.Errorf("%s: %w", errMsg, err)
	}

	result, syncErr := r.synchronize(ctx, src, dst, p, workers)

	// --- Post-Sync Hooks ---
	// They run even when the sync failed and see its outcome.
	if err := r.hooks.RunPostSync(ctx, p.Hooks, syncErr); err != nil && !hints.IsHint(err) {
		if errors.Is(err, context.Canceled) {
			plog.Info("Post-sync hooks skipped due to cancellation.")
		} else {
			plog.Warn("Post-sync hook failed", "error", err)
		}
	}

	src.close(ctx)
	dst.close(ctx)
	r.writeMetrics(p, result, src, dst)
	return result, syncErr
}

func (r *Runner) synchronize(ctx context.Context, src, dst *side, p *planner.SyncPlan, workers *workpool.Pool) (*pathsync.Result, error) {
	srcDir, err := pathfs.Open(src.loc, src.env)
	if err != nil {
		return nil, err
	}
	dstDir, err := pathfs.Open(dst.loc, dst.env)
	if err != nil {
		return nil, err
	}

	plan := *p.Sync
	plan.Workers = workers
	result, err := pathsync.Synchronize(ctx, srcDir, dstDir, plan)
	if err != nil {
		return result, fmt.Errorf("sync aborted: %w", err)
	}
	return result, result.Err()
}

// newSides builds the per side environments. Each FTP side gets its own
// connection pool so its session counters can be told apart. The worker
// pool is attached once its size is known.
func (r *Runner) newSides(p *planner.SyncPlan) (*side, *side) {
	bufSize := max(p.Performance.BufferSize, minChunkSize)
	chunks := pool.NewBucketedBufferPool(minChunkSize, max(ceilPowerOfTwo(int64(bufSize)), 2*minChunkSize))
	copies := pool.NewFixedBuffer(int64(bufSize))

	opts := p.Pool
	opts.Dial = r.dial
	opts.Base.Buffers = copies
	opts.Base.OnProgress = logProgress

	newSide := func(name string, loc location.Location, dryRun, readOnly bool) *side {
		env := &pathfs.Env{
			Buffers:     chunks,
			CopyBuffers: copies,
			DryRun:      dryRun,
			ReadOnly:    readOnly,
		}
		if loc.IsFTP() {
			env.Conns = connpool.New(opts)
		}
		return &side{name: name, loc: loc, env: env}
	}
	return newSide("source", p.Source, p.DryRun, true), newSide("destination", p.Destination, p.DryRun, false)
}

// workerTarget sizes both worker levels. A task holds at most one session
// per side, so more workers than the smaller FTP side has slots would only
// wait for sessions. Runs without an FTP side use the configured count.
func workerTarget(workers int, sides ...*side) int {
	target := 0
	for _, s := range sides {
		if s.env.Conns == nil {
			continue
		}
		if n := s.env.Conns.Slots(s.loc); n > 0 && (target == 0 || n < target) {
			target = n
		}
	}
	if target == 0 {
		return max(workers, 1)
	}
	return target
}

// probe checks FTP locations through the pool of the side they belong to.
func probe(sides ...*side) preflight.ProbeFunc {
	return func(ctx context.Context, loc location.Location, create bool) error {
		for _, s := range sides {
			if s.loc == loc && s.env.Conns != nil {
				return pathfs.Probe(ctx, loc, s.env, create)
			}
		}
		return fmt.Errorf("no connection pool for %s", loc)
	}
}

func (r *Runner) acquireLock(ctx context.Context, key string) (func(), error) {
	plog.Debug("Attempting to acquire run lock", "dir", r.lockDir)
	lock, err := lockfile.Acquire(ctx, r.lockDir, key)
	if err != nil {
		var lockErr *lockfile.ErrLockActive
		if errors.As(err, &lockErr) {
			plog.Warn("Sync is already running for this source and destination, skipping run.", "details", lockErr.Error())
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	plog.Debug("Run lock acquired", "path", lock.Path())
	return lock.Release, nil
}

func (r *Runner) writeMetrics(p *planner.SyncPlan, result *pathsync.Result, sides ...*side) {
	if p.MetricsTextfile == "" || result == nil {
		return
	}
	if p.DryRun {
		plog.Debug("[DRY RUN] Skipping metrics textfile", "path", p.MetricsTextfile)
		return
	}
	run := metrics.Run{
		Mode:     p.Sync.Policy.String(),
		Stats:    result.Stats,
		Failures: len(result.Failures),
		Sessions: make(map[string]connpool.Stats),
		Finished: time.Now(),
	}
	for _, s := range sides {
		if s.env.Conns != nil {
			run.Sessions[s.name] = s.env.Conns.Stats()
		}
	}
	if err := metrics.WriteTextfile(p.MetricsTextfile, run); err != nil {
		plog.Warn("Failed to write metrics", "error", err)
		return
	}
	plog.Debug("Metrics written", "path", p.MetricsTextfile)
}

func logProgress(pr ftp.Progress) {
	args := []any{
		"session", pr.Session,
		"file", pr.Name,
		"transferred", util.ByteCountIEC(pr.Bytes),
		"rate", util.ByteRate(pr.Bytes, pr.Elapsed),
	}
	if pct := pr.Percent(); pct >= 0 {
		args = append(args, "percent", fmt.Sprintf("%.0f%%", pct))
	}
	plog.Info("Transfer progress", args...)
}

func ceilPowerOfTwo(n int64) int64 {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len64(uint64(n-1))
}
