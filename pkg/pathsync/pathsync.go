// Package pathsync walks a source and a destination directory tree in
// parallel and makes the destination match the source according to a
// Policy. Either side may be local or remote.
//
// Each directory pair is listed once on both sides. Every source entry is
// then handled by its own task; subdirectories become child pairs. When all
// tasks and child pairs of a pair have finished, destination entries without
// a source counterpart are deleted. Failures are recorded per pair, and each
// failing pair is driven a second time after the whole tree is done.
package pathsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/paulschiretz/pgl-sync/pkg/ftp"
	"github.com/paulschiretz/pgl-sync/pkg/location"
	"github.com/paulschiretz/pgl-sync/pkg/pathfs"
	"github.com/paulschiretz/pgl-sync/pkg/plog"
	"github.com/paulschiretz/pgl-sync/pkg/sharded"
	"github.com/paulschiretz/pgl-sync/pkg/util"
	"github.com/paulschiretz/pgl-sync/pkg/workpool"
)

// errKindConflict is recorded when a file would replace a directory (or the
// reverse) under a policy that never deletes.
var errKindConflict = errors.New("destination entry has a different kind and the policy forbids deletion")

// failedPair collects the failures of one directory pair and what is needed
// to drive it again.
type failedPair struct {
	src, dst pathfs.Directory
	failures []Failure
}

// run is the mutable state of one Synchronize call.
type run struct {
	ctx      context.Context
	plan     Plan
	workers  *workpool.Pool
	excl     exclusionSet
	metrics  Metrics
	failures *sharded.Map[failedPair]
}

// pair is one directory on both sides plus its fan-in state.
type pair struct {
	src, dst pathfs.Directory
	parent   *pair

	srcList *pathfs.Listing
	dstList *pathfs.Listing

	// pending counts unfinished entry tasks and child pairs, plus one hold
	// while tasks are still being scheduled.
	pending atomic.Int64
	done    chan struct{}
}

func (p *pair) key() string {
	return p.src.Entry().RelPath()
}

// Synchronize makes dst match src and returns once the whole tree, including
// the retry pass, has been processed. Entry level failures do not abort the
// run; they are returned in Result.Failures. The error is only set when the
// run could not be carried out, for example after cancellation.
func Synchronize(ctx context.Context, src, dst pathfs.Directory, plan Plan) (*Result, error) {
	if plan.Workers == nil {
		return nil, fmt.Errorf("sync plan has no worker pool")
	}
	if err := ValidateExclusions(plan.Exclude); err != nil {
		return nil, err
	}
	if plan.ProgressInterval <= 0 {
		plan.ProgressInterval = 10 * time.Second
	}

	m := &SyncMetrics{}
	r := &run{
		ctx:      ctx,
		plan:     plan,
		workers:  plan.Workers,
		excl:     makeExclusionSet(plan.Exclude),
		metrics:  m,
		failures: sharded.NewMap[failedPair](64),
	}

	plog.Info("Syncing", "source", src.Location(), "destination", dst.Location(), "mode", plan.Policy, "force", plan.Force, "dry_run", plan.DryRun)
	// The summary is always logged; periodic progress only with metrics on.
	if plan.Metrics {
		m.StartProgress("Sync progress", plan.ProgressInterval)
	} else {
		m.startTime = time.Now()
	}
	defer func() {
		m.StopProgress()
		m.LogSummary("Sync finished")
	}()

	r.drive(&pair{src: src, dst: dst})

	retried := 0
	if r.failures.Count() > 0 && !plan.NoRetry && ctx.Err() == nil {
		retried = r.retry()
	}

	res := &Result{Failures: r.collectFailures(), Stats: m.Snapshot(), Retried: retried}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

// drive processes p and its subtree and waits until all of it is done.
func (r *run) drive(p *pair) {
	p.done = make(chan struct{})
	r.startPair(p)
	<-p.done
	r.workers.Await()
}

// retry waits for RetryWait, then drives every failing pair once more. Pairs
// below another failing pair are covered by their ancestor.
func (r *run) retry() int {
	items := r.failures.Items()
	r.failures.Clear()

	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var roots []string
	for _, k := range keys {
		if len(roots) > 0 && isBelow(k, roots[len(roots)-1]) {
			continue
		}
		roots = append(roots, k)
	}

	plog.Warn("Retrying failed directories", "count", len(roots), "after", r.plan.RetryWait)
	if r.plan.RetryWait > 0 {
		select {
		case <-time.After(r.plan.RetryWait):
		case <-r.ctx.Done():
			// Keep the first pass failures.
			for k, v := range items {
				r.failures.Store(k, v)
			}
			return 0
		}
	}

	// Counters of the first pass stay; failures are recounted.
	r.metrics.AddFailures(-r.metrics.Snapshot().Failures)
	for _, k := range roots {
		fp := items[k]
		r.drive(&pair{src: fp.src, dst: fp.dst})
	}
	return len(roots)
}

// isBelow reports whether rel lies inside dir. The root is "".
func isBelow(rel, dir string) bool {
	return dir == "" || strings.HasPrefix(rel, dir+"/")
}

func (r *run) collectFailures() []Failure {
	var out []Failure
	for _, fp := range r.failures.Items() {
		out = append(out, fp.failures...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Op < out[j].Op
	})
	return out
}

// fail records and logs a failure. e is nil for failures of the pair itself.
func (r *run) fail(p *pair, e *pathfs.Entry, op string, err error) {
	f := Failure{Path: p.key(), Op: op, Session: ftp.SessionOf(err), Err: err}
	if e != nil {
		f.Path = e.RelPath()
	}
	r.metrics.AddFailures(1)
	plog.Error("Sync failed", "op", op, "path", f.Path, "session", f.Session, "error", err)
	r.failures.Update(p.key(), func(old failedPair, exists bool) failedPair {
		if !exists {
			old = failedPair{src: p.src, dst: p.dst}
		}
		old.failures = append(old.failures, f)
		return old
	})
}

// startPair lists both sides and schedules one task per source entry.
func (r *run) startPair(p *pair) {
	if r.ctx.Err() != nil {
		r.finishPair(p)
		return
	}

	g, gctx := errgroup.WithContext(r.ctx)
	g.Go(func() error {
		l, err := p.src.List(gctx)
		if err != nil {
			return fmt.Errorf("listing source %s: %w", p.src.Location(), err)
		}
		p.srcList = l
		return nil
	})
	g.Go(func() error {
		l, err := p.dst.List(gctx)
		if err != nil {
			return fmt.Errorf("listing destination %s: %w", p.dst.Location(), err)
		}
		p.dstList = l
		return nil
	})
	if err := g.Wait(); err != nil {
		p.srcList, p.dstList = nil, nil
		if r.ctx.Err() == nil {
			r.fail(p, nil, "list", err)
		}
		r.finishPair(p)
		return
	}

	p.pending.Store(1)
	for _, se := range p.srcList.Entries() {
		r.metrics.AddEntriesProcessed(1)
		if !r.excl.empty() && r.excl.matches(se.RelPath(), se.Name) {
			plog.Debug("Excluded", "path", se.RelPath())
			r.metrics.AddExcluded(1)
			continue
		}
		p.pending.Add(1)
		if se.IsDir() {
			r.workers.Submit(workpool.Traversal, func() { r.syncDir(p, se) })
		} else {
			r.workers.Submit(workpool.Traversal, func() {
				r.syncFile(p, se)
				r.finishOne(p)
			})
		}
	}
	r.finishOne(p)
}

func (r *run) finishOne(p *pair) {
	if p.pending.Add(-1) == 0 {
		r.finishPair(p)
	}
}

// finishPair runs once everything below p is done: orphans are removed, then
// the parent is notified.
func (r *run) finishPair(p *pair) {
	if p.dstList != nil && r.plan.Policy.Deletes() && r.ctx.Err() == nil {
		r.deleteOrphans(p)
	}
	close(p.done)
	if p.parent != nil {
		r.finishOne(p.parent)
	}
}

func (r *run) deleteOrphans(p *pair) {
	for _, de := range p.dstList.Entries() {
		if _, ok := p.srcList.Lookup(de.Name); ok {
			continue
		}
		if !r.excl.empty() && r.excl.matches(de.RelPath(), de.Name) {
			plog.Debug("Keeping excluded destination entry", "path", de.RelPath())
			continue
		}
		if err := r.remove(p, de); err != nil {
			r.fail(p, de, "delete", err)
		}
	}
}

// remove deletes a destination entry, recursively for directories.
func (r *run) remove(p *pair, de *pathfs.Entry) error {
	if r.plan.DryRun {
		plog.Notice("[DRY RUN] Delete", "path", de.RelPath(), "kind", de.Kind)
		return nil
	}
	if de.IsDir() {
		if err := p.dst.DeleteDirectory(r.ctx, de); err != nil {
			return err
		}
		plog.Notice("Deleted directory", "path", de.RelPath())
		r.metrics.AddDirsDeleted(1)
		return nil
	}
	if err := p.dst.Delete(r.ctx, de); err != nil {
		return err
	}
	plog.Notice("Deleted", "path", de.RelPath())
	r.metrics.AddFilesDeleted(1)
	return nil
}

// replaceKind clears a destination entry whose kind differs from the source.
func (r *run) replaceKind(p *pair, se, de *pathfs.Entry) bool {
	if !r.plan.Policy.Deletes() {
		r.fail(p, se, "replace", errKindConflict)
		return false
	}
	if err := r.remove(p, de); err != nil {
		r.fail(p, se, "replace", err)
		return false
	}
	return true
}

func (r *run) syncFile(p *pair, se *pathfs.Entry) {
	if r.ctx.Err() != nil {
		return
	}
	de, exists := p.dstList.Lookup(se.Name)
	if exists && de.IsDir() {
		if !r.replaceKind(p, se, de) {
			return
		}
		de, exists = nil, false
	}
	if !exists {
		de = nil
	}
	reason := r.plan.Policy.decide(se, de, r.plan.Slack, r.plan.Force)
	if reason == "" {
		r.metrics.AddFilesUpToDate(1)
		return
	}
	if err := r.copy(p, se, reason); err != nil {
		r.fail(p, se, "copy", err)
	}
}

func (r *run) syncDir(p *pair, se *pathfs.Entry) {
	if r.ctx.Err() != nil {
		r.finishOne(p)
		return
	}
	de, exists := p.dstList.Lookup(se.Name)
	if exists && !de.IsDir() {
		if !r.replaceKind(p, se, de) {
			r.finishOne(p)
			return
		}
		exists = false
	}
	if !exists {
		de = &pathfs.Entry{Name: se.Name, Kind: pathfs.KindDir, ModTime: se.ModTime, Parent: p.dst.Entry()}
		if r.plan.DryRun {
			plog.Notice("[DRY RUN] Create directory", "path", se.RelPath())
		} else {
			if err := p.dst.CreateDirectory(r.ctx, de); err != nil {
				r.fail(p, se, "mkdir", err)
				r.finishOne(p)
				return
			}
			plog.Notice("Created directory", "path", se.RelPath())
			r.metrics.AddDirsCreated(1)
		}
	}

	dstChild := p.dst.Child(de)
	if !exists && r.plan.DryRun {
		dstChild = pathfs.Planned(dstChild)
	}
	child := &pair{src: p.src.Child(se), dst: dstChild, parent: p, done: make(chan struct{})}
	r.startPair(child)
}

// copy streams se from the source into the destination directory.
func (r *run) copy(p *pair, se *pathfs.Entry, reason copyReason) error {
	verb, count := r.direction(p)
	if r.plan.DryRun {
		plog.Notice("[DRY RUN] "+verb, "path", se.RelPath(), "size", util.ByteCountIEC(se.Size), "reason", string(reason))
		return nil
	}

	rc, err := p.src.ReadFile(r.ctx, se)
	if err != nil {
		return err
	}
	target := &pathfs.Entry{Name: se.Name, Kind: pathfs.KindFile, ModTime: se.ModTime, Size: se.Size, Parent: p.dst.Entry()}
	start := time.Now()
	n, werr := p.dst.WriteFile(r.ctx, rc, target)
	cerr := rc.Close()
	if werr != nil {
		return werr
	}
	if cerr != nil {
		return cerr
	}
	for _, add := range count {
		add(1)
	}
	r.metrics.AddBytesTransferred(n)
	plog.Notice(verb, "path", se.RelPath(), "size", util.ByteCountIEC(n), "rate", util.ByteRate(n, time.Since(start)), "reason", string(reason))
	return nil
}

// direction names a copy by where the bytes travel and returns the counters
// it increments.
func (r *run) direction(p *pair) (string, []func(int64)) {
	srcRemote := p.src.Location().Kind == location.FTP
	dstRemote := p.dst.Location().Kind == location.FTP
	switch {
	case srcRemote && dstRemote:
		return "Transferred", []func(int64){r.metrics.AddDownloads, r.metrics.AddUploads}
	case srcRemote:
		return "Downloaded", []func(int64){r.metrics.AddDownloads}
	case dstRemote:
		return "Uploaded", []func(int64){r.metrics.AddUploads}
	default:
		return "Copied", []func(int64){r.metrics.AddCopies}
	}
}
