// Package workpool runs short tasks on two independent concurrency budgets:
// a traversal level for listing, comparing and copying, and a transfer
// level for background download streams. Workers are started lazily. When a
// level is saturated the submitting goroutine runs the task itself.
package workpool

import (
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/paulschiretz/pgl-sync/pkg/plog"
	"github.com/paulschiretz/pgl-sync/pkg/util"
)

// Level selects the concurrency budget a task runs on.
type Level int

const (
	// Traversal is the foreground level: list, compare, copy.
	Traversal Level = iota
	// Transfer is the background level: streaming producers.
	Transfer
	numLevels
)

var levelToString = map[Level]string{Traversal: "traversal", Transfer: "transfer"}
var stringToLevel map[string]Level

func init() {
	stringToLevel = util.InvertMap(levelToString)
}

// String returns the string representation of a Level.
func (l Level) String() string {
	if str, ok := levelToString[l]; ok {
		return str
	}
	return fmt.Sprintf("unknown_level(%d)", l)
}

// ParseLevel parses a level name.
func ParseLevel(s string) (Level, error) {
	if l, ok := stringToLevel[s]; ok {
		return l, nil
	}
	return 0, fmt.Errorf("invalid worker level: %q. Must be 'traversal' or 'transfer'", s)
}

// MarshalJSON implements the json.Marshaler interface.
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// Task is a unit of work.
type Task func()

type level struct {
	name    Level
	target  int
	queue   chan Task
	workers atomic.Int32
	inline  atomic.Int64
}

// Pool is a two-level worker pool.
type Pool struct {
	levels [numLevels]*level

	pending sync.WaitGroup
	closed  atomic.Bool
	workers sync.WaitGroup
}

// New creates a pool. traversal and transfer are the target worker counts
// of each level; queueSize bounds each level's queue.
func New(traversal, transfer, queueSize int) *Pool {
	p := &Pool{}
	for i, target := range []int{traversal, transfer} {
		p.levels[i] = &level{
			name:   Level(i),
			target: max(target, 1),
			queue:  make(chan Task, max(queueSize, 1)),
		}
	}
	return p
}

// Submit schedules task on the given level.
//
// Below the level's worker target a new worker is started and the task is
// queued for it. At full capacity the task is queued only while the queue is
// empty; otherwise, or when the queue is full, it runs inline on the
// caller's goroutine.
func (p *Pool) Submit(lvl Level, task Task) {
	if p.closed.Load() {
		panic("workpool: submit on closed pool")
	}
	l := p.levels[lvl]
	p.pending.Add(1)

	spawned := false
	for {
		n := l.workers.Load()
		if int(n) >= l.target {
			break
		}
		if l.workers.CompareAndSwap(n, n+1) {
			p.workers.Add(1)
			go p.work(l)
			spawned = true
			break
		}
	}

	if spawned || len(l.queue) == 0 {
		select {
		case l.queue <- task:
			return
		default:
		}
	}

	l.inline.Add(1)
	p.run(l, task)
}

func (p *Pool) work(l *level) {
	defer p.workers.Done()
	for task := range l.queue {
		p.run(l, task)
	}
}

func (p *Pool) run(l *level, task Task) {
	defer p.pending.Done()
	defer func() {
		if r := recover(); r != nil {
			plog.Error("Worker task panicked", "level", l.name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task()
}

// Await blocks until every submitted task, on both levels, has finished.
// Tasks may submit further tasks while Await is waiting.
func (p *Pool) Await() {
	p.pending.Wait()
}

// Close waits for outstanding tasks and stops all workers.
func (p *Pool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.pending.Wait()
	for _, l := range p.levels {
		close(l.queue)
	}
	p.workers.Wait()
}

// Stats reports the current worker count and the number of tasks that ran
// inline for a level.
func (p *Pool) Stats(lvl Level) (workers int, inline int64) {
	l := p.levels[lvl]
	return int(l.workers.Load()), l.inline.Load()
}

// Target returns the target worker count of a level.
func (p *Pool) Target(lvl Level) int {
	return p.levels[lvl].target
}
