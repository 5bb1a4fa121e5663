package pathfs

import (
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/paulschiretz/pgl-sync/pkg/connpool"
	"github.com/paulschiretz/pgl-sync/pkg/pool"
	"github.com/paulschiretz/pgl-sync/pkg/sharded"
	"github.com/paulschiretz/pgl-sync/pkg/workpool"
)

// Env is the job context shared by all Directory handles of one side of a
// sync. It must not be copied after first use.
type Env struct {
	Workers *workpool.Pool
	// Conns hands out FTP sessions. Nil for local trees.
	Conns *connpool.Pool
	// Buffers back the chunks of download streams.
	Buffers *pool.BucketedBufferPool
	// CopyBuffers back local file writes.
	CopyBuffers *pool.FixedBufferPool
	DryRun      bool
	// ReadOnly marks the source side. Nothing is created on it, and a
	// directory that cannot be listed is an error rather than empty.
	ReadOnly bool

	dirs    singleflight.Group
	once    sync.Once
	created *sharded.Set
}

// ensureDir runs create at most once per key for the lifetime of the Env.
// Concurrent callers for the same key wait for the first one.
func (env *Env) ensureDir(key string, create func() error) error {
	env.once.Do(func() { env.created = sharded.NewSet(64) })
	if env.created.Has(key) {
		return nil
	}
	_, err, _ := env.dirs.Do(key, func() (any, error) {
		if env.created.Has(key) {
			return nil, nil
		}
		if err := create(); err != nil {
			return nil, err
		}
		env.created.Add(key)
		return nil, nil
	})
	return err
}

// mayCreate reports whether listing a missing directory may create it.
func (env *Env) mayCreate() bool {
	return !env.DryRun && !env.ReadOnly
}

// tolerateMissing reports whether a missing directory lists as empty. Only
// the destination root of a dry run qualifies: the run would have created
// it. Subdirectories a dry run would create are wrapped by Planned and never
// reach the server.
func (env *Env) tolerateMissing(self *Entry) bool {
	return env.DryRun && !env.ReadOnly && self == nil
}
