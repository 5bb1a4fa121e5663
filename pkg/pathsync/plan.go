package pathsync

import (
	"time"

	"github.com/paulschiretz/pgl-sync/pkg/workpool"
)

// DefaultSlack absorbs timestamp resolution differences between file systems
// and FTP listings.
const DefaultSlack = 60 * time.Second

// Plan holds everything a sync run needs besides the two directories.
type Plan struct {
	Policy Policy
	// Force copies every file regardless of timestamps and sizes.
	Force bool
	// Slack is how far apart two timestamps may be and still count as equal.
	Slack time.Duration
	// RetryWait is the pause before failing directory pairs are re-driven.
	RetryWait time.Duration
	// NoRetry disables the retry pass.
	NoRetry bool

	Exclude []string

	// Workers runs the traversal tasks. It should be the pool the
	// directories' Env uses for downloads.
	Workers *workpool.Pool

	// Global Flags
	DryRun           bool
	Metrics          bool
	ProgressInterval time.Duration
}
