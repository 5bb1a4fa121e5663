package pathsync

import (
	"fmt"
	"strings"
)

// Failure is one entry that could not be synchronized.
type Failure struct {
	// Path is relative to the sync root; empty for the root pair itself.
	Path string
	// Op is the action that failed: list, copy, delete, mkdir, replace.
	Op string
	// Session is the FTP session id, if an FTP session was involved.
	Session string
	Err     error
}

func (f Failure) Error() string {
	path := f.Path
	if path == "" {
		path = "/"
	}
	if f.Session != "" {
		return fmt.Sprintf("%s %s (session %s): %v", f.Op, path, f.Session, f.Err)
	}
	return fmt.Sprintf("%s %s: %v", f.Op, path, f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

// Result is the outcome of Synchronize.
type Result struct {
	// Failures survived the retry pass, sorted by path.
	Failures []Failure
	Stats    Stats
	// Retried is the number of directory pairs driven a second time.
	Retried int
}

// OK reports whether the run ended without failures.
func (r *Result) OK() bool { return len(r.Failures) == 0 }

// Err joins the failures into one error, nil when there are none.
func (r *Result) Err() error {
	if r.OK() {
		return nil
	}
	msgs := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		msgs = append(msgs, f.Error())
	}
	return fmt.Errorf("%d entries failed to sync:\n  %s", len(r.Failures), strings.Join(msgs, "\n  "))
}
