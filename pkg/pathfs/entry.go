// Package pathfs abstracts a directory that is either on the local
// filesystem or on an FTP server, so the sync engine can walk and modify
// both the same way.
package pathfs

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-sync/pkg/location"
	"github.com/paulschiretz/pgl-sync/pkg/plog"
)

// Kind is the type of an Entry.
type Kind int

const (
	KindFile Kind = iota
	KindDir
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "directory"
	default:
		return fmt.Sprintf("unknown_kind(%d)", k)
	}
}

// Entry is one file or directory found by a listing. Entries are immutable.
type Entry struct {
	Name    string
	Kind    Kind
	ModTime time.Time // UTC
	Size    int64     // files only
	// Parent is the directory this entry was listed in, nil at the root.
	Parent *Entry
}

// IsDir reports whether the entry is a directory.
func (e *Entry) IsDir() bool { return e.Kind == KindDir }

// RelPath returns the slash separated path of e relative to the sync root.
func (e *Entry) RelPath() string {
	if e == nil {
		return ""
	}
	var parts []string
	for cur := e; cur != nil; cur = cur.Parent {
		parts = append(parts, cur.Name)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "/")
}

// Listing holds the entries of one directory in discovery order, at most
// one per name.
type Listing struct {
	entries []*Entry
	byName  map[string]*Entry
}

// NewListing returns an empty listing.
func NewListing() *Listing {
	return &Listing{byName: make(map[string]*Entry)}
}

// Add appends e unless an entry of the same name exists. Duplicates are
// dropped with a warning.
func (l *Listing) Add(e *Entry) bool {
	if _, exists := l.byName[e.Name]; exists {
		plog.Warn("Dropping duplicate directory entry", "path", e.RelPath())
		return false
	}
	l.byName[e.Name] = e
	l.entries = append(l.entries, e)
	return true
}

// Entries returns the entries in discovery order.
func (l *Listing) Entries() []*Entry { return l.entries }

// Lookup returns the entry named name.
func (l *Listing) Lookup(name string) (*Entry, bool) {
	e, ok := l.byName[name]
	return e, ok
}

// Len returns the number of entries.
func (l *Listing) Len() int { return len(l.entries) }

// Directory is a handle on one directory of a sync tree.
type Directory interface {
	// Location returns where the directory lives.
	Location() location.Location
	// Entry returns the directory's own entry, nil for the sync root.
	Entry() *Entry
	// List reads the directory. A directory that does not exist yet is
	// created, or reported empty in dry run mode.
	List(ctx context.Context) (*Listing, error)
	// ReadFile opens e for reading. Closing the reader reports any error of
	// a background producer.
	ReadFile(ctx context.Context, e *Entry) (io.ReadCloser, error)
	// WriteFile stores r as e.Name and preserves e.ModTime where possible.
	WriteFile(ctx context.Context, r io.Reader, e *Entry) (int64, error)
	Delete(ctx context.Context, e *Entry) error
	// DeleteDirectory removes e and everything below it.
	DeleteDirectory(ctx context.Context, e *Entry) error
	CreateDirectory(ctx context.Context, e *Entry) error
	// Child returns a handle for the subdirectory e.
	Child(e *Entry) Directory
}

// Open returns the Directory for loc.
func Open(loc location.Location, env *Env) (Directory, error) {
	switch loc.Kind {
	case location.Local:
		return NewLocal(loc, env), nil
	case location.FTP:
		if env.Conns == nil {
			return nil, fmt.Errorf("no connection pool for %s", loc)
		}
		return NewFTP(loc, env), nil
	default:
		return nil, fmt.Errorf("unsupported location kind %v", loc.Kind)
	}
}

// Planned wraps a directory that a dry run would have created. It lists as
// empty without touching the filesystem or server, and so do its children.
func Planned(d Directory) Directory {
	return plannedDir{d}
}

type plannedDir struct {
	Directory
}

func (p plannedDir) List(ctx context.Context) (*Listing, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return NewListing(), nil
}

func (p plannedDir) Child(e *Entry) Directory {
	return plannedDir{p.Directory.Child(e)}
}
