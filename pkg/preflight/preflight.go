// Package preflight validates the source and destination of a sync before
// anything is transferred. The checks are meant to fail early with a
// readable message instead of letting the first transfer fail. Apart from
// creating a missing destination they do not change the system.
package preflight

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-sync/pkg/ftp"
	"github.com/paulschiretz/pgl-sync/pkg/location"
	"github.com/paulschiretz/pgl-sync/pkg/plog"
	"github.com/paulschiretz/pgl-sync/pkg/util"
)

// ProbeFunc checks that an FTP location can be entered, creating it when
// create is set.
type ProbeFunc func(ctx context.Context, loc location.Location, create bool) error

// Validator runs the checks of a Plan.
type Validator struct {
	probe ProbeFunc
}

// NewValidator returns a Validator. probe may be nil when neither side is
// an FTP location.
func NewValidator(probe ProbeFunc) *Validator {
	return &Validator{probe: probe}
}

// Run executes the checks selected by p in order and returns the first
// failure.
func (v *Validator) Run(ctx context.Context, src, dst location.Location, p *Plan) error {
	if p.PathNesting {
		if err := CheckPathNesting(src, dst); err != nil {
			return err
		}
	}

	if p.SourceAccessible {
		var err error
		if src.IsFTP() {
			err = v.probeFTP(ctx, src, false)
		} else {
			err = CheckSourceAccessible(src.Path)
		}
		if err != nil {
			return fmt.Errorf("source %s: %w", src, err)
		}
	}

	if dst.IsFTP() {
		if !p.DestinationAccessible && !p.EnsureDestinationExists {
			return nil
		}
		create := p.EnsureDestinationExists && !p.DryRun
		err := v.probeFTP(ctx, dst, create)
		if err != nil && p.DryRun && ftp.ResponseCode(err) == 550 {
			plog.Notice("[DRY RUN] Destination does not exist yet and would be created", "destination", dst.String())
			return nil
		}
		if err != nil {
			return fmt.Errorf("destination %s: %w", dst, err)
		}
		return nil
	}

	if p.DestinationAccessible {
		if err := CheckDestinationAccessible(dst.Path); err != nil {
			return err
		}
	}
	if !p.EnsureDestinationExists {
		return nil
	}
	if p.DryRun {
		plog.Debug("[DRY RUN] Skipping destination creation and write check", "destination", dst.Path)
		return nil
	}
	if p.DestinationWritable {
		return CheckDestinationWritable(dst.Path)
	}
	if err := os.MkdirAll(dst.Path, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create destination directory %s: %w", dst.Path, err)
	}
	return nil
}

func (v *Validator) probeFTP(ctx context.Context, loc location.Location, create bool) error {
	if v.probe == nil {
		return fmt.Errorf("no ftp probe configured")
	}
	if err := v.probe(ctx, loc, create); err != nil {
		return fmt.Errorf("cannot access remote directory: %w", err)
	}
	return nil
}

// CheckSourceAccessible validates that the source path exists and is a
// directory.
func CheckSourceAccessible(srcPath string) error {
	info, err := os.Stat(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("source directory %s does not exist", srcPath)
		}
		return fmt.Errorf("cannot stat source directory %s: %w", srcPath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source path %s is not a directory", srcPath)
	}
	return nil
}

// CheckDestinationAccessible makes sure a local destination is usable
// before anything is written to it:
//  1. The path is not the root of a filesystem or drive.
//  2. The volume or drive holding it is present.
//  3. An existing path is a directory; for a missing path the deepest
//     existing ancestor must be accessible.
//  4. Paths below the usual mount directories must sit on a mounted
//     device, so a missing drive does not silently fill the system disk.
func CheckDestinationAccessible(dstPath string) error {
	if isUnsafeRoot(dstPath) {
		return fmt.Errorf("destination %s is a filesystem root, refusing to sync into it", dstPath)
	}
	if err := checkVolumeExists(dstPath); err != nil {
		return err
	}

	info, err := os.Stat(dstPath)
	if os.IsNotExist(err) {
		ancestor, err := deepestExistingAncestor(dstPath)
		if err != nil {
			return err
		}
		return validateMountPoint(ancestor)
	} else if err != nil {
		return fmt.Errorf("cannot access destination path: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("destination path exists but is not a directory: %s", dstPath)
	}
	return validateMountPoint(dstPath)
}

// deepestExistingAncestor walks up from p until it finds a directory that
// exists and can be read.
func deepestExistingAncestor(p string) (string, error) {
	ancestor := p
	for {
		parent := filepath.Dir(ancestor)
		if parent == ancestor {
			return ancestor, nil
		}
		ancestor = parent
		info, err := os.Stat(ancestor)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("cannot access ancestor directory %s: %w", ancestor, err)
		}
		if !info.IsDir() {
			return "", fmt.Errorf("ancestor %s is not a directory", ancestor)
		}
		// Stat works without read permission; creating below it needs more.
		f, err := os.Open(ancestor)
		if err != nil {
			return "", fmt.Errorf("cannot access ancestor directory %s: %w", ancestor, err)
		}
		f.Close()
		return ancestor, nil
	}
}

// CheckDestinationWritable creates the destination if needed and writes
// and removes a probe file in it.
func CheckDestinationWritable(dstPath string) error {
	if info, err := os.Stat(dstPath); err == nil && !info.IsDir() {
		return fmt.Errorf("destination path exists but is not a directory: %s", dstPath)
	}
	if err := os.MkdirAll(dstPath, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create destination directory %s: %w", dstPath, err)
	}

	probe := filepath.Join(dstPath, ".pgl-sync-writetest.tmp")
	f, err := os.Create(probe)
	if err != nil {
		return fmt.Errorf("destination directory %s is not writable: %w", dstPath, err)
	}
	f.Close()
	_ = os.Remove(probe)
	return nil
}

// CheckPathNesting rejects a source and destination where one contains the
// other. A mirror into its own source would otherwise copy itself forever
// or delete its own input.
func CheckPathNesting(src, dst location.Location) error {
	if src.Kind != dst.Kind {
		return nil
	}
	var nested bool
	if src.IsFTP() {
		if src.Endpoint() != dst.Endpoint() {
			return nil
		}
		nested = isNestedRemote(src.Path, dst.Path)
	} else {
		nested = isNestedLocal(src.Path, dst.Path)
	}
	if nested {
		return fmt.Errorf("source %s and destination %s overlap; one must not be inside the other", src, dst)
	}
	return nil
}

func isNestedLocal(a, b string) bool {
	a, b = filepath.Clean(a), filepath.Clean(b)
	if util.IsHostCaseInsensitiveFS() {
		a, b = strings.ToLower(a), strings.ToLower(b)
	}
	return within(a, b, string(filepath.Separator)) || within(b, a, string(filepath.Separator))
}

func isNestedRemote(a, b string) bool {
	a, b = path.Clean("/"+a), path.Clean("/"+b)
	return within(a, b, "/") || within(b, a, "/")
}

// within reports whether child equals parent or lies below it.
func within(parent, child, sep string) bool {
	if parent == child {
		return true
	}
	if !strings.HasSuffix(parent, sep) {
		parent += sep
	}
	return strings.HasPrefix(child, parent)
}

func validateMountPoint(p string) error {
	return platformValidateMountPoint(p)
}
