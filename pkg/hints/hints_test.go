package hints_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/paulschiretz/pgl-sync/pkg/hints"
)

var (
	errNoHooks    = hints.New("no hooks to execute")
	errLockHeld   = errors.New("lock is active")
	errRunSkipped = hints.Wrap(errLockHeld)
)

func TestIsHint(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"Nil", nil, false},
		{"Plain error", errLockHeld, false},
		{"New", errNoHooks, true},
		{"Wrap", errRunSkipped, true},
		{"Newf", hints.Newf("skipping %s", "post-sync hooks"), true},
		{"Wrapped by caller", fmt.Errorf("pre-sync: %w", errNoHooks), true},
		{"Wrapped twice", fmt.Errorf("engine: %w", fmt.Errorf("hook: %w", errRunSkipped)), true},
		{"Plain error wrapped by caller", fmt.Errorf("engine: %w", errLockHeld), false},
		{"Joined with a hint", errors.Join(errLockHeld, errNoHooks), true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := hints.IsHint(tc.err); got != tc.want {
				t.Errorf("IsHint() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if hints.Wrap(nil) != nil {
		t.Error("Wrap(nil) should return nil")
	}
	if errRunSkipped.Error() != errLockHeld.Error() {
		t.Errorf("Wrap changed the message to %q", errRunSkipped.Error())
	}
	if errors.Unwrap(errRunSkipped) != errLockHeld {
		t.Error("Unwrap should return the original error")
	}
}

func TestIs(t *testing.T) {
	tests := []struct {
		name        string
		err, target error
		want        bool
	}{
		{"Hint matching target", errRunSkipped, errLockHeld, true},
		{"Hint sentinel itself", fmt.Errorf("pre: %w", errNoHooks), errNoHooks, true},
		{"Not a hint", errLockHeld, errLockHeld, false},
		{"Hint with other target", errRunSkipped, errNoHooks, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := hints.Is(tc.err, tc.target); got != tc.want {
				t.Errorf("Is() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestNewf(t *testing.T) {
	base := errors.New("destination unchanged")
	err := hints.Newf("skipping %s: %w", "metrics", base)
	if !errors.Is(err, base) {
		t.Error("expected Newf to keep the wrapped error in the chain")
	}
	if err.Error() != "skipping metrics: destination unchanged" {
		t.Errorf("unexpected message %q", err.Error())
	}
}
