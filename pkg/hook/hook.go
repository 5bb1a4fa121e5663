// Package hook runs user supplied shell commands before and after a sync.
package hook

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"

	"github.com/paulschiretz/pgl-sync/pkg/hints"
	"github.com/paulschiretz/pgl-sync/pkg/plog"
)

var ErrNothingToExecute = hints.New("nothing to execute")
var ErrDisabled = hints.New("hook execution is disabled")

// EnvStatus is set for post-sync commands to "ok" or "failed".
const EnvStatus = "PGL_SYNC_STATUS"

type HookExecutor struct {
	// commandContext allows mocking os/exec for testing hooks.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

// NewHookExecutor creates a HookExecutor. Pass exec.CommandContext outside of tests.
func NewHookExecutor(commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd) *HookExecutor {
	return &HookExecutor{
		commandContext: commandContext,
	}
}

// RunPreSync runs the pre-sync commands in order. With FailFast the first
// failing command aborts the run; otherwise failures are logged.
func (e *HookExecutor) RunPreSync(ctx context.Context, p *Plan) error {
	if !p.Enabled {
		return ErrDisabled
	}
	return e.run(ctx, "pre-sync", p.PreSyncCommands, p, nil)
}

// RunPostSync runs the post-sync commands in order. syncErr is the outcome
// of the sync and is exposed to the commands as EnvStatus.
func (e *HookExecutor) RunPostSync(ctx context.Context, p *Plan, syncErr error) error {
	if !p.Enabled {
		return ErrDisabled
	}
	status := "ok"
	if syncErr != nil {
		status = "failed"
	}
	return e.run(ctx, "post-sync", p.PostSyncCommands, p, map[string]string{EnvStatus: status})
}

func (e *HookExecutor) run(ctx context.Context, stage string, commands []string, p *Plan, extra map[string]string) error {
	if len(commands) == 0 {
		return ErrNothingToExecute
	}

	plog.Info("Running " + stage + " hook commands")
	env := environ(p.Env, extra)

	for _, hookCommand := range commands {
		if err := ctx.Err(); err != nil {
			return err
		}

		if p.DryRun {
			plog.Info("[DRY RUN] Executing command", "stage", stage, "command", hookCommand)
			continue
		}
		plog.Info("Executing command", "stage", stage, "command", hookCommand)

		cmd := e.createCommand(ctx, hookCommand)
		if cmd.Env == nil {
			cmd.Env = os.Environ()
		}
		cmd.Env = append(cmd.Env, env...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Run(); err != nil {
			// A canceled context kills the command; report the cancellation.
			if errors.Is(ctx.Err(), context.Canceled) {
				return context.Canceled
			}
			if p.FailFast {
				return fmt.Errorf("command '%s' failed: %w", hookCommand, err)
			}
			plog.Warn("Hook command failed", "stage", stage, "command", hookCommand, "error", err)
		}
	}
	return nil
}

// environ renders the variable maps as sorted KEY=value pairs.
func environ(maps ...map[string]string) []string {
	var out []string
	for _, m := range maps {
		for k, v := range m {
			out = append(out, k+"="+v)
		}
	}
	sort.Strings(out)
	return out
}
