package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/paulschiretz/pgl-sync/pkg/buildinfo"
	"github.com/paulschiretz/pgl-sync/pkg/config"
	"github.com/paulschiretz/pgl-sync/pkg/engine"
	"github.com/paulschiretz/pgl-sync/pkg/flagparse"
	"github.com/paulschiretz/pgl-sync/pkg/hook"
	"github.com/paulschiretz/pgl-sync/pkg/lockfile"
	"github.com/paulschiretz/pgl-sync/pkg/planner"
	"github.com/paulschiretz/pgl-sync/pkg/plog"
)

// RunSync handles the logic for the main sync execution.
func RunSync(ctx context.Context, flagMap map[string]interface{}) error {
	configPath, _ := flagMap["config"].(string)

	// Load the config file, or use defaults if there is none.
	loadedConfig, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Merge the flag values over the loaded config to get the final run config.
	runConfig := config.MergeConfigWithFlags(flagparse.Sync, loadedConfig, flagMap)

	// CRITICAL: Validate the config for the run
	if err := runConfig.Validate(config.ValidationOptions{RequireLocations: true}); err != nil {
		return err
	}

	// Set the global log level based on the final configuration.
	plog.SetLevel(plog.LevelFromString(runConfig.LogLevel))

	syncPlan, err := planner.GenerateSyncPlan(runConfig)
	if err != nil {
		return err
	}

	if syncPlan.Log.File != "" {
		if err := plog.EnableFile(syncPlan.Log.File, syncPlan.Log.MaxBytes, syncPlan.Log.ArchiveDiscarded); err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer func() {
			if err := plog.CloseFile(); err != nil {
				plog.Warn("Failed to close log file", "error", err)
			}
		}()
	}

	runConfig.LogSummary()

	runner := engine.NewRunner(hook.NewHookExecutor(exec.CommandContext), nil, lockfile.DefaultDir())

	startTime := time.Now()
	result, err := runner.ExecuteSync(ctx, syncPlan)
	duration := time.Since(startTime).Round(time.Millisecond)
	if errors.Is(err, engine.ErrAlreadyRunning) {
		// Not a failure; the other run does the work.
		return nil
	}
	if result != nil && !result.OK() {
		for _, f := range result.Failures {
			plog.Error("Unrecovered failure", "op", f.Op, "path", f.Path, "session", f.Session, "error", f.Err)
		}
		return fmt.Errorf("%d entries failed to sync", len(result.Failures))
	}
	if err != nil {
		return err // The error will be logged with full details by main()
	}
	plog.Info(buildinfo.Name+" finished successfully.", "duration", duration)
	return nil
}
