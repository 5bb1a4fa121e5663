package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-sync/pkg/buildinfo"
	"github.com/paulschiretz/pgl-sync/pkg/config"
	"github.com/paulschiretz/pgl-sync/pkg/flagparse"
	"github.com/paulschiretz/pgl-sync/pkg/plog"
)

// RunInit handles the logic for the 'init' command: it writes a config
// file from the existing one (or defaults) with the given flags applied.
func RunInit(ctx context.Context, flagMap map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if flagMap == nil {
		flagMap = map[string]interface{}{}
	}
	configPath, _ := flagMap["config"].(string)
	if configPath == "" {
		configPath = config.ConfigFileName
	}
	absConfigPath, err := filepath.Abs(configPath)
	if err != nil {
		return fmt.Errorf("could not determine absolute path for %s: %w", configPath, err)
	}
	flagMap["config"] = absConfigPath

	initDefault, _ := flagMap["default"].(bool)
	force, _ := flagMap["force"].(bool)

	var baseConfig config.Config
	if initDefault {
		if !force {
			if _, err := os.Stat(absConfigPath); err == nil {
				fmt.Printf("WARNING: Configuration file already exists at %s.\n", absConfigPath)
				fmt.Printf("Using -default will overwrite it with default values. All custom settings will be lost.\n")
				if !PromptForConfirmation("Are you sure you want to continue?", false) {
					plog.Info(buildinfo.Name + " init operation canceled.")
					return nil
				}
			}
		}
		baseConfig = config.NewDefault()
	} else {
		// Keep the settings of an existing file. A corrupt file is replaced
		// by defaults.
		baseConfig, err = config.Load(absConfigPath)
		if err != nil {
			plog.Warn("Could not load existing configuration, starting with defaults.", "reason", err)
			baseConfig = config.NewDefault()
		}
	}

	runConfig := config.MergeConfigWithFlags(flagparse.Init, baseConfig, flagMap)

	// Locations may still be missing; they can be given on the command line
	// of each sync.
	if err := runConfig.Validate(config.ValidationOptions{}); err != nil {
		return err
	}
	plog.SetLevel(plog.LevelFromString(runConfig.LogLevel))

	if runConfig.Runtime.DryRun {
		plog.Info("[DRY RUN] Would write configuration file", "path", runConfig.Runtime.ConfigPath)
		return nil
	}

	startTime := time.Now()
	if err := config.Generate(runConfig); err != nil {
		return fmt.Errorf("failed to generate config file: %w", err)
	}
	duration := time.Since(startTime).Round(time.Millisecond)
	plog.Info(buildinfo.Name+" configuration successfully initialized.", "duration", duration)
	return nil
}

// PromptForConfirmation prompts the user for a yes/no response.
func PromptForConfirmation(prompt string, defaultYes bool) bool {
	suffix := "[y/N]"
	if defaultYes {
		suffix = "[Y/n]"
	}
	fmt.Printf("%s %s: ", prompt, suffix)

	var response string
	_, _ = fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))

	if response == "" {
		return defaultYes
	}
	return response == "y" || response == "yes"
}
