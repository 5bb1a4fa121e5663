package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-sync/pkg/buildinfo"
	"github.com/paulschiretz/pgl-sync/pkg/connpool"
	"github.com/paulschiretz/pgl-sync/pkg/flagparse"
	"github.com/paulschiretz/pgl-sync/pkg/ftp"
	"github.com/paulschiretz/pgl-sync/pkg/location"
	"github.com/paulschiretz/pgl-sync/pkg/pathsync"
	"github.com/paulschiretz/pgl-sync/pkg/plog"
	"github.com/paulschiretz/pgl-sync/pkg/util"
)

// ConfigFileName is the name of the configuration file looked up in the
// working directory when no -config flag is given.
const ConfigFileName = buildinfo.ConfigFileName

// systemExcludePatterns are always excluded so a config file living inside
// a synced tree is never copied or deleted.
var systemExcludePatterns = []string{ConfigFileName}

type RuntimeConfig struct {
	DryRun bool
	// ConfigPath is the file the config was loaded from or will be written to.
	ConfigPath string
}

type EnginePerformanceConfig struct {
	// Workers is the number of traversal workers. Downloads get the same number.
	Workers      int `json:"workers"`
	BufferSizeKB int `json:"bufferSizeKB"`
	QueueSize    int `json:"queueSize"`
}

type SyncEngineConfig struct {
	Metrics                 bool                    `json:"metrics"`
	MetricsTextfile         string                  `json:"metricsTextfile"`
	ProgressIntervalSeconds int                     `json:"progressIntervalSeconds"`
	Performance             EnginePerformanceConfig `json:"performance"`
}

type SyncConfig struct {
	SlackSeconds     int  `json:"slackSeconds"`
	RetryWaitSeconds int  `json:"retryWaitSeconds"`
	NoRetry          bool `json:"noRetry"`
	// Note: omitempty is intentionally not used so both lists appear in a
	// generated config file.
	DefaultExclude []string `json:"defaultExclude"`
	UserExclude    []string `json:"userExclude"`
}

type FTPConfig struct {
	Connections           int    `json:"connections"`
	Passive               bool   `json:"passive"`
	PassiveFallback       string `json:"passiveFallback"`
	CommandTimeoutSeconds int    `json:"commandTimeoutSeconds"`
	DataTimeoutSeconds    int    `json:"dataTimeoutSeconds"`
	ActivePortRange       string `json:"activePortRange"`
	ThrottleKBps          int    `json:"throttleKBps"`
	QuoteGraceMillis      int    `json:"quoteGraceMillis"`
	NATWorkaround         bool   `json:"natWorkaround"`
	Hash                  string `json:"hash"`
	Compress              bool   `json:"compress"`
}

type LogConfig struct {
	File             string `json:"file"`
	MaxSizeKB        int    `json:"maxSizeKB"`
	ArchiveDiscarded bool   `json:"archiveDiscarded"`
}

type SyncHooksConfig struct {
	// PreSync and PostSync are shell commands run around the sync.
	// SECURITY: These commands are executed as provided. Ensure they are from a trusted source.
	PreSync  []string `json:"preSync"`
	PostSync []string `json:"postSync"`
	FailFast bool     `json:"failFast"`
}

type Config struct {
	Version     string           `json:"version"`
	LogLevel    string           `json:"logLevel"`
	Source      string           `json:"source"`
	Destination string           `json:"destination"`
	Mode        string           `json:"mode"`
	Force       bool             `json:"force"`
	Runtime     RuntimeConfig    `json:"-"` // Never added to config file
	Engine      SyncEngineConfig `json:"engine"`
	Sync        SyncConfig       `json:"sync"`
	FTP         FTPConfig        `json:"ftp"`
	Log         LogConfig        `json:"log"`
	Hooks       SyncHooksConfig  `json:"hooks"`
}

// NewDefault returns a Config with sensible defaults. Source and
// Destination are left empty to force user configuration.
func NewDefault() Config {
	return Config{
		Version:     buildinfo.Version,
		LogLevel:    "info",
		Source:      "",
		Destination: "",
		Mode:        "mirror", // Destination becomes an exact copy of the source.
		Engine: SyncEngineConfig{
			Metrics:                 true,
			ProgressIntervalSeconds: 10,
			Performance: EnginePerformanceConfig{
				Workers:      8,    // Traversal workers; transfers are bounded by FTP connections.
				BufferSizeKB: 256,  // Chunk size for download streams and local copies.
				QueueSize:    1024, // Per level; overflow runs inline on the submitter.
			},
		},
		Sync: SyncConfig{
			SlackSeconds:     int(pathsync.DefaultSlack.Seconds()), // FTP listings often have minute resolution.
			RetryWaitSeconds: 5,
			UserExclude:      []string{},
			DefaultExclude: []string{
				"*.tmp",        // Temporary files
				"*.temp",       // Temporary files
				"*.swp",        // Vim swap files
				"~$*",          // Office lock files
				"desktop.ini",  // Windows folder customization file
				".DS_Store",    // macOS folder customization file
				"Thumbs.db",    // Windows image thumbnail cache
				"@eaDir",       // Synology index folder
				"#recycle",     // Synology recycle bin
				"$Recycle.Bin", // Windows recycle bin
			},
		},
		FTP: FTPConfig{
			Connections:           connpool.DefaultSlots,
			Passive:               true,
			PassiveFallback:       connpool.FallbackPersist.String(),
			CommandTimeoutSeconds: int(ftp.DefaultCommandTimeout.Seconds()),
			DataTimeoutSeconds:    int(ftp.DefaultDataTimeout.Seconds()),
			ActivePortRange:       "",
			ThrottleKBps:          0, // Unlimited.
			QuoteGraceMillis:      int(ftp.DefaultQuoteGrace.Milliseconds()),
			NATWorkaround:         true,
			Hash:                  ftp.HashNone.String(),
			Compress:              false,
		},
		Log: LogConfig{
			File:             "",
			MaxSizeKB:        1024,
			ArchiveDiscarded: false,
		},
		Hooks: SyncHooksConfig{
			PreSync:  []string{},
			PostSync: []string{},
		},
	}
}

// Load reads the configuration file at path, or ConfigFileName in the
// working directory when path is empty. A missing file yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		path = ConfigFileName
	}
	absConfigPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("could not determine absolute path for config file %s: %w", path, err)
	}

	file, err := os.Open(absConfigPath)
	if err != nil {
		if os.IsNotExist(err) {
			config := NewDefault()
			config.Runtime.ConfigPath = absConfigPath
			return config, nil
		}
		return Config{}, fmt.Errorf("error opening config file %s: %w", absConfigPath, err)
	}
	defer file.Close()

	plog.Info("Loading configuration", "path", absConfigPath)
	// Start with defaults so missing fields in the file keep their default.
	config := NewDefault()
	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&config); err != nil {
		return Config{}, fmt.Errorf("error parsing config file %s: %w", absConfigPath, err)
	}
	config.Runtime.ConfigPath = absConfigPath
	config.Version = buildinfo.Version
	return config, nil
}

// Generate writes cfg to its Runtime.ConfigPath, creating parent
// directories as needed.
func Generate(cfg Config) error {
	path := cfg.Runtime.ConfigPath
	if path == "" {
		path = ConfigFileName
	}
	jsonData, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config to JSON: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, jsonData, util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	plog.Info("Successfully saved config file", "path", path)
	return nil
}

// ValidationOptions selects the checks Validate performs on top of the
// structural ones.
type ValidationOptions struct {
	// RequireLocations fails when source or destination is empty.
	RequireLocations bool
}

// Validate checks the configuration for logical errors and inconsistencies.
func (c *Config) Validate(opts ValidationOptions) error {
	if opts.RequireLocations {
		if c.Source == "" {
			return fmt.Errorf("source location cannot be empty")
		}
		if c.Destination == "" {
			return fmt.Errorf("destination location cannot be empty")
		}
	}
	if c.Source != "" {
		if _, err := location.Parse(c.Source); err != nil {
			return fmt.Errorf("invalid source: %w", err)
		}
	}
	if c.Destination != "" {
		if _, err := location.Parse(c.Destination); err != nil {
			return fmt.Errorf("invalid destination: %w", err)
		}
	}

	if _, err := pathsync.ParsePolicy(c.Mode); err != nil {
		return err
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "notice", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %q. Must be 'debug', 'notice', 'info', 'warn' or 'error'", c.LogLevel)
	}

	if c.Engine.Performance.Workers < 1 {
		return fmt.Errorf("engine.performance.workers must be at least 1")
	}
	if c.Engine.Performance.BufferSizeKB <= 0 {
		return fmt.Errorf("engine.performance.bufferSizeKB must be greater than 0")
	}
	if c.Engine.Performance.QueueSize < 0 {
		return fmt.Errorf("engine.performance.queueSize cannot be negative")
	}
	if c.Engine.ProgressIntervalSeconds < 0 {
		return fmt.Errorf("engine.progressIntervalSeconds cannot be negative")
	}

	if c.Sync.SlackSeconds < 0 {
		return fmt.Errorf("sync.slackSeconds cannot be negative")
	}
	if c.Sync.RetryWaitSeconds < 0 {
		return fmt.Errorf("sync.retryWaitSeconds cannot be negative")
	}
	if err := pathsync.ValidateExclusions(c.Sync.DefaultExclude); err != nil {
		return fmt.Errorf("invalid sync.defaultExclude: %w", err)
	}
	if err := pathsync.ValidateExclusions(c.Sync.UserExclude); err != nil {
		return fmt.Errorf("invalid sync.userExclude: %w", err)
	}

	if c.FTP.Connections < 1 {
		return fmt.Errorf("ftp.connections must be at least 1")
	}
	if _, err := connpool.ParseFallbackPolicy(c.FTP.PassiveFallback); err != nil {
		return err
	}
	if c.FTP.CommandTimeoutSeconds < 0 || c.FTP.DataTimeoutSeconds < 0 {
		return fmt.Errorf("ftp timeouts cannot be negative")
	}
	if _, err := ftp.ParsePortRange(c.FTP.ActivePortRange); err != nil {
		return fmt.Errorf("invalid ftp.activePortRange: %w", err)
	}
	if c.FTP.ThrottleKBps < 0 {
		return fmt.Errorf("ftp.throttleKBps cannot be negative")
	}
	if c.FTP.QuoteGraceMillis < 0 {
		return fmt.Errorf("ftp.quoteGraceMillis cannot be negative")
	}
	if _, err := ftp.ParseHashAlgo(c.FTP.Hash); err != nil {
		return err
	}

	if c.Log.MaxSizeKB < 0 {
		return fmt.Errorf("log.maxSizeKB cannot be negative")
	}
	if c.Log.File != "" {
		expanded, err := util.ExpandPath(c.Log.File)
		if err != nil {
			return fmt.Errorf("could not expand log file path: %w", err)
		}
		c.Log.File = filepath.Clean(expanded)
	}
	if c.Engine.MetricsTextfile != "" {
		expanded, err := util.ExpandPath(c.Engine.MetricsTextfile)
		if err != nil {
			return fmt.Errorf("could not expand metrics textfile path: %w", err)
		}
		c.Engine.MetricsTextfile = filepath.Clean(expanded)
	}
	return nil
}

// LogSummary prints a user-friendly summary of the configuration.
func (c *Config) LogSummary() {
	logArgs := []interface{}{
		"mode", c.Mode,
		"force", c.Force,
		"log_level", c.LogLevel,
		"source", redactLocation(c.Source),
		"destination", redactLocation(c.Destination),
		"dry_run", c.Runtime.DryRun,
		"workers", c.Engine.Performance.Workers,
		"buffer_size_kb", c.Engine.Performance.BufferSizeKB,
		"metrics", c.Engine.Metrics,
		"slack", fmt.Sprintf("%ds", c.Sync.SlackSeconds),
	}
	if c.Sync.NoRetry {
		logArgs = append(logArgs, "retry", "disabled")
	} else {
		logArgs = append(logArgs, "retry_wait", fmt.Sprintf("%ds", c.Sync.RetryWaitSeconds))
	}
	if c.isFTP() {
		ftpSummary := fmt.Sprintf("conns:%d passive:%t fallback:%s hash:%s zip:%t",
			c.FTP.Connections, c.FTP.Passive, c.FTP.PassiveFallback, c.FTP.Hash, c.FTP.Compress)
		logArgs = append(logArgs, "ftp", ftpSummary)
		if c.FTP.ThrottleKBps > 0 {
			logArgs = append(logArgs, "throttle_kbps", c.FTP.ThrottleKBps)
		}
	}
	if exclude := c.Exclude(); len(exclude) > 0 {
		logArgs = append(logArgs, "exclude", strings.Join(exclude, ", "))
	}
	if c.Log.File != "" {
		logArgs = append(logArgs, "log_file", c.Log.File)
	}
	if c.Engine.MetricsTextfile != "" {
		logArgs = append(logArgs, "metrics_textfile", c.Engine.MetricsTextfile)
	}
	if len(c.Hooks.PreSync) > 0 {
		logArgs = append(logArgs, "pre_sync_hooks", strings.Join(c.Hooks.PreSync, "; "))
	}
	if len(c.Hooks.PostSync) > 0 {
		logArgs = append(logArgs, "post_sync_hooks", strings.Join(c.Hooks.PostSync, "; "))
	}
	plog.Info("Configuration loaded", logArgs...)
}

func (c *Config) isFTP() bool {
	for _, s := range []string{c.Source, c.Destination} {
		if loc, err := location.Parse(s); err == nil && loc.IsFTP() {
			return true
		}
	}
	return false
}

func redactLocation(s string) string {
	if loc, err := location.Parse(s); err == nil {
		return loc.String()
	}
	return s
}

// Exclude returns the combined, deduplicated exclusion patterns: system,
// default and user patterns.
func (c *Config) Exclude() []string {
	return util.MergeAndDeduplicate(systemExcludePatterns, c.Sync.DefaultExclude, c.Sync.UserExclude)
}

// MergeConfigWithFlags overlays the flags the user explicitly set on top of
// base.
func MergeConfigWithFlags(command flagparse.Command, base Config, setFlags map[string]any) Config {
	merged := base

	for name, value := range setFlags {
		switch name {
		case "source":
			merged.Source = value.(string)
		case "destination":
			merged.Destination = value.(string)
		case "config":
			merged.Runtime.ConfigPath = value.(string)
		case "mode":
			merged.Mode = value.(string)
		case "force":
			// For init, -force only bypasses the overwrite prompt.
			if command == flagparse.Sync {
				merged.Force = value.(bool)
			}
		case "log-level":
			merged.LogLevel = value.(string)
		case "dry-run":
			merged.Runtime.DryRun = value.(bool)
		case "metrics":
			merged.Engine.Metrics = value.(bool)
		case "metrics-textfile":
			merged.Engine.MetricsTextfile = value.(string)
		case "workers":
			merged.Engine.Performance.Workers = value.(int)
		case "buffer-size-kb":
			merged.Engine.Performance.BufferSizeKB = value.(int)
		case "slack":
			merged.Sync.SlackSeconds = value.(int)
		case "retry-wait":
			merged.Sync.RetryWaitSeconds = value.(int)
		case "no-retry":
			merged.Sync.NoRetry = value.(bool)
		case "exclude":
			merged.Sync.UserExclude = value.([]string)
		case "connections":
			merged.FTP.Connections = value.(int)
		case "passive":
			merged.FTP.Passive = value.(bool)
		case "passive-fallback":
			merged.FTP.PassiveFallback = value.(string)
		case "command-timeout":
			merged.FTP.CommandTimeoutSeconds = value.(int)
		case "data-timeout":
			merged.FTP.DataTimeoutSeconds = value.(int)
		case "active-ports":
			merged.FTP.ActivePortRange = value.(string)
		case "throttle-kbps":
			merged.FTP.ThrottleKBps = value.(int)
		case "hash":
			merged.FTP.Hash = value.(string)
		case "compress":
			merged.FTP.Compress = value.(bool)
		case "log-file":
			merged.Log.File = value.(string)
		case "log-max-kb":
			merged.Log.MaxSizeKB = value.(int)
		case "log-archive":
			merged.Log.ArchiveDiscarded = value.(bool)
		case "pre-sync-hooks":
			merged.Hooks.PreSync = value.([]string)
		case "post-sync-hooks":
			merged.Hooks.PostSync = value.([]string)
		case "hooks-fail-fast":
			merged.Hooks.FailFast = value.(bool)
		default:
			plog.Debug("unhandled flag in MergeConfigWithFlags", "flag", name)
		}
	}
	return merged
}
