// Package planner turns a validated Config into the plans the engine and
// its components execute. It is the only place that knows how config
// fields map onto component settings.
package planner

import (
	"fmt"
	"time"

	"github.com/paulschiretz/pgl-sync/pkg/config"
	"github.com/paulschiretz/pgl-sync/pkg/connpool"
	"github.com/paulschiretz/pgl-sync/pkg/ftp"
	"github.com/paulschiretz/pgl-sync/pkg/hook"
	"github.com/paulschiretz/pgl-sync/pkg/location"
	"github.com/paulschiretz/pgl-sync/pkg/pathsync"
	"github.com/paulschiretz/pgl-sync/pkg/preflight"
)

// Environment variables exported to hook commands.
const (
	EnvSource      = "PGL_SYNC_SOURCE"
	EnvDestination = "PGL_SYNC_DESTINATION"
	EnvMode        = "PGL_SYNC_MODE"
	EnvDryRun      = "PGL_SYNC_DRY_RUN"
)

// Performance sizes the worker pool and buffers.
type Performance struct {
	Workers    int
	QueueSize  int
	BufferSize int
}

// Logging configures the optional log file.
type Logging struct {
	File             string
	MaxBytes         int64
	ArchiveDiscarded bool
}

type SyncPlan struct {
	Source      location.Location
	Destination location.Location

	// LockKey identifies the source and destination pair for the run lock.
	// It never contains passwords.
	LockKey string

	Preflight *preflight.Plan
	// Sync is complete except for Workers, which the engine owns.
	Sync  *pathsync.Plan
	Hooks *hook.Plan
	// Pool is the connection pool template for FTP sides. Dial is left
	// unset.
	Pool connpool.Options

	Performance Performance
	Log         Logging

	// Global Flags
	DryRun          bool
	Metrics         bool
	MetricsTextfile string
}

// GenerateSyncPlan builds the plan for the sync command. cfg must have
// passed Validate with locations required.
func GenerateSyncPlan(cfg config.Config) (*SyncPlan, error) {
	// Global Flags
	dryRun := cfg.Runtime.DryRun
	metrics := cfg.Engine.Metrics

	src, err := location.Parse(cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("invalid source: %w", err)
	}
	dst, err := location.Parse(cfg.Destination)
	if err != nil {
		return nil, fmt.Errorf("invalid destination: %w", err)
	}

	policy, err := pathsync.ParsePolicy(cfg.Mode)
	if err != nil {
		return nil, err
	}

	base, err := baseFTPConfig(cfg)
	if err != nil {
		return nil, err
	}
	fallback, err := connpool.ParseFallbackPolicy(cfg.FTP.PassiveFallback)
	if err != nil {
		return nil, err
	}

	perf := cfg.Engine.Performance
	progress := time.Duration(cfg.Engine.ProgressIntervalSeconds) * time.Second
	base.ProgressInterval = progress

	return &SyncPlan{
		Source:      src,
		Destination: dst,
		LockKey:     src.String() + " -> " + dst.String(),

		Preflight: &preflight.Plan{
			SourceAccessible:        true,
			DestinationAccessible:   true,
			DestinationWritable:     true,
			EnsureDestinationExists: true,
			PathNesting:             true,
			// Global Flags
			DryRun: dryRun,
		},
		Sync: &pathsync.Plan{
			Policy:    policy,
			Force:     cfg.Force,
			Slack:     time.Duration(cfg.Sync.SlackSeconds) * time.Second,
			RetryWait: time.Duration(cfg.Sync.RetryWaitSeconds) * time.Second,
			NoRetry:   cfg.Sync.NoRetry,
			Exclude:   cfg.Exclude(),
			// Global Flags
			DryRun:           dryRun,
			Metrics:          metrics,
			ProgressInterval: progress,
		},
		Hooks: &hook.Plan{
			Enabled:          true,
			PreSyncCommands:  cfg.Hooks.PreSync,
			PostSyncCommands: cfg.Hooks.PostSync,
			FailFast:         cfg.Hooks.FailFast,
			Env: map[string]string{
				EnvSource:      src.String(),
				EnvDestination: dst.String(),
				EnvMode:        policy.String(),
				EnvDryRun:      fmt.Sprint(dryRun),
			},
			// Global Flags
			DryRun: dryRun,
		},
		Pool: connpool.Options{
			Base:     base,
			Slots:    cfg.FTP.Connections,
			Fallback: fallback,
		},
		Performance: Performance{
			Workers:    perf.Workers,
			QueueSize:  perf.QueueSize,
			BufferSize: perf.BufferSizeKB * 1024,
		},
		Log: Logging{
			File:             cfg.Log.File,
			MaxBytes:         int64(cfg.Log.MaxSizeKB) * 1024,
			ArchiveDiscarded: cfg.Log.ArchiveDiscarded,
		},

		DryRun:          dryRun,
		Metrics:         metrics,
		MetricsTextfile: cfg.Engine.MetricsTextfile,
	}, nil
}

// baseFTPConfig maps the run wide FTP settings. Endpoint, credentials and
// per-location overrides are applied later from each Location.
func baseFTPConfig(cfg config.Config) (ftp.Config, error) {
	ports, err := ftp.ParsePortRange(cfg.FTP.ActivePortRange)
	if err != nil {
		return ftp.Config{}, err
	}
	hash, err := ftp.ParseHashAlgo(cfg.FTP.Hash)
	if err != nil {
		return ftp.Config{}, err
	}
	return ftp.Config{
		Passive:             cfg.FTP.Passive,
		ActivePorts:         ports,
		NATWorkaround:       cfg.FTP.NATWorkaround,
		Compress:            cfg.FTP.Compress,
		Hash:                hash,
		CommandTimeout:      time.Duration(cfg.FTP.CommandTimeoutSeconds) * time.Second,
		DataTimeout:         time.Duration(cfg.FTP.DataTimeoutSeconds) * time.Second,
		QuoteGrace:          time.Duration(cfg.FTP.QuoteGraceMillis) * time.Millisecond,
		ThrottleBytesPerSec: int64(cfg.FTP.ThrottleKBps) * 1024,
	}, nil
}
