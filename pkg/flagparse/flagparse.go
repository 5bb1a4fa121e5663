package flagparse

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-sync/pkg/buildinfo"
)

// cliFlags holds pointers to all possible command-line flags.
// Fields are pointers so we can distinguish between "not registered for this command" (nil)
// and "registered but not set by user" (non-nil pointer to zero value).
type cliFlags struct {
	// Global
	LogLevel   *string
	LogFile    *string
	LogMaxKB   *int
	LogArchive *bool
	DryRun     *bool
	Metrics    *bool

	// Shared: Sync / Init
	Source          *string
	Destination     *string
	Config          *string
	Mode            *string
	Exclude         *string
	Slack           *int
	RetryWait       *int
	NoRetry         *bool
	Workers         *int
	BufferSizeKB    *int
	MetricsTextfile *string

	Connections     *int
	Passive         *bool
	PassiveFallback *string
	CommandTimeout  *int
	DataTimeout     *int
	ActivePorts     *string
	ThrottleKBps    *int
	Hash            *string
	Compress        *bool

	PreSyncHooks  *string
	PostSyncHooks *string
	HooksFailFast *bool

	// Sync: forced clone. Init: overwrite without prompting.
	Force *bool

	// Init specific
	Default *bool
}

func registerGlobalFlags(fs *flag.FlagSet, f *cliFlags) {
	f.LogLevel = fs.String("log-level", "info", "Set the logging level: 'debug', 'notice', 'info', 'warn', 'error'.")
	f.LogFile = fs.String("log-file", "", "Also write the log to this file.")
	f.LogMaxKB = fs.Int("log-max-kb", 1024, "Maximum log file size in KB; the oldest half is discarded when reached.")
	f.LogArchive = fs.Bool("log-archive", false, "Keep the discarded half of the log file as a gzip archive.")
	f.DryRun = fs.Bool("dry-run", false, "Show what would be done without making any changes.")
	f.Metrics = fs.Bool("metrics", false, "Log periodic progress and detailed counters.")
}

// registerSyncSettingFlags registers every flag that maps to a persisted
// config setting. Both sync and init accept them.
func registerSyncSettingFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Source = fs.String("source", "", "Source location: a local path or ftp://[user[:pass]@]host[:port]/path[?options].")
	f.Destination = fs.String("destination", "", "Destination location, same syntax as -source.")
	f.Config = fs.String("config", "", "Path of the configuration file (default: ./"+buildinfo.ConfigFileName+").")
	f.Mode = fs.String("mode", "mirror", "Sync mode: 'mirror' (alias 'clone'), 'update' or 'add'.")
	f.Exclude = fs.String("exclude", "", "Semicolon or comma separated, case-insensitive exclusion patterns with at most one '*' each.")
	f.Slack = fs.Int("slack", 60, "Seconds two modification times may differ and still count as equal.")
	f.RetryWait = fs.Int("retry-wait", 5, "Seconds to wait before failed directories are retried.")
	f.NoRetry = fs.Bool("no-retry", false, "Do not retry failed directories.")
	f.Workers = fs.Int("workers", 0, "Number of traversal workers.")
	f.BufferSizeKB = fs.Int("buffer-size-kb", 0, "Size of the transfer buffers in kilobytes.")
	f.MetricsTextfile = fs.String("metrics-textfile", "", "Write run metrics in Prometheus text format to this file.")

	f.Connections = fs.Int("connections", 10, "Maximum concurrent FTP sessions per server.")
	f.Passive = fs.Bool("passive", true, "Use passive mode data connections.")
	f.PassiveFallback = fs.String("passive-fallback", "persist", "After a blocked active connection: 'persist' (stay passive) or 'once'.")
	f.CommandTimeout = fs.Int("command-timeout", 30, "Seconds to wait for an FTP command reply.")
	f.DataTimeout = fs.Int("data-timeout", 30, "Seconds without progress before an FTP data transfer is aborted.")
	f.ActivePorts = fs.String("active-ports", "", "Local port range for active mode, e.g. '50000-50100'.")
	f.ThrottleKBps = fs.Int("throttle-kbps", 0, "Limit each FTP transfer to this rate in KB/s (0 = unlimited).")
	f.Hash = fs.String("hash", "none", "Verify FTP transfers: 'none', 'crc', 'md5' or 'sha'.")
	f.Compress = fs.Bool("compress", false, "Use MODE Z compression when the server supports it.")

	f.PreSyncHooks = fs.String("pre-sync-hooks", "", "Comma-separated list of commands to run before the sync.")
	f.PostSyncHooks = fs.String("post-sync-hooks", "", "Comma-separated list of commands to run after the sync.")
	f.HooksFailFast = fs.Bool("hooks-fail-fast", false, "Abort when a pre-sync hook command fails.")
}

func registerSyncFlags(fs *flag.FlagSet, f *cliFlags) {
	registerSyncSettingFlags(fs, f)
	f.Force = fs.Bool("force", false, "Copy every file regardless of timestamps and sizes.")
}

func registerInitFlags(fs *flag.FlagSet, f *cliFlags) {
	registerSyncSettingFlags(fs, f)
	f.Force = fs.Bool("force", false, "Bypass confirmation prompts.")
	f.Default = fs.Bool("default", false, "Overwrite existing configuration with defaults.")
}

// Parse parses the provided arguments (usually os.Args[1:]) and returns the command and flag map.
func Parse(args []string) (Command, map[string]interface{}, error) {
	// If no arguments provided, print help and exit.
	if len(args) == 0 {
		fs := flag.NewFlagSet("main", flag.ContinueOnError)
		printTopLevelUsage(fs)
		return None, nil, nil
	}

	cmdStr := strings.ToLower(args[0])

	if cmdStr == "help" || cmdStr == "-h" || cmdStr == "-help" || cmdStr == "--help" {
		fs := flag.NewFlagSet("main", flag.ContinueOnError)
		printTopLevelUsage(fs)
		return None, nil, nil
	}

	f := &cliFlags{}

	command, err := ParseCommand(cmdStr)
	if err != nil {
		return None, nil, err
	}

	switch command {
	case Sync:
		fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)
		registerGlobalFlags(fs, f)
		registerSyncFlags(fs, f)

		fs.Usage = func() {
			printSubcommandUsage(command, "Synchronize a destination with a source.", fs)
		}

		if err := fs.Parse(args[1:]); err != nil {
			return command, nil, err
		}
		flagMap, err := flagsToMap(fs, f)
		return command, flagMap, err

	case Init:
		fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)
		registerGlobalFlags(fs, f)
		registerInitFlags(fs, f)

		fs.Usage = func() {
			printSubcommandUsage(command, "Write a configuration file from defaults and the given flags.", fs)
		}

		if err := fs.Parse(args[1:]); err != nil {
			return command, nil, err
		}
		flagMap, err := flagsToMap(fs, f)
		return command, flagMap, err

	case Version:
		return command, nil, nil

	default:
		return None, nil, fmt.Errorf("unknown command: %s", args[0])
	}
}

func flagsToMap(fs *flag.FlagSet, f *cliFlags) (map[string]interface{}, error) {
	// Only flags explicitly set by the user end up in the map, so they can
	// selectively override the loaded configuration.
	usedFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { usedFlags[f.Name] = true })

	if len(fs.Args()) > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	flagMap := make(map[string]any)

	addIfUsed(flagMap, usedFlags, "log-level", f.LogLevel)
	addIfUsed(flagMap, usedFlags, "log-file", f.LogFile)
	addIfUsed(flagMap, usedFlags, "log-max-kb", f.LogMaxKB)
	addIfUsed(flagMap, usedFlags, "log-archive", f.LogArchive)
	addIfUsed(flagMap, usedFlags, "dry-run", f.DryRun)
	addIfUsed(flagMap, usedFlags, "metrics", f.Metrics)

	addIfUsed(flagMap, usedFlags, "source", f.Source)
	addIfUsed(flagMap, usedFlags, "destination", f.Destination)
	addIfUsed(flagMap, usedFlags, "config", f.Config)
	addIfUsed(flagMap, usedFlags, "mode", f.Mode)
	addIfUsed(flagMap, usedFlags, "slack", f.Slack)
	addIfUsed(flagMap, usedFlags, "retry-wait", f.RetryWait)
	addIfUsed(flagMap, usedFlags, "no-retry", f.NoRetry)
	addIfUsed(flagMap, usedFlags, "workers", f.Workers)
	addIfUsed(flagMap, usedFlags, "buffer-size-kb", f.BufferSizeKB)
	addIfUsed(flagMap, usedFlags, "metrics-textfile", f.MetricsTextfile)

	addIfUsed(flagMap, usedFlags, "connections", f.Connections)
	addIfUsed(flagMap, usedFlags, "passive", f.Passive)
	addIfUsed(flagMap, usedFlags, "passive-fallback", f.PassiveFallback)
	addIfUsed(flagMap, usedFlags, "command-timeout", f.CommandTimeout)
	addIfUsed(flagMap, usedFlags, "data-timeout", f.DataTimeout)
	addIfUsed(flagMap, usedFlags, "active-ports", f.ActivePorts)
	addIfUsed(flagMap, usedFlags, "throttle-kbps", f.ThrottleKBps)
	addIfUsed(flagMap, usedFlags, "hash", f.Hash)
	addIfUsed(flagMap, usedFlags, "compress", f.Compress)
	addIfUsed(flagMap, usedFlags, "hooks-fail-fast", f.HooksFailFast)

	addIfUsed(flagMap, usedFlags, "force", f.Force)
	addIfUsed(flagMap, usedFlags, "default", f.Default)

	// Handle flags that require parsing.
	addParsedIfUsed(flagMap, usedFlags, "exclude", f.Exclude, ParseExcludeList)
	addParsedIfUsed(flagMap, usedFlags, "pre-sync-hooks", f.PreSyncHooks, ParseCmdList)
	addParsedIfUsed(flagMap, usedFlags, "post-sync-hooks", f.PostSyncHooks, ParseCmdList)

	return flagMap, nil
}

// addIfUsed adds the value of ptr to flagMap if ptr is not nil and the flag was set.
func addIfUsed[T any](flagMap map[string]interface{}, usedFlags map[string]bool, name string, ptr *T) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = *ptr
	}
}

// addParsedIfUsed adds the parsed value of ptr to flagMap if ptr is not nil and the flag was set.
func addParsedIfUsed(flagMap map[string]interface{}, usedFlags map[string]bool, name string, ptr *string, parser func(string) []string) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = parser(*ptr)
	}
}

// printTopLevelUsage prints the main help message.
func printTopLevelUsage(fs *flag.FlagSet) {
	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "Synchronizes directory trees between local disks and FTP servers.\n\n")
	fmt.Fprintf(fs.Output(), "Usage: %s <command> [flags]\n\n", execName)
	fmt.Fprintf(fs.Output(), "Commands:\n")
	fmt.Fprintf(fs.Output(), "  sync        Synchronize a destination with a source\n")
	fmt.Fprintf(fs.Output(), "  init        Write a configuration file\n")
	fmt.Fprintf(fs.Output(), "  version     Print the application version\n")
	fmt.Fprintf(fs.Output(), "\nRun '%s <command> -help' for more information on a command.\n", execName)
}

// printSubcommandUsage prints the help message for a specific subcommand.
func printSubcommandUsage(command Command, desc string, fs *flag.FlagSet) {
	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "Synchronizes directory trees between local disks and FTP servers.\n\n")
	fmt.Fprintf(fs.Output(), "Usage of the %s command: %s %s [flags]\n\n", command, execName, command)
	fmt.Fprintf(fs.Output(), "%s\n\n", desc)
	fmt.Fprintf(fs.Output(), "Flags:\n")
	fs.PrintDefaults()
}

// ParseCmdList parses a comma-separated list of shell-like commands.
// It preserves quotes and handles backslash escapes so they can be interpreted by the shell.
func ParseCmdList(s string) []string {
	return parseListInternal(s, ",", true, true)
}

// ParseExcludeList parses a comma or semicolon separated list of exclusion
// patterns. Quotes only group items and are removed. Backslashes are
// literal for Windows path compatibility.
func ParseExcludeList(s string) []string {
	return parseListInternal(s, ",;", false, false)
}

// parseListInternal splits s on any rune in separators outside of single
// or double quotes.
//   - keepQuotes: preserves quote characters in the output.
//   - handleEscapes: treats backslashes as escape characters.
func parseListInternal(s, separators string, keepQuotes, handleEscapes bool) []string {
	var list []string
	var current strings.Builder
	var quoteChar rune

	appendItem := func() {
		trimmed := strings.TrimSpace(current.String())
		if trimmed != "" {
			list = append(list, trimmed)
		}
		current.Reset()
	}

	var isEscaped bool
	for _, r := range s {
		if isEscaped {
			current.WriteRune(r)
			isEscaped = false
			continue
		}

		switch {
		case r == '\\' && handleEscapes:
			isEscaped = true
			// Commands keep the backslash for the shell to interpret.
			current.WriteRune(r)
		case r == '\'' || r == '"':
			if quoteChar == 0 {
				quoteChar = r
				if keepQuotes {
					current.WriteRune(r)
				}
			} else if quoteChar == r {
				quoteChar = 0
				if keepQuotes {
					current.WriteRune(r)
				}
			} else {
				current.WriteRune(r)
			}
		case quoteChar == 0 && strings.ContainsRune(separators, r):
			appendItem()
		default:
			current.WriteRune(r)
		}
	}
	appendItem()
	return list
}
