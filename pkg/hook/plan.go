package hook

// Plan lists the commands run around a sync.
type Plan struct {
	Enabled bool

	PreSyncCommands  []string
	PostSyncCommands []string

	// Env is added to the environment of every command, e.g. the source and
	// destination of the run.
	Env map[string]string

	// Global Flags
	DryRun   bool
	FailFast bool
}
