package preflight

// Plan selects the checks a Validator runs.
type Plan struct {
	SourceAccessible        bool
	DestinationAccessible   bool
	DestinationWritable     bool
	EnsureDestinationExists bool
	PathNesting             bool

	DryRun bool
}
