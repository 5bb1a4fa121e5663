package buildinfo

// Version holds the application's version string.
// It's a `var` so it can be set at compile time using ldflags.
// Example: go build -ldflags="-X github.com/paulschiretz/pgl-sync/pkg/buildinfo.Version=1.0.0"
var Version = "dev"

// Name is the canonical name of the application used for logging.
var Name = "PGL-Sync"

// ConfigFileName is the default file name of a job configuration.
const ConfigFileName = "pgl-sync.config.json"

// UserAgent identifies the client, e.g. in temp file names and CLNT commands.
func UserAgent() string {
	return "pgl-sync/" + Version
}
