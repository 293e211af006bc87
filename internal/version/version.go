package version

import "fmt"

// Overridden at build time with -ldflags "-X winrate-watch/internal/version.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// String renders the build in one line, e.g. for the --version flag.
func String() string {
	return fmt.Sprintf("winratewatch %s (commit %s, built %s)", Version, Commit, BuildDate)
}
