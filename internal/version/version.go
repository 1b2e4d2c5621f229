// Package version carries build metadata stamped in with -ldflags, e.g.
//
//	-X github.com/GoCodeAlone/steward/internal/version.Version=v0.3.0
package version

import "fmt"

// Set via -ldflags at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// String renders the version banner for the named binary.
func String(binary string) string {
	return fmt.Sprintf("%s %s (commit %s, built %s)", binary, Version, Commit, BuildDate)
}
