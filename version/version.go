package version

import (
	"fmt"
	"runtime"
)

// ProtocolVersion is bumped whenever the frame format changes incompatibly.
// Relays compare it against the primary's connection_init announcement.
const ProtocolVersion = 1

// These variables are populated by the Go linker during the build process.
var (
	Version   = "dev"     // Overridden by the Git tag or dev version string
	Commit    = "none"    // Overridden by the Git commit hash
	BuildDate = "unknown" // Overridden by the build timestamp
)

// Info holds all the versioning information.
type Info struct {
	Version         string `json:"version"`
	Commit          string `json:"commit"`
	BuildDate       string `json:"buildDate"`
	ProtocolVersion int    `json:"protocolVersion"`
	GoVersion       string `json:"goVersion"`
	Platform        string `json:"platform"`
}

// GetInfo returns a struct populated with the version information.
func GetInfo() Info {
	return Info{
		Version:         Version,
		Commit:          Commit,
		BuildDate:       BuildDate,
		ProtocolVersion: ProtocolVersion,
		GoVersion:       runtime.Version(),
		Platform:        fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// ServerVersion is the string announced in connection_init frames.
func ServerVersion() string {
	return fmt.Sprintf("%s+p%d", Version, ProtocolVersion)
}

// String returns a formatted string of the version information.
func (i Info) String() string {
	return fmt.Sprintf(
		"Version:\t%s\nCommit:\t\t%s\nBuild Date:\t%s\nProtocol:\t%d\nGo Version:\t%s\nPlatform:\t%s",
		i.Version, i.Commit, i.BuildDate, i.ProtocolVersion, i.GoVersion, i.Platform,
	)
}
