// Package version reports the build version of stopgate.
package version

import (
	"runtime/debug"
	"strings"
)

// Version is set at build time with -ldflags "-X .../internal/version.Version=v1.2.3".
var Version = ""

// Get returns the current version, with whitespace trimmed. Without an
// ldflags value it falls back to the module version recorded in the binary.
func Get() string {
	if v := strings.TrimSpace(Version); v != "" {
		return v
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}
