package version

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Version is overridden at build time with -ldflags "-X".
var Version = "dev"

// Load returns the trimmed contents of the VERSION file at path, or Version
// when the file is missing or empty.
func Load(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return Version
	}
	if v := strings.TrimSpace(string(data)); v != "" {
		return v
	}
	return Version
}

// Compatible reports whether a client built at clientVersion speaks the same
// API major version as a server reporting serverVersion.
func Compatible(serverVersion, clientVersion string) (bool, error) {
	serverMajor, err := Major(serverVersion)
	if err != nil {
		return false, fmt.Errorf("invalid server version: %w", err)
	}

	clientMajor, err := Major(clientVersion)
	if err != nil {
		return false, fmt.Errorf("invalid client version: %w", err)
	}

	return serverMajor == clientMajor, nil
}

// Major extracts the major component of a semantic version. A leading "v"
// is accepted.
func Major(version string) (int, error) {
	if version == "" {
		return 0, fmt.Errorf("empty version string")
	}

	major, _, _ := strings.Cut(strings.TrimPrefix(version, "v"), ".")
	n, err := strconv.Atoi(major)
	if err != nil {
		return 0, fmt.Errorf("invalid major version: %w", err)
	}
	if n < 0 {
		return 0, fmt.Errorf("major version cannot be negative")
	}

	return n, nil
}

// IsDev reports whether v is an unreleased local build.
func IsDev(v string) bool {
	return v == "" || v == "dev"
}
