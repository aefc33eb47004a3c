package rpc

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// checkVersionCompatibility validates a client-reported version against
// Version. An empty clientVersion is always accepted (older clients that
// predate this handshake field). Major versions must match; within a
// major version the daemon must be the same version or newer, since it
// is expected to support every client the major version has shipped.
func checkVersionCompatibility(clientVersion string) error {
	if clientVersion == "" {
		return nil
	}

	serverVer := normalizeSemver(Version)
	clientVer := normalizeSemver(clientVersion)

	if !semver.IsValid(serverVer) || !semver.IsValid(clientVer) {
		return nil // dev builds, non-semver tags: let the connection through
	}

	if semver.Major(serverVer) != semver.Major(clientVer) {
		if semver.Compare(serverVer, clientVer) < 0 {
			return fmt.Errorf("incompatible major versions: client %s, daemon %s (daemon is older; upgrade and restart the daemon)", clientVersion, Version)
		}
		return fmt.Errorf("incompatible major versions: client %s, daemon %s (client is older; upgrade the client)", clientVersion, Version)
	}

	if semver.Compare(serverVer, clientVer) < 0 {
		return fmt.Errorf("version skew: daemon %s is older than client %s; upgrade and restart the daemon", Version, clientVersion)
	}
	return nil
}

func normalizeSemver(v string) string {
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}
