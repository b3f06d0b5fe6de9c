package flowplug

import (
	"fmt"

	"github.com/coreos/go-semver/semver"
)

const (
	// ProtocolName identifies this protocol in the Hello exchange. A peer
	// speaking a different protocol is rejected regardless of version.
	ProtocolName = "flowplug"

	// ProtocolVersion is the protocol version advertised in Hello.
	ProtocolVersion = "0.157.0"
)

// Feature is an optional protocol capability advertised in Hello. Features are
// additive; unknown features from the peer are ignored.
type Feature struct {
	Name string `cbor:"name" json:"name"`
}

// ProtocolInfo describes one side of the connection during the Hello
// handshake.
type ProtocolInfo struct {
	Protocol string    `cbor:"protocol" json:"protocol"`
	Version  string    `cbor:"version" json:"version"`
	Features []Feature `cbor:"features,omitempty" json:"features,omitempty"`
}

// LocalProtocolInfo returns the descriptor this library sends in its own
// Hello.
func LocalProtocolInfo() ProtocolInfo {
	return ProtocolInfo{Protocol: ProtocolName, Version: ProtocolVersion}
}

// IsCompatibleWith reports whether the remote peer's protocol is compatible
// with the local one: same protocol name and semver-compatible version (equal
// major, and for major version 0 also equal minor).
func (p ProtocolInfo) IsCompatibleWith(remote ProtocolInfo) (bool, error) {
	if p.Protocol != remote.Protocol {
		return false, nil
	}
	local, err := semver.NewVersion(p.Version)
	if err != nil {
		return false, fmt.Errorf("invalid local protocol version %q: %w", p.Version, err)
	}
	theirs, err := semver.NewVersion(remote.Version)
	if err != nil {
		return false, fmt.Errorf("invalid remote protocol version %q: %w", remote.Version, err)
	}
	if local.Major == 0 || theirs.Major == 0 {
		return local.Major == theirs.Major && local.Minor == theirs.Minor, nil
	}
	return local.Major == theirs.Major, nil
}

// HasFeature reports whether the descriptor advertises the named feature.
func (p ProtocolInfo) HasFeature(name string) bool {
	for _, f := range p.Features {
		if f.Name == name {
			return true
		}
	}
	return false
}
