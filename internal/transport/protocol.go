package transport

import "fmt"

// ProtocolVersion identifies an HTTP protocol version such as HTTP/1.1.
type ProtocolVersion struct {
	Protocol string
	Major    int
	Minor    int
}

// ForVersion returns a version object for the given numbers, reusing the
// receiver when it already matches.
func (v ProtocolVersion) ForVersion(major, minor int) ProtocolVersion {
	if v.Major == major && v.Minor == minor {
		return v
	}
	return ProtocolVersion{Protocol: v.Protocol, Major: major, Minor: minor}
}

// CompareTo orders versions of the same protocol; the protocol names must
// match.
func (v ProtocolVersion) CompareTo(other ProtocolVersion) int {
	if d := v.Major - other.Major; d != 0 {
		return d
	}
	return v.Minor - other.Minor
}

func (v ProtocolVersion) String() string {
	return fmt.Sprintf("%s/%d.%d", v.Protocol, v.Major, v.Minor)
}
