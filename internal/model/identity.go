package model

import "strings"

// ShortenFQBN keeps at most the package:arch:board segments, dropping any
// board configuration options.
func ShortenFQBN(fqbn string) string {
	parts := strings.Split(strings.TrimSpace(fqbn), ":")
	if len(parts) > 3 {
		parts = parts[:3]
	}
	return strings.Join(parts, ":")
}

// MonitorIdentity is the session and settings key for a board family on a
// port. Build-option variants of a board share one identity.
func MonitorIdentity(fqbn string, port Port) string {
	return ShortenFQBN(fqbn) + "-" + port.Address + "-" + port.Protocol
}

// IdentityPrefixes lists the dash-delimited prefixes of an identity, longest
// first and excluding the identity itself.
func IdentityPrefixes(identity string) []string {
	segments := strings.Split(identity, "-")
	out := make([]string, 0, len(segments))
	for i := len(segments) - 1; i > 0; i-- {
		out = append(out, strings.Join(segments[:i], "-"))
	}
	return out
}
