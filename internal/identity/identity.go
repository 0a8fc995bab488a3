// Package identity implements C9: deriving a display name and meshnet tag
// for attribution, and detecting remote-origin messages to avoid relay
// loops (§4.9).
package identity

import (
	"fmt"
	"regexp"
	"strings"
)

// ResolveMeshName follows the fallback chain from §4.9: long name, else
// short name, else a synthesized "Node !<hex8>" — mirroring the
// registry-shortname > sender-field > raw-numeric resolution order shown in
// the pack's node-registry processor, adapted to this spec's exact fallback
// order (long before short).
func ResolveMeshName(nodeID uint32, longName, shortName string) string {
	if strings.TrimSpace(longName) != "" {
		return longName
	}
	if strings.TrimSpace(shortName) != "" {
		return shortName
	}
	return SynthesizeNodeName(nodeID)
}

// SynthesizeNodeName formats the fallback "Node !<hex8>" identity.
func SynthesizeNodeName(nodeID uint32) string {
	return fmt.Sprintf("Node !%08x", nodeID)
}

// ResolveMatrixName returns the room-scoped display name if known, else the
// localpart of the Matrix user ID (§4.9).
func ResolveMatrixName(userID, roomDisplayName string) string {
	if strings.TrimSpace(roomDisplayName) != "" {
		return roomDisplayName
	}
	return localpart(userID)
}

func localpart(userID string) string {
	trimmed := strings.TrimPrefix(userID, "@")
	if idx := strings.Index(trimmed, ":"); idx >= 0 {
		return trimmed[:idx]
	}
	return trimmed
}

// attributionPattern matches the cross-mesh attribution prefix
// "[<name>/<meshnet>]: <body>" (§4.6 step 7, §4.7 step 5, §8 invariant on
// format/parse being exact inverses for names without '/' or ']').
var attributionPattern = regexp.MustCompile(`^\[([^/\]]+)/([^/\]]+)\]: ([\s\S]*)$`)

// FormatAttribution produces the literal cross-mesh attribution prefix
// (§6 "Radio side wire format"). Callers must not pass a name or meshnet
// containing '/' or ']' (rejected upstream at config-load for meshnet_name;
// name is whatever ResolveMeshName/ResolveMatrixName produced).
func FormatAttribution(name, meshnet, body string) string {
	return fmt.Sprintf("[%s/%s]: %s", name, meshnet, body)
}

// FormatMatrixAttribution produces the compact "[<name>]: <body>" prefix
// C7 prepends to outbound mesh text (§4.7 step 7, §8 scenario 2) — distinct
// from FormatAttribution, which also carries the meshnet tag and is only
// used on the mesh→Matrix direction.
func FormatMatrixAttribution(name, body string) string {
	return fmt.Sprintf("[%s]: %s", name, body)
}

// ParseAttribution is the exact inverse of FormatAttribution: it returns
// ok=false if the text does not match the pattern.
func ParseAttribution(text string) (name, meshnet, body string, ok bool) {
	m := attributionPattern.FindStringSubmatch(text)
	if m == nil {
		return "", "", "", false
	}
	return m[1], m[2], m[3], true
}

// IsRemoteOrigin reports whether text is a cross-mesh attributed message
// whose meshnet differs from ours (§4.6 step 7: "still forward to Matrix
// but do not re-wrap").
func IsRemoteOrigin(text, ourMeshnet string) (meshnet string, body string, isRemote bool) {
	_, meshnet, body, ok := ParseAttribution(text)
	if !ok {
		return "", "", false
	}
	return meshnet, body, meshnet != ourMeshnet
}

// IsOwnEcho reports whether a Matrix event body is our own forwarded
// message echoed back via another bridge (§4.7 step 5: meshnet == ours).
func IsOwnEcho(text, ourMeshnet string) bool {
	_, meshnet, _, ok := ParseAttribution(text)
	return ok && meshnet == ourMeshnet
}
