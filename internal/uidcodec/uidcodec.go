// Package uidcodec implements the managed UID namespace: prefixing a raw
// UID with a 10-hex digest of its source calendar id, and detecting /
// collapsing the nested prefixes left behind by earlier sync passes.
package uidcodec

import (
	"crypto/sha1" //nolint:gosec // fingerprinting only, not a security boundary
	"encoding/hex"
	"strings"
)

const prefixLen = 10

// StagingUID returns the namespaced UID for a raw uid taken from
// calendarID: prefix10(SHA1(calendarID)) + ":" + uid.
func StagingUID(calendarID, uid string) string {
	return prefix(calendarID) + ":" + uid
}

func prefix(calendarID string) string {
	sum := sha1.Sum([]byte(calendarID)) //nolint:gosec
	return hex.EncodeToString(sum[:])[:prefixLen]
}

// isHexPrefix reports whether s looks like a 10-hex-char namespace segment.
func isHexPrefix(s string) bool {
	if len(s) != prefixLen {
		return false
	}
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return false
		}
	}
	return true
}

// Depth counts the number of leading "<10-hex>:" segments on uid.
func Depth(uid string) int {
	depth := 0
	rest := uid
	for {
		idx := strings.Index(rest, ":")
		if idx != prefixLen {
			break
		}
		if !isHexPrefix(rest[:idx]) {
			break
		}
		depth++
		rest = rest[idx+1:]
	}
	return depth
}

// Collapse keeps only the right-most namespace segment when uid has
// depth > 1. It is idempotent: Collapse(Collapse(uid)) == Collapse(uid).
func Collapse(uid string) string {
	d := Depth(uid)
	if d <= 1 {
		return uid
	}
	rest := uid
	for i := 0; i < d-1; i++ {
		idx := strings.Index(rest, ":")
		rest = rest[idx+1:]
	}
	return rest
}

// RawUID strips every namespace segment, returning the original
// user-authored uid.
func RawUID(uid string) string {
	d := Depth(uid)
	rest := uid
	for i := 0; i < d; i++ {
		idx := strings.Index(rest, ":")
		rest = rest[idx+1:]
	}
	return rest
}
