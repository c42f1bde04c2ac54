// Package cachekey derives the content identity of a waveform request.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Len is the number of hex characters in a key.
const Len = 16

// Derive maps (sourceID, hoursAgo, durationHours) to a stable 16-hex key.
//
// The canonical string keeps the "default" station segment so keys match
// entries written before station overrides existed. Overrides are NOT part
// of the key: two physical stations requested under one source id share an
// entry.
func Derive(sourceID string, hoursAgo, durationHours int) string {
	sum := sha256.Sum256([]byte(Canonical(sourceID, hoursAgo, durationHours)))
	return hex.EncodeToString(sum[:])[:Len]
}

// Canonical is the string that Derive hashes.
func Canonical(sourceID string, hoursAgo, durationHours int) string {
	return fmt.Sprintf("%s_default_%dh_ago_%dh_duration", sourceID, hoursAgo, durationHours)
}

// Valid reports whether s has the shape of a derived key.
func Valid(s string) bool {
	if len(s) != Len {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
