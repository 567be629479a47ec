// Package sha256 derives work item ids from archive locators.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// IDLen is the length of a work item id.
const IDLen = 2 * sha256.Size

// Locators maps archive locators to work item ids. The id is the lowercase
// hex SHA-256 of the locator, so it is path-safe and stable across restarts.
type Locators struct{}

// New returns a locator id deriver.
func New() Locators {
	return Locators{}
}

// ID returns the work item id of locator.
func (Locators) ID(locator string) string {
	sum := sha256.Sum256([]byte(locator))
	return hex.EncodeToString(sum[:])
}

// Valid reports whether id could have been issued by ID.
func (Locators) Valid(id string) bool {
	if len(id) != IDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
