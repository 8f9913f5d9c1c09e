// Package uid generates identifiers for transfer requests, tasks, history
// records and journal entries.
package uid

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// New returns a UUIDv7 string. IDs generated later sort after earlier ones,
// so history and journal rows keep their creation order by ID alone.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return random()
	}
	return id.String()
}

// Valid reports whether s is a well-formed ID from New.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

func random() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
