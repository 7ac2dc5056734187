// Package idgen generates identifiers for ledger rows and requests.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 hex chars of a v7 UUID
// (e.g. "ctx_0192..."). v7 IDs sort by creation time, which keeps
// transaction history pages stable.
func WithPrefix(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + strings.ReplaceAll(id.String(), "-", "")
}

// Valid reports whether s is prefix plus a well-formed id body.
func Valid(s, prefix string) bool {
	if !strings.HasPrefix(s, prefix) {
		return false
	}
	_, err := uuid.Parse(strings.TrimPrefix(s, prefix))
	return err == nil
}
