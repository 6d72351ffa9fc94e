// Package uuid provides record IDs and idempotency keys.
package uuid

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// changeNamespace scopes derived idempotency keys.
var changeNamespace = uuid.MustParse("6f1c2f0e-3a4b-4c1d-9e8f-2b7a5d6c4e10")

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// IdempotencyKey derives a stable key from the parts that identify one
// logical change, so that recording the same change twice yields the same key.
// Parts are joined with a separator that cannot appear in UUIDs or table names.
func IdempotencyKey(parts ...string) string {
	return uuid.NewSHA1(changeNamespace, []byte(strings.Join(parts, "\x1f"))).String()
}

// IsValid checks if a string is a valid UUID v4.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// Validate returns an error if the string is not a valid UUID v4.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	return nil
}
