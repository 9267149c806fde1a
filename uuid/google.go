package uuid

import "github.com/google/uuid"

// NewV4 generates a version 4 UUID using the google/uuid generator, which
// correctly sets the RFC 4122 version and variant bits (unlike the
// hand-rolled V4 in generator.go). Store-facing ids (message ids, owner tokens,
// fencing-resource keys) should be constructed with NewV4, not V4.
func NewV4() *UUID {
	id := uuid.New()
	b := id[:]
	return &UUID{bytes: append([]byte(nil), b...)}
}

// MustParse parses s into a UUID, panicking if s is not a valid UUID
// string. Intended for constants and tests, not for parsing untrusted
// input.
func MustParse(s string) *UUID {
	id := uuid.MustParse(s)
	b := id[:]
	return &UUID{bytes: append([]byte(nil), b...)}
}
