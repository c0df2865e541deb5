// Package id generates compact identifiers for persisted records.
package id

import (
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID returns a random UUIDv4 encoded as 26 lowercase base32 characters
// without padding, safe for URLs and file names.
func NewID() (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return strings.ToLower(encoding.EncodeToString(u[:])), nil
}

// Decode reverses NewID and returns the UUID it encodes.
func Decode(value string) (uuid.UUID, error) {
	raw, err := encoding.DecodeString(strings.ToUpper(strings.TrimSpace(value)))
	if err != nil {
		return uuid.Nil, fmt.Errorf("decode id %q: %w", value, err)
	}
	u, err := uuid.FromBytes(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("decode id %q: %w", value, err)
	}
	return u, nil
}
