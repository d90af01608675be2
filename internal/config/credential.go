// Package config loads the settings the bridge needs from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
)

const (
	DefaultCredentialEnv    = "AIRTABLE_API_KEY"
	DefaultCredentialMarker = "pat"

	maskedSuffix = 2
)

var (
	ErrCredentialMissing = errors.New("credential not set")
	ErrMarkerNotFound    = errors.New("credential marker not found")
)

// Sanitize drops everything before the first occurrence of marker.
// Values pasted with leading junk (quotes, "Bearer ", stray bytes) are common.
func Sanitize(raw, marker string) (string, error) {
	i := strings.Index(raw, marker)
	if i < 0 {
		return "", fmt.Errorf("%w: %q", ErrMarkerNotFound, marker)
	}
	return raw[i:], nil
}

// Mask keeps the first prefix and last two characters of a secret.
// Secrets too short to mask that way are hidden entirely.
func Mask(secret string, prefix int) string {
	if len(secret) <= prefix+maskedSuffix {
		return "..."
	}
	return secret[:prefix] + "..." + secret[len(secret)-maskedSuffix:]
}

// Credential is a sanitized secret and the environment variable it is passed to the subprocess in.
type Credential struct {
	Name   string
	Value  string
	marker string
}

// Env renders the credential as a NAME=value environment entry.
func (c Credential) Env() string {
	return c.Name + "=" + c.Value
}

// String is safe to log.
func (c Credential) String() string {
	return c.Name + "=" + Mask(c.Value, len(c.marker))
}

// LoadCredential reads the variable name via lookup and sanitizes it with marker.
func LoadCredential(lookup func(string) (string, bool), name, marker string) (Credential, error) {
	raw, ok := lookup(name)
	if !ok || raw == "" {
		return Credential{}, fmt.Errorf("%w: %s", ErrCredentialMissing, name)
	}
	value, err := Sanitize(raw, marker)
	if err != nil {
		return Credential{}, fmt.Errorf("sanitizing %s: %w", name, err)
	}
	return Credential{Name: name, Value: value, marker: marker}, nil
}
