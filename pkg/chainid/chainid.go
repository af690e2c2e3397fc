// Package chainid provides parsing and validation for ledger chain IDs.
//
// Chain ID format: namespace[:subject]
//
// Examples:
//
//	global                 (platform-wide chain)
//	identity:u1            (per-subject identity chain)
//	governance:proposal-42 (per-proposal vote chain)
//
// The namespace groups chains written by the same façade. The subject, when
// present, names the entity the chain is about and may itself contain ':'.
package chainid

import (
	"fmt"
	"strings"
)

// MaxLen is the maximum length of a chain ID in bytes.
const MaxLen = 200

const separator = ":"

// ID represents a parsed chain ID.
type ID struct {
	Namespace string // e.g. "identity"
	Subject   string // e.g. "u1"; empty for namespace-wide chains
}

// Parse parses and validates a chain ID string.
func Parse(raw string) (*ID, error) {
	if raw == "" {
		return nil, fmt.Errorf("chain id must not be empty")
	}
	if len(raw) > MaxLen {
		return nil, fmt.Errorf("chain id is %d bytes, max %d", len(raw), MaxLen)
	}
	for i, r := range raw {
		if !validRune(r) {
			return nil, fmt.Errorf("chain id %q contains invalid character %q at %d", raw, r, i)
		}
	}

	ns, subject, found := strings.Cut(raw, separator)
	if ns == "" {
		return nil, fmt.Errorf("chain id %q has an empty namespace", raw)
	}
	if found && subject == "" {
		return nil, fmt.Errorf("chain id %q has an empty subject", raw)
	}
	return &ID{Namespace: ns, Subject: subject}, nil
}

// Validate returns the error Parse would return for raw, if any.
func Validate(raw string) error {
	_, err := Parse(raw)
	return err
}

// New builds the chain ID for subject within namespace.
func New(namespace, subject string) (*ID, error) {
	if subject == "" {
		return Parse(namespace)
	}
	if strings.Contains(namespace, separator) {
		return nil, fmt.Errorf("namespace %q must not contain %q", namespace, separator)
	}
	return Parse(namespace + separator + subject)
}

// String returns the canonical chain ID string.
func (id *ID) String() string {
	if id.Subject == "" {
		return id.Namespace
	}
	return id.Namespace + separator + id.Subject
}

// MustParse parses a chain ID and panics on error. Useful in tests and init blocks.
func MustParse(raw string) *ID {
	id, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// validRune admits ASCII letters, digits and the punctuation "._-:@".
// Slashes are excluded so a chain ID is always a single URL path segment.
func validRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return strings.ContainsRune("._-:@", r)
}
