// Package chat implements conversation state synchronization: deterministic
// conversation keying, optimistic local sends, and reconciliation of
// confirmed transport events into per-conversation message sequences.
package chat

import (
	"errors"
	"fmt"
	"strings"

	"firechat/identity"
)

// ErrInvalidIdentifier indicates a participant identifier outside the
// expected wallet-address shape.
var ErrInvalidIdentifier = errors.New("chat: invalid participant identifier")

// keySeparator joins the two participant addresses. '-' is not part of the
// hex address alphabet, so the key splits back unambiguously.
const keySeparator = "-"

// Key canonically identifies a two-party conversation. The same pair of
// participants yields the same key regardless of argument order.
type Key string

// DeriveKey computes the conversation key for two participants. Both
// identifiers are normalized to lowercase and ordered lexicographically, so
// DeriveKey(a, b) == DeriveKey(b, a).
func DeriveKey(idA, idB string) (Key, error) {
	a, err := identity.Normalize(idA)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, idA)
	}
	b, err := identity.Normalize(idB)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, idB)
	}

	if b < a {
		a, b = b, a
	}
	return Key(a + keySeparator + b), nil
}

// Participants splits a key back into its two ordered addresses.
func (k Key) Participants() (string, string) {
	parts := strings.SplitN(string(k), keySeparator, 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}

// Peer returns the participant that is not self, or "" if self is not part
// of the conversation.
func (k Key) Peer(self string) string {
	a, b := k.Participants()
	switch strings.ToLower(self) {
	case a:
		return b
	case b:
		return a
	default:
		return ""
	}
}
