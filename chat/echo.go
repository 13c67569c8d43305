package chat

import (
	"fmt"
	"strings"
)

// EchoPolicy selects how a sender keeps a readable copy of its own messages.
type EchoPolicy string

const (
	// EchoSealed wraps the message key a second time for the sender's own key.
	EchoSealed EchoPolicy = "sealed"
	// EchoPlain stores base64 plaintext in sender_echo, as legacy clients did.
	EchoPlain EchoPolicy = "plain"
)

// ParseEchoPolicy parses a configured policy; "" selects EchoSealed.
func ParseEchoPolicy(value string) (EchoPolicy, error) {
	switch EchoPolicy(strings.ToLower(strings.TrimSpace(value))) {
	case "", EchoSealed:
		return EchoSealed, nil
	case EchoPlain:
		return EchoPlain, nil
	default:
		return "", fmt.Errorf("unknown echo policy %q", value)
	}
}
