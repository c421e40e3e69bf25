// Package chat holds the per-chat conversation state of the relay: the
// ordered message log with read receipts, the typing slot, and the event
// payloads pushed to live viewers.
package chat

import "fmt"

// Role identifies one of the two fixed participants of a chat.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// ParseRole converts a wire value into a Role.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleUser, RoleAgent:
		return Role(s), nil
	default:
		return "", fmt.Errorf("chat: unknown role %q", s)
	}
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAgent
}

// Peer returns the other participant.
func (r Role) Peer() Role {
	if r == RoleUser {
		return RoleAgent
	}
	return RoleUser
}
