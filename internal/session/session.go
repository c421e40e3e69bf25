// Package session issues and checks the ephemeral tokens that bind a caller
// to one participant role of a chat. At most one token is live per
// (chat, role); the agent is a single process-wide operator, so its token
// is keyed by role alone.
package session
