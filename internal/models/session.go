package models

import "time"

// SessionStatus is the lifecycle state of a coding-agent session
type SessionStatus string

const (
	SessionStarting SessionStatus = "starting"
	SessionActive   SessionStatus = "active"
	SessionIdle     SessionStatus = "idle"
	SessionError    SessionStatus = "error"
	SessionStopped  SessionStatus = "stopped"
)

// WindowPrefix is prepended to every session ID to form its terminal
// window name. Windows carrying this prefix are ours to discover and
// supervise; everything else in the multiplexer is left alone.
const WindowPrefix = "ccm-"

// Session is the live projection of a coding-agent session: registry row
// joined with supervisor state
type Session struct {
	ID           string        `json:"id"`
	WorktreeID   string        `json:"worktreeId"`
	WorktreePath string        `json:"worktreePath"`
	WindowName   string        `json:"windowName"`
	GatewayPort  *int          `json:"gatewayPort"`
	Status       SessionStatus `json:"status"`
	CreatedAt    time.Time     `json:"createdAt"`
	URL          string        `json:"url"`
}

// WindowName derives the multiplexer window name for a session ID
func WindowName(sid string) string {
	return WindowPrefix + sid
}

// Message is one transcript entry of a session
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}
