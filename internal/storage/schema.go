package storage

import (
	"time"
)

// Session is the persisted registry row for a coding-agent session
type Session struct {
	ID           string `gorm:"primaryKey"`
	WorktreeID   string `gorm:"not null;default:''"`
	WorktreePath string `gorm:"not null;uniqueIndex:idx_worktree_path"`
	Status       string `gorm:"not null;default:'starting';check:status IN ('starting','active','idle','error','stopped')"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Message is one persisted transcript entry, cascade-deleted with its
// session
type Message struct {
	ID        string `gorm:"primaryKey"`
	SessionID string `gorm:"not null;index:idx_message_session"`
	Role      string `gorm:"not null;default:''"`
	Content   string `gorm:"not null;default:''"`
	Type      string `gorm:"not null;default:''"`
	Timestamp time.Time
	CreatedAt time.Time
}
