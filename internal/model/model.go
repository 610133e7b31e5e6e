package model

import (
	"fmt"
	"time"
)

// LogEntry is one stored user/AI exchange in a user's flat ranked log.
// Request and response text are immutable after creation. Rank is a positive
// integer, unique per user, assigned monotonically at creation time and never
// reused; only an explicit rerank pass may rewrite it.
type LogEntry struct {
	ID           string    `json:"id"           gorm:"primaryKey"`
	UserID       string    `json:"userId"       gorm:"column:user_id;not null"`
	Rank         int       `json:"rank"         gorm:"column:rank;not null"`
	RequestText  string    `json:"requestText"  gorm:"column:request_text;not null"`
	ResponseText string    `json:"responseText" gorm:"column:response_text;not null"`
	CreatedAt    time.Time `json:"createdAt"    gorm:"column:created_at;not null;default:now()"`
}

// TableName implements gorm.Tabler.
func (LogEntry) TableName() string { return "log_entries" }

// User is the parent record every log entry references. Appends for an
// unknown user are rejected; the append path never creates one.
type User struct {
	ID        string    `json:"id"        gorm:"primaryKey;column:user_id"`
	CreatedAt time.Time `json:"createdAt" gorm:"column:created_at;not null;default:now()"`
}

// TableName implements gorm.Tabler.
func (User) TableName() string { return "users" }

// EntryID derives the deterministic entry ID for a (userID, rank) pair.
// The rerank pass relies on this to rewrite IDs alongside ranks.
func EntryID(userID string, rank int) string {
	return fmt.Sprintf("%s:%d", userID, rank)
}
