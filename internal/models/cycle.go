package models

import "time"

// Cycle is one bounded execution episode of a worker.
type Cycle struct {
	ID           string `gorm:"primaryKey;size:32"`
	WorkerID     string `gorm:"size:32;index;not null"`
	RoomID       string `gorm:"size:32;index;not null"`
	Status       string `gorm:"size:16;default:running;index"`
	Manual       bool   `gorm:"default:false"`
	Turns        int    `gorm:"default:0"`
	InputTokens  int    `gorm:"default:0"`
	OutputTokens int    `gorm:"default:0"`
	Model        string `gorm:"size:64"`
	DurationMs   int64  `gorm:"default:0"`
	FailureKind  string `gorm:"size:16"`
	ErrorMessage string `gorm:"type:text"`
	StartedAt    time.Time
	FinishedAt   *time.Time

	Logs []CycleLog `gorm:"foreignKey:CycleID"`
}

// Cycle status values. A cycle leaves "running" exactly once.
const (
	CycleRunning   = "running"
	CycleCompleted = "completed"
	CycleFailed    = "failed"
)

// CycleLog is one ordered entry of a cycle's transcript.
type CycleLog struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	CycleID   string `gorm:"size:32;not null;uniqueIndex:idx_cycle_seq"`
	Seq       int    `gorm:"not null;uniqueIndex:idx_cycle_seq"`
	EntryType string `gorm:"size:16;not null"`
	Content   string `gorm:"type:text"`
	CreatedAt time.Time
}

// Cycle log entry types.
const (
	LogContext       = "context"
	LogAssistantText = "assistant_text"
	LogToolCall      = "tool_call"
	LogToolResult    = "tool_result"
	LogError         = "error"
	LogSystem        = "system"
)
