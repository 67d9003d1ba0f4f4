package models

import "time"

// Worker is an agent identity within a room. The queen is a worker with
// role "queen".
type Worker struct {
	ID               string  `gorm:"primaryKey;size:32"`
	RoomID           string  `gorm:"size:32;index;not null"`
	Name             string  `gorm:"size:64;not null"`
	Role             string  `gorm:"size:16;default:worker"`
	Model            string  `gorm:"size:64"`
	AgentState       string  `gorm:"size:16;default:idle;index"`
	WIP              *string `gorm:"type:text"`
	CanVote          bool    `gorm:"default:true"`
	VotesCast        int     `gorm:"default:0"`
	VotesMissed      int     `gorm:"default:0"`
	BackoffLevel     int     `gorm:"default:0"`
	BackoffUntil     *time.Time
	LastCycleEndedAt *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Worker roles.
const (
	RoleQueen  = "queen"
	RoleWorker = "worker"
)

// Agent states. A worker is in exactly one of these at any time.
const (
	AgentIdle        = "idle"
	AgentThinking    = "thinking"
	AgentActing      = "acting"
	AgentVoting      = "voting"
	AgentRateLimited = "rate_limited"
	AgentBlocked     = "blocked"
)
