package models

import "time"

// Goal is a node in a room's goal tree.
type Goal struct {
	ID               string  `gorm:"primaryKey;size:32"`
	RoomID           string  `gorm:"size:32;index;not null"`
	ParentID         *string `gorm:"size:32;index"`
	Description      string  `gorm:"type:text;not null"`
	Status           string  `gorm:"size:16;default:active;index"`
	Progress         float64 `gorm:"default:0"`
	MetricValue      *float64
	AssignedWorkerID string `gorm:"size:32"`
	CreatedAt        time.Time
	UpdatedAt        time.Time

	Updates []GoalUpdate `gorm:"foreignKey:GoalID"`
}

// Goal status values.
const (
	GoalActive    = "active"
	GoalCompleted = "completed"
	GoalAbandoned = "abandoned"
	GoalBlocked   = "blocked"
)

// GoalUpdate records an observation against a goal.
type GoalUpdate struct {
	ID          uint    `gorm:"primaryKey;autoIncrement"`
	GoalID      string  `gorm:"size:32;index;not null"`
	WorkerID    string  `gorm:"size:32"`
	Observation string  `gorm:"type:text"`
	Progress    float64 `gorm:"default:0"`
	MetricValue *float64
	CreatedAt   time.Time
}
