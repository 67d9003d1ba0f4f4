package models

import "time"

// Escalation is a question or blocker raised to another worker or to the
// keeper. An empty ToAgentID addresses the keeper.
type Escalation struct {
	ID          string `gorm:"primaryKey;size:32"`
	RoomID      string `gorm:"size:32;index;not null"`
	FromAgentID string `gorm:"size:32;not null"`
	ToAgentID   string `gorm:"size:32;index"`
	DecisionID  string `gorm:"size:32"`
	Message     string `gorm:"type:text;not null"`
	Answer      string `gorm:"type:text"`
	Status      string `gorm:"size:16;default:pending;index"`
	CreatedAt   time.Time
	DeliveredAt *time.Time // first rendered into the recipient's context
	ResolvedAt  *time.Time
}

// Escalation status values.
const (
	EscalationPending  = "pending"
	EscalationResolved = "resolved"
)
