package models

import "time"

// Decision is a proposal put to a room's vote.
type Decision struct {
	ID          string `gorm:"primaryKey;size:32"`
	RoomID      string `gorm:"size:32;index;not null"`
	ProposerID  string `gorm:"size:32;not null"`
	Proposal    string `gorm:"type:text;not null"`
	Type        string `gorm:"size:32;default:majority"`
	Status      string `gorm:"size:16;default:open;index"`
	Threshold   string `gorm:"size:16"`
	Resolution  string `gorm:"type:text"`
	ResolvedBy  string `gorm:"size:32"`
	TimeoutAt   *time.Time
	EscalatedAt *time.Time
	CreatedAt   time.Time
	ResolvedAt  *time.Time

	Votes []Vote `gorm:"foreignKey:DecisionID"`
}

// Decision status values. Terminal statuses never change again.
const (
	DecisionOpen     = "open"
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
	DecisionExpired  = "expired"
)

// Vote is one voter's ballot on a decision. The composite key makes a
// second vote from the same voter replace the first.
type Vote struct {
	DecisionID string `gorm:"primaryKey;size:32"`
	VoterID    string `gorm:"primaryKey;size:32"`
	Vote       string `gorm:"size:8;not null"`
	Reasoning  string `gorm:"type:text"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Ballot values.
const (
	VoteYes     = "yes"
	VoteNo      = "no"
	VoteAbstain = "abstain"
)

// KeeperID is the voter and addressee identity of the human keeper.
const KeeperID = "keeper"
