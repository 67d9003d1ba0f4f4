package models

import "time"

// Room is a self-governing group of agents pursuing one objective.
type Room struct {
	ID              string `gorm:"primaryKey;size:32"`
	Name            string `gorm:"size:128;not null"`
	Goal            string `gorm:"type:text"`
	Status          string `gorm:"size:16;default:active;index"`
	QueenID         string `gorm:"size:32"`
	Settings        string `gorm:"type:text"`
	SettingsVersion int    `gorm:"default:1"`
	CreatedAt       time.Time
	UpdatedAt       time.Time

	Workers []Worker `gorm:"foreignKey:RoomID"`
}

// Room status values.
const (
	RoomActive = "active"
	RoomPaused = "paused"
)
