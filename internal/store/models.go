package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type CompanionModel struct {
	ID              string    `gorm:"primaryKey"`
	Name            string    `gorm:"not null"`
	Subject         string    `gorm:"not null;index"`
	Topic           string    `gorm:"not null"`
	Voice           string    `gorm:"not null"`
	Style           string    `gorm:"not null"`
	DurationMinutes int       `gorm:"not null"`
	Author          string    `gorm:"not null;index"`
	CreatedAt       time.Time `gorm:"not null;index"`
}

func (CompanionModel) TableName() string { return "companions" }

// BookmarkModel uses a composite primary key so at most one row can
// exist per (user, companion) pair; the toggle depends on that.
type BookmarkModel struct {
	UserID      string    `gorm:"primaryKey"`
	CompanionID string    `gorm:"primaryKey;index"`
	CreatedAt   time.Time `gorm:"not null"`
}

func (BookmarkModel) TableName() string { return "bookmarks" }

type SessionModel struct {
	ID          string         `gorm:"primaryKey"`
	UserID      string         `gorm:"not null;index"`
	CompanionID string         `gorm:"not null;index"`
	Metadata    datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt   time.Time      `gorm:"not null;index"`

	Companion CompanionModel `gorm:"foreignKey:CompanionID;references:ID"`
}

func (SessionModel) TableName() string { return "session_history" }
