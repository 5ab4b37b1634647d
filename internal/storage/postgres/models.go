package postgres

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RunModel maps to the "runs" table.
type RunModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID    string    `gorm:"not null;index"`
	Port      string    `gorm:"not null;index"`
	Dialect   string    `gorm:"not null"`
	Source    string    `gorm:"not null"`
	DemoName  string    `gorm:"not null;default:''"`
	Arguments string    `gorm:"type:text"`
	Status    string    `gorm:"not null;index;default:'pending'"`

	ExecStatus   string `gorm:"not null;default:''"`
	ExecMessage  string `gorm:"type:text"`
	Instructions int    `gorm:"not null;default:0"`
	Truncated    bool   `gorm:"not null;default:false"`

	TransportState string `gorm:"not null;default:''"`
	States         string `gorm:"type:text"` // Comma-separated state history.
	Acked          int    `gorm:"not null;default:0"`
	Recovered      bool   `gorm:"not null;default:false"`
	TransportError string `gorm:"type:text"`

	StartedAt  time.Time `gorm:"not null;index"`
	FinishedAt *time.Time
	TimedOutAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
	DeletedAt  gorm.DeletedAt `gorm:"index"`
}

func (RunModel) TableName() string { return "runs" }
