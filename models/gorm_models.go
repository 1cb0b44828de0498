// models/gorm_models.go
package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormGameRecord 对局记录, written once a game_over is announced.
type GormGameRecord struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Code         string    `gorm:"index;not null"`
	Winner       string    `gorm:"not null"`
	Reason       string
	StartingTeam string
	PlayerCount  int
	ClueHistory  string `gorm:"type:jsonb"`
	FinishedAt   time.Time
	CreatedAt    time.Time
}

func (GormGameRecord) TableName() string {
	return "game_records"
}

// BeforeCreate assigns a random id when the caller left it empty.
func (r *GormGameRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}
