// persistence/recorder.go
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wfunc/codenames-client/config"
	"github.com/wfunc/codenames-client/models"
)

// Recorder archives the outcome of finished games.
type Recorder interface {
	RecordGame(ctx context.Context, snap *models.Snapshot, reason string) error
	History(ctx context.Context, code string) ([]models.GormGameRecord, error)
	Close() error
}

var (
	ErrRecordNotFound = errors.New("record not found")
	ErrNoSnapshot     = errors.New("no snapshot to record")
)

// NewGameRecord builds the archive row for a finished snapshot.
func NewGameRecord(snap *models.Snapshot, reason string) (*models.GormGameRecord, error) {
	if snap == nil {
		return nil, ErrNoSnapshot
	}

	history := snap.ClueHistory
	if history == nil {
		history = []models.Clue{}
	}
	clues, err := json.Marshal(history)
	if err != nil {
		return nil, fmt.Errorf("failed to encode clue history: %w", err)
	}

	return &models.GormGameRecord{
		Code:         snap.ID,
		Winner:       string(snap.Winner),
		Reason:       reason,
		StartingTeam: string(snap.StartingTeam),
		PlayerCount:  len(snap.Players),
		ClueHistory:  string(clues),
		FinishedAt:   time.Now(),
	}, nil
}

// Open connects the recorder selected by cfg.Driver.
func Open(cfg config.DatabaseConfig) (Recorder, error) {
	switch cfg.Driver {
	case "", "gorm":
		return NewGormPostgreSQL(cfg.Postgres.DSN())
	case "pq":
		return NewPostgreSQL(cfg.Postgres.DSN())
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// MemoryRecorder keeps records in process. Used when no database is
// configured and in tests.
type MemoryRecorder struct {
	records []models.GormGameRecord
	mutex   sync.Mutex
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (m *MemoryRecorder) RecordGame(_ context.Context, snap *models.Snapshot, reason string) error {
	record, err := NewGameRecord(snap, reason)
	if err != nil {
		return err
	}
	record.CreatedAt = record.FinishedAt

	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.records = append(m.records, *record)
	return nil
}

// History returns the records for code, newest first.
func (m *MemoryRecorder) History(_ context.Context, code string) ([]models.GormGameRecord, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var out []models.GormGameRecord
	for i := len(m.records) - 1; i >= 0; i-- {
		if m.records[i].Code == code {
			out = append(out, m.records[i])
		}
	}
	if len(out) == 0 {
		return nil, ErrRecordNotFound
	}
	return out, nil
}

func (m *MemoryRecorder) Close() error {
	return nil
}
