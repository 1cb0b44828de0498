// persistence/postgresql.go
package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	// PostgreSQL 驱动
	_ "github.com/lib/pq"
	"github.com/wfunc/codenames-client/models"
)

const queryTimeout = 5 * time.Second

// PostgreSQL 数据库实现, database/sql + lib/pq.
type PostgreSQL struct {
	db *sql.DB
}

// NewPostgreSQL 创建 PostgreSQL 数据库连接
func NewPostgreSQL(dsn string) (*PostgreSQL, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := initTables(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &PostgreSQL{db: db}, nil
}

// initTables creates the same table the gorm recorder migrates to.
func initTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
        CREATE TABLE IF NOT EXISTS game_records (
            id UUID PRIMARY KEY,
            code TEXT NOT NULL,
            winner TEXT NOT NULL,
            reason TEXT,
            starting_team TEXT,
            player_count BIGINT,
            clue_history JSONB,
            finished_at TIMESTAMPTZ,
            created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
        )
    `)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
        CREATE INDEX IF NOT EXISTS idx_game_records_code ON game_records(code)
    `)
	return err
}

// RecordGame 保存对局记录
func (p *PostgreSQL) RecordGame(ctx context.Context, snap *models.Snapshot, reason string) error {
	record, err := NewGameRecord(snap, reason)
	if err != nil {
		return err
	}
	record.ID = uuid.New()

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err = p.db.ExecContext(ctx, `
        INSERT INTO game_records
            (id, code, winner, reason, starting_team, player_count, clue_history, finished_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		record.ID, record.Code, record.Winner, record.Reason, record.StartingTeam,
		record.PlayerCount, record.ClueHistory, record.FinishedAt,
	)
	return err
}

// History 查询某局游戏的历史记录, newest first.
func (p *PostgreSQL) History(ctx context.Context, code string) ([]models.GormGameRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, `
        SELECT id, code, winner, COALESCE(reason, ''), COALESCE(starting_team, ''),
               COALESCE(player_count, 0), COALESCE(clue_history::text, '[]'), finished_at, created_at
        FROM game_records
        WHERE code = $1
        ORDER BY finished_at DESC`, code)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.GormGameRecord
	for rows.Next() {
		var r models.GormGameRecord
		if err := rows.Scan(&r.ID, &r.Code, &r.Winner, &r.Reason, &r.StartingTeam,
			&r.PlayerCount, &r.ClueHistory, &r.FinishedAt, &r.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrRecordNotFound
	}
	return records, nil
}

// Close 关闭数据库连接
func (p *PostgreSQL) Close() error {
	return p.db.Close()
}
