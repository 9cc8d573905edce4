package data

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/kawayiYokami/angelheart/internal/biz/domain"
	"github.com/kawayiYokami/angelheart/internal/biz/repo"

	_ "modernc.org/sqlite"
)

// historyCacheTTL bounds how long a loaded history window may be served
// without hitting sqlite again
const historyCacheTTL = 30 * time.Second

// historyRepo implements the long-term history source on sqlite with a
// small read-through cache in front of it
type historyRepo struct {
	db     *sql.DB
	cache  *gocache.Cache
	logger *zap.Logger
}

// NewHistoryRepo opens (creating if necessary) the history database
func NewHistoryRepo(dbPath string, logger *zap.Logger) (repo.HistoryRepo, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS chat_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id TEXT NOT NULL,
			role TEXT NOT NULL,
			sender_id TEXT NOT NULL DEFAULT '',
			sender_name TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	_, err = db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_chat_history_chat_time ON chat_history(chat_id, created_at)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create index: %w", err)
	}

	return &historyRepo{
		db:     db,
		cache:  gocache.New(historyCacheTTL, time.Minute),
		logger: logger,
	}, nil
}

// LoadHistory returns the most recent records in chronological order
func (r *historyRepo) LoadHistory(ctx context.Context, chatID string, limit int) ([]domain.ChatRecord, error) {
	key := fmt.Sprintf("%s:%d", chatID, limit)
	if cached, ok := r.cache.Get(key); ok {
		return cached.([]domain.ChatRecord), nil
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT role, sender_id, sender_name, content, created_at
		FROM chat_history
		WHERE chat_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var reversed []domain.ChatRecord
	for rows.Next() {
		var rec domain.ChatRecord
		var createdAt int64
		if err := rows.Scan(&rec.Role, &rec.SenderID, &rec.SenderName, &rec.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		rec.Timestamp = time.Unix(createdAt, 0)
		reversed = append(reversed, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history rows: %w", err)
	}

	records := make([]domain.ChatRecord, 0, len(reversed))
	for i := len(reversed) - 1; i >= 0; i-- {
		records = append(records, reversed[i])
	}

	r.cache.Set(key, records, historyCacheTTL)
	return records, nil
}

// Append stores one settled history record and invalidates cached reads
// for the conversation
func (r *historyRepo) Append(ctx context.Context, chatID string, rec domain.ChatRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO chat_history (chat_id, role, sender_id, sender_name, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, chatID, string(rec.Role), rec.SenderID, rec.SenderName, rec.Content, rec.Timestamp.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert history record: %w", err)
	}

	for key := range r.cache.Items() {
		if len(key) > len(chatID) && key[:len(chatID)] == chatID && key[len(chatID)] == ':' {
			r.cache.Delete(key)
		}
	}
	return nil
}

// CleanupOld deletes records older than the given time
func (r *historyRepo) CleanupOld(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM chat_history WHERE created_at < ?
	`, before.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup history: %w", err)
	}
	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		r.cache.Flush()
		r.logger.Info("history cleanup done", zap.Int64("deleted", deleted))
	}
	return deleted, nil
}

// Close closes the database
func (r *historyRepo) Close() error {
	return r.db.Close()
}
