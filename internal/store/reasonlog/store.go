// Package reasonlog 把推理条目追加写入 SQLite，重启时按 profile 取回最近的条目。
package reasonlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"arena/internal/reasoning"

	_ "modernc.org/sqlite"
)

// Store 是 reasoning.Persister 的 SQLite 实现，只追加，不更新。
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	path   string
	ownsDB bool
}

var _ reasoning.Persister = (*Store)(nil)

func New(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("reasoning log path 不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path, ownsDB: true}, nil
}

// NewFromDB 在已打开的连接上建表，连接的生命周期由调用方负责。
func NewFromDB(db *sql.DB) (*Store, error) {
	s := &Store{}
	if err := s.UseExternalDB(db); err != nil {
		return nil, err
	}
	return s, nil
}

// UseExternalDB 复用外部（例如 gorm）打开的连接，避免同一文件上的多连接锁冲突。
func (s *Store) UseExternalDB(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("external db is nil")
	}
	if err := ensureSchema(db); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ownsDB && s.db != nil {
		_ = s.db.Close()
	}
	s.db = db
	s.ownsDB = false
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil || !s.ownsDB {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) conn() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, fmt.Errorf("reasoning log 未初始化")
	}
	return s.db, nil
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS reasoning_entries (
			id TEXT PRIMARY KEY,
			profile_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			category TEXT NOT NULL,
			source TEXT,
			content TEXT NOT NULL,
			impact TEXT,
			payload_json TEXT,
			confidence REAL NOT NULL DEFAULT 0.5,
			related_json TEXT,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_reasoning_profile_created ON reasoning_entries(profile_id, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_reasoning_created ON reasoning_entries(created_at);`,
	}
	for _, q := range stmts {
		if _, err := db.Exec(q); err != nil {
			return fmt.Errorf("reasoning log schema: %w", err)
		}
	}
	return nil
}

// AppendEntry 幂等：同一 id 重复写入会被忽略。
func (s *Store) AppendEntry(ctx context.Context, e reasoning.Entry) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	payload, err := marshalOrNull(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	related, err := marshalOrNull(e.Related)
	if err != nil {
		return fmt.Errorf("marshal related: %w", err)
	}
	_, err = db.ExecContext(ctx, `INSERT OR IGNORE INTO reasoning_entries
		(id, profile_id, seq, category, source, content, impact, payload_json, confidence, related_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProfileID, int64(e.Seq), string(e.Category), e.Source, e.Content, e.Impact,
		payload, e.Confidence, related, e.CreatedAt.UnixMilli())
	return err
}

// LoadRecent 返回 profile 最近 limit 条条目，按写入顺序（旧→新）。
func (s *Store) LoadRecent(ctx context.Context, profileID string, limit int) ([]reasoning.Entry, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `SELECT id, profile_id, seq, category, source, content, impact,
		payload_json, confidence, related_json, created_at
		FROM reasoning_entries WHERE profile_id = ? ORDER BY created_at DESC, seq DESC LIMIT ?`, profileID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []reasoning.Entry
	for rows.Next() {
		var (
			e                reasoning.Entry
			seq, createdAt   int64
			category         string
			source, impact   sql.NullString
			payload, related sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.ProfileID, &seq, &category, &source, &e.Content, &impact,
			&payload, &e.Confidence, &related, &createdAt); err != nil {
			return nil, err
		}
		e.Seq = uint64(seq)
		e.Category = reasoning.Category(category)
		e.Source = source.String
		e.Impact = impact.String
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("decode payload of %s: %w", e.ID, err)
			}
		}
		if related.Valid && related.String != "" {
			if err := json.Unmarshal([]byte(related.String), &e.Related); err != nil {
				return nil, fmt.Errorf("decode related of %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Prune 删除早于 before 的条目，返回删除条数。
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, `DELETE FROM reasoning_entries WHERE created_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func marshalOrNull(v any) (sql.NullString, error) {
	switch x := v.(type) {
	case map[string]any:
		if len(x) == 0 {
			return sql.NullString{}, nil
		}
	case []string:
		if len(x) == 0 {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
