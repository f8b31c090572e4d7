package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/xiaopang/unlimited2api/internal/model"
)

// SQLiteStore SQLite Token 存储。时间戳统一存 UnixNano，比较在 SQL 内完成。
type SQLiteStore struct {
	db        *sql.DB
	threshold int
}

// NewSQLiteStore 创建 SQLite 存储
func NewSQLiteStore(dbPath string, errorThreshold int) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &SQLiteStore{db: db, threshold: errorThreshold}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate 数据库迁移
func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tokens (
		token TEXT PRIMARY KEY,
		obtained_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		last_used INTEGER DEFAULT 0,
		use_count INTEGER DEFAULT 0,
		error_count INTEGER DEFAULT 0,
		leased_to TEXT NOT NULL DEFAULT '',
		lease_time INTEGER DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_tokens_status ON tokens(status, expires_at);
	CREATE INDEX IF NOT EXISTS idx_tokens_lease ON tokens(leased_to);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close 关闭数据库
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const tokenColumns = "token, obtained_at, expires_at, status, last_used, use_count, error_count, leased_to, lease_time"

func scanToken(row interface{ Scan(...any) error }) (*model.Token, error) {
	var t model.Token
	var obtained, expires, lastUsed, leaseTime int64
	var status string
	err := row.Scan(&t.Value, &obtained, &expires, &status, &lastUsed, &t.UseCount, &t.ErrorCount, &t.LeasedTo, &leaseTime)
	if err != nil {
		return nil, err
	}
	t.Status = model.TokenStatus(status)
	t.ObtainedAt = time.Unix(0, obtained)
	t.ExpiresAt = time.Unix(0, expires)
	if lastUsed > 0 {
		t.LastUsed = time.Unix(0, lastUsed)
	}
	if leaseTime > 0 {
		t.LeaseTime = time.Unix(0, leaseTime)
	}
	return &t, nil
}

// AcquireForClient 获取该客户端专属且仍可用的 Token
func (s *SQLiteStore) AcquireForClient(clientID string) (*model.Token, error) {
	if clientID == "" {
		return nil, nil
	}
	now := time.Now()
	safe := now.Add(model.ExpirySafetyMargin).UnixNano()

	row := s.db.QueryRow(`
		SELECT `+tokenColumns+` FROM tokens
		WHERE status = 'active' AND expires_at > ? AND error_count < ? AND leased_to = ?
		LIMIT 1
	`, safe, s.threshold, clientID)

	tok, err := scanToken(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	_, err = s.db.Exec(`UPDATE tokens SET last_used = ?, use_count = use_count + 1 WHERE token = ?`,
		now.UnixNano(), tok.Value)
	if err != nil {
		return nil, err
	}
	tok.UseCount++
	tok.LastUsed = now
	return tok, nil
}

// AcquireFree 原子地认领一个空闲 Token：条件更新"仍未租出或锁定已过期"的最优候选，
// 更新命中才算认领成功，两个并发调用方不会拿到同一行。
func (s *SQLiteStore) AcquireFree(clientID string) (*model.Token, error) {
	now := time.Now()
	safe := now.Add(model.ExpirySafetyMargin).UnixNano()
	staleBefore := now.Add(-model.LeaseStaleAfter).UnixNano()

	if clientID == "" {
		// 无客户端标识：只计使用，不建立租约
		row := s.db.QueryRow(`
			SELECT `+tokenColumns+` FROM tokens
			WHERE status = 'active' AND expires_at > ? AND error_count < ?
				AND (leased_to = '' OR lease_time < ?)
			ORDER BY error_count ASC, use_count ASC
			LIMIT 1
		`, safe, s.threshold, staleBefore)
		tok, err := scanToken(row)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if _, err := s.db.Exec(`UPDATE tokens SET last_used = ?, use_count = use_count + 1 WHERE token = ?`,
			now.UnixNano(), tok.Value); err != nil {
			return nil, err
		}
		tok.UseCount++
		tok.LastUsed = now
		return tok, nil
	}

	res, err := s.db.Exec(`
		UPDATE tokens SET leased_to = ?, lease_time = ?, last_used = ?, use_count = use_count + 1
		WHERE token = (
			SELECT token FROM tokens
			WHERE status = 'active' AND expires_at > ? AND error_count < ?
				AND (leased_to = '' OR leased_to = ? OR lease_time < ?)
			ORDER BY error_count ASC, use_count ASC
			LIMIT 1
		) AND (leased_to = '' OR leased_to = ? OR lease_time < ?)
	`, clientID, now.UnixNano(), now.UnixNano(),
		safe, s.threshold, clientID, staleBefore,
		clientID, staleBefore)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	row := s.db.QueryRow(`
		SELECT `+tokenColumns+` FROM tokens
		WHERE leased_to = ? AND lease_time = ?
		LIMIT 1
	`, clientID, now.UnixNano())
	tok, err := scanToken(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return tok, err
}

// Insert 写入新 Token
func (s *SQLiteStore) Insert(tok *model.Token) error {
	if tok.Status == "" {
		tok.Status = model.TokenActive
	}
	var lastUsed, leaseTime int64
	if !tok.LastUsed.IsZero() {
		lastUsed = tok.LastUsed.UnixNano()
	}
	if !tok.LeaseTime.IsZero() {
		leaseTime = tok.LeaseTime.UnixNano()
	}
	_, err := s.db.Exec(`
		INSERT INTO tokens (token, obtained_at, expires_at, status, last_used, use_count, error_count, leased_to, lease_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET
			obtained_at = excluded.obtained_at,
			expires_at = excluded.expires_at,
			status = excluded.status,
			leased_to = excluded.leased_to,
			lease_time = excluded.lease_time
	`, tok.Value, tok.ObtainedAt.UnixNano(), tok.ExpiresAt.UnixNano(), string(tok.Status),
		lastUsed, tok.UseCount, tok.ErrorCount, tok.LeasedTo, leaseTime)
	return err
}

// MarkError 累加错误计数并清除租约，达到阈值标记 invalid
func (s *SQLiteStore) MarkError(value string) (*model.Token, error) {
	res, err := s.db.Exec(`
		UPDATE tokens SET error_count = error_count + 1, leased_to = '', lease_time = 0
		WHERE token = ?
	`, value)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrTokenNotFound
	}

	_, err = s.db.Exec(`UPDATE tokens SET status = 'invalid' WHERE token = ? AND error_count >= ?`,
		value, s.threshold)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRow(`SELECT `+tokenColumns+` FROM tokens WHERE token = ?`, value)
	tok, err := scanToken(row)
	if err == sql.ErrNoRows {
		return nil, ErrTokenNotFound
	}
	return tok, err
}

// MarkInvalid 直接标记为 invalid
func (s *SQLiteStore) MarkInvalid(value string) error {
	res, err := s.db.Exec(`
		UPDATE tokens SET status = 'invalid', leased_to = '', lease_time = 0 WHERE token = ?
	`, value)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTokenNotFound
	}
	return nil
}

// ReleaseLease 释放客户端持有的租约
func (s *SQLiteStore) ReleaseLease(clientID string) error {
	if clientID == "" {
		return nil
	}
	_, err := s.db.Exec(`UPDATE tokens SET leased_to = '', lease_time = 0 WHERE leased_to = ?`, clientID)
	return err
}

// PurgeExpired 回收过期锁定并删除过期 Token
func (s *SQLiteStore) PurgeExpired() (released, deleted int, err error) {
	now := time.Now()
	staleBefore := now.Add(-model.LeaseStaleAfter).UnixNano()

	res, err := s.db.Exec(`
		UPDATE tokens SET leased_to = '', lease_time = 0
		WHERE leased_to != '' AND lease_time > 0 AND lease_time < ?
	`, staleBefore)
	if err != nil {
		return 0, 0, err
	}
	r, _ := res.RowsAffected()

	res, err = s.db.Exec(`DELETE FROM tokens WHERE expires_at < ?`, now.UnixNano())
	if err != nil {
		return int(r), 0, err
	}
	d, _ := res.RowsAffected()

	return int(r), int(d), nil
}
