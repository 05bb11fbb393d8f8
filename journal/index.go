package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Index 会话事件的 SQLite 索引，供管理接口查询
type Index struct {
	db     *sql.DB
	insert *sql.Stmt
}

func OpenIndex(path string) (*Index, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	insert, err := db.Prepare(`INSERT INTO session_events(ts,kind,room,session,client,detail) VALUES(?,?,?,?,?,?)`)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Index{db: db, insert: insert}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS session_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			kind TEXT NOT NULL,
			room TEXT NOT NULL,
			session TEXT NOT NULL,
			client TEXT NOT NULL,
			detail TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_session_events_room ON session_events(room, id);`,
		`CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Insert 写入一条事件
func (x *Index) Insert(ctx context.Context, ev Event) error {
	_, err := x.insert.ExecContext(ctx,
		ev.Time.UTC().Format(time.RFC3339Nano), ev.Kind, ev.Room, ev.Session, ev.Client, ev.Detail)
	return err
}

// Recent 按时间倒序返回最近的事件；room 为空时不过滤
func (x *Index) Recent(ctx context.Context, room string, limit int) ([]Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if room == "" {
		rows, err = x.db.QueryContext(ctx,
			`SELECT ts,kind,room,session,client,detail FROM session_events ORDER BY id DESC LIMIT ?`, limit)
	} else {
		rows, err = x.db.QueryContext(ctx,
			`SELECT ts,kind,room,session,client,detail FROM session_events WHERE room = ? ORDER BY id DESC LIMIT ?`, room, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev Event
			ts string
		)
		if err := rows.Scan(&ts, &ev.Kind, &ev.Room, &ev.Session, &ev.Client, &ev.Detail); err != nil {
			return nil, err
		}
		ev.Time, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SessionHistory 某个会话的全部事件（按发生顺序）
func (x *Index) SessionHistory(ctx context.Context, session string) ([]Event, error) {
	rows, err := x.db.QueryContext(ctx,
		`SELECT ts,kind,room,session,client,detail FROM session_events WHERE session = ? ORDER BY id ASC`, session)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev Event
			ts string
		)
		if err := rows.Scan(&ts, &ev.Kind, &ev.Room, &ev.Session, &ev.Client, &ev.Detail); err != nil {
			return nil, err
		}
		ev.Time, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (x *Index) Close() error {
	if x.insert != nil {
		_ = x.insert.Close()
	}
	return x.db.Close()
}
