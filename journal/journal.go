// Package journal 记录会话生命周期事件（加入、离开、切换、断线），
// 写入按小时滚动的 zstd JSONL 文件并建立 SQLite 索引。只做审计，不用于恢复房间状态。
package journal

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// 事件种类
const (
	KindJoin       = "join"
	KindLeave      = "leave"
	KindTransition = "transition"
	KindDisconnect = "disconnect"
	KindRoomClosed = "room_closed"
)

var ErrClosed = errors.New("journal closed")

// Event 一条会话事件
type Event struct {
	Time    time.Time `json:"ts"`
	Kind    string    `json:"kind"`
	Room    string    `json:"room"`
	Session string    `json:"session,omitempty"`
	Client  string    `json:"client,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

type item struct {
	ev   Event
	done chan struct{} // 非空时为刷新屏障
}

// Journal 异步写入：Record 不阻塞调用方，队列满时丢弃并计数
type Journal struct {
	w   *Writer
	idx *Index
	log *zap.Logger

	mu      sync.RWMutex
	ch      chan item
	closed  bool
	wg      sync.WaitGroup
	dropped atomic.Int64
	failed  atomic.Int64
}

// Open 在 dir 下打开 journal：dir/sessions-*.jsonl.zst 与 dir/sessions.db
func Open(dir string, log *zap.Logger) (*Journal, error) {
	if log == nil {
		log = zap.NewNop()
	}
	idx, err := OpenIndex(filepath.Join(dir, "sessions.db"))
	if err != nil {
		return nil, err
	}
	j := &Journal{
		w:   NewWriter(dir, "sessions"),
		idx: idx,
		log: log,
		ch:  make(chan item, 4096),
	}
	j.wg.Add(1)
	go j.loop()
	return j, nil
}

// loop 单协程写入；队列排空或遇到刷新屏障时 Sync 段文件
func (j *Journal) loop() {
	defer j.wg.Done()
	ctx := context.Background()
	for it := range j.ch {
		if it.done != nil {
			j.sync()
			close(it.done)
			continue
		}
		if err := j.w.Append(it.ev); err != nil {
			j.failed.Add(1)
			j.log.Warn("journal write failed", zap.String("kind", it.ev.Kind), zap.Error(err))
		}
		if err := j.idx.Insert(ctx, it.ev); err != nil {
			j.failed.Add(1)
			j.log.Warn("journal index insert failed", zap.String("kind", it.ev.Kind), zap.Error(err))
		}
		if len(j.ch) == 0 {
			j.sync()
		}
	}
}

func (j *Journal) sync() {
	if err := j.w.Sync(); err != nil {
		j.failed.Add(1)
		j.log.Warn("journal sync failed", zap.Error(err))
	}
}

// Record 入队一条事件
func (j *Journal) Record(ev Event) {
	if j == nil {
		return
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	select {
	case j.ch <- item{ev: ev}:
	default:
		j.dropped.Add(1)
	}
}

// Flush 等待此前入队的事件写入并 Sync 到段文件与索引
func (j *Journal) Flush(ctx context.Context) error {
	done := make(chan struct{})
	j.mu.RLock()
	if j.closed {
		j.mu.RUnlock()
		return ErrClosed
	}
	select {
	case j.ch <- item{done: done}:
	case <-ctx.Done():
		j.mu.RUnlock()
		return ctx.Err()
	}
	j.mu.RUnlock()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recent 查询最近的事件
func (j *Journal) Recent(ctx context.Context, room string, limit int) ([]Event, error) {
	return j.idx.Recent(ctx, room, limit)
}

// SessionHistory 查询某会话的事件
func (j *Journal) SessionHistory(ctx context.Context, session string) ([]Event, error) {
	return j.idx.SessionHistory(ctx, session)
}

// Stats 丢弃与写入失败计数，以及当前段文件
func (j *Journal) Stats() map[string]any {
	seg, lines := j.w.Segment()
	return map[string]any{
		"dropped":        j.dropped.Load(),
		"write_failures": j.failed.Load(),
		"queue_depth":    len(j.ch),
		"segment":        filepath.Base(seg),
		"segment_lines":  lines,
	}
}

func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.ch)
	j.mu.Unlock()

	j.wg.Wait()
	err := j.w.Close()
	if cerr := j.idx.Close(); err == nil {
		err = cerr
	}
	return err
}
