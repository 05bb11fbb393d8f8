package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const segmentLayout = "2006-01-02-15"

// Writer 会话事件的段文件：按事件时间（UTC 小时）分段，每段一个 zstd 压缩的 JSONL 文件。
// Append 只写入压缩器缓冲，Sync 后才保证落盘。
type Writer struct {
	baseDir string
	prefix  string

	mu      sync.Mutex
	segment string // 当前段的小时键
	f       *os.File
	zw      *zstd.Encoder
	enc     *json.Encoder
	lines   int  // 当前段本次打开后写入的行数
	dirty   bool // 有未 Sync 的数据
}

func NewWriter(baseDir, prefix string) *Writer {
	return &Writer{baseDir: baseDir, prefix: prefix}
}

// Append 追加一条事件；事件时间跨小时则切换段文件
func (w *Writer) Append(ev Event) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if key := ev.Time.UTC().Format(segmentLayout); key != w.segment {
		if err := w.openLocked(key); err != nil {
			return err
		}
	}
	if err := w.enc.Encode(ev); err != nil {
		return err
	}
	w.lines++
	w.dirty = true
	return nil
}

// Sync 结束当前压缩块并 fsync，使已追加的事件可被读出
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked()
}

// Segment 当前段文件路径与已写入行数；尚未写入时 path 为空
func (w *Writer) Segment() (string, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.segment == "" {
		return "", 0
	}
	return w.pathFor(w.segment), w.lines
}

// Path 给定时间所在段的文件路径
func (w *Writer) Path(t time.Time) string {
	return w.pathFor(t.UTC().Format(segmentLayout))
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *Writer) syncLocked() error {
	if !w.dirty || w.zw == nil {
		return nil
	}
	if err := w.zw.Flush(); err != nil {
		return err
	}
	if err := w.f.Sync(); err != nil {
		return err
	}
	w.dirty = false
	return nil
}

// openLocked 关闭旧段并以追加方式打开新段；同一小时重新打开时追加新的 zstd 帧
func (w *Writer) openLocked(key string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.baseDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathFor(key), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f, w.zw, w.enc = f, zw, json.NewEncoder(zw)
	w.segment, w.lines = key, 0
	return nil
}

func (w *Writer) closeLocked() error {
	if w.zw == nil {
		return nil
	}
	err := w.zw.Close()
	if serr := w.f.Sync(); err == nil {
		err = serr
	}
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	w.f, w.zw, w.enc = nil, nil, nil
	w.segment, w.lines, w.dirty = "", 0, false
	return err
}

func (w *Writer) pathFor(key string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, key))
}
