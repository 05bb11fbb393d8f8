package server

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"moonbase/journal"
)

// fakeOutbox 记录出站消息的测试用 Outbox
type fakeOutbox struct {
	ch chan []byte

	mu     sync.Mutex
	closed bool
	full   bool
}

func newFakeOutbox() *fakeOutbox {
	return &fakeOutbox{ch: make(chan []byte, 512)}
}

func (o *fakeOutbox) Enqueue(b []byte) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || o.full {
		return false
	}
	select {
	case o.ch <- b:
		return true
	default:
		return false
	}
}

func (o *fakeOutbox) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
}

func (o *fakeOutbox) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// wireMsg 出站消息的通用解码结构
type wireMsg struct {
	Type      string                    `json:"type"`
	Room      string                    `json:"room"`
	SessionID SessionID                 `json:"sessionId"`
	Players   map[SessionID]PlayerState `json:"players"`
	ID        SessionID                 `json:"id"`
	XPos      float64                   `json:"xPos"`
	YPos      float64                   `json:"yPos"`
	Move      string                    `json:"move"`
	Code      string                    `json:"code"`
}

func decodeWire(t *testing.T, b []byte) wireMsg {
	t.Helper()
	var m wireMsg
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("decode %s: %v", b, err)
	}
	return m
}

// expect 读取消息直到出现指定类型，跳过其他类型
func (o *fakeOutbox) expect(t *testing.T, typ string) wireMsg {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case b := <-o.ch:
			m := decodeWire(t, b)
			if m.Type == typ {
				return m
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

// expectNo 在 d 内不应出现指定类型的消息
func (o *fakeOutbox) expectNo(t *testing.T, typ string, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case b := <-o.ch:
			if m := decodeWire(t, b); m.Type == typ {
				t.Fatalf("unexpected %s: %s", typ, b)
			}
		case <-deadline:
			return
		}
	}
}

// drain 丢弃已到达的消息
func (o *fakeOutbox) drain() {
	for {
		select {
		case <-o.ch:
		default:
			return
		}
	}
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []journal.Event
}

func (r *fakeRecorder) Record(ev journal.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *fakeRecorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.JoinGrace = 0
	cfg.JoinTimeout = 2 * time.Second
	cfg.Normalize()
	return cfg
}

func newTestManager(t *testing.T, mutate func(*Config)) (*RoomManager, *fakeRecorder) {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	rec := &fakeRecorder{}
	m := NewRoomManager(cfg, rec)
	t.Cleanup(m.Close)
	return m, rec
}

// eventually 轮询直到条件成立
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never met: %s", what)
}
