// Package voice 语音网状连接的重拨调度：按对端 id 维护递增的重拨间隔、
// 区分致命与非致命错误、按队列依次呼叫。媒体协商不在此处理。
package voice

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	initialTimeout = 3 * time.Second
	timeoutStep    = 5 * time.Second
	maxTimeout     = 30 * time.Second
)

var ErrSelfCall = errors.New("voice: cannot call self")

// 需要重建本地 peer 的错误名
var fatalErrors = map[string]bool{
	"invalid-id":      true,
	"invalid-key":     true,
	"network":         true,
	"ssl-unavailable": true,
	"server-error":    true,
	"socket-error":    true,
	"socket-closed":   true,
	"unavailable-id":  true,
	"webrtc":          true,
}

// IsFatal 该错误是否需要重建本地 peer
func IsFatal(name string) bool { return fatalErrors[name] }

// Dialer 实际发起呼叫与重建本地 peer 的一方
type Dialer interface {
	Call(peer string) error
	Restart() error
}

// Timer 可停止的定时器
type Timer interface {
	Stop() bool
}

// Redialer 并发安全；Dialer 回调在锁外执行
type Redialer struct {
	self   string
	dialer Dialer
	log    *zap.Logger
	after  func(d time.Duration, fn func()) Timer

	mu        sync.Mutex
	enabled   bool
	connected map[string]bool
	timeouts  map[string]time.Duration
	queue     []string
	timers    map[string]Timer
	closed    bool
}

// NewRedialer self 为本地 peer id（通常等于房间内的 SessionID）
func NewRedialer(self string, d Dialer, log *zap.Logger) *Redialer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Redialer{
		self:      self,
		dialer:    d,
		log:       log,
		after:     func(d time.Duration, fn func()) Timer { return time.AfterFunc(d, fn) },
		connected: make(map[string]bool),
		timeouts:  make(map[string]time.Duration),
		timers:    make(map[string]Timer),
	}
}

// Open 本地 peer 就绪：允许呼叫并从队列取下一个
func (r *Redialer) Open() {
	r.mu.Lock()
	r.enabled = true
	r.mu.Unlock()
	r.CallNext()
}

// Enqueue 加入呼叫队列；自身与已在队列中的 id 被忽略
func (r *Redialer) Enqueue(peers ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range peers {
		if p == "" || p == r.self || r.queued(p) {
			continue
		}
		r.queue = append(r.queue, p)
	}
}

func (r *Redialer) queued(p string) bool {
	for _, q := range r.queue {
		if q == p {
			return true
		}
	}
	return false
}

// CallNext 呼叫队列中的下一个对端；队列为空返回 false
func (r *Redialer) CallNext() bool {
	r.mu.Lock()
	if !r.enabled || len(r.queue) == 0 {
		r.mu.Unlock()
		return false
	}
	p := r.queue[0]
	r.queue = r.queue[1:]
	r.mu.Unlock()
	if err := r.Call(p); err != nil {
		r.log.Debug("call skipped", zap.String("peer", p), zap.Error(err))
	}
	return true
}

// Call 呼叫指定对端并安排一次重拨（若届时仍未连上）
func (r *Redialer) Call(peer string) error {
	if peer == r.self {
		r.log.Warn("cannot self call", zap.String("peer", peer))
		return ErrSelfCall
	}
	r.mu.Lock()
	if r.closed || r.connected[peer] {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	r.log.Info("calling peer", zap.String("peer", peer))
	err := r.dialer.Call(peer)
	if err != nil {
		r.log.Warn("call failed", zap.String("peer", peer), zap.Error(err))
	}
	r.scheduleRedial(peer)
	return err
}

// scheduleRedial 间隔从 3s 起每次 +5s；上一次间隔超过 30s 后放弃
func (r *Redialer) scheduleRedial(peer string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.connected[peer] {
		return false
	}
	last, ok := r.timeouts[peer]
	if !ok {
		last = initialTimeout
	}
	r.timeouts[peer] = last + timeoutStep
	if last > maxTimeout {
		r.log.Info("giving up on peer", zap.String("peer", peer))
		return false
	}
	if t := r.timers[peer]; t != nil {
		t.Stop()
	}
	r.timers[peer] = r.after(last, func() {
		r.mu.Lock()
		delete(r.timers, peer)
		r.mu.Unlock()
		_ = r.Call(peer)
	})
	return true
}

// Connected 对端媒体流已建立：不再重拨，并继续呼叫队列
func (r *Redialer) Connected(peer string) {
	r.mu.Lock()
	r.connected[peer] = true
	if t := r.timers[peer]; t != nil {
		t.Stop()
		delete(r.timers, peer)
	}
	r.mu.Unlock()
	r.CallNext()
}

// Answer 接听对端来电；来自自身的呼叫被拒绝
func (r *Redialer) Answer(peer string) error {
	if peer == r.self {
		r.log.Warn("cannot answer self call", zap.String("peer", peer))
		return ErrSelfCall
	}
	r.mu.Lock()
	r.connected[peer] = true
	r.mu.Unlock()
	return nil
}

// StreamError 已建立的流出错：标记断开并安排重拨
func (r *Redialer) StreamError(peer string) {
	r.mu.Lock()
	delete(r.connected, peer)
	enabled := r.enabled
	r.mu.Unlock()
	if enabled {
		r.scheduleRedial(peer)
	}
}

// PeerError 本地 peer 报错：致命错误重建 peer，其余继续呼叫队列
func (r *Redialer) PeerError(name string) {
	if IsFatal(name) {
		r.log.Error("fatal peer error", zap.String("error", name))
		r.mu.Lock()
		r.enabled = false
		r.mu.Unlock()
		if err := r.dialer.Restart(); err != nil {
			r.log.Error("restart peer", zap.Error(err))
		}
		return
	}
	r.log.Info("non fatal peer error", zap.String("error", name))
	r.CallNext()
}

// Forget 对端离开房间：清除其全部状态
func (r *Redialer) Forget(peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.connected, peer)
	delete(r.timeouts, peer)
	if t := r.timers[peer]; t != nil {
		t.Stop()
		delete(r.timers, peer)
	}
	out := r.queue[:0]
	for _, q := range r.queue {
		if q != peer {
			out = append(out, q)
		}
	}
	r.queue = out
}

// IsConnected 对端是否已连上
func (r *Redialer) IsConnected(peer string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected[peer]
}

// Pending 仍在等待重拨的对端数
func (r *Redialer) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// Close 停止全部重拨定时器
func (r *Redialer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for p, t := range r.timers {
		t.Stop()
		delete(r.timers, p)
	}
}
