package server

import (
	"fmt"

	"github.com/google/uuid"
)

// Outbox 会话的出站发送端（由网络写协程消费）
type Outbox interface {
	// Enqueue 非阻塞入队，缓冲区满或已关闭时返回 false
	Enqueue(b []byte) bool
	// Close 断开连接（慢消费者会被踢下线）
	Close()
}

// 已退役 SessionID 的记忆上限，防止迟到的广播或意图命中新会话
const retiredSessionMemory = 4096

// SessionRegistry 房间内的会话表，仅由房间协程访问
type SessionRegistry struct {
	sessions map[SessionID]Outbox
	order    []SessionID // 加入顺序

	retired     map[SessionID]struct{}
	retiredRing []SessionID
	retiredNext int

	newID func() SessionID
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[SessionID]Outbox),
		retired:  make(map[SessionID]struct{}),
		newID:    func() SessionID { return SessionID(uuid.NewString()) },
	}
}

// Join 分配新的 SessionID 并登记出站端
func (r *SessionRegistry) Join(out Outbox) (SessionID, error) {
	for attempt := 0; attempt < 8; attempt++ {
		id := r.newID()
		if id == "" {
			continue
		}
		if _, live := r.sessions[id]; live {
			continue
		}
		if _, dead := r.retired[id]; dead {
			continue
		}
		r.sessions[id] = out
		r.order = append(r.order, id)
		return id, nil
	}
	return "", fmt.Errorf("%w: could not allocate session id", ErrRoomUnavailable)
}

// Leave 移除会话并记入退役集合；返回是否确实存在
func (r *SessionRegistry) Leave(id SessionID) bool {
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	for i, sid := range r.order {
		if sid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.retire(id)
	return true
}

func (r *SessionRegistry) retire(id SessionID) {
	if len(r.retiredRing) < retiredSessionMemory {
		r.retiredRing = append(r.retiredRing, id)
	} else {
		delete(r.retired, r.retiredRing[r.retiredNext])
		r.retiredRing[r.retiredNext] = id
		r.retiredNext = (r.retiredNext + 1) % retiredSessionMemory
	}
	r.retired[id] = struct{}{}
}

// List 按加入顺序返回当前会话
func (r *SessionRegistry) List() []SessionID {
	out := make([]SessionID, len(r.order))
	copy(out, r.order)
	return out
}

func (r *SessionRegistry) Has(id SessionID) bool {
	_, ok := r.sessions[id]
	return ok
}

func (r *SessionRegistry) Outbox(id SessionID) (Outbox, bool) {
	out, ok := r.sessions[id]
	return out, ok
}

func (r *SessionRegistry) Len() int { return len(r.sessions) }

// recipients 捕获当前接收者列表（广播入队时的快照）
func (r *SessionRegistry) recipients() []recipient {
	out := make([]recipient, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, recipient{id: id, out: r.sessions[id]})
	}
	return out
}
