package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Phase 连接级的生命周期阶段
type Phase int

const (
	PhaseLobby         Phase = iota // 已连接，未在任何房间
	PhaseJoining                    // 已加入，等待客户端场景加载（宽限期内的移动暂存，结束后生效）
	PhaseActive                     // 正常接受移动意图
	PhaseTransitioning              // 切换房间中：已离开旧房间，尚未确认加入新房间
	PhaseDisconnected
)

func (p Phase) String() string {
	switch p {
	case PhaseLobby:
		return "lobby"
	case PhaseJoining:
		return "joining"
	case PhaseActive:
		return "active"
	case PhaseTransitioning:
		return "transitioning"
	case PhaseDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Client 一条网络连接在服务端的上下文：当前阶段与所在房间（即成员索引）。
// 一个 Client 同一时刻至多属于一个房间。
type Client struct {
	ID  string
	out Outbox

	mu      sync.Mutex
	phase   Phase
	room    *Room
	session SessionID
	busy    bool   // 有加入/切换操作正在进行
	epoch   uint64 // 每次加入递增，用于作废过期的宽限期定时器
	grace   *time.Timer
	held    Movement // 宽限期内最后一次移动意图
}

func newClient(out Outbox) *Client {
	return &Client{ID: uuid.NewString(), out: out, phase: PhaseLobby}
}

// Phase 当前阶段
func (c *Client) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Membership 当前所在房间与会话；不在房间时 room 为 nil
func (c *Client) Membership() (*Room, SessionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room, c.session
}

// RoomName 当前房间名，不在房间时为空
func (c *Client) RoomName() string {
	r, _ := c.Membership()
	if r == nil {
		return ""
	}
	return r.ID
}

// beginJoin 标记加入开始；只有 Lobby 或 Transitioning 阶段允许加入
func (c *Client) beginJoin() (Phase, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return c.phase, ErrDuplicateTransition
	}
	switch c.phase {
	case PhaseLobby, PhaseTransitioning:
		c.busy = true
		return c.phase, nil
	case PhaseDisconnected:
		return c.phase, ErrNotInRoom
	}
	return c.phase, errAlreadyInRoom
}

// beginTransition 标记切换开始并清空成员关系（旧房间的移除由调用方随后完成）
func (c *Client) beginTransition() (*Room, SessionID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy || c.phase == PhaseTransitioning {
		return nil, "", ErrDuplicateTransition
	}
	if c.phase != PhaseActive && c.phase != PhaseJoining {
		return nil, "", ErrNotInRoom
	}
	r, sid := c.room, c.session
	c.phase = PhaseTransitioning
	c.busy = true
	c.clearLocked()
	return r, sid, nil
}

// commitJoin 确认加入；若期间连接已断开返回 false，调用方需撤销该会话
func (c *Client) commitJoin(r *Room, sid SessionID, grace time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy = false
	if c.phase == PhaseDisconnected {
		return false
	}
	c.room, c.session = r, sid
	c.held = MoveNone
	c.epoch++
	if grace <= 0 {
		c.phase = PhaseActive
		return true
	}
	c.phase = PhaseJoining
	epoch := c.epoch
	c.grace = time.AfterFunc(grace, func() { c.endGrace(epoch) })
	return true
}

// holdMove 宽限期内暂存移动意图（只保留最后一次）；返回 false 表示已不在宽限期
func (c *Client) holdMove(sid SessionID, mv Movement) (Phase, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseJoining || c.session != sid {
		return c.phase, false
	}
	c.held = mv
	return c.phase, true
}

// endGrace 宽限期结束：先按序提交暂存的意图，队列清空后才进入 Active，
// 期间到达的新意图继续暂存，保证不会被旧意图覆盖
func (c *Client) endGrace(epoch uint64) {
	for {
		c.mu.Lock()
		if c.epoch != epoch || c.phase != PhaseJoining {
			c.mu.Unlock()
			return
		}
		mv, r, sid := c.held, c.room, c.session
		if mv == MoveNone {
			c.phase = PhaseActive
			c.mu.Unlock()
			return
		}
		c.held = MoveNone
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := r.OnInput(ctx, MovementIntent{SessionID: sid, Move: mv})
		cancel()
		if err != nil && !errors.Is(err, ErrStaleIntent) {
			Log.Debugw("held intent dropped", "room", r.ID, "session", sid, "move", mv, "err", err)
		}
	}
}

// abortJoin 加入失败：回到加入前的阶段（切换中的会话保持 Transitioning，由调用方重试）
func (c *Client) abortJoin(prev Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy = false
	if c.phase != PhaseDisconnected {
		c.phase = prev
	}
}

// leave 主动离开：回到 Lobby，返回需要移除的会话
func (c *Client) leave() (*Room, SessionID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return nil, "", ErrDuplicateTransition
	}
	if c.room == nil {
		return nil, "", ErrNotInRoom
	}
	r, sid := c.room, c.session
	c.phase = PhaseLobby
	c.clearLocked()
	return r, sid, nil
}

// disconnect 连接关闭：幂等，第二次调用返回 nil 房间
func (c *Client) disconnect() (*Room, SessionID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == PhaseDisconnected {
		return nil, "", false
	}
	r, sid := c.room, c.session
	c.phase = PhaseDisconnected
	c.clearLocked()
	return r, sid, true
}

// activeSession 返回可接受移动意图的房间与会话
func (c *Client) activeSession() (*Room, SessionID, Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room, c.session, c.phase
}

func (c *Client) clearLocked() {
	c.room, c.session = nil, ""
	c.held = MoveNone
	c.epoch++
	if c.grace != nil {
		c.grace.Stop()
		c.grace = nil
	}
}
