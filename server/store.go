package server

import "fmt"

// Delta 一次移动状态变化带来的速度变化
type Delta struct {
	VX, VY float64
}

// PlayerStore 会话 → 玩家状态的唯一权威来源，仅由房间协程访问
type PlayerStore struct {
	players map[SessionID]*Player
	speed   float64
}

func NewPlayerStore(speed float64) *PlayerStore {
	return &PlayerStore{players: make(map[SessionID]*Player), speed: speed}
}

// Create 以服务端分配的初始位置创建玩家，初始为面朝下静止
func (s *PlayerStore) Create(id SessionID, pos Position) PlayerState {
	p := &Player{ID: id, X: pos.X, Y: pos.Y, Move: IdleDown}
	s.players[id] = p
	return p.State()
}

// Update 设置移动状态；与当前值相同时 changed=false（去重）
func (s *PlayerStore) Update(id SessionID, m Movement) (Delta, bool, error) {
	p, ok := s.players[id]
	if !ok {
		return Delta{}, false, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	if !m.Valid() {
		return Delta{}, false, fmt.Errorf("%w: invalid movement %d", ErrBadRequest, int(m))
	}
	if p.Move == m {
		return Delta{}, false, nil
	}
	vx, vy := m.Velocity(s.speed)
	d := Delta{VX: vx - p.VX, VY: vy - p.VY}
	p.Move, p.VX, p.VY = m, vx, vy
	return d, true, nil
}

// SetPosition 写入客户端上报的位置采样（不经过状态机）
func (s *PlayerStore) SetPosition(id SessionID, x, y float64) error {
	p, ok := s.players[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	p.X, p.Y = x, y
	return nil
}

func (s *PlayerStore) Get(id SessionID) (PlayerState, error) {
	p, ok := s.players[id]
	if !ok {
		return PlayerState{}, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return p.State(), nil
}

// Velocity 当前速度意图
func (s *PlayerStore) Velocity(id SessionID) (vx, vy float64, err error) {
	p, ok := s.players[id]
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return p.VX, p.VY, nil
}

// Remove 移除玩家；未知 id 返回软错误
func (s *PlayerStore) Remove(id SessionID) error {
	if _, ok := s.players[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	delete(s.players, id)
	return nil
}

// Snapshot 全量快照（加入时下发）
func (s *PlayerStore) Snapshot() map[SessionID]PlayerState {
	out := make(map[SessionID]PlayerState, len(s.players))
	for id, p := range s.players {
		out[id] = p.State()
	}
	return out
}

func (s *PlayerStore) Len() int { return len(s.players) }

// SetSpeed 热更新移动速度（只影响之后的状态变化）
func (s *PlayerStore) SetSpeed(v float64) { s.speed = v }
