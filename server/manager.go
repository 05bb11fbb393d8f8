package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"moonbase/journal"
)

// Settings 可热更新的运行参数（/admin/config）
type Settings struct {
	JoinGrace              time.Duration
	PositionSampleInterval time.Duration
	KeepEmptyRooms         bool
	MoveSpeed              float64
}

func settingsFromConfig(c Config) Settings {
	return Settings{
		JoinGrace:              c.JoinGrace,
		PositionSampleInterval: c.PositionSampleInterval,
		KeepEmptyRooms:         c.KeepEmptyRooms,
		MoveSpeed:              c.MoveSpeed,
	}
}

// Recorder 会话事件审计出口（journal），可为空
type Recorder interface {
	Record(ev journal.Event)
}

// JoinResult 加入成功的结果：会话 id 与加入时刻的全量快照
type JoinResult struct {
	Room      string
	SessionID SessionID
	Players   map[SessionID]PlayerState
}

// RoomInfo 房间概要（管理接口）
type RoomInfo struct {
	Name    string `json:"name"`
	Players int    `json:"players"`
}

// RoomManager 管理多个房间的生命周期，以及连接在房间之间的切换
type RoomManager struct {
	mu      sync.Mutex
	rooms   map[string]*Room
	clients map[string]*Client
	closed  bool

	cfg Config

	settingsMu sync.RWMutex
	settings   Settings

	journal Recorder
	metrics ManagerMetrics
}

// NewRoomManager 创建房间管理器；rec 为 nil 时不记录审计事件
func NewRoomManager(cfg Config, rec Recorder) *RoomManager {
	return &RoomManager{
		rooms:    make(map[string]*Room),
		clients:  make(map[string]*Client),
		cfg:      cfg,
		settings: settingsFromConfig(cfg),
		journal:  rec,
	}
}

func (m *RoomManager) Config() Config { return m.cfg }

func (m *RoomManager) Metrics() *ManagerMetrics { return &m.metrics }

// Settings 当前运行参数
func (m *RoomManager) Settings() Settings {
	m.settingsMu.RLock()
	defer m.settingsMu.RUnlock()
	return m.settings
}

// UpdateSettings 热更新运行参数；关闭 KeepEmptyRooms 时回收已空的房间
func (m *RoomManager) UpdateSettings(fn func(*Settings)) Settings {
	m.settingsMu.Lock()
	kept := m.settings.KeepEmptyRooms
	fn(&m.settings)
	if m.settings.JoinGrace < 0 {
		m.settings.JoinGrace = 0
	}
	if m.settings.PositionSampleInterval < 0 {
		m.settings.PositionSampleInterval = 0
	}
	if m.settings.MoveSpeed <= 0 {
		m.settings.MoveSpeed = m.cfg.MoveSpeed
	}
	s := m.settings
	m.settingsMu.Unlock()
	if kept && !s.KeepEmptyRooms {
		m.sweepEmpty()
	}
	return s
}

// sweepEmpty 对当前所有空房间尝试回收
func (m *RoomManager) sweepEmpty() {
	m.mu.Lock()
	var empty []*Room
	for _, r := range m.rooms {
		if r.Len() == 0 {
			empty = append(empty, r)
		}
	}
	m.mu.Unlock()
	for _, r := range empty {
		m.maybeReap(r)
	}
}

// Connect 登记一条新连接，初始阶段为 Lobby
func (m *RoomManager) Connect(out Outbox) *Client {
	c := newClient(out)
	m.mu.Lock()
	m.clients[c.ID] = c
	m.mu.Unlock()
	return c
}

// Room 查找已存在的房间（不创建）
func (m *RoomManager) Room(name string) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[name]
	return r, ok
}

// GetOrCreateRoom 获取或创建房间
func (m *RoomManager) GetOrCreateRoom(name string) (*Room, error) {
	r, err := m.acquire(name)
	if err != nil {
		return nil, err
	}
	r.pending.Add(-1)
	return r, nil
}

// Rooms 列出所有房间及人数
func (m *RoomManager) Rooms() []RoomInfo {
	m.mu.Lock()
	out := make([]RoomInfo, 0, len(m.rooms))
	for name, r := range m.rooms {
		out = append(out, RoomInfo{Name: name, Players: r.Len()})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ClientCount 当前连接数
func (m *RoomManager) ClientCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// acquire 在管理器锁内获取或创建房间，并登记一个待完成的加入，防止房间在此期间被回收
func (m *RoomManager) acquire(name string) (*Room, error) {
	if !m.cfg.AllowsRoom(name) {
		return nil, fmt.Errorf("%w: invalid room %q", ErrRoomUnavailable, name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("%w: server shutting down", ErrRoomUnavailable)
	}
	r, ok := m.rooms[name]
	if !ok {
		r = NewRoom(name, RoomOptions{
			MaxPlayers:    m.cfg.MaxPlayersFor(name),
			DispatchQueue: m.cfg.DispatchQueue,
			Settings:      m.Settings,
			OnEmpty:       m.maybeReap,
		})
		m.rooms[name] = r
		m.metrics.IncRoomCreated()
		Log.Infow("room created", "room", name)
	}
	r.pending.Add(1)
	return r, nil
}

// maybeReap 房间为空且没有进行中的加入时拆除它（除非配置保留空房间）
func (m *RoomManager) maybeReap(r *Room) {
	if m.Settings().KeepEmptyRooms {
		return
	}
	m.mu.Lock()
	cur, ok := m.rooms[r.ID]
	if !ok || cur != r || r.Len() > 0 || r.pending.Load() > 0 {
		m.mu.Unlock()
		return
	}
	r.closing.Store(true)
	delete(m.rooms, r.ID)
	m.mu.Unlock()

	r.Stop()
	m.metrics.IncRoomReaped()
	Log.Infow("room reaped", "room", r.ID)
	m.record(journal.KindRoomClosed, r.ID, "", "", "")
}

// JoinOrCreate 处理 join-or-create：在 Lobby 或切换失败后（Transitioning）可调用
func (m *RoomManager) JoinOrCreate(ctx context.Context, c *Client, name string) (JoinResult, error) {
	prev, err := c.beginJoin()
	if err != nil {
		return JoinResult{}, err
	}
	res, err := m.join(ctx, c, name, m.cfg.SpawnFor(name))
	if err != nil {
		c.abortJoin(prev)
		return JoinResult{}, err
	}
	return res, nil
}

// join 调用方必须已将 c 标记为 busy
func (m *RoomManager) join(ctx context.Context, c *Client, name string, spawn Position) (JoinResult, error) {
	r, err := m.acquire(name)
	if err != nil {
		m.metrics.IncRoomUnavailable()
		return JoinResult{}, err
	}
	jctx, cancel := context.WithTimeout(ctx, m.cfg.JoinTimeout)
	defer cancel()
	sid, snap, err := r.Join(jctx, c.out, spawn)
	r.pending.Add(-1)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%w: join %s: %v", ErrRoomUnavailable, name, err)
		}
		m.metrics.IncRoomUnavailable()
		m.maybeReap(r)
		Log.Warnw("join failed", "room", name, "client", c.ID, "err", err)
		return JoinResult{}, err
	}
	if !c.commitJoin(r, sid, m.Settings().JoinGrace) {
		// 加入期间连接已断开：立即撤销该会话
		_ = r.Leave(context.Background(), sid, false, DirNone)
		return JoinResult{}, fmt.Errorf("%w: client disconnected during join", ErrNotInRoom)
	}
	m.record(journal.KindJoin, name, sid, c.ID, "")
	return JoinResult{Room: name, SessionID: sid, Players: snap}, nil
}

// Transition 切换房间：旧房间强制静止并广播离开，然后 join-or-create 目标房间。
// 加入失败时连接保持 Transitioning，重试由调用方发起。
func (m *RoomManager) Transition(ctx context.Context, c *Client, dest string, arrive *Position, facing Direction) (JoinResult, error) {
	old, sid, err := c.beginTransition()
	if err != nil {
		if errors.Is(err, ErrDuplicateTransition) {
			m.metrics.IncDuplicateTransition()
		}
		return JoinResult{}, err
	}
	m.metrics.IncTransition()
	if old != nil {
		if err := old.Leave(ctx, sid, true, facing); err != nil {
			Log.Warnw("leave during transition", "room", old.ID, "session", sid, "err", err)
		}
		m.record(journal.KindTransition, old.ID, sid, c.ID, dest)
	}
	spawn := m.cfg.SpawnFor(dest)
	if arrive != nil {
		spawn = *arrive
	}
	res, err := m.join(ctx, c, dest, spawn)
	if err != nil {
		c.abortJoin(PhaseTransitioning)
		return JoinResult{}, err
	}
	return res, nil
}

// EnterDoor 客户端报告碰到区域边界（门）：按门表解析目标房间后切换
func (m *RoomManager) EnterDoor(ctx context.Context, c *Client, door string) (JoinResult, error) {
	r, _, phase := c.activeSession()
	if phase == PhaseTransitioning {
		m.metrics.IncDuplicateTransition()
		return JoinResult{}, ErrDuplicateTransition
	}
	if r == nil {
		return JoinResult{}, ErrNotInRoom
	}
	d, ok := m.cfg.Door(r.ID, door)
	if !ok {
		return JoinResult{}, fmt.Errorf("%w: room %s has no door %q", ErrBadRequest, r.ID, door)
	}
	return m.Transition(ctx, c, d.To, d.Arrive, d.Facing())
}

// Move 处理 clientMovePlayer；切换期间返回 ErrMovementDisabled，
// 加入宽限期内的意图暂存到宽限期结束
func (m *RoomManager) Move(ctx context.Context, c *Client, claimed SessionID, mv Movement) error {
	r, sid, phase := c.activeSession()
	if phase == PhaseTransitioning {
		return ErrMovementDisabled
	}
	if r == nil || (phase != PhaseActive && phase != PhaseJoining) {
		return ErrNotInRoom
	}
	if claimed != "" && claimed != sid {
		r.metrics.IncUnknownSession()
		Log.Debugw("intent for foreign session dropped", "room", r.ID, "session", sid, "claimed", claimed)
		return fmt.Errorf("%w: %s", ErrUnknownSession, claimed)
	}
	if phase == PhaseJoining {
		now, held := c.holdMove(sid, mv)
		if held {
			r.metrics.IncHeld()
			return nil
		}
		if now != PhaseActive {
			return ErrMovementDisabled
		}
	}
	return r.OnInput(ctx, MovementIntent{SessionID: sid, Move: mv})
}

// DeliverPosition 处理 clientDeliverPlayerPosition
func (m *RoomManager) DeliverPosition(ctx context.Context, c *Client, pos Position) error {
	r, sid := c.Membership()
	if r == nil {
		return ErrNotInRoom
	}
	return r.DeliverPosition(ctx, sid, pos)
}

// Leave 处理 clientRemovePlayer：主动离开当前房间，连接回到 Lobby
func (m *RoomManager) Leave(ctx context.Context, c *Client) error {
	r, sid, err := c.leave()
	if err != nil {
		return err
	}
	err = r.Leave(ctx, sid, false, DirNone)
	m.record(journal.KindLeave, r.ID, sid, c.ID, "")
	return err
}

// Disconnect 连接关闭，视为隐式离开；可重复调用
func (m *RoomManager) Disconnect(c *Client) {
	r, sid, first := c.disconnect()
	if !first {
		return
	}
	m.mu.Lock()
	delete(m.clients, c.ID)
	m.mu.Unlock()
	m.metrics.IncDisconnect()
	if r == nil {
		return
	}
	if err := r.Leave(context.Background(), sid, false, DirNone); err != nil {
		Log.Debugw("leave on disconnect", "room", r.ID, "session", sid, "err", err)
	}
	m.record(journal.KindDisconnect, r.ID, sid, c.ID, "")
}

// Close 停止所有房间并断开所有连接
func (m *RoomManager) Close() {
	m.mu.Lock()
	m.closed = true
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		r.closing.Store(true)
		rooms = append(rooms, r)
	}
	m.rooms = make(map[string]*Room)
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	for _, c := range clients {
		c.out.Close()
	}
	for _, r := range rooms {
		r.Stop()
	}
}

func (m *RoomManager) record(kind, room string, sid SessionID, client, detail string) {
	if m.journal == nil {
		return
	}
	m.journal.Record(journal.Event{
		Time:    time.Now().UTC(),
		Kind:    kind,
		Room:    room,
		Session: string(sid),
		Client:  client,
		Detail:  detail,
	})
}

// countBadRequest 记入连接当前所在房间的指标；不在房间时只计入管理器
func (m *RoomManager) countBadRequest(c *Client) {
	if r, _ := c.Membership(); r != nil {
		r.metrics.IncBadRequest()
		return
	}
	m.metrics.IncBadRequest()
}
