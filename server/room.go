package server

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Room 房间世界：权威状态维护在内存，由单个房间协程串行修改
type Room struct {
	ID string

	registry *SessionRegistry
	store    *PlayerStore
	engine   *Engine
	disp     *Dispatcher
	metrics  *RoomMetrics

	joinChan  chan joinReq
	inputChan chan intentReq
	leaveChan chan leaveReq
	cmdChan   chan func()

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	members atomic.Int32 // 当前会话数，供管理器判断是否可回收
	pending atomic.Int32 // 管理器已派发、尚未完成的加入请求
	closing atomic.Bool  // 拆除中：拒绝新的加入

	maxPlayers int
	settings   func() Settings
	onEmpty    func(*Room)
	lastSample time.Time
}

// RoomOptions 创建房间的参数
type RoomOptions struct {
	MaxPlayers    int
	DispatchQueue int
	Settings      func() Settings
	OnEmpty       func(*Room) // 最后一个会话离开时调用（在独立协程中）
}

type joinReq struct {
	out   Outbox
	spawn Position
	resp  chan joinResult
}

type joinResult struct {
	id       SessionID
	snapshot map[SessionID]PlayerState
	err      error
}

type intentReq struct {
	in   MovementIntent
	resp chan error
}

type leaveReq struct {
	id     SessionID
	idle   bool      // 离开前强制静止并广播
	facing Direction // 强制静止的朝向，DirNone 沿用当前朝向
	resp   chan error
}

// NewRoom 创建房间并启动房间协程
func NewRoom(id string, opts RoomOptions) *Room {
	if opts.Settings == nil {
		def := DefaultConfig()
		s := settingsFromConfig(def)
		opts.Settings = func() Settings { return s }
	}
	metrics := &RoomMetrics{}
	registry := NewSessionRegistry()
	store := NewPlayerStore(opts.Settings().MoveSpeed)
	disp := NewDispatcher(id, registry, metrics, opts.DispatchQueue)
	r := &Room{
		ID:         id,
		registry:   registry,
		store:      store,
		engine:     NewEngine(store, disp, metrics),
		disp:       disp,
		metrics:    metrics,
		joinChan:   make(chan joinReq),
		inputChan:  make(chan intentReq, 256), // 足够缓冲，避免网络读阻塞
		leaveChan:  make(chan leaveReq, 64),
		cmdChan:    make(chan func(), 16),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		maxPlayers: opts.MaxPlayers,
		settings:   opts.Settings,
		onEmpty:    opts.OnEmpty,
	}
	go r.run()
	return r
}

func (r *Room) run() {
	defer close(r.done)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case req := <-r.joinChan:
			req.resp <- r.handleJoin(req)
		case req := <-r.inputChan:
			err := r.engine.Apply(req.in)
			if req.resp != nil {
				req.resp <- err
			}
		case req := <-r.leaveChan:
			err := r.handleLeave(req)
			if req.resp != nil {
				req.resp <- err
			}
		case fn := <-r.cmdChan:
			fn()
		case now := <-ticker.C:
			r.tick(now)
		}
	}
}

func (r *Room) handleJoin(req joinReq) joinResult {
	if r.closing.Load() {
		return joinResult{err: fmt.Errorf("%w: room %s is shutting down", ErrRoomUnavailable, r.ID)}
	}
	if r.maxPlayers > 0 && r.registry.Len() >= r.maxPlayers {
		return joinResult{err: fmt.Errorf("%w: room %s is full", ErrRoomUnavailable, r.ID)}
	}
	existing := r.registry.List()
	id, err := r.registry.Join(req.out)
	if err != nil {
		return joinResult{err: err}
	}
	st := r.store.Create(id, req.spawn)
	r.members.Add(1)
	r.metrics.IncJoin()

	snapshot := r.store.Snapshot()
	r.disp.Send(id, req.out, JoinedMessage{Type: TypeJoined, Room: r.ID, SessionID: id, Players: snapshot})
	r.disp.BroadcastAdd(id, st)
	// 让已有玩家尽快上报位置，刷新快照中的坐标
	r.disp.RequestPositions(existing...)
	Log.Infow("player joined", "room", r.ID, "session", id, "players", r.registry.Len())
	return joinResult{id: id, snapshot: snapshot}
}

func (r *Room) handleLeave(req leaveReq) error {
	if !r.registry.Has(req.id) {
		r.metrics.IncUnknownSession()
		return fmt.Errorf("%w: %s not in room %s", ErrUnknownSession, req.id, r.ID)
	}
	if req.idle {
		if err := r.engine.ForceIdle(req.id, req.facing); err != nil {
			Log.Warnw("force idle failed", "room", r.ID, "session", req.id, "err", err)
		}
	}
	r.registry.Leave(req.id)
	_ = r.store.Remove(req.id)
	r.disp.BroadcastRemove(req.id)
	r.metrics.IncLeave()
	left := r.members.Add(-1)
	Log.Infow("player left", "room", r.ID, "session", req.id, "players", left)
	if left == 0 && r.onEmpty != nil {
		go r.onEmpty(r)
	}
	return nil
}

// Join 加入房间（房间协程内分配 SessionID 并写入初始状态），返回加入时的全量快照
func (r *Room) Join(ctx context.Context, out Outbox, spawn Position) (SessionID, map[SessionID]PlayerState, error) {
	resp := make(chan joinResult, 1)
	if err := submit(ctx, r, r.joinChan, joinReq{out: out, spawn: spawn, resp: resp}); err != nil {
		return "", nil, err
	}
	// 请求已被房间协程接收：必须拿到结果，否则会留下无人认领的会话
	select {
	case res := <-resp:
		return res.id, res.snapshot, res.err
	case <-r.done:
		select {
		case res := <-resp:
			return res.id, res.snapshot, res.err
		default:
			return "", nil, r.closedErr()
		}
	}
}

// OnInput 提交一条移动意图并等待处理结果（ErrStaleIntent 表示被去重）
func (r *Room) OnInput(ctx context.Context, in MovementIntent) error {
	resp := make(chan error, 1)
	if err := submit(ctx, r, r.inputChan, intentReq{in: in, resp: resp}); err != nil {
		return err
	}
	return r.await(ctx, resp)
}

// Leave 将会话移出房间并广播 playerLeaveRoom；idle 为 true 时先广播强制静止
func (r *Room) Leave(ctx context.Context, id SessionID, idle bool, facing Direction) error {
	resp := make(chan error, 1)
	if err := submit(ctx, r, r.leaveChan, leaveReq{id: id, idle: idle, facing: facing, resp: resp}); err != nil {
		return err
	}
	return r.await(ctx, resp)
}

// DeliverPosition 写入客户端上报的位置（clientDeliverPlayerPosition）
func (r *Room) DeliverPosition(ctx context.Context, id SessionID, pos Position) error {
	return r.exec(ctx, func() error {
		if err := r.store.SetPosition(id, pos.X, pos.Y); err != nil {
			r.metrics.IncUnknownSession()
			return err
		}
		r.metrics.IncPositionSample()
		return nil
	})
}

// QueryPosition 读取当前位置，不修改状态
func (r *Room) QueryPosition(ctx context.Context, id SessionID) (Position, error) {
	var pos Position
	err := r.exec(ctx, func() error {
		p, err := r.engine.QueryPosition(id)
		pos = p
		return err
	})
	return pos, err
}

// RequestPositions 向房间内所有会话发送 serverRequestPlayerPosition
func (r *Room) RequestPositions(ctx context.Context) error {
	return r.exec(ctx, func() error {
		r.disp.RequestPositions()
		return nil
	})
}

// Snapshot 当前房间全量状态
func (r *Room) Snapshot(ctx context.Context) (map[SessionID]PlayerState, error) {
	var snap map[SessionID]PlayerState
	err := r.exec(ctx, func() error {
		snap = r.store.Snapshot()
		return nil
	})
	return snap, err
}

// Sessions 按加入顺序列出会话
func (r *Room) Sessions(ctx context.Context) ([]SessionID, error) {
	var ids []SessionID
	err := r.exec(ctx, func() error {
		ids = r.registry.List()
		return nil
	})
	return ids, err
}

// Len 当前会话数
func (r *Room) Len() int { return int(r.members.Load()) }

func (r *Room) Metrics() *RoomMetrics { return r.metrics }

// Stop 停止房间协程并等待剩余广播发送完毕
func (r *Room) Stop() {
	r.stopOnce.Do(func() {
		r.closing.Store(true)
		close(r.stop)
	})
	<-r.done
	r.disp.Close()
}

// Done 房间协程退出后关闭
func (r *Room) Done() <-chan struct{} { return r.done }

func (r *Room) exec(ctx context.Context, fn func() error) error {
	resp := make(chan error, 1)
	if err := submit(ctx, r, r.cmdChan, func() { resp <- fn() }); err != nil {
		return err
	}
	return r.await(ctx, resp)
}

func (r *Room) await(ctx context.Context, resp <-chan error) error {
	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		select {
		case err := <-resp:
			return err
		default:
			return r.closedErr()
		}
	}
}

func (r *Room) closedErr() error {
	return fmt.Errorf("%w: room %s closed", ErrRoomUnavailable, r.ID)
}

// submit 向房间协程投递请求；房间已停止时返回 ErrRoomUnavailable
func submit[T any](ctx context.Context, r *Room, ch chan<- T, v T) error {
	select {
	case <-r.done:
		return r.closedErr()
	default:
	}
	select {
	case ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return r.closedErr()
	}
}
