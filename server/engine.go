package server

import (
	"errors"
	"fmt"
)

// Engine 移动协议状态机：校验意图、去重、写入状态并决定广播内容
type Engine struct {
	store   *PlayerStore
	out     Broadcaster
	metrics *RoomMetrics
}

// Broadcaster 引擎产生的增量事件出口
type Broadcaster interface {
	BroadcastUpdate(id SessionID, m Movement)
}

func NewEngine(store *PlayerStore, out Broadcaster, metrics *RoomMetrics) *Engine {
	if metrics == nil {
		metrics = &RoomMetrics{}
	}
	return &Engine{store: store, out: out, metrics: metrics}
}

// Apply 处理一条移动意图。返回 ErrStaleIntent 表示与当前状态相同、已丢弃
func (e *Engine) Apply(in MovementIntent) error {
	if !in.Move.Valid() {
		e.metrics.IncBadRequest()
		return fmt.Errorf("%w: invalid movement for %s", ErrBadRequest, in.SessionID)
	}
	_, changed, err := e.store.Update(in.SessionID, in.Move)
	if err != nil {
		if errors.Is(err, ErrUnknownSession) {
			e.metrics.IncUnknownSession()
			Log.Debugw("intent for unknown session dropped", "session", in.SessionID, "move", in.Move.String())
		}
		return err
	}
	if !changed {
		e.metrics.IncDeduped()
		return ErrStaleIntent
	}
	e.metrics.IncAccepted()
	e.out.BroadcastUpdate(in.SessionID, in.Move)
	return nil
}

// ForceIdle 由生命周期事件触发的自动转换：切换为指定朝向的静止状态。
// facing 为 DirNone 时沿用当前朝向。
func (e *Engine) ForceIdle(id SessionID, facing Direction) error {
	st, err := e.store.Get(id)
	if err != nil {
		return err
	}
	if facing == DirNone {
		facing = st.Move.Facing()
	}
	err = e.Apply(MovementIntent{SessionID: id, Move: facing.Idle()})
	if errors.Is(err, ErrStaleIntent) {
		return nil
	}
	return err
}

// QueryPosition 只读查询当前位置，不经过状态机
func (e *Engine) QueryPosition(id SessionID) (Position, error) {
	st, err := e.store.Get(id)
	if err != nil {
		return Position{}, err
	}
	return Position{X: st.X, Y: st.Y}, nil
}
