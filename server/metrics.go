package server

import (
	"sync/atomic"
)

// RoomMetrics 记录房间运行期的关键指标（用于监控与调试）
type RoomMetrics struct {
	InputsAccepted   int64 // 被接受并广播的移动意图
	InputsDeduped    int64 // 与当前状态相同而被丢弃的意图
	UnknownSession   int64 // 指向不存在会话的意图/查询
	BadRequests      int64 // 校验失败的消息
	InputsHeld       int64 // 加入宽限期内暂存的意图
	Joins            int64
	Leaves           int64
	Broadcasts       int64 // 实际入队到客户端的消息数
	SlowConsumers    int64 // 因发送缓冲满被断开的连接
	PositionSamples  int64 // 客户端上报的位置采样
	TickCount        int64 // 统计的 Tick 次数
	TotalTickNs      int64 // Tick 累计耗时（纳秒）
}

func (m *RoomMetrics) IncAccepted()         { atomic.AddInt64(&m.InputsAccepted, 1) }
func (m *RoomMetrics) IncDeduped()          { atomic.AddInt64(&m.InputsDeduped, 1) }
func (m *RoomMetrics) IncUnknownSession()   { atomic.AddInt64(&m.UnknownSession, 1) }
func (m *RoomMetrics) IncBadRequest()       { atomic.AddInt64(&m.BadRequests, 1) }
func (m *RoomMetrics) IncHeld()             { atomic.AddInt64(&m.InputsHeld, 1) }
func (m *RoomMetrics) IncJoin()             { atomic.AddInt64(&m.Joins, 1) }
func (m *RoomMetrics) IncLeave()            { atomic.AddInt64(&m.Leaves, 1) }
func (m *RoomMetrics) IncBroadcast()        { atomic.AddInt64(&m.Broadcasts, 1) }
func (m *RoomMetrics) IncSlowConsumer()     { atomic.AddInt64(&m.SlowConsumers, 1) }
func (m *RoomMetrics) IncPositionSample()   { atomic.AddInt64(&m.PositionSamples, 1) }
func (m *RoomMetrics) AddTick(ns int64) {
	atomic.AddInt64(&m.TickCount, 1)
	atomic.AddInt64(&m.TotalTickNs, ns)
}

// Snapshot 返回只读副本，便于 HTTP 输出
func (m *RoomMetrics) Snapshot() map[string]any {
	tick := atomic.LoadInt64(&m.TickCount)
	total := atomic.LoadInt64(&m.TotalTickNs)
	var avgMs float64
	if tick > 0 {
		avgMs = float64(total) / float64(tick) / 1e6
	}
	return map[string]any{
		"inputs_accepted":   atomic.LoadInt64(&m.InputsAccepted),
		"inputs_deduped":    atomic.LoadInt64(&m.InputsDeduped),
		"unknown_session":   atomic.LoadInt64(&m.UnknownSession),
		"bad_requests":      atomic.LoadInt64(&m.BadRequests),
		"inputs_held":       atomic.LoadInt64(&m.InputsHeld),
		"joins":             atomic.LoadInt64(&m.Joins),
		"leaves":            atomic.LoadInt64(&m.Leaves),
		"broadcasts":        atomic.LoadInt64(&m.Broadcasts),
		"slow_consumers":    atomic.LoadInt64(&m.SlowConsumers),
		"position_samples":  atomic.LoadInt64(&m.PositionSamples),
		"tick_count":        tick,
		"avg_tick_ms":       avgMs,
	}
}

// ManagerMetrics 跨房间的生命周期指标
type ManagerMetrics struct {
	Transitions          int64
	DuplicateTransitions int64
	RoomUnavailable      int64
	RoomsCreated         int64
	RoomsReaped          int64
	Disconnects          int64
	BadRequests          int64 // 不在房间时收到的非法消息
}

func (m *ManagerMetrics) IncTransition()          { atomic.AddInt64(&m.Transitions, 1) }
func (m *ManagerMetrics) IncDuplicateTransition() { atomic.AddInt64(&m.DuplicateTransitions, 1) }
func (m *ManagerMetrics) IncRoomUnavailable()     { atomic.AddInt64(&m.RoomUnavailable, 1) }
func (m *ManagerMetrics) IncRoomCreated()         { atomic.AddInt64(&m.RoomsCreated, 1) }
func (m *ManagerMetrics) IncRoomReaped()          { atomic.AddInt64(&m.RoomsReaped, 1) }
func (m *ManagerMetrics) IncDisconnect()          { atomic.AddInt64(&m.Disconnects, 1) }
func (m *ManagerMetrics) IncBadRequest()          { atomic.AddInt64(&m.BadRequests, 1) }

func (m *ManagerMetrics) Snapshot() map[string]any {
	return map[string]any{
		"transitions":           atomic.LoadInt64(&m.Transitions),
		"duplicate_transitions": atomic.LoadInt64(&m.DuplicateTransitions),
		"room_unavailable":      atomic.LoadInt64(&m.RoomUnavailable),
		"rooms_created":         atomic.LoadInt64(&m.RoomsCreated),
		"rooms_reaped":          atomic.LoadInt64(&m.RoomsReaped),
		"disconnects":           atomic.LoadInt64(&m.Disconnects),
		"bad_requests":          atomic.LoadInt64(&m.BadRequests),
	}
}
