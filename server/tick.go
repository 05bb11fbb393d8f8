package server

import "time"

const (
	// TicksPerSecond 房间内务处理频率（位置采样、热更新参数）
	TicksPerSecond = 4
)

var tickInterval = time.Duration(1000/TicksPerSecond) * time.Millisecond // 250ms

// tick 在房间协程内执行：同步热更新参数，按配置的间隔向客户端请求位置采样
func (r *Room) tick(now time.Time) {
	start := time.Now()
	s := r.settings()
	r.store.SetSpeed(s.MoveSpeed)
	if s.PositionSampleInterval > 0 && r.registry.Len() > 0 && now.Sub(r.lastSample) >= s.PositionSampleInterval {
		r.lastSample = now
		r.disp.RequestPositions()
	}
	r.metrics.AddTick(time.Since(start).Nanoseconds())
}
