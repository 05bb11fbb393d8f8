package server

import (
	"encoding/json"
	"sync"
)

type recipient struct {
	id  SessionID
	out Outbox
}

// outEvent 一次待发送的事件：消息体 + 入队时刻的接收者快照
type outEvent struct {
	msg any
	to  []recipient
}

// Dispatcher 房间级广播器：单队列单协程，保证同一房间内按入队顺序（FIFO）送达。
// Broadcast* 只能在房间协程中调用（需读取 SessionRegistry），编码与写出在分发协程中完成。
type Dispatcher struct {
	room     string
	registry *SessionRegistry
	metrics  *RoomMetrics

	queue chan outEvent
	wg    sync.WaitGroup
	once  sync.Once
}

func NewDispatcher(room string, registry *SessionRegistry, metrics *RoomMetrics, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if metrics == nil {
		metrics = &RoomMetrics{}
	}
	d := &Dispatcher{
		room:     room,
		registry: registry,
		metrics:  metrics,
		queue:    make(chan outEvent, queueSize),
	}
	d.wg.Add(1)
	go d.loop()
	return d
}

// BroadcastAdd 通知房间内其他玩家有新玩家加入（新玩家自己通过快照获得自身状态）
func (d *Dispatcher) BroadcastAdd(id SessionID, st PlayerState) {
	to := d.registry.recipients()
	for i, r := range to {
		if r.id == id {
			to = append(to[:i], to[i+1:]...)
			break
		}
	}
	d.push(PlayerAddMessage{Type: TypePlayerAdd, PlayerState: st}, to)
}

// BroadcastUpdate 广播移动状态变化，包括回显给发起者本人以确认
func (d *Dispatcher) BroadcastUpdate(id SessionID, m Movement) {
	d.push(MoveMessage{Type: TypeServerMove, ID: id, Move: m}, d.registry.recipients())
}

// BroadcastRemove 广播玩家离开；调用前该会话应已从 registry 移除
func (d *Dispatcher) BroadcastRemove(id SessionID) {
	d.push(LeaveMessage{Type: TypePlayerLeave, ID: id}, d.registry.recipients())
}

// RequestPositions 向指定会话（为空则全部会话）发送位置查询
func (d *Dispatcher) RequestPositions(ids ...SessionID) {
	var to []recipient
	if len(ids) == 0 {
		to = d.registry.recipients()
	} else {
		for _, id := range ids {
			if out, ok := d.registry.Outbox(id); ok {
				to = append(to, recipient{id: id, out: out})
			}
		}
	}
	if len(to) == 0 {
		return
	}
	d.push(RequestPositionMessage{Type: TypeRequestPosition}, to)
}

// Send 单播（与广播共用同一队列，保持顺序）
func (d *Dispatcher) Send(id SessionID, out Outbox, msg any) {
	d.push(msg, []recipient{{id: id, out: out}})
}

func (d *Dispatcher) push(msg any, to []recipient) {
	if len(to) == 0 {
		return
	}
	d.queue <- outEvent{msg: msg, to: to}
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	for ev := range d.queue {
		b, err := json.Marshal(ev.msg)
		if err != nil {
			Log.Errorw("encode broadcast failed", "room", d.room, "err", err)
			continue
		}
		for _, r := range ev.to {
			if r.out == nil {
				continue
			}
			if !r.out.Enqueue(b) {
				// 慢消费者：断开连接，后续由读协程触发隐式离开
				d.metrics.IncSlowConsumer()
				Log.Warnw("slow consumer disconnected", "room", d.room, "session", r.id)
				r.out.Close()
				continue
			}
			d.metrics.IncBroadcast()
		}
	}
}

// Close 停止接收新事件，等待队列中剩余事件发送完毕
func (d *Dispatcher) Close() {
	d.once.Do(func() { close(d.queue) })
	d.wg.Wait()
}
