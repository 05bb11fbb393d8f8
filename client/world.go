package client

import (
	"sort"

	"moonbase/server"
)

// Message 服务端下发消息的统一解码结构
type Message struct {
	Type      string                                   `json:"type"`
	Room      string                                   `json:"room,omitempty"`
	SessionID server.SessionID                         `json:"sessionId,omitempty"`
	Players   map[server.SessionID]server.PlayerState `json:"players,omitempty"`
	ID        server.SessionID                         `json:"id,omitempty"`
	XPos      float64                                  `json:"xPos,omitempty"`
	YPos      float64                                  `json:"yPos,omitempty"`
	Move      string                                   `json:"move,omitempty"`
	Code      string                                   `json:"code,omitempty"`
	Message   string                                   `json:"message,omitempty"`
}

// World 客户端对当前房间的本地镜像：joined 快照加之后的增量
type World struct {
	Room    string
	Self    server.SessionID
	players map[server.SessionID]server.PlayerState
}

func NewWorld() *World {
	return &World{players: make(map[server.SessionID]server.PlayerState)}
}

// Apply 应用一条服务端消息，返回镜像是否发生变化
func (w *World) Apply(m Message) bool {
	switch m.Type {
	case server.TypeJoined:
		w.Room, w.Self = m.Room, m.SessionID
		w.players = make(map[server.SessionID]server.PlayerState, len(m.Players))
		for id, st := range m.Players {
			w.players[id] = st
		}
		return true
	case server.TypePlayerAdd:
		if _, ok := w.players[m.ID]; ok {
			return false
		}
		mv, _ := server.ParseMovement(m.Move)
		w.players[m.ID] = server.PlayerState{ID: m.ID, X: m.XPos, Y: m.YPos, Move: mv}
		return true
	case server.TypeServerMove:
		st, ok := w.players[m.ID]
		if !ok {
			return false
		}
		mv, err := server.ParseMovement(m.Move)
		if err != nil || st.Move == mv {
			return false
		}
		st.Move = mv
		w.players[m.ID] = st
		return true
	case server.TypePlayerLeave:
		if _, ok := w.players[m.ID]; !ok {
			return false
		}
		delete(w.players, m.ID)
		return true
	}
	return false
}

// Reset 离开房间后清空镜像
func (w *World) Reset() {
	w.Room, w.Self = "", ""
	w.players = make(map[server.SessionID]server.PlayerState)
}

// Player 查询某个玩家
func (w *World) Player(id server.SessionID) (server.PlayerState, bool) {
	st, ok := w.players[id]
	return st, ok
}

// Players 按 id 排序的玩家列表
func (w *World) Players() []server.PlayerState {
	out := make([]server.PlayerState, 0, len(w.players))
	for _, st := range w.players {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (w *World) Len() int { return len(w.players) }
