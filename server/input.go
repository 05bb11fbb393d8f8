package server

import (
	"encoding/json"
	"fmt"
)

// 入站消息类型（客户端 → 服务端）
const (
	TypeJoinOrCreate    = "joinOrCreate"
	TypeClientMove      = "clientMovePlayer"
	TypeDeliverPosition = "clientDeliverPlayerPosition"
	TypeRemovePlayer    = "clientRemovePlayer"
	TypeEnterDoor       = "clientEnterDoor"
)

// 出站消息类型（服务端 → 客户端）
const (
	TypeJoined          = "joined"
	TypePlayerAdd       = "playerAdd"
	TypeServerMove      = "serverMovePlayer"
	TypeRequestPosition = "serverRequestPlayerPosition"
	TypePlayerLeave     = "playerLeaveRoom"
	TypeError           = "error"
)

// MovementIntent 客户端的移动意图，处理完即丢弃
type MovementIntent struct {
	SessionID SessionID
	Move      Movement
}

// InputMessage 入站 JSON 文本消息的统一结构
// 示例：{"type":"clientMovePlayer","id":"...","move":"moveUp"}
type InputMessage struct {
	Type string   `json:"type"`
	ID   string   `json:"id,omitempty"`
	Move string   `json:"move,omitempty"`
	Room string   `json:"room,omitempty"`
	Door string   `json:"door,omitempty"`
	XPos *float64 `json:"xPos,omitempty"`
	YPos *float64 `json:"yPos,omitempty"`
}

// DecodeInput 校验并解码一条入站消息
func DecodeInput(payload []byte) (InputMessage, error) {
	var im InputMessage
	if err := ValidateInbound(payload); err != nil {
		return im, err
	}
	if err := json.Unmarshal(payload, &im); err != nil {
		return im, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return im, nil
}

// JoinedMessage 加入成功后下发的一次性全量快照
type JoinedMessage struct {
	Type      string                    `json:"type"`
	Room      string                    `json:"room"`
	SessionID SessionID                 `json:"sessionId"`
	Players   map[SessionID]PlayerState `json:"players"`
}

// PlayerAddMessage 新玩家加入房间的增量事件
type PlayerAddMessage struct {
	Type string `json:"type"`
	PlayerState
}

// MoveMessage serverMovePlayer
type MoveMessage struct {
	Type string    `json:"type"`
	ID   SessionID `json:"id"`
	Move Movement  `json:"move"`
}

// LeaveMessage playerLeaveRoom
type LeaveMessage struct {
	Type string    `json:"type"`
	ID   SessionID `json:"id"`
}

// RequestPositionMessage serverRequestPlayerPosition（无负载的查询）
type RequestPositionMessage struct {
	Type string `json:"type"`
}

// ErrorMessage 错误通知
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func encodeError(err error) []byte {
	b, _ := json.Marshal(ErrorMessage{Type: TypeError, Code: ErrorCode(err), Message: err.Error()})
	return b
}
