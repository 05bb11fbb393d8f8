package server

import (
	"errors"
	"fmt"
)

// 协议层错误：全部是单条消息范围内的错误，不会拆除房间或其他会话
var (
	ErrRoomUnavailable     = errors.New("room unavailable")
	ErrUnknownSession      = errors.New("unknown session")
	ErrDuplicateTransition = errors.New("transition already in flight")
	ErrStaleIntent         = errors.New("stale intent")
	ErrBadRequest          = errors.New("bad request")
	ErrNotInRoom           = errors.New("not in a room")
	// 加入宽限期或切换房间期间的移动意图，静默丢弃
	ErrMovementDisabled = errors.New("movement disabled")

	errAlreadyInRoom = fmt.Errorf("%w: already in a room", ErrBadRequest)
)

// 线上错误码（随 error 消息下发给客户端）
const (
	CodeRoomUnavailable     = "RoomUnavailable"
	CodeUnknownSession      = "UnknownSession"
	CodeDuplicateTransition = "DuplicateTransition"
	CodeBadRequest          = "BadRequest"
	CodeInternal            = "Internal"
)

// ErrorCode 将错误映射为线上错误码
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrRoomUnavailable):
		return CodeRoomUnavailable
	case errors.Is(err, ErrUnknownSession), errors.Is(err, ErrNotInRoom):
		return CodeUnknownSession
	case errors.Is(err, ErrDuplicateTransition):
		return CodeDuplicateTransition
	case errors.Is(err, ErrBadRequest):
		return CodeBadRequest
	}
	return CodeInternal
}
