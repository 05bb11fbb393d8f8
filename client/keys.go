// Package client 房间协议的客户端辅助：键盘/摇杆/手柄输入到移动意图的转换，
// 以及带本地房间镜像的 WebSocket 连接。
package client

import "moonbase/server"

// Key 移动键
type Key byte

const (
	KeyW Key = 'w'
	KeyD Key = 'd'
	KeyS Key = 's'
	KeyA Key = 'a'
)

// Direction 按键对应的朝向；非移动键返回 DirNone
func (k Key) Direction() server.Direction {
	switch k {
	case KeyW:
		return server.DirUp
	case KeyD:
		return server.DirRight
	case KeyS:
		return server.DirDown
	case KeyA:
		return server.DirLeft
	}
	return server.DirNone
}

// KeyStack 按下顺序记录仍按住的移动键，最后按下且仍按住的键决定移动方向。
// 非并发安全，由输入循环单线程调用。
type KeyStack struct {
	held     []Key
	lastDown Key
	disabled bool
}

// SetEnabled 切换房间期间禁用输入；禁用不会清空已按住的键
func (s *KeyStack) SetEnabled(on bool) { s.disabled = !on }

func (s *KeyStack) Enabled() bool { return !s.disabled }

// Held 当前按住的键（按下顺序）
func (s *KeyStack) Held() []Key {
	return append([]Key(nil), s.held...)
}

// Press 按下一个键；返回需要发送的移动意图
func (s *KeyStack) Press(k Key) (server.Movement, bool) {
	if s.disabled || k.Direction() == server.DirNone || s.holds(k) {
		return server.MoveNone, false
	}
	s.lastDown = k
	s.held = append(s.held, k)
	return s.top()
}

// Release 松开一个键。栈空时发送该键方向的静止；
// 否则仅当栈顶不是最后按下的键时，发送栈顶方向的移动。
func (s *KeyStack) Release(k Key) (server.Movement, bool) {
	if s.disabled || k.Direction() == server.DirNone {
		return server.MoveNone, false
	}
	s.remove(k)
	if len(s.held) == 0 {
		return k.Direction().Idle(), true
	}
	if s.held[len(s.held)-1] != s.lastDown {
		return s.top()
	}
	return server.MoveNone, false
}

// Reset 清空按键（例如窗口失焦）
func (s *KeyStack) Reset() {
	s.held = s.held[:0]
	s.lastDown = 0
}

func (s *KeyStack) top() (server.Movement, bool) {
	if len(s.held) == 0 {
		return server.MoveNone, false
	}
	return s.held[len(s.held)-1].Direction().Move(), true
}

func (s *KeyStack) holds(k Key) bool {
	for _, h := range s.held {
		if h == k {
			return true
		}
	}
	return false
}

func (s *KeyStack) remove(k Key) {
	out := s.held[:0]
	for _, h := range s.held {
		if h != k {
			out = append(out, h)
		}
	}
	s.held = out
}
