package client

import "moonbase/server"

// 标准手柄布局的十字键按钮编号
const (
	ButtonUp    = 12
	ButtonDown  = 13
	ButtonLeft  = 14
	ButtonRight = 15
)

// Gamepad 十字键边沿检测：每帧最多产生一条意图，按下优先于松开，
// 同类中按 上、右、下、左 的顺序判断。
type Gamepad struct {
	last server.Movement // MoveNone 表示当前没有在移动
}

var padOrder = []struct {
	button int
	dir    server.Direction
}{
	{ButtonUp, server.DirUp},
	{ButtonRight, server.DirRight},
	{ButtonDown, server.DirDown},
	{ButtonLeft, server.DirLeft},
}

// Update 传入本帧按钮状态，返回需要发送的意图
func (g *Gamepad) Update(pressed func(button int) bool) (server.Movement, bool) {
	for _, p := range padOrder {
		if pressed(p.button) && g.last != p.dir.Move() {
			g.last = p.dir.Move()
			return g.last, true
		}
	}
	for _, p := range padOrder {
		if !pressed(p.button) && g.last == p.dir.Move() {
			g.last = server.MoveNone
			return p.dir.Idle(), true
		}
	}
	return server.MoveNone, false
}

// UpdateButtons 以按钮数组形式传入（越界视为未按下）
func (g *Gamepad) UpdateButtons(buttons []bool) (server.Movement, bool) {
	return g.Update(func(i int) bool { return i >= 0 && i < len(buttons) && buttons[i] })
}
