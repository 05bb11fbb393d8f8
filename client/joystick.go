package client

import (
	"math"

	"moonbase/server"
)

const joystickThreshold = math.Pi / 4

// Joystick 将触摸摇杆的方向向量量化为四方向移动。
// 对角区域不改变当前值。
type Joystick struct {
	move server.Movement
	last server.Movement
}

func NewJoystick() *Joystick {
	return &Joystick{move: server.IdleDown, last: server.IdleDown}
}

// Move 当前量化结果
func (j *Joystick) Move() server.Movement { return j.move }

// Touch 触摸开始或移动；(x, y) 为相对摇杆中心的偏移
func (j *Joystick) Touch(x, y float64) {
	if d := quantize(x, y); d != server.DirNone {
		j.move = d.Move()
	}
}

// Release 触摸结束，按松开位置取对应朝向的静止
func (j *Joystick) Release(x, y float64) {
	if d := quantize(x, y); d != server.DirNone {
		j.move = d.Idle()
	}
}

// Poll 每帧调用；当前值与上次发送的不同时返回需要发送的意图
func (j *Joystick) Poll() (server.Movement, bool) {
	if j.move == j.last {
		return server.MoveNone, false
	}
	j.last = j.move
	return j.move, true
}

// quantize 归一化后按 π/4 阈值划分；零向量与对角返回 DirNone
func quantize(x, y float64) server.Direction {
	l := math.Hypot(x, y)
	if l == 0 {
		return server.DirNone
	}
	x, y = x/l, y/l
	t := joystickThreshold
	switch {
	case x < t && x > -t && y >= t:
		return server.DirUp
	case x >= t && y < t && y > -t:
		return server.DirRight
	case x < t && x > -t && y <= -t:
		return server.DirDown
	case x <= -t && y < t && y > -t:
		return server.DirLeft
	}
	return server.DirNone
}
