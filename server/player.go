package server

import (
	"fmt"
)

// SessionID 表示玩家在某个房间内的会话标识（服务端分配，不复用）
type SessionID string

// Direction 朝向（四方向）
type Direction int

const (
	DirNone Direction = iota
	DirUp
	DirRight
	DirDown
	DirLeft
)

func (d Direction) String() string {
	switch d {
	case DirUp:
		return "up"
	case DirRight:
		return "right"
	case DirDown:
		return "down"
	case DirLeft:
		return "left"
	default:
		return "none"
	}
}

// ParseDirection 解析配置中的朝向名
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "up", "Up":
		return DirUp, nil
	case "right", "Right":
		return DirRight, nil
	case "down", "Down":
		return DirDown, nil
	case "left", "Left":
		return DirLeft, nil
	}
	return DirNone, fmt.Errorf("unknown direction %q", s)
}

// Idle 返回该朝向对应的静止状态
func (d Direction) Idle() Movement {
	switch d {
	case DirUp:
		return IdleUp
	case DirRight:
		return IdleRight
	case DirLeft:
		return IdleLeft
	default:
		return IdleDown
	}
}

// Move 返回该朝向对应的移动状态
func (d Direction) Move() Movement {
	switch d {
	case DirUp:
		return MoveUp
	case DirRight:
		return MoveRight
	case DirLeft:
		return MoveLeft
	case DirDown:
		return MoveDown
	default:
		return MoveNone
	}
}

// Movement 玩家的离散移动状态（8 个取值），零值非法
type Movement int

const (
	MoveNone Movement = iota
	IdleUp
	IdleRight
	IdleDown
	IdleLeft
	MoveUp
	MoveRight
	MoveDown
	MoveLeft
)

var movementNames = [...]string{
	MoveNone:  "",
	IdleUp:    "idleUp",
	IdleRight: "idleRight",
	IdleDown:  "idleDown",
	IdleLeft:  "idleLeft",
	MoveUp:    "moveUp",
	MoveRight: "moveRight",
	MoveDown:  "moveDown",
	MoveLeft:  "moveLeft",
}

func (m Movement) String() string {
	if m < 0 || int(m) >= len(movementNames) {
		return ""
	}
	return movementNames[m]
}

// Valid 是否为 8 个合法取值之一
func (m Movement) Valid() bool { return m >= IdleUp && m <= MoveLeft }

// Moving 是否处于移动（非静止）状态
func (m Movement) Moving() bool { return m >= MoveUp && m <= MoveLeft }

// Facing 返回该状态的朝向
func (m Movement) Facing() Direction {
	switch m {
	case IdleUp, MoveUp:
		return DirUp
	case IdleRight, MoveRight:
		return DirRight
	case IdleDown, MoveDown:
		return DirDown
	case IdleLeft, MoveLeft:
		return DirLeft
	}
	return DirNone
}

// ParseMovement 解析线上的移动状态字符串
func ParseMovement(s string) (Movement, error) {
	for i, name := range movementNames {
		if i != int(MoveNone) && name == s {
			return Movement(i), nil
		}
	}
	return MoveNone, fmt.Errorf("%w: unknown movement %q", ErrBadRequest, s)
}

func (m Movement) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("invalid movement %d", int(m))
	}
	return []byte(m.String()), nil
}

func (m *Movement) UnmarshalText(b []byte) error {
	v, err := ParseMovement(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Velocity 由移动状态推导出的速度分量（y 轴向上为正）
func (m Movement) Velocity(speed float64) (vx, vy float64) {
	switch m {
	case MoveUp:
		return 0, speed
	case MoveRight:
		return speed, 0
	case MoveDown:
		return 0, -speed
	case MoveLeft:
		return -speed, 0
	}
	return 0, 0
}

// Position 二维坐标
type Position struct {
	X float64 `json:"xPos" yaml:"x"`
	Y float64 `json:"yPos" yaml:"y"`
}

// PlayerState 为广播给客户端的权威状态
type PlayerState struct {
	ID   SessionID `json:"id"`
	X    float64   `json:"xPos"`
	Y    float64   `json:"yPos"`
	Move Movement  `json:"move"`
}

// Player 房间内的玩家实体（服务端权威状态，仅由房间协程修改）
type Player struct {
	ID   SessionID
	X    float64
	Y    float64
	Move Movement
	VX   float64 // 由 Move 推导出的速度意图
	VY   float64
}

func (p *Player) State() PlayerState {
	return PlayerState{ID: p.ID, X: p.X, Y: p.Y, Move: p.Move}
}
