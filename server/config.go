package server

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 服务端配置（YAML），未出现的字段取默认值
type Config struct {
	Addr        string `yaml:"addr"`
	DataDir     string `yaml:"data_dir"`
	DefaultRoom string `yaml:"default_room"`

	// 加入成功后等待客户端场景加载的宽限期，期间忽略移动意图
	JoinGrace   time.Duration `yaml:"join_grace"`
	JoinTimeout time.Duration `yaml:"join_timeout"`
	// 周期性向客户端请求位置采样，0 表示关闭
	PositionSampleInterval time.Duration `yaml:"position_sample_interval"`
	HandshakeTimeout       time.Duration `yaml:"handshake_timeout"`
	WriteTimeout           time.Duration `yaml:"write_timeout"`

	KeepEmptyRooms bool    `yaml:"keep_empty_rooms"`
	RestrictRooms  bool    `yaml:"restrict_rooms"` // 仅允许 rooms 中列出的房间
	MoveSpeed      float64 `yaml:"move_speed"`
	MaxPlayers     int     `yaml:"max_players"` // 0 不限制
	SendBuffer     int     `yaml:"send_buffer"`
	DispatchQueue  int     `yaml:"dispatch_queue"`

	Rooms []RoomSpec `yaml:"rooms"`
}

// RoomSpec 一种房间（区域）的静态描述
type RoomSpec struct {
	Name       string     `yaml:"name"`
	Spawn      Position   `yaml:"spawn"`
	MaxPlayers int        `yaml:"max_players,omitempty"`
	Doors      []DoorSpec `yaml:"doors,omitempty"`
}

// DoorSpec 门：玩家碰到后切换到目标房间
type DoorSpec struct {
	Name       string    `yaml:"name"`
	To         string    `yaml:"to"`
	Arrive     *Position `yaml:"arrive,omitempty"`      // 目标房间的出生点，缺省为目标房间 spawn
	ExitFacing string    `yaml:"exit_facing,omitempty"` // 离开前强制静止的朝向
}

// Facing 离开时的朝向；未配置时为 DirNone（沿用当前朝向）
func (d DoorSpec) Facing() Direction {
	f, err := ParseDirection(d.ExitFacing)
	if err != nil {
		return DirNone
	}
	return f
}

var roomNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{0,63}$`)

// LoadConfig 读取 YAML 配置；path 为空时返回默认配置
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, cfg.Validate()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	return ParseConfig(b)
}

// ParseConfig 解析 YAML 字节
func ParseConfig(b []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig 默认世界：MoonBase 为中心，四个子区域各有一扇门通回 MoonBase
func DefaultConfig() Config {
	back := func(door string, arrive Position) []DoorSpec {
		return []DoorSpec{{Name: door, To: "MoonBase", Arrive: &arrive, ExitFacing: "down"}}
	}
	return Config{
		Addr:             ":2567",
		DataDir:          "data",
		DefaultRoom:      "MoonBase",
		JoinGrace:        800 * time.Millisecond,
		JoinTimeout:      5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		MoveSpeed:        4,
		SendBuffer:       64,
		DispatchQueue:    1024,
		Rooms: []RoomSpec{
			{
				Name:  "MoonBase",
				Spawn: Position{X: 0, Y: 0},
				Doors: []DoorSpec{
					{Name: "PoliceStationDoor", To: "PoliceStation", ExitFacing: "up"},
					{Name: "BarDoor", To: "Bar", ExitFacing: "up"},
					{Name: "HouseDoor", To: "House", ExitFacing: "up"},
				},
			},
			{Name: "PoliceStation", Spawn: Position{X: 0, Y: -96}, Doors: back("PoliceStationDoor", Position{X: -160, Y: 64})},
			{Name: "Bar", Spawn: Position{X: 0, Y: -96}, Doors: back("BarDoor", Position{X: 0, Y: 64})},
			{Name: "House", Spawn: Position{X: 0, Y: -96}, Doors: back("HouseDoor", Position{X: 160, Y: 64})},
			{Name: "Lounge", Spawn: Position{X: 0, Y: -96}, Doors: back("LoungeDoor", Position{X: 0, Y: 0})},
		},
	}
}

// Normalize 修正非法或缺省的数值
func (c *Config) Normalize() {
	if c.Addr == "" {
		c.Addr = ":2567"
	}
	if c.JoinGrace < 0 {
		c.JoinGrace = 0
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 5 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PositionSampleInterval < 0 {
		c.PositionSampleInterval = 0
	}
	if c.MoveSpeed <= 0 {
		c.MoveSpeed = 4
	}
	if c.MaxPlayers < 0 {
		c.MaxPlayers = 0
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.DispatchQueue <= 0 {
		c.DispatchQueue = 1024
	}
	for i := range c.Rooms {
		r := &c.Rooms[i]
		r.Name = strings.TrimSpace(r.Name)
		for j := range r.Doors {
			d := &r.Doors[j]
			d.Name = strings.TrimSpace(d.Name)
			d.To = strings.TrimSpace(d.To)
			d.ExitFacing = strings.ToLower(strings.TrimSpace(d.ExitFacing))
		}
	}
	sort.SliceStable(c.Rooms, func(i, j int) bool { return c.Rooms[i].Name < c.Rooms[j].Name })
}

// Validate 检查房间与门的引用关系
func (c Config) Validate() error {
	seen := map[string]bool{}
	for _, r := range c.Rooms {
		if !roomNamePattern.MatchString(r.Name) {
			return fmt.Errorf("invalid room name %q", r.Name)
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate room %q", r.Name)
		}
		seen[r.Name] = true
	}
	for _, r := range c.Rooms {
		doors := map[string]bool{}
		for _, d := range r.Doors {
			if d.Name == "" {
				return fmt.Errorf("room %s: door without name", r.Name)
			}
			if doors[d.Name] {
				return fmt.Errorf("room %s: duplicate door %q", r.Name, d.Name)
			}
			doors[d.Name] = true
			if !roomNamePattern.MatchString(d.To) {
				return fmt.Errorf("room %s door %s: invalid destination %q", r.Name, d.Name, d.To)
			}
			if c.RestrictRooms && !seen[d.To] {
				return fmt.Errorf("room %s door %s: unknown destination %q", r.Name, d.Name, d.To)
			}
			if d.ExitFacing != "" {
				if _, err := ParseDirection(d.ExitFacing); err != nil {
					return fmt.Errorf("room %s door %s: %w", r.Name, d.Name, err)
				}
			}
		}
	}
	if c.DefaultRoom != "" && !roomNamePattern.MatchString(c.DefaultRoom) {
		return fmt.Errorf("invalid default_room %q", c.DefaultRoom)
	}
	return nil
}

// Room 查找房间描述
func (c Config) Room(name string) (RoomSpec, bool) {
	for _, r := range c.Rooms {
		if r.Name == name {
			return r, true
		}
	}
	return RoomSpec{}, false
}

// Door 在房间的门表中查找门
func (c Config) Door(room, door string) (DoorSpec, bool) {
	r, ok := c.Room(room)
	if !ok {
		return DoorSpec{}, false
	}
	for _, d := range r.Doors {
		if d.Name == door {
			return d, true
		}
	}
	return DoorSpec{}, false
}

// AllowsRoom 房间名是否可以被 join-or-create
func (c Config) AllowsRoom(name string) bool {
	if !roomNamePattern.MatchString(name) {
		return false
	}
	if !c.RestrictRooms {
		return true
	}
	_, ok := c.Room(name)
	return ok
}

// SpawnFor 房间的默认出生点
func (c Config) SpawnFor(name string) Position {
	if r, ok := c.Room(name); ok {
		return r.Spawn
	}
	return Position{}
}

// MaxPlayersFor 房间容量（房间配置优先于全局配置）
func (c Config) MaxPlayersFor(name string) int {
	if r, ok := c.Room(name); ok && r.MaxPlayers > 0 {
		return r.MaxPlayers
	}
	return c.MaxPlayers
}
