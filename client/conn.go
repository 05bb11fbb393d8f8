package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"moonbase/server"
	"moonbase/voice"
)

// ErrClosed 连接已关闭
var ErrClosed = errors.New("client: connection closed")

// Options Dial 的可选参数
type Options struct {
	Logger *zap.Logger
	// Position 应答 serverRequestPlayerPosition 时上报的本地坐标；为空则不应答
	Position func() server.Position
	Header   http.Header
	Buffer   int // Messages 通道容量
	// Voice 非空时，每次进入房间按会话 id 呼叫房间内其他玩家
	Voice voice.Dialer
}

// Conn 到房间服务的一条连接，维护当前房间的本地镜像
type Conn struct {
	ws       *websocket.Conn
	log      *zap.Logger
	position func() server.Position
	dialer   voice.Dialer

	writeMu sync.Mutex

	mu    sync.Mutex
	world *World
	keys  KeyStack
	voice *voice.Redialer

	msgs    chan Message
	dropped atomic.Int64
	done    chan struct{}
	once    sync.Once
}

// Dial 连接到 ws://host/ws
func Dial(ctx context.Context, url string, opts Options) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	c := &Conn{
		ws:       ws,
		log:      opts.Logger,
		position: opts.Position,
		dialer:   opts.Voice,
		world:    NewWorld(),
		msgs:     make(chan Message, opts.Buffer),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Conn) readLoop() {
	defer close(c.msgs)
	defer c.Close()
	for {
		var m Message
		if err := c.ws.ReadJSON(&m); err != nil {
			select {
			case <-c.done:
			default:
				c.log.Debug("read loop ended", zap.Error(err))
			}
			return
		}
		c.handle(m)
		select {
		case c.msgs <- m:
		default:
			c.dropped.Add(1)
		}
	}
}

func (c *Conn) handle(m Message) {
	var (
		opened *voice.Redialer
		closed *voice.Redialer
	)
	c.mu.Lock()
	c.world.Apply(m)
	switch m.Type {
	case server.TypeJoined:
		c.keys.Reset()
		// 服务端在加入宽限期内暂存意图，这里可以立即开放输入
		c.keys.SetEnabled(true)
		if c.dialer != nil {
			closed = c.voice
			c.voice = voice.NewRedialer(string(m.SessionID), c.dialer, c.log)
			for _, st := range c.world.Players() {
				c.voice.Enqueue(string(st.ID))
			}
			opened = c.voice
		}
	case server.TypePlayerLeave:
		if c.voice != nil {
			c.voice.Forget(string(m.ID))
		}
	case server.TypeError:
		c.log.Warn("server error", zap.String("code", m.Code), zap.String("message", m.Message))
	}
	c.mu.Unlock()

	if closed != nil {
		closed.Close()
	}
	if opened != nil {
		opened.Open()
	}

	if m.Type == server.TypeRequestPosition && c.position != nil {
		if err := c.DeliverPosition(c.position()); err != nil {
			c.log.Debug("deliver position", zap.Error(err))
		}
	}
}

func (c *Conn) send(v any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteJSON(v)
}

// JoinOrCreate 请求加入（或创建）房间；结果以 joined 或 error 消息返回
func (c *Conn) JoinOrCreate(room string) error {
	return c.send(server.InputMessage{Type: server.TypeJoinOrCreate, Room: room})
}

// Move 发送移动意图
func (c *Conn) Move(mv server.Movement) error {
	c.mu.Lock()
	self := c.world.Self
	c.mu.Unlock()
	return c.send(server.InputMessage{Type: server.TypeClientMove, ID: string(self), Move: mv.String()})
}

// Press 键盘按下；按键栈决定是否发送意图
func (c *Conn) Press(k Key) error {
	c.mu.Lock()
	mv, ok := c.keys.Press(k)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.Move(mv)
}

// Release 键盘松开
func (c *Conn) Release(k Key) error {
	c.mu.Lock()
	mv, ok := c.keys.Release(k)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.Move(mv)
}

// DeliverPosition 上报本地坐标
func (c *Conn) DeliverPosition(p server.Position) error {
	x, y := p.X, p.Y
	return c.send(server.InputMessage{Type: server.TypeDeliverPosition, XPos: &x, YPos: &y})
}

// EnterDoor 报告碰到门；在收到新房间的 joined 之前禁用键盘输入
func (c *Conn) EnterDoor(door string) error {
	c.mu.Lock()
	c.keys.SetEnabled(false)
	c.mu.Unlock()
	return c.send(server.InputMessage{Type: server.TypeEnterDoor, Door: door})
}

// Leave 主动离开当前房间
func (c *Conn) Leave() error {
	if err := c.send(server.InputMessage{Type: server.TypeRemovePlayer}); err != nil {
		return err
	}
	c.mu.Lock()
	c.world.Reset()
	rd := c.voice
	c.voice = nil
	c.mu.Unlock()
	if rd != nil {
		rd.Close()
	}
	return nil
}

// Messages 收到的全部服务端消息；读协程退出时关闭
func (c *Conn) Messages() <-chan Message { return c.msgs }

// Wait 读取 Messages 直到出现指定类型的消息；error 消息作为错误返回
func (c *Conn) Wait(ctx context.Context, typ string) (Message, error) {
	for {
		select {
		case m, ok := <-c.msgs:
			if !ok {
				return Message{}, ErrClosed
			}
			if m.Type == typ {
				return m, nil
			}
			if m.Type == server.TypeError {
				return m, fmt.Errorf("server error %s: %s", m.Code, m.Message)
			}
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// View 在锁内访问本地镜像
func (c *Conn) View(fn func(w *World)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.world)
}

// Voice 当前房间的语音重拨器；未配置语音或不在房间时为 nil
func (c *Conn) Voice() *voice.Redialer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.voice
}

// InputEnabled 当前是否接受键盘输入
func (c *Conn) InputEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keys.Enabled()
}

// Dropped Messages 通道满时丢弃的消息数
func (c *Conn) Dropped() int64 { return c.dropped.Load() }

func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.voice != nil {
			c.voice.Close()
		}
		c.mu.Unlock()
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
