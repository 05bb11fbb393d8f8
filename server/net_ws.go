package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxMessage = 64 << 10
)

// ClientConn 负责发送（写）数据到客户端的轻量包装，实现 Outbox
type ClientConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func NewClientConn(ws *websocket.Conn, buffer int, writeTimeout time.Duration) *ClientConn {
	if buffer <= 0 {
		buffer = 64
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &ClientConn{
		ws:           ws,
		writeTimeout: writeTimeout,
		send:         make(chan []byte, buffer),
	}
}

// Enqueue 非阻塞入队；队列满或连接已关闭返回 false
func (c *ClientConn) Enqueue(b []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

// Close 关闭发送队列；写协程写完剩余消息后关闭底层连接。可重复调用
func (c *ClientConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// writePump 独立协程，负责从 send 队列写出到 WS
func (c *ClientConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump 读取客户端消息并交给房间管理器；退出时视为断线
func (c *ClientConn) readPump(m *RoomManager, cl *Client) {
	defer func() {
		m.Disconnect(cl)
		c.Close()
		_ = c.ws.Close()
	}()
	c.ws.SetReadLimit(maxMessage)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error { return c.ws.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				Log.Debugw("read error", "client", cl.ID, "err", err)
			}
			return
		}
		im, err := DecodeInput(payload)
		if err != nil {
			m.countBadRequest(cl)
			c.reportError(cl, err)
			continue
		}
		if err := handleInput(context.Background(), m, cl, im); err != nil {
			c.reportError(cl, err)
		}
	}
}

// reportError 将协议错误回送给发送方；被去重与被抑制的意图静默丢弃
func (c *ClientConn) reportError(cl *Client, err error) {
	if errors.Is(err, ErrStaleIntent) || errors.Is(err, ErrMovementDisabled) {
		return
	}
	Log.Debugw("request rejected", "client", cl.ID, "room", cl.RoomName(), "code", ErrorCode(err), "err", err)
	c.Enqueue(encodeError(err))
}

// handleInput 按消息类型分派到房间管理器
func handleInput(ctx context.Context, m *RoomManager, cl *Client, im InputMessage) error {
	switch im.Type {
	case TypeJoinOrCreate:
		_, err := m.JoinOrCreate(ctx, cl, im.Room)
		return err
	case TypeClientMove:
		mv, err := ParseMovement(im.Move)
		if err != nil {
			m.countBadRequest(cl)
			return err
		}
		return m.Move(ctx, cl, SessionID(im.ID), mv)
	case TypeDeliverPosition:
		if im.XPos == nil || im.YPos == nil {
			return ErrBadRequest
		}
		return m.DeliverPosition(ctx, cl, Position{X: *im.XPos, Y: *im.YPos})
	case TypeRemovePlayer:
		return m.Leave(ctx, cl)
	case TypeEnterDoor:
		_, err := m.EnterDoor(ctx, cl, im.Door)
		return err
	}
	return ErrBadRequest
}

// Handler 对外的 HTTP 入口：WebSocket 接入与管理接口
type Handler struct {
	Manager *RoomManager
	Journal JournalQuerier

	upgrader websocket.Upgrader
}

func NewHandler(m *RoomManager, jq JournalQuerier) *Handler {
	cfg := m.Config()
	return &Handler{
		Manager: m,
		Journal: jq,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: cfg.HandshakeTimeout,
			// 允许所有来源，部署时由前置代理限制
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeWS WebSocket 接入；可选 ?room=MoonBase 在连接建立后立即 join-or-create
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		Log.Warnw("upgrade error", "remote", r.RemoteAddr, "err", err)
		return
	}

	cfg := h.Manager.Config()
	conn := NewClientConn(ws, cfg.SendBuffer, cfg.WriteTimeout)
	cl := h.Manager.Connect(conn)
	Log.Infow("client connected", "client", cl.ID, "remote", r.RemoteAddr)

	go conn.writePump()
	if room := r.URL.Query().Get("room"); room != "" {
		if _, err := h.Manager.JoinOrCreate(context.Background(), cl, room); err != nil {
			conn.reportError(cl, err)
		}
	}
	go conn.readPump(h.Manager, cl)
}
