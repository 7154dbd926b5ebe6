package broadcast

// ============================================================================
// WSConn - gorilla/websocket 連線轉接
//
//   WritePump：唯一的寫入者，從 send 佇列取出 Event 寫出，並定期送 ping
//   ReadLoop ：唯一的讀取者，解析 InboundMessage 交給呼叫端
// gorilla 的 Conn 同時只允許一個 reader 與一個 writer，這裡各用一個 goroutine。
// ============================================================================

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Inbound message types.
const (
	MessageJoinUserRoom = "join-user-room"
	MessageVoiceCommand = "voice-command"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	DefaultSendBuffer = 32
)

// InboundMessage is a client → server frame: {"type": ..., "data": ...}.
type InboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type WSConn struct {
	id   string
	ws   *websocket.Conn
	send chan Event
	done chan struct{}
	stop sync.Once // closes done
	once sync.Once // closes the socket
	log  *zap.Logger
}

// NewWSConn wraps an upgraded connection. Call WritePump and ReadLoop on
// separate goroutines.
func NewWSConn(ws *websocket.Conn, sendBuffer int, logger *zap.Logger) *WSConn {
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	return &WSConn{
		id:   id,
		ws:   ws,
		send: make(chan Event, sendBuffer),
		done: make(chan struct{}),
		log:  logger.Named("ws").With(zap.String("conn_id", id)),
	}
}

func (c *WSConn) ID() string { return c.id }

// Send queues ev without blocking. A full queue means the client is not
// keeping up: the connection is shut down so the client reconnects and rejoins
// instead of silently missing events. The socket is closed by the write pump,
// never by the sender.
func (c *WSConn) Send(ev Event) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- ev:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		c.log.Warn("send buffer full, disconnecting", zap.Int("buffer", cap(c.send)))
		c.stop.Do(func() { close(c.done) })
		return ErrSlowConsumer
	}
}

// Close stops the write pump and closes the socket. Safe to call repeatedly.
func (c *WSConn) Close() {
	c.stop.Do(func() { close(c.done) })
	c.once.Do(func() {
		// WriteControl 可與 WritePump 並行呼叫
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

// Done is closed once the connection is closed.
func (c *WSConn) Done() <-chan struct{} { return c.done }

// WritePump writes queued events until the connection closes.
func (c *WSConn) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case ev := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(ev); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadLoop reads frames and passes each decoded message to handle until the
// peer disconnects. Undecodable frames are skipped.
func (c *WSConn) ReadLoop(handle func(InboundMessage)) error {
	defer c.Close()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return err
			}
			return nil
		}
		var msg InboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Type == "" {
			c.log.Debug("ignoring malformed frame", zap.Error(err))
			continue
		}
		handle(msg)
	}
}
