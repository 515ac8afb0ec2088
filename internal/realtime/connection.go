package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/suPer8Hu/agri-chat/internal/common"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10

	defaultSendBuffer = 256
)

var (
	ErrConnClosed = errors.New("realtime: connection closed")
	ErrSlowClient = errors.New("realtime: send buffer full")
)

// Connection wraps one websocket. Outbound writes go through a buffered
// channel drained by a single writer goroutine, so Send is safe from any
// goroutine and never blocks on the network.
type Connection struct {
	id     string
	userID uint64

	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func NewConnection(userID uint64, ws *websocket.Conn, sendBuffer int) *Connection {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	return &Connection{
		id:     common.MustULID(),
		userID: userID,
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) UserID() uint64 { return c.userID }

func (c *Connection) IsOpen() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Send enqueues payload. A client too slow to drain its buffer is
// disconnected rather than allowed to grow memory.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		log.Warn().Uint64("user_id", c.userID).Str("conn_id", c.id).Msg("send buffer full, closing")
		c.Close(websocket.ClosePolicyViolation, "send buffer full")
		return ErrSlowClient
	}
}

// Close sends a close frame with code and reason and tears the socket down.
// Safe to call more than once.
func (c *Connection) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		deadline := time.Now().Add(writeWait)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.ws.Close()
	})
}

// Start launches the writer. Call once.
func (c *Connection) Start() {
	go c.writeLoop()
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				log.Debug().Err(err).Str("conn_id", c.id).Msg("write failed")
				c.Close(websocket.CloseGoingAway, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseGoingAway, "ping failed")
				return
			}
		}
	}
}

func (c *Connection) write(messageType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}

// ReadLoop delivers inbound text frames to handle until the peer goes away or
// the connection is closed. It returns the terminating read error.
func (c *Connection) ReadLoop(handle func([]byte)) error {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if mt != websocket.TextMessage {
			continue
		}
		handle(data)
	}
}
