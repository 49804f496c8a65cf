package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"negotiation-chat/internal/auth"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 << 10
	sendBuffer     = 64

	// Per-connection inbound throttle.
	eventRate  = 20
	eventBurst = 40
)

var (
	errClientClosed = errors.New("connection closed")
	errClientSlow   = errors.New("connection send buffer full")
)

// Client is one authenticated websocket connection. Only writePump writes
// data frames to conn.
type Client struct {
	conn       *websocket.Conn
	info       ConnInfo
	identity   auth.Identity
	recoveryID string
	handle     string
	limiter    *rate.Limiter
	send       chan []byte
	done       chan struct{}
	closeOnce  sync.Once

	mu         sync.Mutex
	openChatID string
}

func newClient(conn *websocket.Conn, info ConnInfo, identity auth.Identity, recoveryID, nodeID string) *Client {
	return &Client{
		conn:       conn,
		info:       info,
		identity:   identity,
		recoveryID: recoveryID,
		handle:     presenceHandle(nodeID, info.ConnID),
		limiter:    rate.NewLimiter(rate.Limit(eventRate), eventBurst),
		send:       make(chan []byte, sendBuffer),
		done:       make(chan struct{}),
	}
}

func (c *Client) enqueue(frame []byte) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return errClientClosed
	default:
		return errClientSlow
	}
}

func (c *Client) setOpenChat(chatID string) (previous string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	previous = c.openChatID
	c.openChatID = chatID
	return previous
}

func (c *Client) openChat() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openChatID
}

// leaveChat clears the open chat when it is still chatID.
func (c *Client) leaveChat(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openChatID == chatID {
		c.openChatID = ""
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// closeWith sends a close frame and tears the connection down.
func (c *Client) closeWith(code int, reason string) {
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	c.close()
	_ = c.conn.Close()
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.flush()
			return
		}
	}
}

// flush writes whatever is still buffered once the client is closing.
func (c *Client) flush() {
	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

// readPump reads frames until the connection fails and returns the reason.
func (c *Client) readPump(handle func(data []byte)) string {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.close()
			return err.Error()
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		handle(data)
	}
}
