package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sendBufferSize = 256
	pingInterval   = 30 * time.Second
	writeTimeout   = 10 * time.Second
	readTimeout    = 60 * time.Second
	maxMessageSize = 4096
)

var clientSeq atomic.Int64

// Client adapts one gorilla WebSocket connection to the Subscriber
// interface. Reads and writes each run on their own goroutine; the hub
// only ever touches the send channel.
type Client struct {
	id   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// ServeWS registers a freshly upgraded connection with the hub and
// starts its pumps. sensorID 0 follows every sensor.
func ServeWS(ctx context.Context, h *Hub, conn *websocket.Conn, sensorID int) *Client {
	c := &Client{
		id:     fmt.Sprintf("ws-%d-%d", time.Now().UnixNano(), clientSeq.Add(1)),
		conn:   conn,
		hub:    h,
		send:   make(chan []byte, sendBufferSize),
		closed: make(chan struct{}),
	}

	conn.EnableWriteCompression(true)
	h.Connect(ctx, c, sensorID)

	go c.writePump()
	go c.readPump()
	return c
}

// ID returns the connection id used for cache-side tracking.
func (c *Client) ID() string { return c.id }

// Send queues a message without blocking. A full buffer drops the
// message; a closed client reports ErrClosed so the hub removes it.
func (c *Client) Send(msg []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrSlowConsumer
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.closed:
			return

		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))

			// Write coalescing: batch queued messages into a single
			// frame with newline separators.
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Disconnect(c)
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))

		// Plain-text keepalive from older dashboard builds gets the same
		// pong frame as the typed form.
		if string(msg) == "ping" {
			c.sendPong()
			continue
		}

		var base struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(msg, &base) != nil {
			slog.Debug("ws message ignored", "connection_id", c.id)
			continue
		}

		switch base.Type {
		case "ping":
			c.sendPong()
		default:
			slog.Debug("ws message type ignored", "connection_id", c.id, "type", base.Type)
		}
	}
}

func (c *Client) sendPong() {
	pong, _ := json.Marshal(map[string]interface{}{
		"type":      "pong",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
	c.Send(pong)
}
