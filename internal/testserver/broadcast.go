package testserver

import (
	"sync"

	"github.com/gorilla/websocket"
)

type wsClient struct {
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

func newWSClient(conn *websocket.Conn) *wsClient {
	c := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}
	go c.writePump()
	return c
}

func (c *wsClient) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

// broadcaster fans frames out to every connected client.
type broadcaster struct {
	mu      sync.RWMutex
	clients map[*wsClient]bool
	joined  chan struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{
		clients: make(map[*wsClient]bool),
		joined:  make(chan struct{}, 1),
	}
}

func (b *broadcaster) add(conn *websocket.Conn) *wsClient {
	c := newWSClient(conn)
	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()
	select {
	case b.joined <- struct{}{}:
	default:
	}
	return c
}

func (b *broadcaster) remove(c *wsClient) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

func (b *broadcaster) broadcast(data []byte) int {
	b.mu.RLock()
	clients := make([]*wsClient, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	sent := 0
	for _, c := range clients {
		select {
		case c.send <- data:
			sent++
		default:
			b.remove(c)
		}
	}
	return sent
}

// dropAll disconnects every client without a close handshake, the way a
// crashed backend would.
func (b *broadcaster) dropAll() {
	b.mu.Lock()
	clients := b.clients
	b.clients = make(map[*wsClient]bool)
	b.mu.Unlock()
	for c := range clients {
		c.conn.UnderlyingConn().Close()
		c.close()
	}
}

func (b *broadcaster) count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
