package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"gowa-gateway/internal/metrics"
	"gowa-gateway/internal/model"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

// Event adalah payload yang dikirim ke subscriber.
type Event struct {
	Event     string    `json:"event"`
	Room      string    `json:"room"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// command adalah pesan dari client, misalnya {"action":"join","room":"s1"}.
type command struct {
	Action string `json:"action"`
	Room   string `json:"room"`
}

// JoinAuthorizer memutuskan apakah actor boleh subscribe ke room (session id).
type JoinAuthorizer func(actor model.Actor, room string) bool

// Client merepresentasikan satu koneksi WebSocket.
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	actor model.Actor

	// Channel untuk mengirim event ke client ini.
	send chan Event

	// rooms hanya disentuh oleh goroutine Run.
	rooms map[string]bool
}

type direct struct {
	client *Client
	event  Event
}

type membership struct {
	client *Client
	room   string
	join   bool
}

// Hub menyimpan semua client aktif dan mengirim event ke room yang sesuai.
type Hub struct {
	clients map[*Client]bool
	rooms   map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	membership chan membership
	directs    chan direct
	broadcast  chan Event
	done       chan struct{}

	authorize JoinAuthorizer
	logger    zerolog.Logger

	mu    sync.RWMutex
	count int
}

// NewHub membuat instance Hub baru. authorize nil berarti semua join diizinkan.
func NewHub(authorize JoinAuthorizer, logger zerolog.Logger) *Hub {
	if authorize == nil {
		authorize = func(model.Actor, string) bool { return true }
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		membership: make(chan membership),
		directs:    make(chan direct),
		broadcast:  make(chan Event, sendBuffer),
		done:       make(chan struct{}),
		authorize:  authorize,
		logger:     logger,
	}
}

// Run harus dijalankan di goroutine terpisah, berhenti saat ctx selesai.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			for client := range h.clients {
				h.drop(client)
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			h.setCount(len(h.clients))
			metrics.SubscriberConnections.Inc()

		case client := <-h.unregister:
			if h.clients[client] {
				h.drop(client)
			}

		case m := <-h.membership:
			if !h.clients[m.client] {
				continue
			}
			if m.join {
				if h.rooms[m.room] == nil {
					h.rooms[m.room] = make(map[*Client]bool)
				}
				h.rooms[m.room][m.client] = true
				m.client.rooms[m.room] = true
			} else {
				h.leave(m.client, m.room)
			}

		case d := <-h.directs:
			if h.clients[d.client] {
				h.deliver(d.client, d.event)
			}

		case event := <-h.broadcast:
			for client := range h.rooms[event.Room] {
				h.deliver(client, event)
			}
		}
	}
}

func (h *Hub) deliver(c *Client, event Event) {
	select {
	case c.send <- event:
	default:
		// buffer penuh, anggap client bermasalah dan putuskan
		h.drop(c)
	}
}

// submit mengirim ke loop Run; false kalau hub sudah berhenti.
func submit[T any](h *Hub, ch chan T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Client, room string) {
	delete(c.rooms, room)
	if members := h.rooms[room]; members != nil {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// drop harus dipanggil dari goroutine Run.
func (h *Hub) drop(c *Client) {
	for room := range c.rooms {
		h.leave(c, room)
	}
	delete(h.clients, c)
	close(c.send)
	h.setCount(len(h.clients))
	metrics.SubscriberConnections.Dec()
}

func (h *Hub) setCount(n int) {
	h.mu.Lock()
	h.count = n
	h.mu.Unlock()
}

// Count mengembalikan jumlah client yang terhubung.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Publish mengirim event ke semua subscriber room. Tidak pernah blocking:
// kalau antrean broadcast penuh, event dibuang.
func (h *Hub) Publish(room, event string, data any) {
	ev := Event{Event: event, Room: room, Data: data, Timestamp: time.Now().UTC()}
	select {
	case h.broadcast <- ev:
	default:
		h.logger.Warn().Str("room", room).Str("event", event).Msg("ws broadcast queue full, dropping event")
	}
}

// NewClient membuat objek Client baru dari koneksi Gorilla WebSocket.
// Fungsi ini tidak menjalankan goroutine read/write; itu tugas handler WS.
func NewClient(hub *Hub, conn *websocket.Conn, actor model.Actor) *Client {
	return &Client{
		hub:   hub,
		conn:  conn,
		actor: actor,
		send:  make(chan Event, sendBuffer),
		rooms: make(map[string]bool),
	}
}

// Serve mendaftarkan client lalu menjalankan WritePump dan ReadPump sampai
// koneksi ditutup.
func (c *Client) Serve() {
	if !submit(c.hub, c.hub.register, c) {
		_ = c.conn.Close()
		return
	}
	go c.WritePump()
	c.ReadPump()
}

// WritePump mengirim event dari channel send ke koneksi WS, plus ping berkala.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				c.hub.logger.Error().Err(err).Msg("ws: failed to marshal event")
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadPump membaca perintah join/leave dari client.
func (c *Client) ReadPump() {
	defer func() {
		submit(c.hub, c.hub.unregister, c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug().Err(err).Msg("ws read error")
			}
			return
		}
		var cmd command
		if err := json.Unmarshal(raw, &cmd); err != nil || cmd.Room == "" {
			continue
		}
		switch cmd.Action {
		case "join":
			if !c.hub.authorize(c.actor, cmd.Room) {
				c.reply(Event{Event: "error", Room: cmd.Room, Data: map[string]string{"error": "forbidden"}})
				continue
			}
			submit(c.hub, c.hub.membership, membership{client: c, room: cmd.Room, join: true})
			c.reply(Event{Event: "joined", Room: cmd.Room, Data: map[string]string{"room": cmd.Room}})
		case "leave":
			submit(c.hub, c.hub.membership, membership{client: c, room: cmd.Room})
		}
	}
}

// reply mengirim event langsung ke client ini lewat loop Run agar urutan terjaga.
func (c *Client) reply(ev Event) {
	ev.Timestamp = time.Now().UTC()
	submit(c.hub, c.hub.directs, direct{client: c, event: ev})
}
