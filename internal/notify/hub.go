// Package notify provides real-time change notification fan-out. Devices
// hold a WebSocket open; when a sync commits changes for their user they get
// a ping and pull over the normal sync path. The ping carries no data.
package notify

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ChangePing tells a device that changes it has not pulled yet exist.
type ChangePing struct {
	Type           string    `json:"type"`
	UserID         uuid.UUID `json:"user_id"`
	SourceDeviceID uuid.UUID `json:"source_device_id"`
	At             time.Time `json:"at"`
}

// client is one connected device socket.
type client struct {
	id       uuid.UUID
	userID   uuid.UUID
	deviceID uuid.UUID
	conn     *websocket.Conn
	send     chan ChangePing
	hub      *Hub
}

// Config holds connection tuning for the Hub.
type Config struct {
	// PingInterval is how often keepalive pings are sent.
	PingInterval time.Duration
	// WriteTimeout is the timeout for writing to a device.
	WriteTimeout time.Duration
	// ReadTimeout is the timeout for reading from a device.
	ReadTimeout time.Duration
	// SendBufferSize is the per-device send buffer.
	SendBufferSize int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PingInterval:   30 * time.Second,
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		SendBufferSize: 16,
	}
}

// Hub manages connected device sockets and change-ping fan-out per user.
type Hub struct {
	config   Config
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	clients     map[uuid.UUID]*client
	userClients map[uuid.UUID]map[uuid.UUID]*client // userID -> clientID -> client
	clientsMu   sync.RWMutex

	broadcast  chan ChangePing
	register   chan *client
	unregister chan *client

	done chan struct{}
	wg   sync.WaitGroup
}

// NewHub creates a hub with the given configuration.
func NewHub(cfg Config, logger zerolog.Logger) *Hub {
	return &Hub{
		config: cfg,
		logger: logger.With().Str("component", "notify_hub").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Device tokens, not cookies, authenticate the socket.
				return true
			},
		},
		clients:     make(map[uuid.UUID]*client),
		userClients: make(map[uuid.UUID]map[uuid.UUID]*client),
		broadcast:   make(chan ChangePing, 256),
		register:    make(chan *client),
		unregister:  make(chan *client),
		done:        make(chan struct{}),
	}
}

// Start begins client management and fan-out.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.run()
	h.logger.Info().Msg("notify hub started")
}

// Stop closes all device connections and stops the hub.
func (h *Hub) Stop() {
	close(h.done)
	h.wg.Wait()
	h.logger.Info().Msg("notify hub stopped")
}

// ChangesCommitted satisfies the sync service's notifier hook: it pings every
// connected device of the user except the one that pushed.
func (h *Hub) ChangesCommitted(userID, sourceDeviceID uuid.UUID) {
	ping := ChangePing{
		Type:           "changes",
		UserID:         userID,
		SourceDeviceID: sourceDeviceID,
		At:             time.Now().UTC(),
	}
	select {
	case h.broadcast <- ping:
	default:
		h.logger.Warn().Msg("broadcast buffer full, dropping change ping")
	}
}

func (h *Hub) run() {
	defer h.wg.Done()

	for {
		select {
		case <-h.done:
			h.closeAll()
			return
		case c := <-h.register:
			h.addClient(c)
		case c := <-h.unregister:
			h.removeClient(c)
		case ping := <-h.broadcast:
			h.fanOut(ping)
		}
	}
}

func (h *Hub) addClient(c *client) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()

	h.clients[c.id] = c
	if _, ok := h.userClients[c.userID]; !ok {
		h.userClients[c.userID] = make(map[uuid.UUID]*client)
	}
	h.userClients[c.userID][c.id] = c

	h.logger.Debug().
		Str("user_id", c.userID.String()).
		Str("device_id", c.deviceID.String()).
		Msg("device connected")
}

func (h *Hub) removeClient(c *client) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()

	if _, ok := h.clients[c.id]; !ok {
		return
	}
	delete(h.clients, c.id)
	if userClients, ok := h.userClients[c.userID]; ok {
		delete(userClients, c.id)
		if len(userClients) == 0 {
			delete(h.userClients, c.userID)
		}
	}
	close(c.send)

	h.logger.Debug().
		Str("user_id", c.userID.String()).
		Str("device_id", c.deviceID.String()).
		Msg("device disconnected")
}

func (h *Hub) closeAll() {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()

	for _, c := range h.clients {
		close(c.send)
	}
	h.clients = make(map[uuid.UUID]*client)
	h.userClients = make(map[uuid.UUID]map[uuid.UUID]*client)
}

func (h *Hub) fanOut(ping ChangePing) {
	h.clientsMu.RLock()
	userClients := h.userClients[ping.UserID]
	h.clientsMu.RUnlock()

	for _, c := range userClients {
		if c.deviceID == ping.SourceDeviceID {
			continue
		}
		select {
		case c.send <- ping:
		default:
			h.logger.Warn().
				Str("device_id", c.deviceID.String()).
				Msg("device send buffer full, dropping ping")
		}
	}
}

// HandleWebSocket upgrades the request and registers the device for change
// pings. Authentication happens before this is called.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, userID, deviceID uuid.UUID) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{
		id:       uuid.New(),
		userID:   userID,
		deviceID: deviceID,
		conn:     conn,
		send:     make(chan ChangePing, h.config.SendBufferSize),
		hub:      h,
	}
	h.register <- c

	go c.writePump()
	go c.readPump()
}

// ConnectedDevices returns the number of sockets open for a user.
func (h *Hub) ConnectedDevices(userID uuid.UUID) int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.userClients[userID])
}

// readPump drains the connection. Devices never send application messages;
// the read loop only services pongs and detects disconnects.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.hub.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ping, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(ping)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
