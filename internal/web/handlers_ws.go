package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"home-energy/internal/aggregate"
	"home-energy/internal/events"
	"home-energy/internal/live"
)

// eventError is sent to a single subscriber whose computation failed.
const eventError = "error"

// eventStatus answers a subscriber's {"type":"status"} request.
const eventStatus = "status"

// pollStatus tells a subscriber how fresh its data is.
type pollStatus struct {
	LastUpdated string     `json:"lastUpdated"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
}

func statusOf(p *live.Poller) pollStatus {
	st := pollStatus{LastUpdated: p.LastUpdated()}
	if _, at := p.Last(); !at.IsZero() {
		st.UpdatedAt = &at
	}
	return st
}

// WSHub manages WebSocket connections and fans events out to the
// subscribers whose hub, level and window match.
type WSHub struct {
	clients map[*wsClient]struct{}
	mu      sync.RWMutex
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan events.Event

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte

	hubCode string
	roomID  string
	level   aggregate.Level
	window  aggregate.Window
}

// wants reports whether the event belongs to the client's subscription.
func (c *wsClient) wants(ev events.Event) bool {
	if ev.HubCode != c.hubCode {
		return false
	}
	if ev.Type != events.EventEnergyAggregate {
		return true
	}
	agg, ok := ev.Data.(*aggregate.Aggregate)
	if !ok {
		return false
	}
	return agg.Level == c.level && agg.Window == c.window && agg.RoomID == c.roomID
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan events.Event, 256),
		done:       make(chan struct{}),
	}
}

// Run starts the hub event loop.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			// Close all remaining clients on shutdown
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client connected", "hub", client.hubCode, "level", client.level, "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client disconnected", "total", total)

		case ev := <-h.broadcast:
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("ws marshal", "type", ev.Type, "err", err)
				continue
			}
			h.mu.Lock()
			var slow []*wsClient
			for client := range h.clients {
				if !client.wants(ev) {
					continue
				}
				select {
				case client.send <- data:
				default:
					// Client too slow, mark for eviction
					slow = append(slow, client)
				}
			}
			for _, client := range slow {
				delete(h.clients, client)
				close(client.send)
				h.logger.Warn("ws client evicted (too slow)", "hub", client.hubCode)
			}
			h.mu.Unlock()
		}
	}
}

// Stop signals the hub to shut down. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Broadcast queues an event for every matching client.
func (h *WSHub) Broadcast(ev events.Event) {
	select {
	case h.broadcast <- ev:
	default:
		h.logger.Warn("ws broadcast channel full, dropping message", "type", ev.Type)
	}
}

// deliver sends an event to one client if it is still registered.
func (h *WSHub) deliver(client *wsClient, ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("ws marshal", "type", ev.Type, "err", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	select {
	case client.send <- data:
	default:
		h.logger.Debug("ws client send buffer full, dropping update", "hub", client.hubCode)
	}
}

type wsRequest struct {
	Type string `json:"type"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	client := &wsClient{
		hubCode: q.Get("hub"),
		roomID:  q.Get("room"),
		level:   aggregate.LevelHub,
		send:    make(chan []byte, 64),
	}
	if client.hubCode == "" {
		http.Error(w, "hub is required", http.StatusBadRequest)
		return
	}
	window, err := aggregate.ParseWindow(q.Get("window"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	client.window = window
	switch {
	case client.roomID != "":
		client.level = aggregate.LevelRoom
	case q.Get("level") == string(aggregate.LevelAdmin):
		client.level = aggregate.LevelAdmin
	case q.Get("level") != "" && q.Get("level") != string(aggregate.LevelHub):
		http.Error(w, "level must be hub or admin", http.StatusBadRequest)
		return
	}

	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	// If no allowedOrigins configured, nhooyr defaults to same-origin check.

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)
	client.conn = conn

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWritePump(client)
	s.wsReadPump(client)
}

// subscriberPoller keeps the client's aggregate fresh. With an event bus,
// successful results reach the client through the broadcast like every
// other computation for the same key; without one they are delivered
// directly.
func (s *Server) subscriberPoller(client *wsClient) *live.Poller {
	compute := func(ctx context.Context) (*aggregate.Aggregate, error) {
		switch client.level {
		case aggregate.LevelAdmin:
			return s.energy.ComputeAdminEnergy(ctx, client.hubCode, client.window)
		case aggregate.LevelRoom:
			return s.energy.ComputeRoomEnergy(ctx, client.hubCode, client.roomID, client.window)
		default:
			return s.energy.ComputeHubEnergy(ctx, client.hubCode, client.window)
		}
	}
	var p *live.Poller
	onResult := func(agg *aggregate.Aggregate, err error) {
		if err != nil {
			// The previous result stays on screen, so say how old it is.
			st := statusOf(p)
			s.wsHub.deliver(client, events.Event{
				Type:    eventError,
				HubCode: client.hubCode,
				Data: map[string]any{
					"error":       err.Error(),
					"retryable":   aggregate.IsRetryable(err),
					"lastUpdated": st.LastUpdated,
					"updatedAt":   st.UpdatedAt,
				},
			})
			return
		}
		if s.bus == nil {
			s.wsHub.deliver(client, events.Event{Type: events.EventEnergyAggregate, HubCode: agg.HubCode, Data: agg})
		}
	}
	p = live.NewPoller(compute, onResult,
		live.WithInterval(s.pollInterval),
		live.WithLogger(s.logger.With("hub", client.hubCode, "level", client.level)),
		live.WithMetrics(s.metrics),
	)
	return p
}

func (s *Server) wsWritePump(client *wsClient) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	// Channel closed by hub; close connection.
	client.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) wsReadPump(client *wsClient) {
	ctx, cancel := context.WithCancel(context.Background())

	poller := s.subscriberPoller(client)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		poller.Run(ctx)
	}()

	defer func() {
		cancel()
		wg.Wait()
		select {
		case s.wsHub.unregister <- client:
		case <-s.wsHub.done:
			// Hub already shut down; close connection directly.
			client.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	// Cancel read context when hub shuts down.
	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		typ, data, err := client.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var req wsRequest
		if err := json.Unmarshal(data, &req); err != nil {
			s.logger.Debug("ws bad message", "err", err)
			continue
		}
		switch req.Type {
		case "refresh":
			poller.Refresh()
		case "status":
			s.wsHub.deliver(client, events.Event{Type: eventStatus, HubCode: client.hubCode, Data: statusOf(poller)})
		}
	}
}
