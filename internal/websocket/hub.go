package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dennisdiepolder/monti/casedesk/internal/broadcast"
	"github.com/dennisdiepolder/monti/casedesk/internal/metrics"
	"github.com/dennisdiepolder/monti/casedesk/internal/types"
	"github.com/rs/zerolog"
)

// CaseAccess decides whether actor may follow the conversation of caseID
type CaseAccess func(ctx context.Context, actor types.Actor, caseID string) error

// Hub tracks live connections and the channels they joined
type Hub struct {
	// Registered clients by connection id
	clients map[string]*Client

	// Channel name -> members
	channels map[string]map[string]*Client

	// Register requests from the clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	access CaseAccess

	// Protects clients, channels and per-client channel sets
	mu sync.RWMutex

	logger zerolog.Logger
}

// NewHub creates a new Hub
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		channels:   make(map[string]map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger.With().Str("component", "websocket").Logger(),
	}
}

// SetCaseAccess installs the check run before a connection joins a case channel
func (h *Hub) SetCaseAccess(fn CaseAccess) {
	h.mu.Lock()
	h.access = fn
	h.mu.Unlock()
}

// Run starts the hub's main loop. It returns when ctx is done, closing every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.register:
			h.add(client)

		case client := <-h.unregister:
			h.remove(client)

		case <-ctx.Done():
			h.mu.Lock()
			for id, client := range h.clients {
				client.Close()
				delete(h.clients, id)
			}
			h.channels = make(map[string]map[string]*Client)
			h.mu.Unlock()
			return
		}
	}
}

// add registers client and puts it on its tenant channel
func (h *Hub) add(client *Client) {
	h.mu.Lock()
	h.clients[client.id] = client
	h.joinLocked(broadcast.TenantChannel(client.conn.TenantID), client)
	total := len(h.clients)
	h.mu.Unlock()

	metrics.Get().RecordWebSocketConnect()
	h.logger.Info().
		Str("client_id", client.id).
		Str("agent_id", client.conn.AgentID).
		Str("tenant_id", client.conn.TenantID).
		Int("total_clients", total).
		Msg("client connected")
}

// remove drops client from the hub and every channel it joined
func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client.id)
	for channel := range client.joined {
		h.leaveLocked(channel, client)
	}
	total := len(h.clients)
	h.mu.Unlock()

	client.Close()
	metrics.Get().RecordWebSocketDisconnect()
	h.logger.Info().
		Str("client_id", client.id).
		Int("total_clients", total).
		Msg("client disconnected")
}

func (h *Hub) joinLocked(channel string, client *Client) {
	members, ok := h.channels[channel]
	if !ok {
		members = make(map[string]*Client)
		h.channels[channel] = members
	}
	members[client.id] = client
	client.joined[channel] = true
}

func (h *Hub) leaveLocked(channel string, client *Client) {
	if members, ok := h.channels[channel]; ok {
		delete(members, client.id)
		if len(members) == 0 {
			delete(h.channels, channel)
		}
	}
	delete(client.joined, channel)
}

// JoinCase subscribes client to the conversation channel of caseID in its tenant
func (h *Hub) JoinCase(ctx context.Context, client *Client, caseID string) error {
	if caseID == "" {
		return fmt.Errorf("caseId is required")
	}

	h.mu.RLock()
	access := h.access
	h.mu.RUnlock()
	if access != nil {
		if err := access(ctx, client.actor, caseID); err != nil {
			return err
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.id]; !ok {
		return fmt.Errorf("connection %s is closed", client.id)
	}
	h.joinLocked(broadcast.CaseChannel(client.conn.TenantID, caseID), client)
	return nil
}

// LeaveCase unsubscribes client from the conversation channel of caseID
func (h *Hub) LeaveCase(client *Client, caseID string) {
	h.mu.Lock()
	h.leaveLocked(broadcast.CaseChannel(client.conn.TenantID, caseID), client)
	h.mu.Unlock()
}

// TenantConnections lists the live connections on the tenant channel
func (h *Hub) TenantConnections(tenantID string) []types.Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()

	members := h.channels[broadcast.TenantChannel(tenantID)]
	out := make([]types.Connection, 0, len(members))
	for _, client := range members {
		out = append(out, client.conn)
	}
	return out
}

// EmitToConnection sends one event to a single connection
func (h *Hub) EmitToConnection(connID, event string, payload any) bool {
	data, err := encode(event, payload)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("failed to marshal event")
		return false
	}

	h.mu.RLock()
	client, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return h.deliver(client, data)
}

// EmitToChannel sends one event to every member of channel and returns the
// number of connections it reached
func (h *Hub) EmitToChannel(channel, event string, payload any) int {
	data, err := encode(event, payload)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("failed to marshal event")
		return 0
	}

	h.mu.RLock()
	members := make([]*Client, 0, len(h.channels[channel]))
	for _, client := range h.channels[channel] {
		members = append(members, client)
	}
	h.mu.RUnlock()

	sent := 0
	for _, client := range members {
		if h.deliver(client, data) {
			sent++
		}
	}
	return sent
}

func (h *Hub) deliver(client *Client, data []byte) bool {
	if client.safeSend(data) {
		return true
	}
	metrics.Get().RecordWebSocketError()
	h.logger.Warn().
		Str("client_id", client.id).
		Str("agent_id", client.conn.AgentID).
		Msg("client send buffer full or closed, dropping message")
	return false
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ChannelSize returns the number of members of channel
func (h *Hub) ChannelSize(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

func encode(event string, payload any) ([]byte, error) {
	return json.Marshal(types.Envelope{Type: event, Payload: payload})
}
