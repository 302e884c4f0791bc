package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dennisdiepolder/monti/casedesk/internal/config"
	"github.com/dennisdiepolder/monti/casedesk/internal/metrics"
	"github.com/dennisdiepolder/monti/casedesk/internal/types"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// joinTimeout bounds the case access check of a join_case message
const joinTimeout = 5 * time.Second

// Client is a middleman between the websocket connection and the hub
type Client struct {
	// Unique connection ID
	id string

	// Identity the connection was opened with
	actor types.Actor
	conn  types.Connection

	// The hub this client belongs to
	hub *Hub

	// The websocket connection
	ws *websocket.Conn

	// Buffered channel of outbound messages
	send chan []byte

	// Channels joined; guarded by hub.mu
	joined map[string]bool

	config *config.Config
	logger zerolog.Logger

	// done is closed when the read side stops
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient creates a new Client for actor
func NewClient(hub *Hub, ws *websocket.Conn, cfg *config.Config, logger zerolog.Logger, actor types.Actor) *Client {
	clientID := uuid.New().String()
	return &Client{
		id:    clientID,
		actor: actor,
		conn: types.Connection{
			ID:       clientID,
			AgentID:  actor.AgentID,
			TenantID: actor.TenantID,
			Role:     actor.Role,
		},
		hub:    hub,
		ws:     ws,
		send:   make(chan []byte, 256),
		joined: make(map[string]bool),
		config: cfg,
		logger: logger.With().Str("client_id", clientID).Str("agent_id", actor.AgentID).Logger(),
		done:   make(chan struct{}),
	}
}

// ID returns the connection id
func (c *Client) ID() string { return c.id }

// readPump pumps messages from the websocket connection to the hub
//
// The application runs readPump in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *Client) readPump() {
	defer func() {
		close(c.done)
		c.hub.unregister <- c
		c.ws.Close()
	}()

	c.ws.SetReadLimit(c.config.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.config.PongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.config.PongWait))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				metrics.Get().RecordWebSocketError()
				c.logger.Error().Err(err).Msg("websocket read error")
			}
			break
		}
		metrics.Get().RecordWebSocketMessage()
		c.handleMessage(message)
	}
}

// handleMessage processes one client message and acknowledges it
func (c *Client) handleMessage(message []byte) {
	var msg types.ClientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.logger.Debug().Err(err).Msg("failed to parse client message")
		c.ack(types.ServerAck{Type: "ack", Action: "unknown", Error: "malformed message"})
		return
	}

	ack := types.ServerAck{Type: "ack", Action: msg.Type, CaseID: msg.CaseID, Success: true}
	switch msg.Type {
	case "join_case":
		ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
		err := c.hub.JoinCase(ctx, c, msg.CaseID)
		cancel()
		if err != nil {
			c.logger.Debug().Err(err).Str("case_id", msg.CaseID).Msg("join_case refused")
			ack.Success = false
			ack.Error = err.Error()
		}

	case "leave_case":
		c.hub.LeaveCase(c, msg.CaseID)

	case "ping":
		ack.Action = "pong"

	default:
		c.logger.Debug().Str("type", msg.Type).Msg("unknown message type")
		ack.Success = false
		ack.Error = "unknown message type"
	}
	c.ack(ack)
}

func (c *Client) ack(ack types.ServerAck) {
	if data, err := json.Marshal(ack); err == nil {
		c.safeSend(data)
	}
}

// writePump pumps messages from the hub to the websocket connection
//
// A goroutine running writePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.config.PingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if !ok {
				// The hub closed the channel
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Start starts the client's read and write pumps
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}

// safeSend attempts to send a message, recovering from panic if channel is closed
func (c *Client) safeSend(data []byte) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()

	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// Close safely closes the client's send channel (idempotent)
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}
