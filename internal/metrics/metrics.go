package metrics

import (
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dennisdiepolder/monti/casedesk/internal/types"
)

// Metrics holds all application metrics
type Metrics struct {
	mu sync.RWMutex

	// Query lifecycle
	QueriesCreatedTotal     int64
	AcceptsTotal            int64
	AcceptRacesLostTotal    int64
	TransfersRequestedTotal int64
	TransfersAcceptedTotal  int64
	TransfersRejectedTotal  int64
	ResolutionsTotal        int64
	ReopensTotal            int64
	ExpirationsTotal        int64

	// Sweeper
	SweepRunsTotal    int64
	SweepErrorsTotal  int64
	lastSweepDuration time.Duration

	// Broadcast
	OffersDeliveredTotal int64
	OffersSkippedTotal   int64
	OffersThrottledTotal int64

	// WebSocket metrics
	WebSocketConnectionsTotal    int64
	WebSocketDisconnectionsTotal int64
	WebSocketMessagesTotal       int64
	WebSocketErrorsTotal         int64
	activeConnections            int64

	// Presence
	agentsByStatus map[types.WorkStatus]int

	// HTTP metrics
	httpRequestsTotal map[string]map[int]int64 // route -> status -> count

	startTime time.Time
}

var instance *Metrics
var once sync.Once

// Get returns the singleton metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	return &Metrics{
		agentsByStatus:    make(map[types.WorkStatus]int),
		httpRequestsTotal: make(map[string]map[int]int64),
		startTime:         time.Now(),
	}
}

// RecordTransition counts a successful query transition by trigger
func (m *Metrics) RecordTransition(trigger types.Trigger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch trigger {
	case types.TriggerAccept:
		m.AcceptsTotal++
	case types.TriggerTransfer:
		m.TransfersRequestedTotal++
	case types.TriggerResolve:
		m.ResolutionsTotal++
	case types.TriggerReopen:
		m.ReopensTotal++
	case types.TriggerSweep:
		m.ExpirationsTotal++
	}
}

// RecordQueryCreated increments the created counter
func (m *Metrics) RecordQueryCreated() {
	m.mu.Lock()
	m.QueriesCreatedTotal++
	m.mu.Unlock()
}

// RecordAcceptRaceLost counts an accept that found the query already taken
func (m *Metrics) RecordAcceptRaceLost() {
	m.mu.Lock()
	m.AcceptRacesLostTotal++
	m.mu.Unlock()
}

// RecordTransferOutcome counts the second phase of a hand-off
func (m *Metrics) RecordTransferOutcome(accepted bool) {
	m.mu.Lock()
	if accepted {
		m.TransfersAcceptedTotal++
	} else {
		m.TransfersRejectedTotal++
	}
	m.mu.Unlock()
}

// RecordSweep records one sweeper run
func (m *Metrics) RecordSweep(duration time.Duration, failed bool) {
	m.mu.Lock()
	m.SweepRunsTotal++
	if failed {
		m.SweepErrorsTotal++
	}
	m.lastSweepDuration = duration
	m.mu.Unlock()
}

// RecordOffers adds one delivery report to the offer counters
func (m *Metrics) RecordOffers(delivered, skipped, throttled int) {
	m.mu.Lock()
	m.OffersDeliveredTotal += int64(delivered)
	m.OffersSkippedTotal += int64(skipped)
	m.OffersThrottledTotal += int64(throttled)
	m.mu.Unlock()
}

// RecordWebSocketConnect increments connection counters
func (m *Metrics) RecordWebSocketConnect() {
	m.mu.Lock()
	m.WebSocketConnectionsTotal++
	m.activeConnections++
	m.mu.Unlock()
}

// RecordWebSocketDisconnect increments disconnection counter
func (m *Metrics) RecordWebSocketDisconnect() {
	m.mu.Lock()
	m.WebSocketDisconnectionsTotal++
	m.activeConnections--
	m.mu.Unlock()
}

// RecordWebSocketMessage increments message counter
func (m *Metrics) RecordWebSocketMessage() {
	m.mu.Lock()
	m.WebSocketMessagesTotal++
	m.mu.Unlock()
}

// RecordWebSocketError increments WebSocket error counter
func (m *Metrics) RecordWebSocketError() {
	m.mu.Lock()
	m.WebSocketErrorsTotal++
	m.mu.Unlock()
}

// UpdatePresence replaces the agent distribution
func (m *Metrics) UpdatePresence(agents []types.AgentPresence) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.agentsByStatus = make(map[types.WorkStatus]int)
	for _, a := range agents {
		m.agentsByStatus[a.WorkStatus]++
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(route string, statusCode int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.httpRequestsTotal[route] == nil {
		m.httpRequestsTotal[route] = make(map[int]int64)
	}
	m.httpRequestsTotal[route][statusCode]++
}

// GetActiveConnections returns current WebSocket connections
func (m *Metrics) GetActiveConnections() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeConnections
}

// Handler returns an HTTP handler for the /metrics endpoint
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.mu.RLock()
		defer m.mu.RUnlock()

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		write := func(name string, value interface{}, labels ...string) {
			labelStr := ""
			if len(labels) > 0 {
				labelStr = "{"
				for i := 0; i < len(labels); i += 2 {
					if i > 0 {
						labelStr += ","
					}
					labelStr += labels[i] + "=\"" + labels[i+1] + "\""
				}
				labelStr += "}"
			}

			switch v := value.(type) {
			case int:
				w.Write([]byte(name + labelStr + " " + strconv.Itoa(v) + "\n"))
			case int64:
				w.Write([]byte(name + labelStr + " " + strconv.FormatInt(v, 10) + "\n"))
			case float64:
				w.Write([]byte(name + labelStr + " " + strconv.FormatFloat(v, 'f', 6, 64) + "\n"))
			}
		}

		write("casedesk_uptime_seconds", time.Since(m.startTime).Seconds())

		write("casedesk_queries_created_total", m.QueriesCreatedTotal)
		write("casedesk_accepts_total", m.AcceptsTotal)
		write("casedesk_accept_races_lost_total", m.AcceptRacesLostTotal)
		write("casedesk_transfers_requested_total", m.TransfersRequestedTotal)
		write("casedesk_transfers_accepted_total", m.TransfersAcceptedTotal)
		write("casedesk_transfers_rejected_total", m.TransfersRejectedTotal)
		write("casedesk_resolutions_total", m.ResolutionsTotal)
		write("casedesk_reopens_total", m.ReopensTotal)
		write("casedesk_expirations_total", m.ExpirationsTotal)

		write("casedesk_sweep_runs_total", m.SweepRunsTotal)
		write("casedesk_sweep_errors_total", m.SweepErrorsTotal)
		write("casedesk_sweep_duration_seconds", m.lastSweepDuration.Seconds())

		write("casedesk_offers_delivered_total", m.OffersDeliveredTotal)
		write("casedesk_offers_skipped_total", m.OffersSkippedTotal)
		write("casedesk_offers_throttled_total", m.OffersThrottledTotal)

		write("casedesk_websocket_connections_total", m.WebSocketConnectionsTotal)
		write("casedesk_websocket_disconnections_total", m.WebSocketDisconnectionsTotal)
		write("casedesk_websocket_active_connections", m.activeConnections)
		write("casedesk_websocket_messages_total", m.WebSocketMessagesTotal)
		write("casedesk_websocket_errors_total", m.WebSocketErrorsTotal)

		statuses := make([]string, 0, len(m.agentsByStatus))
		for s := range m.agentsByStatus {
			statuses = append(statuses, string(s))
		}
		sort.Strings(statuses)
		for _, s := range statuses {
			write("casedesk_agents_by_status", m.agentsByStatus[types.WorkStatus(s)], "status", s)
		}

		for route, statusCodes := range m.httpRequestsTotal {
			for status, count := range statusCodes {
				write("casedesk_http_requests_total", count, "route", route, "status", strconv.Itoa(status))
			}
		}
	}
}
