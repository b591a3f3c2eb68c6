// internal/handler/websocket_types.go
package handler

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"labinstr/internal/model"
)

// Client represents one live poll WebSocket client
type Client struct {
	ID           uuid.UUID       `json:"id"`
	Connection   *websocket.Conn `json:"-"`
	Send         chan []byte     `json:"-"`
	InstrumentID string          `json:"instrument_id"`
	Poll         PollRequest     `json:"poll"`
	UserAgent    string          `json:"user_agent"`
	RemoteAddr   string          `json:"remote_addr"`
	ConnectedAt  time.Time       `json:"connected_at"`
}

// PollRequest is parsed from the upgrade query string
type PollRequest struct {
	Command  string          `json:"command"`
	Interval time.Duration   `json:"interval"`
	As       model.ValueKind `json:"as"`
	// Count stops the stream after that many queries; zero means unbounded.
	Count uint64 `json:"count,omitempty"`
}

// ControlMessage is sent by the client over an open stream
type ControlMessage struct {
	Type string `json:"type"` // ping, stop
}

// parsePollRequest validates the poll parameters. The interval is raised
// to minInterval when it is shorter.
func parsePollRequest(command, interval, as, count string, minInterval time.Duration) (PollRequest, error) {
	req := PollRequest{Command: strings.TrimSpace(command)}
	if req.Command == "" {
		return req, fmt.Errorf("%w: command is required", model.ErrConfiguration)
	}

	req.Interval = time.Second
	if interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil || d <= 0 {
			return req, fmt.Errorf("%w: invalid interval %q", model.ErrConfiguration, interval)
		}
		req.Interval = d
	}
	if req.Interval < minInterval {
		req.Interval = minInterval
	}

	if as == "" {
		as = string(model.ValueText)
	}
	kind, err := model.ParseValueKind(as)
	if err != nil {
		return req, err
	}
	req.As = kind

	if count != "" {
		n, err := strconv.ParseUint(count, 10, 64)
		if err != nil {
			return req, fmt.Errorf("%w: invalid count %q", model.ErrConfiguration, count)
		}
		req.Count = n
	}
	return req, nil
}

// ConnectionManager tracks open poll clients
type ConnectionManager struct {
	clients map[uuid.UUID]*Client
	mutex   sync.RWMutex
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{clients: make(map[uuid.UUID]*Client)}
}

// Register registers a new client
func (cm *ConnectionManager) Register(client *Client) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	cm.clients[client.ID] = client
}

// Unregister removes a client and closes its send channel once
func (cm *ConnectionManager) Unregister(client *Client) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	if _, ok := cm.clients[client.ID]; ok {
		delete(cm.clients, client.ID)
		close(client.Send)
	}
}

// Count returns the number of open clients
func (cm *ConnectionManager) Count() int {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	return len(cm.clients)
}

// Clients returns a snapshot of the open clients
func (cm *ConnectionManager) Clients() []Client {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	out := make([]Client, 0, len(cm.clients))
	for _, c := range cm.clients {
		out = append(out, *c)
	}
	return out
}
