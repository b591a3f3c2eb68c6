// internal/handler/websocket_handler.go
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"labinstr/internal/config"
	"labinstr/internal/instrument"
	"labinstr/internal/model"
	"labinstr/internal/utils"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// WebSocketHandler streams periodic query results to WebSocket clients.
// Each tick is one query through the session manager, so a poll never
// interleaves with other users of the instrument.
type WebSocketHandler struct {
	upgrader    websocket.Upgrader
	connections *ConnectionManager
	sessions    Sessions
	minInterval time.Duration
	logger      *utils.ServiceLogger
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(sessions Sessions, server config.ServerConfig, logger *zap.Logger) *WebSocketHandler {
	allowed := make(map[string]bool, len(server.AllowedOrigins))
	for _, o := range server.AllowedOrigins {
		allowed[o] = true
	}

	return &WebSocketHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed["*"] || allowed[origin]
			},
		},
		connections: NewConnectionManager(),
		sessions:    sessions,
		minInterval: server.MinPollInterval,
		logger:      utils.NewServiceLogger(logger, "websocket-handler"),
	}
}

// RegisterRoutes registers WebSocket routes
func (h *WebSocketHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/instruments/:id/poll", h.HandlePoll)
}

// Connections returns the number of open poll streams
func (h *WebSocketHandler) Connections() int {
	return h.connections.Count()
}

// HandlePoll upgrades to a WebSocket and queries ?command= every
// ?interval= until the client disconnects, sends {"type":"stop"}, or
// ?count= queries were made.
func (h *WebSocketHandler) HandlePoll(c *gin.Context) {
	instrumentID := c.Param("id")
	poll, err := parsePollRequest(
		c.Query("command"), c.Query("interval"), c.Query("as"), c.Query("count"), h.minInterval,
	)
	if err != nil {
		utils.DomainErrorResponse(c, "Invalid poll request", err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	client := &Client{
		ID:           uuid.New(),
		Connection:   conn,
		Send:         make(chan []byte, 64),
		InstrumentID: instrumentID,
		Poll:         poll,
		UserAgent:    c.Request.UserAgent(),
		RemoteAddr:   c.Request.RemoteAddr,
		ConnectedAt:  time.Now(),
	}
	h.connections.Register(client)
	h.logger.Info("Poll client connected",
		zap.String("client_id", client.ID.String()),
		zap.String("instrument_id", instrumentID),
		zap.String("command", poll.Command),
		zap.Duration("interval", poll.Interval),
	)

	ctx, cancel := context.WithCancel(context.Background())
	control := make(chan ControlMessage)

	go h.handleClientWrite(client)
	go h.handleClientRead(ctx, client, control, cancel)
	go h.pollLoop(ctx, client, control)
}

func (h *WebSocketHandler) handleClientRead(ctx context.Context, client *Client, control chan<- ControlMessage, cancel context.CancelFunc) {
	defer func() {
		cancel()
		client.Connection.Close()
	}()

	_ = client.Connection.SetReadDeadline(time.Now().Add(pongWait))
	client.Connection.SetPongHandler(func(string) error {
		return client.Connection.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, messageBytes, err := client.Connection.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("WebSocket read error",
					zap.Error(err),
					zap.String("client_id", client.ID.String()),
				)
			}
			return
		}

		var message ControlMessage
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			h.logger.Debug("Ignoring malformed control message", zap.String("client_id", client.ID.String()))
			continue
		}
		select {
		case control <- message:
		case <-ctx.Done():
			return
		}
	}
}

func (h *WebSocketHandler) handleClientWrite(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Connection.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			_ = client.Connection.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = client.Connection.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := client.Connection.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Warn("WebSocket write error",
					zap.Error(err),
					zap.String("client_id", client.ID.String()),
				)
				return
			}

		case <-ticker.C:
			_ = client.Connection.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// pollLoop is the only sender on client.Send and closes it on return.
func (h *WebSocketHandler) pollLoop(ctx context.Context, client *Client, control <-chan ControlMessage) {
	defer func() {
		h.connections.Unregister(client)
		h.logger.Info("Poll client finished", zap.String("client_id", client.ID.String()))
	}()

	started := h.event(client, model.EventPollStarted)
	started.Value = client.Poll
	h.emit(client, started)

	ticker := time.NewTicker(client.Poll.Interval)
	defer ticker.Stop()

	var seq uint64
	if !h.tick(ctx, client, &seq) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-control:
			switch msg.Type {
			case "ping":
				h.emit(client, h.event(client, model.EventPong))
			case "stop":
				h.emit(client, h.event(client, model.EventPollStopped))
				return
			}
		case <-ticker.C:
			if !h.tick(ctx, client, &seq) {
				return
			}
		}
	}
}

// tick runs one query and reports whether polling should continue. The
// query itself is not cancelled by a disconnect; it completes or times out
// and the loop stops before the next one.
func (h *WebSocketHandler) tick(ctx context.Context, client *Client, seq *uint64) bool {
	if ctx.Err() != nil {
		return false
	}
	queryCtx := context.WithoutCancel(ctx)

	start := time.Now()
	var value interface{}
	err := h.sessions.With(queryCtx, client.InstrumentID, func(inst *instrument.Instrument) error {
		v, err := inst.QueryAs(queryCtx, client.Poll.Command, client.Poll.As)
		value = v
		return err
	})

	*seq++
	var ev *model.StreamEvent
	if err != nil {
		ev = h.event(client, model.EventPollError)
		ev.Error = err.Error()
	} else {
		ev = h.event(client, model.EventPollValue)
		ev.Value = jsonValue(value)
	}
	ev.Sequence = *seq
	ev.ElapsedMs = time.Since(start).Milliseconds()
	h.emit(client, ev)

	if client.Poll.Count > 0 && *seq >= client.Poll.Count {
		h.emit(client, h.event(client, model.EventPollStopped))
		return false
	}
	return true
}

func (h *WebSocketHandler) event(client *Client, t model.EventType) *model.StreamEvent {
	return model.NewStreamEvent(client.ID, client.InstrumentID, t)
}

// emit queues ev for the writer, dropping it when the client is too slow.
func (h *WebSocketHandler) emit(client *Client, ev *model.StreamEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("Failed to marshal stream event", zap.Error(err))
		return
	}
	select {
	case client.Send <- data:
	default:
		h.logger.Warn("Dropping stream event for slow client",
			zap.String("client_id", client.ID.String()),
			zap.Uint64("sequence", ev.Sequence),
		)
	}
}
