// Package transport exposes the router to WebSocket clients such as browser consoles. Telemetry
// is pushed as CmdTlmFrame flatbuffers; clients submit commands either as preformed binary
// datagrams or as JSON command requests in text messages.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/gorilla/websocket"
	"github.com/groundsys/cmdtlm-router/pkg/catalog"
	"github.com/groundsys/cmdtlm-router/pkg/command"
	"github.com/groundsys/cmdtlm-router/pkg/message"
	"github.com/groundsys/cmdtlm-router/pkg/metrics"
	"github.com/groundsys/cmdtlm-router/pkg/transport/CmdTlmFrame"
	utils "github.com/groundsys/cmdtlm-router/pkg/util"
	"go.uber.org/zap"
)

// Commander is the command side of the router.
type Commander interface {
	SendCommand(req command.Request) (bool, string)
	ForwardCommand(datagram []byte) error
}

type BridgeParams struct {
	ListenAddress    string
	ListenEndpoint   string
	MetricsEndpoint  string
	AllowAllHosts    bool
	AllowlistedHosts []string
	DenylistedHosts  []string

	MaxReadMessageSize int64
	// SendBuffer is the number of frames queued per client before frames are dropped.
	SendBuffer int

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

type bridgeConnection struct {
	frames chan []byte
}

type Bridge struct {
	upgrader  *websocket.Upgrader
	params    BridgeParams
	commander Commander

	mut_connections sync.RWMutex
	connections     map[string]*bridgeConnection

	log     *zap.Logger
	connIds *utils.ConnIDGenerator
}

// jsonCommand is the text message form of a command request.
type jsonCommand struct {
	Target  string         `json:"target"`
	Command string         `json:"command"`
	Fields  map[string]any `json:"fields"`
}

func checkOrigin(r *http.Request, params BridgeParams) bool {
	origin := r.Header.Get("Origin")
	if utils.Contains(origin, params.DenylistedHosts) {
		return false
	}

	if params.AllowAllHosts || origin == "" {
		return true
	}

	return utils.Contains(origin, params.AllowlistedHosts)
}

func CreateBridge(commander Commander, params BridgeParams) (*Bridge, error) {
	if commander == nil {
		return nil, errors.New("WebSocket bridge needs a commander")
	}

	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.ListenEndpoint == "" {
		params.ListenEndpoint = "/ws"
	}
	if params.MetricsEndpoint == "" {
		params.MetricsEndpoint = "/metrics"
	}
	if params.MaxReadMessageSize <= 0 {
		params.MaxReadMessageSize = 65535
	}
	if params.SendBuffer <= 0 {
		params.SendBuffer = 64
	}

	return &Bridge{
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return checkOrigin(r, params)
			},
		},
		params:      params,
		commander:   commander,
		connections: make(map[string]*bridgeConnection),

		log:     logger.With(zap.String("handler", "WebSocketBridge")),
		connIds: utils.CreateConnIDGenerator(time.Now().UnixMicro()),
	}, nil
}

// BuildTelemetryFrame serializes msg as a CmdTlmFrame.TelemetryFrame.
func BuildTelemetryFrame(msg *message.TelemetryMessage) []byte {
	raw := msg.Raw()
	b := flatbuffers.NewBuilder(len(raw) + len(msg.Topic) + 64)

	topicOffset := b.CreateString(msg.Topic)
	rawOffset := b.CreateByteVector(raw)

	CmdTlmFrame.TelemetryFrameStart(b)
	CmdTlmFrame.TelemetryFrameAddTopic(b, topicOffset)
	CmdTlmFrame.TelemetryFrameAddIdentifier(b, uint32(msg.Header.Identifier))
	CmdTlmFrame.TelemetryFrameAddSequence(b, msg.Header.Sequence)
	CmdTlmFrame.TelemetryFrameAddSeconds(b, msg.Header.Seconds)
	CmdTlmFrame.TelemetryFrameAddSubseconds(b, msg.Header.Subseconds)
	CmdTlmFrame.TelemetryFrameAddRecvTimeMicros(b, msg.RecvTime.UnixMicro())
	CmdTlmFrame.TelemetryFrameAddRaw(b, rawOffset)
	frame := CmdTlmFrame.TelemetryFrameEnd(b)
	CmdTlmFrame.FinishTelemetryFrameBuffer(b, frame)

	return b.FinishedBytes()
}

func buildCommandAck(accepted bool, status string) []byte {
	b := flatbuffers.NewBuilder(len(status) + 32)
	statusOffset := b.CreateString(status)

	CmdTlmFrame.CommandAckStart(b)
	CmdTlmFrame.CommandAckAddAccepted(b, accepted)
	CmdTlmFrame.CommandAckAddStatus(b, statusOffset)
	ack := CmdTlmFrame.CommandAckEnd(b)
	CmdTlmFrame.FinishCommandAckBuffer(b, ack)

	return b.FinishedBytes()
}

// Observe queues the message for every connected client. A client whose queue is full misses
// the frame; dispatch never waits on a WebSocket write.
func (ws *Bridge) Observe(msg *message.TelemetryMessage) error {
	ws.mut_connections.RLock()
	defer ws.mut_connections.RUnlock()

	if len(ws.connections) == 0 {
		return nil
	}

	frame := BuildTelemetryFrame(msg)
	for connId, conn := range ws.connections {
		select {
		case conn.frames <- frame:
		default:
			ws.metrics().IncQueueDropped()
			ws.log.Debug("Client send queue full, dropping telemetry frame", zap.String("wsConnId", connId), zap.String("topic", msg.Topic))
		}
	}
	return nil
}

func (ws *Bridge) metrics() *metrics.Metrics {
	return ws.params.Metrics
}

// Connections returns the number of connected clients.
func (ws *Bridge) Connections() int {
	ws.mut_connections.RLock()
	defer ws.mut_connections.RUnlock()
	return len(ws.connections)
}

func (ws *Bridge) handleCommand(msgType int, payload []byte) []byte {
	switch msgType {
	case websocket.BinaryMessage:
		if err := ws.commander.ForwardCommand(payload); err != nil {
			return buildCommandAck(false, err.Error())
		}
		return buildCommandAck(true, "command forwarded")

	case websocket.TextMessage:
		var req jsonCommand
		if err := json.Unmarshal(payload, &req); err != nil {
			return buildCommandAck(false, "malformed command request: "+err.Error())
		}
		sent, status := ws.commander.SendCommand(command.Request{
			Target:  req.Target,
			Command: req.Command,
			Fields:  catalog.Fields(req.Fields),
		})
		return buildCommandAck(sent, status)
	}
	return nil
}

func (ws *Bridge) onWsRequest(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	connId := ws.connIds.Next(4)
	log := ws.log.With(zap.String("wsConnId", connId))

	log.Info("New WebSocket request")
	c, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("Failed to upgrade HTTP request to WebSocket connection", zap.Error(err))
		return
	}
	defer c.Close()

	c.SetReadLimit(ws.params.MaxReadMessageSize)

	conn := &bridgeConnection{frames: make(chan []byte, ws.params.SendBuffer)}
	func() {
		ws.mut_connections.Lock()
		defer ws.mut_connections.Unlock()
		ws.connections[connId] = conn
	}()
	defer func() {
		ws.mut_connections.Lock()
		defer ws.mut_connections.Unlock()
		delete(ws.connections, connId)
		log.Debug("Removed client from WebSocket bridge connections map")
	}()

	// Acks are written by the writer goroutine so the connection has a single writer.
	acks := make(chan []byte, 4)
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-connCtx.Done():
				c.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "router shutting down"),
					time.Now().Add(time.Second))
				c.Close()
				return
			case ack := <-acks:
				if err := c.WriteMessage(websocket.BinaryMessage, ack); err != nil {
					log.Warn("Failed to write command ack", zap.Error(err))
					c.Close()
					return
				}
			case frame := <-conn.frames:
				if err := c.WriteMessage(websocket.BinaryMessage, frame); err != nil {
					log.Warn("Failed to write telemetry frame", zap.Error(err))
					c.Close()
					return
				}
			}
		}
	}()

	expectedCloseErrors := []int{websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived}
	for {
		msgType, payload, msgErr := c.ReadMessage()
		if msgErr != nil {
			if websocket.IsCloseError(msgErr, expectedCloseErrors...) {
				log.Info("Client closed WebSocket connection")
			} else if connCtx.Err() == nil {
				log.Warn("WebSocket read failed, closing connection", zap.Error(msgErr))
			}
			break
		}

		ack := ws.handleCommand(msgType, payload)
		if ack == nil {
			continue
		}
		select {
		case acks <- ack:
		case <-connCtx.Done():
		}
	}

	cancel()
	wg.Wait()
}

// Handler returns the HTTP handler serving the WebSocket endpoint and the metrics endpoint.
func (ws *Bridge) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(ws.params.ListenEndpoint, func(w http.ResponseWriter, r *http.Request) {
		ws.onWsRequest(ctx, w, r)
	})
	mux.Handle(ws.params.MetricsEndpoint, ws.params.Metrics.Handler())
	return mux
}

// Start serves until ctx is cancelled, then shuts the HTTP server down.
func (ws *Bridge) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              ws.params.ListenAddress,
		Handler:           ws.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		ws.log.Info("Starting WebSocket bridge", zap.String("address", ws.params.ListenAddress))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			ws.log.Error("Unexpected WebSocket bridge close!", zap.Error(err))
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, shutdownRelease := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownRelease()
	ws.log.Info("Attempting to trigger shutdown of WebSocket bridge")

	if err := server.Shutdown(shutdownCtx); err != nil {
		ws.log.Error("Failed to gracefully shut down WebSocket bridge", zap.Error(err))
		return err
	}
	ws.log.Info("Successfully shutdown WebSocket bridge")
	return nil
}
