package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/goevery/snapshot-aggregator/internal/auth"
	"github.com/goevery/snapshot-aggregator/internal/broadcaster"
	"github.com/goevery/snapshot-aggregator/internal/rpc"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"
)

const (
	watcherBufferSize = 64
	readLimit         = 64 * 1024
	writeTimeout      = 10 * time.Second
)

type WebSocketServer struct {
	logger   *zap.Logger
	upgrader *websocket.Upgrader

	authenticator *auth.Authenticator
	registry      broadcaster.Registry
	router        *Router
}

func NewWebSocketServer(
	logger *zap.Logger,
	upgrader *websocket.Upgrader,
	authenticator *auth.Authenticator,
	registry broadcaster.Registry,
	router *Router,
) *WebSocketServer {
	return &WebSocketServer{
		logger,
		upgrader,
		authenticator,
		registry,
		router,
	}
}

func (s *WebSocketServer) Register(router *mux.Router) {
	router.HandleFunc("/websocket", s.serve)
}

func (s *WebSocketServer) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	connection := broadcaster.NewConnection(gonanoid.Must(), watcherBufferSize)
	if !s.authenticator.Enabled() {
		connection.SetAuthentication(s.authenticator.Anonymous())
	}

	logger := s.logger.With(zap.String("connectionId", connection.Id))
	logger.Info("websocket connection established")

	conn.SetReadLimit(readLimit)

	stream := &objectStream{connection: conn}
	done := make(chan struct{})

	go s.pump(logger, stream, connection, done)

	ctx := broadcaster.WithConnection(r.Context(), connection)

	for {
		var request rpc.Request
		err := stream.ReadObject(&request)
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("closing websocket connection", zap.Error(err))
				stream.Abort(websocket.CloseUnsupportedData, "invalid request")
			}

			break
		}

		response := s.router.RouteRequest(ctx, request)
		if response == nil {
			continue
		}

		err = stream.WriteObject(response)
		if err != nil {
			logger.Debug("failed to write response", zap.Error(err))
			break
		}
	}

	close(done)
	s.registry.Disconnect(connection.Id)
	stream.Close()

	logger.Info("websocket connection closed")
}

// pump forwards registry messages to the socket until the registry drops the
// connection or the read side ends.
func (s *WebSocketServer) pump(logger *zap.Logger, stream *objectStream, connection *broadcaster.Connection, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case message, ok := <-connection.Send:
			if !ok {
				stream.Close()
				return
			}

			params, err := json.Marshal(message)
			if err != nil {
				logger.Error("failed to encode message", zap.Error(err))
				continue
			}

			raw := json.RawMessage(params)
			err = stream.WriteObject(rpc.NewNotification("snapshot", &raw))
			if err != nil {
				logger.Debug("failed to push message", zap.Error(err))
				return
			}
		}
	}
}

type objectStream struct {
	mu         sync.Mutex
	connection *websocket.Conn
}

func (s *objectStream) WriteObject(obj any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.connection.SetWriteDeadline(time.Now().Add(writeTimeout))

	return s.connection.WriteJSON(obj)
}

func (s *objectStream) ReadObject(v any) error {
	return s.connection.ReadJSON(v)
}

func (s *objectStream) Abort(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.connection.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
}

func (s *objectStream) Close() error {
	return s.connection.Close()
}
