package server

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goevery/snapshot-aggregator/internal/aggregator"
	"github.com/goevery/snapshot-aggregator/internal/auth"
	"github.com/goevery/snapshot-aggregator/internal/broadcaster"
	"github.com/goevery/snapshot-aggregator/internal/handler"
	"github.com/goevery/snapshot-aggregator/internal/persistence"
	"github.com/goevery/snapshot-aggregator/internal/persistence/memory"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testApp struct {
	server   *httptest.Server
	engine   *memory.PersistenceEngine
	registry *broadcaster.InMemoryRegistry
}

func newTestApp(t *testing.T, authenticator *auth.Authenticator) *testApp {
	logger := zap.NewNop()
	engine := memory.NewPersistenceEngine(0)
	registry := broadcaster.NewInMemoryRegistry(logger)

	metrics := aggregator.NewMetrics()
	promRegistry := prometheus.NewRegistry()
	require.NoError(t, metrics.Register(promRegistry))

	config := aggregator.DefaultConfig()
	config.SnapshotInterval = time.Hour
	snapshotAggregator, err := aggregator.New(logger, config, engine, nil,
		aggregator.WithListener(registry),
		aggregator.WithMetrics(metrics))
	require.NoError(t, err)

	roomIdValidator := handler.NewRoomIdValidator()
	restoreHandler := handler.NewRestoreHandler(roomIdValidator, snapshotAggregator)
	listHandler := handler.NewListHandler(roomIdValidator, snapshotAggregator)
	statsHandler := handler.NewStatsHandler(snapshotAggregator)

	rpcRouter := NewRouter(
		logger,
		handler.NewHeartbeatHandler(),
		handler.NewAuthHandler(authenticator),
		handler.NewWatchHandler(roomIdValidator, registry),
		handler.NewUnwatchHandler(roomIdValidator, registry),
		restoreHandler,
		listHandler,
		statsHandler,
	)

	router := mux.NewRouter().UseEncodedPath()
	NewRESTServer(logger, authenticator, restoreHandler, listHandler, statsHandler,
		promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})).Register(router)
	NewWebSocketServer(logger, &websocket.Upgrader{}, authenticator, registry, rpcRouter).Register(router)

	server := httptest.NewServer(router)
	t.Cleanup(func() {
		server.Close()
		_ = snapshotAggregator.Shutdown(context.Background())
	})

	return &testApp{
		server,
		engine,
		registry,
	}
}

func (a *testApp) insert(t *testing.T, roomId string, state string, timestamp time.Time) persistence.Snapshot {
	snapshot, err := a.engine.Insert(context.Background(), persistence.Snapshot{
		RoomId:        roomId,
		Timestamp:     timestamp,
		State:         []byte(state),
		SchemaVersion: persistence.SchemaVersion,
	})
	require.NoError(t, err)

	return snapshot
}

func signToken(t *testing.T, rooms []string, scope []string) string {
	claims := jwt.MapClaims{
		"sub":             "test-user",
		"exp":             time.Now().Add(time.Hour).Unix(),
		"iat":             time.Now().Unix(),
		"aud":             auth.Audience,
		"authorizedRooms": rooms,
		"scope":           scope,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	return tokenString
}
