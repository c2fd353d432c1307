package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/goevery/snapshot-aggregator/internal/auth"
	"github.com/goevery/snapshot-aggregator/internal/handler"
	"github.com/goevery/snapshot-aggregator/internal/ierr"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type RESTServer struct {
	logger *zap.Logger

	authenticator  *auth.Authenticator
	restoreHandler handler.RestoreHandlerInterface
	listHandler    handler.ListHandlerInterface
	statsHandler   handler.StatsHandlerInterface
	metricsHandler http.Handler
}

func NewRESTServer(
	logger *zap.Logger,
	authenticator *auth.Authenticator,
	restoreHandler handler.RestoreHandlerInterface,
	listHandler handler.ListHandlerInterface,
	statsHandler handler.StatsHandlerInterface,
	metricsHandler http.Handler,
) *RESTServer {
	return &RESTServer{
		logger,
		authenticator,
		restoreHandler,
		listHandler,
		statsHandler,
		metricsHandler,
	}
}

func (s *RESTServer) Register(router *mux.Router) {
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")

	if s.metricsHandler != nil {
		router.Handle("/metrics", s.metricsHandler).Methods("GET")
	}

	router.HandleFunc("/stats", s.authenticated(func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.statsHandler.Handle(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}

		s.writeJSON(w, http.StatusOK, stats)
	})).Methods("GET")

	router.HandleFunc("/snapshot/{roomId}", s.authenticated(func(w http.ResponseWriter, r *http.Request) {
		var limit int64
		if rawLimit := r.URL.Query().Get("limit"); rawLimit != "" {
			parsed, err := strconv.ParseInt(rawLimit, 10, 64)
			if err != nil {
				s.writeError(w, ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("invalid limit")))
				return
			}

			limit = parsed
		}

		roomId, err := roomIdFromPath(r)
		if err != nil {
			s.writeError(w, err)
			return
		}

		response, err := s.listHandler.Handle(r.Context(), handler.ListRequest{
			RoomId: roomId,
			Limit:  limit,
		})
		if err != nil {
			s.writeError(w, err)
			return
		}

		s.writeJSON(w, http.StatusOK, response.Snapshots)
	})).Methods("GET")

	router.HandleFunc("/snapshot/{roomId}/latest", s.authenticated(func(w http.ResponseWriter, r *http.Request) {
		roomId, err := roomIdFromPath(r)
		if err != nil {
			s.writeError(w, err)
			return
		}

		response, err := s.restoreHandler.Handle(r.Context(), handler.RestoreRequest{
			RoomId: roomId,
		})
		if err != nil {
			s.writeError(w, err)
			return
		}

		if !response.Found {
			s.writeError(w, ierr.New(ierr.ErrorCodeNotFound, errors.New("no snapshot for room")))
			return
		}

		s.writeJSON(w, http.StatusOK, response)
	})).Methods("GET")
}

// roomIdFromPath decodes the roomId path segment. The router has to use
// encoded paths so ids containing '/' stay in one segment.
func roomIdFromPath(r *http.Request) (string, error) {
	roomId, err := url.PathUnescape(mux.Vars(r)["roomId"])
	if err != nil {
		return "", ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("invalid roomId encoding"))
	}

	return roomId, nil
}

func (s *RESTServer) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticator.Enabled() {
			next(w, r.WithContext(auth.WithAuthentication(r.Context(), s.authenticator.Anonymous())))
			return
		}

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			s.writeError(w, ierr.New(ierr.ErrorCodeUnauthenticated, errors.New("missing bearer token")))
			return
		}

		authentication, err := s.authenticator.Authenticate(token)
		if err != nil {
			s.writeError(w, ierr.New(ierr.ErrorCodeUnauthenticated, err))
			return
		}

		ctx := auth.WithAuthentication(r.Context(), authentication)
		next(w, r.WithContext(ctx))
	}
}

func (s *RESTServer) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	err := json.NewEncoder(w).Encode(body)
	if err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (s *RESTServer) writeError(w http.ResponseWriter, err error) {
	var coded ierr.Error
	if !errors.As(err, &coded) {
		s.logger.Error("unexpected error in rest handler", zap.Error(err))
		coded = ierr.New(ierr.ErrorCodeInternal, errors.New("internal error"))
	}

	s.writeJSON(w, statusFor(coded.Code), coded)
}

func statusFor(code ierr.ErrorCode) int {
	switch code {
	case ierr.ErrorCodeInvalidArgument:
		return http.StatusBadRequest
	case ierr.ErrorCodeUnauthenticated:
		return http.StatusUnauthorized
	case ierr.ErrorCodePermissionDenied:
		return http.StatusForbidden
	case ierr.ErrorCodeNotFound:
		return http.StatusNotFound
	case ierr.ErrorCodeFailedPrecondition:
		return http.StatusConflict
	case ierr.ErrorCodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

