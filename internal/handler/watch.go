package handler

import (
	"context"
	"errors"
	"time"

	"github.com/goevery/snapshot-aggregator/internal/broadcaster"
	"github.com/goevery/snapshot-aggregator/internal/ierr"
)

type WatchRequest struct {
	RoomId string `json:"roomId"`
}

type WatchResponse struct {
	WatchId   string    `json:"watchId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type WatchHandlerInterface interface {
	Handle(ctx context.Context, req WatchRequest) (WatchResponse, error)
}

type WatchHandler struct {
	roomIdValidator *RoomIdValidator
	registry        broadcaster.Registry
}

func NewWatchHandler(
	roomIdValidator *RoomIdValidator,
	registry broadcaster.Registry,
) *WatchHandler {
	return &WatchHandler{
		roomIdValidator,
		registry,
	}
}

func (h *WatchHandler) Handle(ctx context.Context, req WatchRequest) (WatchResponse, error) {
	err := h.roomIdValidator.Validate(req.RoomId)
	if err != nil {
		return WatchResponse{}, err
	}

	connection, ok := broadcaster.ConnectionFromContext(ctx)
	if !ok {
		return WatchResponse{}, errors.New("connection not found in context")
	}

	authentication := connection.GetAuthentication()
	if authentication == nil {
		return WatchResponse{},
			ierr.New(ierr.ErrorCodeUnauthenticated, errors.New("authentication required"))
	}

	if !authentication.IsWatcher() {
		return WatchResponse{},
			ierr.New(ierr.ErrorCodePermissionDenied, errors.New("watch scope required to watch a room"))
	}

	if !connection.IsAuthorized(req.RoomId) {
		return WatchResponse{},
			ierr.New(ierr.ErrorCodePermissionDenied, errors.New("not authorized to access this room"))
	}

	err = h.registry.Register(req.RoomId, connection)
	if err != nil {
		return WatchResponse{}, ierr.New(ierr.ErrorCodeFailedPrecondition, err)
	}

	return WatchResponse{
		WatchId:   connection.Id,
		Timestamp: time.Now(),
	}, nil
}

type UnwatchRequest struct {
	RoomId string `json:"roomId"`
}

type UnwatchResponse struct {
	Success bool `json:"success"`
}

type UnwatchHandlerInterface interface {
	Handle(ctx context.Context, req UnwatchRequest) (UnwatchResponse, error)
}

type UnwatchHandler struct {
	roomIdValidator *RoomIdValidator
	registry        broadcaster.Registry
}

func NewUnwatchHandler(
	roomIdValidator *RoomIdValidator,
	registry broadcaster.Registry,
) *UnwatchHandler {
	return &UnwatchHandler{
		roomIdValidator,
		registry,
	}
}

func (h *UnwatchHandler) Handle(ctx context.Context, req UnwatchRequest) (UnwatchResponse, error) {
	err := h.roomIdValidator.Validate(req.RoomId)
	if err != nil {
		return UnwatchResponse{}, err
	}

	connection, ok := broadcaster.ConnectionFromContext(ctx)
	if !ok {
		return UnwatchResponse{}, errors.New("connection not found in context")
	}

	h.registry.Unregister(req.RoomId, connection.Id)

	return UnwatchResponse{
		Success: true,
	}, nil
}
