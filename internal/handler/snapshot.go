package handler

import (
	"context"
	"errors"
	"time"

	"github.com/goevery/snapshot-aggregator/internal/aggregator"
	"github.com/goevery/snapshot-aggregator/internal/ierr"
	"github.com/goevery/snapshot-aggregator/internal/persistence"
)

// SnapshotReader is the read side of the aggregator.
type SnapshotReader interface {
	RestoreLatest(ctx context.Context, roomId string) ([]byte, bool, error)
	ListSnapshots(ctx context.Context, roomId string, limit int64) ([]persistence.Snapshot, error)
	GetStats(ctx context.Context) aggregator.Stats
}

type RestoreRequest struct {
	RoomId string `json:"roomId"`
}

type RestoreResponse struct {
	RoomId string `json:"roomId"`
	Found  bool   `json:"found"`
	State  []byte `json:"state,omitempty"`
}

type RestoreHandlerInterface interface {
	Handle(ctx context.Context, req RestoreRequest) (RestoreResponse, error)
}

type RestoreHandler struct {
	roomIdValidator *RoomIdValidator
	reader          SnapshotReader
}

func NewRestoreHandler(roomIdValidator *RoomIdValidator, reader SnapshotReader) *RestoreHandler {
	return &RestoreHandler{
		roomIdValidator,
		reader,
	}
}

func (h *RestoreHandler) Handle(ctx context.Context, req RestoreRequest) (RestoreResponse, error) {
	err := h.roomIdValidator.Validate(req.RoomId)
	if err != nil {
		return RestoreResponse{}, err
	}

	err = authorizeRead(ctx, req.RoomId)
	if err != nil {
		return RestoreResponse{}, err
	}

	state, found, err := h.reader.RestoreLatest(ctx, req.RoomId)
	if err != nil {
		return RestoreResponse{}, err
	}

	return RestoreResponse{
		RoomId: req.RoomId,
		Found:  found,
		State:  state,
	}, nil
}

type ListRequest struct {
	RoomId string `json:"roomId"`
	Limit  int64  `json:"limit,omitempty"`
}

type SnapshotSummary struct {
	Id          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	UpdateCount uint64    `json:"updateCount"`
	Version     string    `json:"version"`
	State       []byte    `json:"state"`
}

type ListResponse struct {
	RoomId    string            `json:"roomId"`
	Snapshots []SnapshotSummary `json:"snapshots"`
}

type ListHandlerInterface interface {
	Handle(ctx context.Context, req ListRequest) (ListResponse, error)
}

type ListHandler struct {
	roomIdValidator *RoomIdValidator
	reader          SnapshotReader
}

func NewListHandler(roomIdValidator *RoomIdValidator, reader SnapshotReader) *ListHandler {
	return &ListHandler{
		roomIdValidator,
		reader,
	}
}

func (h *ListHandler) Handle(ctx context.Context, req ListRequest) (ListResponse, error) {
	err := h.roomIdValidator.Validate(req.RoomId)
	if err != nil {
		return ListResponse{}, err
	}

	if req.Limit < 0 || req.Limit > aggregator.MaxListLimit {
		return ListResponse{}, ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("limit out of range"))
	}

	err = authorizeRead(ctx, req.RoomId)
	if err != nil {
		return ListResponse{}, err
	}

	snapshots, err := h.reader.ListSnapshots(ctx, req.RoomId, req.Limit)
	if err != nil {
		return ListResponse{}, err
	}

	summaries := make([]SnapshotSummary, len(snapshots))
	for i, s := range snapshots {
		summaries[i] = SnapshotSummary{
			Id:          s.Id,
			Timestamp:   s.Timestamp,
			UpdateCount: s.UpdateCount,
			Version:     s.SchemaVersion,
			State:       s.State,
		}
	}

	return ListResponse{
		RoomId:    req.RoomId,
		Snapshots: summaries,
	}, nil
}

type StatsHandlerInterface interface {
	Handle(ctx context.Context) (aggregator.Stats, error)
}

type StatsHandler struct {
	reader SnapshotReader
}

func NewStatsHandler(reader SnapshotReader) *StatsHandler {
	return &StatsHandler{
		reader,
	}
}

func (h *StatsHandler) Handle(ctx context.Context) (aggregator.Stats, error) {
	authentication, err := authenticationFromContext(ctx)
	if err != nil {
		return aggregator.Stats{}, err
	}

	if !authentication.IsAdmin {
		return aggregator.Stats{}, ierr.New(ierr.ErrorCodePermissionDenied, errors.New("stats are restricted to administrators"))
	}

	return h.reader.GetStats(ctx), nil
}
