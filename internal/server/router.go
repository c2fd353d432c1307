package server

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/goevery/snapshot-aggregator/internal/handler"
	"github.com/goevery/snapshot-aggregator/internal/ierr"
	"github.com/goevery/snapshot-aggregator/internal/rpc"
	"go.uber.org/zap"
)

type Router struct {
	logger *zap.Logger

	heartbeatHandler handler.HeartbeatHandlerInterface
	authHandler      handler.AuthHandlerInterface
	watchHandler     handler.WatchHandlerInterface
	unwatchHandler   handler.UnwatchHandlerInterface
	restoreHandler   handler.RestoreHandlerInterface
	listHandler      handler.ListHandlerInterface
	statsHandler     handler.StatsHandlerInterface
}

func NewRouter(
	logger *zap.Logger,
	heartbeatHandler handler.HeartbeatHandlerInterface,
	authHandler handler.AuthHandlerInterface,
	watchHandler handler.WatchHandlerInterface,
	unwatchHandler handler.UnwatchHandlerInterface,
	restoreHandler handler.RestoreHandlerInterface,
	listHandler handler.ListHandlerInterface,
	statsHandler handler.StatsHandlerInterface,
) *Router {
	return &Router{
		logger,
		heartbeatHandler,
		authHandler,
		watchHandler,
		unwatchHandler,
		restoreHandler,
		listHandler,
		statsHandler,
	}
}

func (r *Router) RouteRequest(ctx context.Context, request rpc.Request) *rpc.Response {
	response, err := r.Handle(ctx, request)
	if err != nil {
		if !request.ReplyExpected() {
			r.logger.Warn("notification failed", zap.String("method", request.Method), zap.Error(err))

			return nil
		}

		response := request.ReplyWithError(r.mapError(err))

		return &response
	}

	hasResponse := response != nil

	if request.ReplyExpected() && !hasResponse {
		r.logger.Error("handler did not return a response but one was expected", zap.String("method", request.Method))

		response := request.ReplyWithError(
			ierr.New(ierr.ErrorCodeInternal, errors.New("internal error")),
		)

		return &response
	}

	if !request.ReplyExpected() {
		return nil
	}

	rawJson, err := json.Marshal(response)
	if err != nil {
		response := request.ReplyWithError(r.mapError(err))

		return &response
	}

	payload := json.RawMessage(rawJson)
	reply := request.Reply(&payload)

	return &reply
}

func (r *Router) Handle(ctx context.Context, request rpc.Request) (any, error) {
	switch request.Method {
	case "heartbeat":
		return r.heartbeatHandler.Handle(), nil
	case "auth":
		var authReq handler.AuthRequest
		if err := decodeParams(request.Params, &authReq); err != nil {
			return nil, err
		}

		return r.authHandler.Handle(ctx, authReq)
	case "watch":
		var watchReq handler.WatchRequest
		if err := decodeParams(request.Params, &watchReq); err != nil {
			return nil, err
		}

		return r.watchHandler.Handle(ctx, watchReq)
	case "unwatch":
		var unwatchReq handler.UnwatchRequest
		if err := decodeParams(request.Params, &unwatchReq); err != nil {
			return nil, err
		}

		return r.unwatchHandler.Handle(ctx, unwatchReq)
	case "restore":
		var restoreReq handler.RestoreRequest
		if err := decodeParams(request.Params, &restoreReq); err != nil {
			return nil, err
		}

		return r.restoreHandler.Handle(ctx, restoreReq)
	case "list":
		var listReq handler.ListRequest
		if err := decodeParams(request.Params, &listReq); err != nil {
			return nil, err
		}

		return r.listHandler.Handle(ctx, listReq)
	case "stats":
		return r.statsHandler.Handle(ctx)
	default:
		return nil, ierr.New(ierr.ErrorCodeNotFound, errors.New("method not found: "+request.Method))
	}
}

func (r *Router) mapError(err error) ierr.Error {
	var handlerErr ierr.Error
	if errors.As(err, &handlerErr) {
		return handlerErr
	}

	r.logger.Error("error in rpc handler", zap.Error(err))

	return ierr.New(ierr.ErrorCodeInternal, errors.New("internal error"))
}

func decodeParams(params *json.RawMessage, v any) error {
	if params == nil {
		return ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("missing params"))
	}

	if err := json.Unmarshal(*params, v); err != nil {
		return ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("invalid params: "+err.Error()))
	}

	return nil
}
