package handler

import (
	"context"
	"errors"

	"github.com/goevery/snapshot-aggregator/internal/auth"
	"github.com/goevery/snapshot-aggregator/internal/broadcaster"
	"github.com/goevery/snapshot-aggregator/internal/ierr"
)

type AuthRequest struct {
	Token string `json:"token"`
}

type AuthResponse struct {
	Success bool `json:"success"`
}

type AuthHandlerInterface interface {
	Handle(ctx context.Context, req AuthRequest) (AuthResponse, error)
}

type AuthHandler struct {
	authenticator *auth.Authenticator
}

func NewAuthHandler(authenticator *auth.Authenticator) *AuthHandler {
	return &AuthHandler{
		authenticator,
	}
}

func (h *AuthHandler) Handle(ctx context.Context, req AuthRequest) (AuthResponse, error) {
	connection, ok := broadcaster.ConnectionFromContext(ctx)
	if !ok {
		return AuthResponse{}, errors.New("connection not found in context")
	}

	authentication, err := h.authenticator.Authenticate(req.Token)
	if err != nil {
		return AuthResponse{}, err
	}

	if current := connection.GetAuthentication(); current != nil && current.Subject != "anonymous" {
		return AuthResponse{}, ierr.New(ierr.ErrorCodeFailedPrecondition, errors.New("connection is already authenticated"))
	}

	connection.SetAuthentication(authentication)

	return AuthResponse{
		Success: true,
	}, nil
}
