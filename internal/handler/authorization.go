package handler

import (
	"context"
	"errors"

	"github.com/goevery/snapshot-aggregator/internal/auth"
	"github.com/goevery/snapshot-aggregator/internal/broadcaster"
	"github.com/goevery/snapshot-aggregator/internal/ierr"
)

// authenticationFromContext looks for the caller first on the websocket
// connection, then on the request context.
func authenticationFromContext(ctx context.Context) (*auth.Authentication, error) {
	connection, ok := broadcaster.ConnectionFromContext(ctx)
	if ok {
		if authentication := connection.GetAuthentication(); authentication != nil {
			return authentication, nil
		}
	}

	authentication, ok := auth.AuthenticationFromContext(ctx)
	if !ok || authentication == nil {
		return nil, ierr.New(ierr.ErrorCodeUnauthenticated, errors.New("authentication required"))
	}

	return authentication, nil
}

func authorizeRead(ctx context.Context, roomId string) error {
	authentication, err := authenticationFromContext(ctx)
	if err != nil {
		return err
	}

	if !authentication.IsReader() {
		return ierr.New(ierr.ErrorCodePermissionDenied, errors.New("read scope required"))
	}

	if !authentication.IsAuthorized(roomId) {
		return ierr.New(ierr.ErrorCodePermissionDenied, errors.New("not authorized to access this room"))
	}

	return nil
}
