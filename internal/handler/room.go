package handler

import (
	"errors"
	"strings"

	"github.com/goevery/snapshot-aggregator/internal/ierr"
)

// MaxRoomIdLength bounds room ids accepted by the api.
const MaxRoomIdLength = 1024

// RoomIdValidator accepts every id a channel name can yield: any non-empty
// string without the ':' separator.
type RoomIdValidator struct{}

func NewRoomIdValidator() *RoomIdValidator {
	return &RoomIdValidator{}
}

func (v *RoomIdValidator) Validate(roomId string) error {
	if roomId == "" {
		return ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("roomId is required"))
	}

	if len(roomId) > MaxRoomIdLength {
		return ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("roomId is too long"))
	}

	if strings.Contains(roomId, ":") {
		return ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("roomId must not contain ':'"))
	}

	return nil
}
