package aggregator

import (
	"errors"
	"time"

	"github.com/goevery/snapshot-aggregator/internal/ierr"
)

type Config struct {
	SnapshotInterval    time.Duration
	MaxSnapshotsPerRoom int64
	// RoomIdleTimeout stops the timer and drops the in-memory state of rooms
	// that received nothing for this long. Zero keeps every room forever.
	RoomIdleTimeout time.Duration
	// StoreTimeout bounds the store calls of one snapshot tick.
	StoreTimeout time.Duration
	// LogEvery logs a room's update count every LogEvery updates.
	LogEvery uint64
}

func DefaultConfig() Config {
	return Config{
		SnapshotInterval:    30 * time.Second,
		MaxSnapshotsPerRoom: 10,
		RoomIdleTimeout:     0,
		StoreTimeout:        10 * time.Second,
		LogEvery:            100,
	}
}

func (c Config) Validate() error {
	if c.SnapshotInterval <= 0 {
		return ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("snapshot interval must be positive"))
	}

	if c.MaxSnapshotsPerRoom < 1 {
		return ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("max snapshots per room must be at least 1"))
	}

	if c.RoomIdleTimeout < 0 || (c.RoomIdleTimeout > 0 && c.RoomIdleTimeout < c.SnapshotInterval) {
		return ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("room idle timeout must be zero or at least the snapshot interval"))
	}

	if c.StoreTimeout <= 0 {
		return ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("store timeout must be positive"))
	}

	if c.LogEvery == 0 {
		return ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("log every must be positive"))
	}

	return nil
}
