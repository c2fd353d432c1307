package room

import (
	"errors"
	"strings"

	"github.com/goevery/snapshot-aggregator/internal/ierr"
)

// DefaultRoomId is used for channels that carry no room segment.
const DefaultRoomId = "default"

const channelSeparator = ":"

// ParseRoomId extracts the room identifier from a channel named
// <namespace>:<roomId>[:<suffix>...]. Channels without a room segment map to
// DefaultRoomId; the returned error is informational and the room id is
// always usable.
func ParseRoomId(channel string) (string, error) {
	parts := strings.Split(channel, channelSeparator)
	if len(parts) < 2 || parts[1] == "" {
		return DefaultRoomId, ierr.New(ierr.ErrorCodeMalformedChannel, errors.New("channel has no room segment: "+channel))
	}

	return parts[1], nil
}
