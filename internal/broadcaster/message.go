package broadcaster

import "time"

const EventSnapshotStored = "snapshot.stored"

type Message struct {
	Id         string    `json:"id"`
	CreateTime time.Time `json:"createTime"`
	RoomId     string    `json:"roomId"`
	Event      string    `json:"event"`
	Payload    any       `json:"payload"`
}

type SnapshotStoredPayload struct {
	SnapshotId  string    `json:"snapshotId"`
	UpdateCount uint64    `json:"updateCount"`
	Timestamp   time.Time `json:"timestamp"`
}
