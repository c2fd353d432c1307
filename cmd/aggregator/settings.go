package main

import (
	"errors"
	"math"
	"strings"
	"time"

	"github.com/goevery/snapshot-aggregator/internal/persistence"
)

type Settings struct {
	Transport      string `env:"TRANSPORT,default=redis"`
	RedisURL       string `env:"REDIS_URL,default=redis://redis:6379"`
	ChannelPattern string `env:"CHANNEL_PATTERN,default=yjs:*"`
	KafkaBrokers   string `env:"KAFKA_BROKERS,default=kafka:9092"`
	KafkaTopic     string `env:"KAFKA_TOPIC,default=yjs-updates"`
	KafkaGroupId   string `env:"KAFKA_GROUP_ID,default=snapshot-aggregator"`

	MongoURL       string `env:"MONGO_URL,default=mongodb://mongodb:27017"`
	DatabaseName   string `env:"DB_NAME,default=whiteboard"`
	CollectionName string `env:"COLLECTION_NAME,default=crdt_snapshots"`

	// Milliseconds.
	SnapshotInterval    int   `env:"SNAPSHOT_INTERVAL,default=30000"`
	MaxSnapshotsPerRoom int64 `env:"MAX_SNAPSHOTS_PER_ROOM,default=10"`
	// Seconds, 0 keeps snapshots forever.
	SnapshotRetention int `env:"SNAPSHOT_RETENTION,default=2592000"`
	// Milliseconds, 0 keeps idle rooms forever.
	RoomIdleTimeout int `env:"ROOM_IDLE_TIMEOUT,default=0"`

	EnableHTTP     bool   `env:"ENABLE_HTTP,default=false"`
	Port           int    `env:"PORT,default=9090"`
	BasePath       string `env:"BASE_PATH"`
	APIKeys        string `env:"API_KEYS"`
	JWTSecret      string `env:"JWT_SECRET"`
	AllowedOrigins string `env:"ALLOWED_ORIGINS"`

	LogEncoding string `env:"LOG_ENCODING,default=console"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`
}

func (s Settings) validate() error {
	if s.SnapshotRetention < 0 || s.SnapshotRetention > math.MaxInt32 {
		return errors.New("SNAPSHOT_RETENTION must be between 0 and 2147483647 seconds")
	}

	return persistence.ValidateRetention(s.snapshotRetention())
}

func (s Settings) snapshotInterval() time.Duration {
	return time.Duration(s.SnapshotInterval) * time.Millisecond
}

func (s Settings) snapshotRetention() time.Duration {
	return time.Duration(s.SnapshotRetention) * time.Second
}

func (s Settings) roomIdleTimeout() time.Duration {
	return time.Duration(s.RoomIdleTimeout) * time.Millisecond
}

func (s Settings) apiKeys() []string {
	return splitList(s.APIKeys)
}

func (s Settings) kafkaBrokers() []string {
	return splitList(s.KafkaBrokers)
}

func (s Settings) allowedOrigins() []string {
	return splitList(s.AllowedOrigins)
}

func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			items = append(items, item)
		}
	}

	return items
}
