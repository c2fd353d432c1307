package mongodb

import (
	"context"
	"errors"
	"time"

	"github.com/goevery/snapshot-aggregator/internal/ierr"
	"github.com/goevery/snapshot-aggregator/internal/persistence"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

type Snapshot struct {
	Id          bson.ObjectID `bson:"_id,omitempty"`
	RoomId      string        `bson:"roomId"`
	Timestamp   time.Time     `bson:"timestamp"`
	State       []byte        `bson:"state"`
	UpdateCount int64         `bson:"updateCount"`
	Version     string        `bson:"version"`
}

func (s Snapshot) toSnapshot() persistence.Snapshot {
	return persistence.Snapshot{
		Id:            s.Id.Hex(),
		RoomId:        s.RoomId,
		Timestamp:     s.Timestamp,
		State:         s.State,
		UpdateCount:   uint64(s.UpdateCount),
		SchemaVersion: s.Version,
	}
}

type Settings struct {
	URL        string
	Database   string
	Collection string
	Retention  time.Duration
}

type PersistenceEngine struct {
	client     *mongo.Client
	collection *mongo.Collection
	retention  time.Duration
}

// Connect dials the server and verifies it answers before returning.
func Connect(ctx context.Context, url string) (*mongo.Client, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(url))
	if err != nil {
		return nil, wrapError(err)
	}

	err = client.Ping(ctx, readpref.Primary())
	if err != nil {
		_ = client.Disconnect(context.Background())

		return nil, ierr.New(ierr.ErrorCodeStoreUnavailable, err)
	}

	return client, nil
}

func NewPersistenceEngine(client *mongo.Client, settings Settings) *PersistenceEngine {
	database := client.Database(settings.Database)
	collection := database.Collection(settings.Collection)

	return &PersistenceEngine{
		client,
		collection,
		settings.Retention,
	}
}

func (e *PersistenceEngine) Setup(ctx context.Context) error {
	models, err := indexModels(e.retention)
	if err != nil {
		return err
	}

	_, err = e.collection.Indexes().CreateMany(ctx, models)

	return wrapError(err)
}

// indexModels returns the room index and, for a non-zero retention, the
// expiry index on timestamp.
func indexModels(retention time.Duration) ([]mongo.IndexModel, error) {
	err := persistence.ValidateRetention(retention)
	if err != nil {
		return nil, err
	}

	models := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "roomId", Value: 1},
				{Key: "timestamp", Value: -1},
			},
		},
	}

	if retention > 0 {
		models = append(models, mongo.IndexModel{
			Keys:    bson.D{{Key: "timestamp", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(retention / time.Second)),
		})
	}

	return models, nil
}

func (e *PersistenceEngine) Insert(ctx context.Context, snapshot persistence.Snapshot) (persistence.Snapshot, error) {
	result, err := e.collection.InsertOne(ctx, Snapshot{
		RoomId:      snapshot.RoomId,
		Timestamp:   snapshot.Timestamp,
		State:       snapshot.State,
		UpdateCount: int64(snapshot.UpdateCount),
		Version:     snapshot.SchemaVersion,
	})
	if err != nil {
		return persistence.Snapshot{}, wrapError(err)
	}

	snapshot.Id = result.InsertedID.(bson.ObjectID).Hex()

	return snapshot, nil
}

func (e *PersistenceEngine) CountByRoom(ctx context.Context, roomId string) (int64, error) {
	count, err := e.collection.CountDocuments(ctx, bson.M{"roomId": roomId})

	return count, wrapError(err)
}

func (e *PersistenceEngine) CountAll(ctx context.Context) (int64, error) {
	count, err := e.collection.CountDocuments(ctx, bson.D{})

	return count, wrapError(err)
}

func (e *PersistenceEngine) OldestIds(ctx context.Context, roomId string, n int64) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(n).
		SetProjection(bson.D{{Key: "_id", Value: 1}})

	cursor, err := e.collection.Find(ctx, bson.M{"roomId": roomId}, opts)
	if err != nil {
		return nil, wrapError(err)
	}

	var documents []Snapshot
	err = cursor.All(ctx, &documents)
	if err != nil {
		return nil, wrapError(err)
	}

	ids := make([]string, len(documents))
	for i, d := range documents {
		ids[i] = d.Id.Hex()
	}

	return ids, nil
}

func (e *PersistenceEngine) DeleteByIds(ctx context.Context, ids []string) error {
	objectIds := make([]bson.ObjectID, 0, len(ids))
	for _, id := range ids {
		objectId, err := bson.ObjectIDFromHex(id)
		if err != nil {
			// nothing stored under a malformed id
			continue
		}

		objectIds = append(objectIds, objectId)
	}

	if len(objectIds) == 0 {
		return nil
	}

	_, err := e.collection.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": objectIds}})

	return wrapError(err)
}

func (e *PersistenceEngine) LatestByRoom(ctx context.Context, roomId string) (*persistence.Snapshot, error) {
	opts := options.FindOne().
		SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}})

	var document Snapshot
	err := e.collection.FindOne(ctx, bson.M{"roomId": roomId}, opts).Decode(&document)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapError(err)
	}

	snapshot := document.toSnapshot()

	return &snapshot, nil
}

func (e *PersistenceEngine) ListByRoom(ctx context.Context, roomId string, limit int64) ([]persistence.Snapshot, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(limit)

	cursor, err := e.collection.Find(ctx, bson.M{"roomId": roomId}, opts)
	if err != nil {
		return nil, wrapError(err)
	}

	var documents []Snapshot
	err = cursor.All(ctx, &documents)
	if err != nil {
		return nil, wrapError(err)
	}

	snapshots := make([]persistence.Snapshot, len(documents))
	for i, d := range documents {
		snapshots[i] = d.toSnapshot()
	}

	return snapshots, nil
}

func (e *PersistenceEngine) Close(ctx context.Context) error {
	return wrapError(e.client.Disconnect(ctx))
}

func wrapError(err error) error {
	if err == nil {
		return nil
	}

	if mongo.IsNetworkError(err) ||
		mongo.IsTimeout(err) ||
		errors.Is(err, mongo.ErrClientDisconnected) ||
		errors.Is(err, context.DeadlineExceeded) {
		return ierr.New(ierr.ErrorCodeStoreUnavailable, err)
	}

	return ierr.New(ierr.ErrorCodeInternal, err)
}
