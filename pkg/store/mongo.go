package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/banca/pkg/roster"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoOptions configures the mongo backend.
type MongoOptions struct {
	URI                  string
	Database             string
	CheckpointCollection string
	UserDataCollection   string
}

// MongoStore keeps checkpoints in one collection and the active-agent
// record in a separate userdata collection, both keyed by thread ID.
type MongoStore struct {
	client      *mongo.Client
	checkpoints *mongo.Collection
	userdata    *mongo.Collection
}

// DialMongo connects to the server and verifies the connection.
func DialMongo(ctx context.Context, opts MongoOptions) (*MongoStore, error) {
	if opts.URI == "" || opts.Database == "" {
		return nil, errors.New("mongo uri and database are required")
	}
	if opts.CheckpointCollection == "" {
		opts.CheckpointCollection = "chat"
	}
	if opts.UserDataCollection == "" {
		opts.UserDataCollection = "userdata"
	}

	client, err := mongo.Connect(options.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to create mongo client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	db := client.Database(opts.Database)
	return &MongoStore{
		client:      client,
		checkpoints: db.Collection(opts.CheckpointCollection),
		userdata:    db.Collection(opts.UserDataCollection),
	}, nil
}

func (s *MongoStore) Backend() string { return "mongo" }

func byID(threadID string) bson.D {
	return bson.D{{Key: "_id", Value: threadID}}
}

func (s *MongoStore) Load(ctx context.Context, threadID string) (*Checkpoint, error) {
	if err := ValidateThreadID(threadID); err != nil {
		return nil, err
	}

	var cp Checkpoint
	err := s.checkpoints.FindOne(ctx, byID(threadID)).Decode(&cp)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return &cp, nil
}

func (s *MongoStore) Save(ctx context.Context, cp *Checkpoint) error {
	if err := prepareSave(cp); err != nil {
		return err
	}
	_, err := s.checkpoints.ReplaceOne(ctx, byID(cp.ThreadID), cp, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *MongoStore) Delete(ctx context.Context, threadID string) error {
	if err := ValidateThreadID(threadID); err != nil {
		return err
	}
	if _, err := s.checkpoints.DeleteOne(ctx, byID(threadID)); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	if _, err := s.userdata.DeleteOne(ctx, byID(threadID)); err != nil {
		return fmt.Errorf("failed to delete userdata: %w", err)
	}
	return nil
}

func (s *MongoStore) PruneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	filter := bson.D{{Key: "updated_at", Value: bson.D{{Key: "$lt", Value: cutoff}}}}
	cursor, err := s.checkpoints.Find(ctx, filter, options.Find().SetProjection(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return 0, fmt.Errorf("failed to list stale threads: %w", err)
	}

	var stale []struct {
		ID string `bson:"_id"`
	}
	if err := cursor.All(ctx, &stale); err != nil {
		return 0, fmt.Errorf("failed to read stale threads: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	ids := make(bson.A, 0, len(stale))
	for _, doc := range stale {
		ids = append(ids, doc.ID)
	}
	inIDs := bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}}

	res, err := s.checkpoints.DeleteMany(ctx, inIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to prune checkpoints: %w", err)
	}
	if _, err := s.userdata.DeleteMany(ctx, inIDs); err != nil {
		return int(res.DeletedCount), fmt.Errorf("failed to prune userdata: %w", err)
	}
	return int(res.DeletedCount), nil
}

func (s *MongoStore) GetActiveAgent(ctx context.Context, threadID string) (roster.ID, error) {
	if err := ValidateThreadID(threadID); err != nil {
		return roster.Unknown, err
	}

	var doc userData
	err := s.userdata.FindOne(ctx, byID(threadID)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return roster.Unknown, nil
	}
	if err != nil {
		return roster.Unknown, fmt.Errorf("failed to query active agent: %w", err)
	}
	return normalizeAgent(doc.ActiveAgent), nil
}

func (s *MongoStore) SetActiveAgent(ctx context.Context, threadID string, agent roster.ID) error {
	if err := ValidateThreadID(threadID); err != nil {
		return err
	}
	if err := validateAgent(agent); err != nil {
		return err
	}

	doc := userData{ID: threadID, ActiveAgent: string(agent), UpdatedAt: time.Now().UTC()}
	if _, err := s.userdata.ReplaceOne(ctx, byID(threadID), doc, options.Replace().SetUpsert(true)); err != nil {
		return fmt.Errorf("failed to set active agent: %w", err)
	}
	return nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
