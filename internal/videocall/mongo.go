package videocall

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoConfig holds connection parameters for the conversation store.
type MongoConfig struct {
	URI          string
	Database     string
	Collection   string
	QueryTimeout time.Duration
}

// MongoStore keeps conversations in a MongoDB collection shared with the
// chat flow engine.
type MongoStore struct {
	client  *mongo.Client
	coll    *mongo.Collection
	timeout time.Duration
}

// ConnectMongo dials the conversation store.
func ConnectMongo(ctx context.Context, cfg MongoConfig) (*MongoStore, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("CONVERSATION_MONGO_URI is empty")
	}
	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(timeout).
		SetServerSelectionTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("connect conversation store: %w", err)
	}
	return &MongoStore{
		client:  client,
		coll:    client.Database(cfg.Database).Collection(cfg.Collection),
		timeout: timeout,
	}, nil
}

// EnsureIndexes creates the unique conversationKey index.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "conversationKey", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create conversationKey index: %w", err)
	}
	return nil
}

func (s *MongoStore) FindByKey(ctx context.Context, key string) (*Conversation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var c Conversation
	err := s.coll.FindOne(ctx, bson.M{"conversationKey": key}).Decode(&c)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	return &c, nil
}

func (s *MongoStore) SetVideoCall(ctx context.Context, key string, active bool) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// A missing hasVideoCall field counts as false.
	current := bson.M{"$ne": true}
	if !active {
		current = bson.M{"$eq": true}
	}
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"conversationKey": key, "hasVideoCall": current},
		bson.M{"$set": bson.M{"hasVideoCall": active, "updatedAt": time.Now().UTC()}},
	)
	if err != nil {
		return false, fmt.Errorf("update conversation: %w", err)
	}
	return res.ModifiedCount > 0, nil
}

func (s *MongoStore) ListActive(ctx context.Context) ([]Conversation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cur, err := s.coll.Find(ctx, bson.M{"hasVideoCall": true},
		options.Find().SetSort(bson.D{{Key: "updatedAt", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	out := []Conversation{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}
	return out, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
