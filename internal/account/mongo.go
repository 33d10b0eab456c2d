package account

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

// MongoConfig holds connection parameters for the secondary store.
type MongoConfig struct {
	URI          string
	Database     string
	Collection   string
	QueryTimeout time.Duration
}

// MongoStore is the secondary account datastore.
type MongoStore struct {
	client  *mongo.Client
	coll    *mongo.Collection
	timeout time.Duration
}

// ConnectMongo dials the secondary store. The driver connects lazily, so an
// unreachable server surfaces on first query rather than here.
func ConnectMongo(ctx context.Context, cfg MongoConfig) (*MongoStore, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("SECONDARY_MONGO_URI is empty")
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
		return nil, fmt.Errorf("connect secondary store: %w", err)
	}
	return &MongoStore{
		client:  client,
		coll:    client.Database(cfg.Database).Collection(cfg.Collection),
		timeout: timeout,
	}, nil
}

func (s *MongoStore) Name() Source { return SourceSecondary }

func (s *MongoStore) FindEligibleBanned(ctx context.Context) ([]Account, error) {
	return s.find(ctx, bson.M{"status": StatusBanned, "isHandle": false}, nil)
}

func (s *MongoStore) FindHandledBanned(ctx context.Context) ([]Account, error) {
	return s.find(ctx, bson.M{"status": StatusBanned, "isHandle": true},
		options.Find().SetSort(bson.D{{Key: "updatedAt", Value: -1}}))
}

func (s *MongoStore) FindInactive(ctx context.Context, since time.Time) ([]Account, error) {
	return s.find(ctx, bson.M{"lastLogin": bson.M{"$lt": since.UTC()}},
		options.Find().SetSort(bson.D{{Key: "lastLogin", Value: 1}}))
}

func (s *MongoStore) FindByPhone(ctx context.Context, phone string) (*Account, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var a Account
	err := s.coll.FindOne(ctx, bson.M{"phoneNumber": phone}).Decode(&a)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("find account: %w", err)
	}
	a.DBSource = SourceSecondary
	return &a, nil
}

func (s *MongoStore) UpdateHandled(ctx context.Context, phone string) (*Account, error) {
	return s.update(ctx, phone, bson.M{"isHandle": true})
}

func (s *MongoStore) UpdateLastLogin(ctx context.Context, phone string, at time.Time) (*Account, error) {
	return s.update(ctx, phone, bson.M{"lastLogin": at.UTC()})
}

func (s *MongoStore) SetPermanentBan(ctx context.Context, phone string) (*Account, error) {
	return s.update(ctx, phone, bson.M{"isPermanentBan": true})
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

func (s *MongoStore) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]Account, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if opts == nil {
		opts = options.Find()
	}
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	var out []Account
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode accounts: %w", err)
	}
	for i := range out {
		out[i].DBSource = SourceSecondary
	}
	return out, nil
}

func (s *MongoStore) update(ctx context.Context, phone string, set bson.M) (*Account, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	set["updatedAt"] = time.Now().UTC()
	var a Account
	err := s.coll.FindOneAndUpdate(ctx,
		bson.M{"phoneNumber": phone},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&a)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("update account: %w", err)
	}
	a.DBSource = SourceSecondary
	return &a, nil
}
