package account

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

// newMongoTestStore connects to TEST_MONGO_URI; tests skip when it is unset.
func newMongoTestStore(t *testing.T) *MongoStore {
	t.Helper()
	uri := os.Getenv("TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TEST_MONGO_URI not set; skipping Mongo integration test")
	}
	ctx := context.Background()
	s, err := ConnectMongo(ctx, MongoConfig{
		URI:          uri,
		Database:     "autologin_test",
		Collection:   "accounts",
		QueryTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.coll.Drop(context.Background())
		s.Close()
	})
	_, err = s.coll.DeleteMany(ctx, bson.M{})
	require.NoError(t, err)
	return s
}

func TestMongoEligibleAndMarkHandled(t *testing.T) {
	s := newMongoTestStore(t)
	ctx := context.Background()

	_, err := s.coll.InsertMany(ctx, []interface{}{
		bson.M{"phoneNumber": "100", "name": "a", "status": StatusBanned, "isHandle": false},
		bson.M{"phoneNumber": "200", "name": "b", "status": StatusBanned, "isHandle": true},
		bson.M{"phoneNumber": "300", "name": "c", "status": StatusOnline, "isHandle": false},
	})
	require.NoError(t, err)

	eligible, err := s.FindEligibleBanned(ctx)
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.Equal(t, "100", eligible[0].PhoneNumber)
	assert.Equal(t, SourceSecondary, eligible[0].DBSource)

	a, err := s.UpdateHandled(ctx, "100")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.True(t, a.IsHandle)

	missing, err := s.UpdateHandled(ctx, "999")
	require.NoError(t, err)
	assert.Nil(t, missing)

	found, err := s.FindByPhone(ctx, "300")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, CodeOnline, Classify(found))
}
