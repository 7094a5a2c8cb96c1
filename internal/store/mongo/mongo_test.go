package mongo

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"identity-core/internal/ids"
	"identity-core/internal/store"
	"identity-core/internal/store/storetest"
)

func TestToFilter_FlatWhenKeysDistinct(t *testing.T) {
	got, err := toFilter(store.Where(store.Eq("id", "a"), store.Gt("rank", 2)))
	require.NoError(t, err)
	want := bson.D{
		{Key: "_id", Value: bson.D{{Key: "$eq", Value: "a"}}},
		{Key: "rank", Value: bson.D{{Key: "$gt", Value: 2}}},
		{Key: "is_deleted", Value: bson.D{{Key: "$eq", Value: false}}},
	}
	assert.Equal(t, want, got)
}

func TestToFilter_AndWhenKeyRepeats(t *testing.T) {
	got, err := toFilter(store.Where(store.Gt("rank", 1), store.Lt("rank", 5)).IncludeDeleted())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "$and", got[0].Key)
	assert.Len(t, got[0].Value, 2)
}

func TestToFilter_NullAndIn(t *testing.T) {
	got, err := toFilter(store.Where(store.IsNull("seen_at"), store.In("name", "a", "b")).IncludeDeleted())
	require.NoError(t, err)
	want := bson.D{
		{Key: "seen_at", Value: nil},
		{Key: "name", Value: bson.D{{Key: "$in", Value: bson.A{"a", "b"}}}},
	}
	assert.Equal(t, want, got)
}

func TestToFilter_RejectsBadField(t *testing.T) {
	_, err := toFilter(store.Where(store.Eq("$where", "1")))
	assert.True(t, errors.Is(err, store.ErrValidation))
}

func TestRetryable_PlainError(t *testing.T) {
	assert.False(t, retryable(errors.New("boom")))
}

func TestCollection_Suite(t *testing.T) {
	uri := os.Getenv("STORE_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("STORE_TEST_MONGO_URI not set, skipping integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := Open(ctx, uri)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	storetest.Run(t, func(t *testing.T) store.Repository[storetest.Widget] {
		db := client.Database("store_test_" + ids.New())
		t.Cleanup(func() { _ = db.Drop(context.Background()) })
		c := New[storetest.Widget](db, "widgets", storetest.Indexes...)
		require.NoError(t, c.EnsureIndexes(context.Background()))
		return c
	})
}
