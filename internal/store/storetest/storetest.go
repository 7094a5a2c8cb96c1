// Package storetest holds the behavioural suite every store.Repository engine must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-core/internal/store"
)

// Widget is the document type the suite persists.
type Widget struct {
	store.Meta `bson:",inline"`
	Name       string     `json:"name" bson:"name"`
	Owner      string     `json:"owner" bson:"owner"`
	Rank       int        `json:"rank" bson:"rank"`
	State      string     `json:"state" bson:"state"`
	SeenAt     *time.Time `json:"seen_at,omitempty" bson:"seen_at,omitempty"`
}

func (w *Widget) Validate() error {
	if w.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

// Indexes are the unique indexes a Factory must configure on the collection.
var Indexes = []store.UniqueIndex{
	{Name: "widgets_name", Fields: []string{"name"}},
	{Name: "widgets_owner_live", Fields: []string{"owner"}, Where: []store.Cond{store.Eq("state", "live")}},
}

// Factory returns an empty repository named "widgets" enforcing Indexes.
type Factory func(t *testing.T) store.Repository[Widget]

// Run executes the suite against repositories built by newRepo.
func Run(t *testing.T, newRepo Factory) {
	ctx := context.Background()

	t.Run("CreateAssignsMeta", func(t *testing.T) {
		r := newRepo(t)
		w, err := r.Create(ctx, &Widget{Name: "a"})
		require.NoError(t, err)
		assert.NotEmpty(t, w.ID)
		assert.Equal(t, store.StatusActive, w.Status)
		assert.False(t, w.IsDeleted)
		assert.False(t, w.CreatedAt.IsZero())

		got, err := r.FindByID(ctx, w.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "a", got.Name)
	})

	t.Run("CreateValidates", func(t *testing.T) {
		r := newRepo(t)
		_, err := r.Create(ctx, &Widget{})
		assert.ErrorIs(t, err, store.ErrValidation)
	})

	t.Run("UniqueIndex", func(t *testing.T) {
		r := newRepo(t)
		_, err := r.Create(ctx, &Widget{Name: "dup"})
		require.NoError(t, err)
		_, err = r.Create(ctx, &Widget{Name: "dup"})
		assert.ErrorIs(t, err, store.ErrDuplicate)
	})

	t.Run("UniqueIndexIgnoresDeleted", func(t *testing.T) {
		r := newRepo(t)
		w, err := r.Create(ctx, &Widget{Name: "gone"})
		require.NoError(t, err)
		res, err := r.SoftDeleteMany(ctx, []string{w.ID})
		require.NoError(t, err)
		assert.EqualValues(t, 1, res.Modified)
		_, err = r.Create(ctx, &Widget{Name: "gone"})
		assert.NoError(t, err)
	})

	t.Run("PartialUniqueIndex", func(t *testing.T) {
		r := newRepo(t)
		_, err := r.Create(ctx, &Widget{Name: "p1", Owner: "o", State: "live"})
		require.NoError(t, err)
		_, err = r.Create(ctx, &Widget{Name: "p2", Owner: "o", State: "retired"})
		require.NoError(t, err)
		_, err = r.Create(ctx, &Widget{Name: "p3", Owner: "o", State: "live"})
		assert.ErrorIs(t, err, store.ErrDuplicate)
	})

	t.Run("SoftDeletedHiddenByDefault", func(t *testing.T) {
		r := newRepo(t)
		w, err := r.Create(ctx, &Widget{Name: "hidden"})
		require.NoError(t, err)
		_, err = r.SoftDeleteMany(ctx, []string{w.ID})
		require.NoError(t, err)

		got, err := r.FindOne(ctx, store.ByID(w.ID))
		require.NoError(t, err)
		assert.Nil(t, got)

		got, err = r.FindOne(ctx, store.ByID(w.ID).IncludeDeleted())
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, got.IsDeleted)

		byID, err := r.FindByID(ctx, w.ID)
		require.NoError(t, err)
		require.NotNil(t, byID)

		n, err := r.Count(ctx, store.Where())
		require.NoError(t, err)
		assert.EqualValues(t, 0, n)
	})

	t.Run("FindManyOptions", func(t *testing.T) {
		r := newRepo(t)
		for i := 0; i < 5; i++ {
			_, err := r.Create(ctx, &Widget{Name: fmt.Sprintf("w%d", i), Rank: 5 - i})
			require.NoError(t, err)
		}
		list, err := r.FindMany(ctx, store.Where(store.Gte("rank", 2)), store.WithSort("rank", false), store.WithSkip(1), store.WithLimit(2))
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, 3, list[0].Rank)
		assert.Equal(t, 4, list[1].Rank)

		list, err = r.FindMany(ctx, store.Where(store.In("name", "w0", "w4")), store.WithSort("rank", true))
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "w0", list[0].Name)

		list, err = r.FindMany(ctx, store.Where(store.In[string]("name")))
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("Projection", func(t *testing.T) {
		r := newRepo(t)
		_, err := r.Create(ctx, &Widget{Name: "proj", Owner: "secret"})
		require.NoError(t, err)
		list, err := r.FindMany(ctx, store.Where(store.Eq("name", "proj")), store.WithProjection("name"))
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "proj", list[0].Name)
		assert.Empty(t, list[0].Owner)
		assert.NotEmpty(t, list[0].ID)
	})

	t.Run("NullAndTimeFilters", func(t *testing.T) {
		r := newRepo(t)
		seen := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		_, err := r.Create(ctx, &Widget{Name: "never"})
		require.NoError(t, err)
		_, err = r.Create(ctx, &Widget{Name: "once", SeenAt: &seen})
		require.NoError(t, err)

		list, err := r.FindMany(ctx, store.Where(store.IsNull("seen_at")))
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "never", list[0].Name)

		list, err = r.FindMany(ctx, store.Where(store.Lt("seen_at", seen.Add(time.Hour))))
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "once", list[0].Name)
	})

	t.Run("UpdateByID", func(t *testing.T) {
		r := newRepo(t)
		w, err := r.Create(ctx, &Widget{Name: "u"})
		require.NoError(t, err)
		got, err := r.UpdateByID(ctx, w.ID, store.Patch{"rank": 7})
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, 7, got.Rank)
		assert.Equal(t, "u", got.Name)
		assert.Equal(t, w.CreatedAt.Unix(), got.CreatedAt.Unix())

		missing, err := r.UpdateByID(ctx, "nope", store.Patch{"rank": 1})
		require.NoError(t, err)
		assert.Nil(t, missing)

		_, err = r.UpdateByID(ctx, w.ID, store.Patch{"id": "x"})
		assert.ErrorIs(t, err, store.ErrValidation)
	})

	t.Run("UpdateRejectsDuplicate", func(t *testing.T) {
		r := newRepo(t)
		_, err := r.Create(ctx, &Widget{Name: "x"})
		require.NoError(t, err)
		y, err := r.Create(ctx, &Widget{Name: "y"})
		require.NoError(t, err)
		_, err = r.UpdateByID(ctx, y.ID, store.Patch{"name": "x"})
		assert.ErrorIs(t, err, store.ErrDuplicate)
	})

	t.Run("UpdateOneIsConditional", func(t *testing.T) {
		r := newRepo(t)
		w, err := r.Create(ctx, &Widget{Name: "cas", State: "live"})
		require.NoError(t, err)

		const workers = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := r.UpdateOne(ctx, store.Where(store.Eq("id", w.ID), store.Eq("state", "live")), store.Patch{"state": "done"})
				if err != nil {
					t.Errorf("UpdateOne: %v", err)
					return
				}
				if res.Modified == 1 {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("UpdateMany", func(t *testing.T) {
		r := newRepo(t)
		for _, n := range []string{"m1", "m2", "m3"} {
			_, err := r.Create(ctx, &Widget{Name: n, Owner: "bulk"})
			require.NoError(t, err)
		}
		res, err := r.UpdateMany(ctx, store.Where(store.Eq("owner", "bulk")), store.Patch{"rank": 9})
		require.NoError(t, err)
		assert.EqualValues(t, 3, res.Matched)
		n, err := r.Count(ctx, store.Where(store.Eq("rank", 9)))
		require.NoError(t, err)
		assert.EqualValues(t, 3, n)
	})

	t.Run("Upsert", func(t *testing.T) {
		r := newRepo(t)
		f := store.Where(store.Eq("name", "up"), store.Eq("owner", "o1"))
		first, err := r.Upsert(ctx, f, store.Patch{"rank": 1})
		require.NoError(t, err)
		require.NotNil(t, first)
		assert.Equal(t, "o1", first.Owner)

		second, err := r.Upsert(ctx, f, store.Patch{"rank": 2})
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, 2, second.Rank)

		n, err := r.Count(ctx, store.Where(store.Eq("name", "up")))
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
	})

	t.Run("CreateManyAllOrNothing", func(t *testing.T) {
		r := newRepo(t)
		_, err := r.Create(ctx, &Widget{Name: "taken"})
		require.NoError(t, err)
		_, err = r.CreateMany(ctx, []*Widget{{Name: "fresh"}, {Name: "taken"}})
		var bwe *store.BulkWriteError
		require.ErrorAs(t, err, &bwe)
		assert.Equal(t, 1, bwe.Index)

		n, err := r.Count(ctx, store.Where(store.Eq("name", "fresh")))
		require.NoError(t, err)
		assert.EqualValues(t, 0, n)

		out, err := r.CreateMany(ctx, []*Widget{{Name: "b1"}, {Name: "b2"}})
		require.NoError(t, err)
		assert.Len(t, out, 2)
	})

	t.Run("HardDelete", func(t *testing.T) {
		r := newRepo(t)
		w, err := r.Create(ctx, &Widget{Name: "del", Owner: "d"})
		require.NoError(t, err)
		_, err = r.Create(ctx, &Widget{Name: "del2", Owner: "d"})
		require.NoError(t, err)

		got, err := r.DeleteByID(ctx, w.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "del", got.Name)

		again, err := r.DeleteByID(ctx, w.ID)
		require.NoError(t, err)
		assert.Nil(t, again)

		n, err := r.DeleteMany(ctx, store.Where(store.Eq("owner", "d")))
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
	})

	t.Run("Distinct", func(t *testing.T) {
		r := newRepo(t)
		for i, o := range []string{"a", "b", "a"} {
			_, err := r.Create(ctx, &Widget{Name: fmt.Sprintf("d%d", i), Owner: o})
			require.NoError(t, err)
		}
		vals, err := r.Distinct(ctx, "owner", store.Where())
		require.NoError(t, err)
		assert.ElementsMatch(t, []any{"a", "b"}, vals)
	})

	t.Run("RejectsBadFieldNames", func(t *testing.T) {
		r := newRepo(t)
		_, err := r.FindMany(ctx, store.Where(store.Eq("name; drop", 1)))
		assert.ErrorIs(t, err, store.ErrValidation)
	})

	t.Run("Ping", func(t *testing.T) {
		r := newRepo(t)
		assert.NoError(t, r.Ping(ctx))
	})
}
