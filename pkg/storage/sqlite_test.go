package storage_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/emerry-tsun/JMA/pkg/model"
	"github.com/emerry-tsun/JMA/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *storage.SQLite {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := storage.NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// exerciseStorage runs the shared behaviour checks against any backend.
func exerciseStorage(t *testing.T, store storage.Storage) {
	ctx := context.Background()

	t.Run("missing area is empty", func(t *testing.T) {
		st, err := store.GetAreaState(ctx, "999999")
		require.NoError(t, err)
		assert.Equal(t, "999999", st.AreaCode)
		assert.True(t, st.Empty())
		assert.True(t, st.ReportTime.IsZero())
	})

	t.Run("put then get", func(t *testing.T) {
		reported := time.Date(2024, 7, 1, 1, 0, 0, 0, time.UTC)
		st := model.NewAreaState("130010")
		st.ReportTime = reported
		st.Set(model.TierWarning).Add(3)
		st.Set(model.TierAdvisory).Add(14)
		st.Set(model.TierAdvisory).Add(20)
		require.NoError(t, store.PutAreaState(ctx, st))
		assert.False(t, st.UpdatedAt.IsZero())

		got, err := store.GetAreaState(ctx, "130010")
		require.NoError(t, err)
		assert.True(t, got.ReportTime.Equal(reported))
		assert.Equal(t, "14,20", got.Active[model.TierAdvisory].String())
		assert.Equal(t, "03", got.Active[model.TierWarning].String())
		assert.Empty(t, got.Active[model.TierEmergency])
	})

	t.Run("put replaces", func(t *testing.T) {
		st := model.NewAreaState("130010")
		st.ReportTime = time.Date(2024, 7, 1, 2, 0, 0, 0, time.UTC)
		st.Set(model.TierEmergency).Add(33)
		require.NoError(t, store.PutAreaState(ctx, st))

		got, err := store.GetAreaState(ctx, "130010")
		require.NoError(t, err)
		assert.Empty(t, got.Active[model.TierWarning])
		assert.True(t, got.Has(model.TierEmergency, 33))
	})

	t.Run("list and delete", func(t *testing.T) {
		other := model.NewAreaState("011000")
		other.ReportTime = time.Now()
		require.NoError(t, store.PutAreaState(ctx, other))

		states, err := store.ListAreaStates(ctx)
		require.NoError(t, err)
		require.Len(t, states, 2)
		assert.Equal(t, "011000", states[0].AreaCode)
		assert.Equal(t, "130010", states[1].AreaCode)

		require.NoError(t, store.DeleteAreaState(ctx, "011000"))
		assert.Error(t, store.DeleteAreaState(ctx, "011000"))
	})

	t.Run("feed marks", func(t *testing.T) {
		const url = "https://example.com/extra.xml"
		mark, err := store.GetFeedMark(ctx, url)
		require.NoError(t, err)
		assert.True(t, mark.IsZero())

		lm := time.Date(2024, 7, 1, 1, 2, 3, 0, time.UTC)
		require.NoError(t, store.PutFeedMark(ctx, url, lm))
		require.NoError(t, store.PutFeedMark(ctx, url, lm.Add(time.Minute)))

		mark, err = store.GetFeedMark(ctx, url)
		require.NoError(t, err)
		assert.True(t, mark.Equal(lm.Add(time.Minute)))
	})

	t.Run("deliveries", func(t *testing.T) {
		base := time.Now().UTC().Add(-time.Hour)
		for i, d := range []*model.Delivery{
			{RunID: "r1", Account: "tokyo-ww", AreaCode: "130010", Tier: model.TierWarning, Lang: model.LangJA, Text: "a", Attempts: 1, Status: model.DeliverySent},
			{RunID: "r1", Account: "tokyo-ww-en", AreaCode: "130010", Tier: model.TierWarning, Lang: model.LangEN, Text: "b", Attempts: 3, Status: model.DeliveryFailed, Error: "boom"},
			{RunID: "r2", Account: "tokyo-ww", AreaCode: "130010", Tier: model.TierEmergency, Lang: model.LangJA, Text: "c", Attempts: 1, Status: model.DeliverySent},
		} {
			d.CreatedAt = base.Add(time.Duration(i) * time.Minute)
			require.NoError(t, store.RecordDelivery(ctx, d))
			assert.NotEmpty(t, d.ID)
		}

		all, err := store.ListDeliveries(ctx, model.DeliveryFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "c", all[0].Text, "newest first")
		assert.Equal(t, model.TierEmergency, all[0].Tier)

		failed, err := store.ListDeliveries(ctx, model.DeliveryFilter{Status: model.DeliveryFailed})
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, "boom", failed[0].Error)
		assert.Equal(t, model.LangEN, failed[0].Lang)

		byAccount, err := store.ListDeliveries(ctx, model.DeliveryFilter{Account: "tokyo-ww", Limit: 1})
		require.NoError(t, err)
		assert.Len(t, byAccount, 1)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, store.Ping(ctx))
	})
}

func TestSQLite(t *testing.T) {
	exerciseStorage(t, newTestDB(t))
}

func TestSQLite_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "state.db")
	db, err := storage.NewSQLite(dbPath)
	require.NoError(t, err)

	st := model.NewAreaState("130010")
	st.ReportTime = time.Now()
	st.Set(model.TierAdvisory).Add(10)
	require.NoError(t, db.PutAreaState(context.Background(), st))
	require.NoError(t, db.Close())

	db, err = storage.NewSQLite(dbPath)
	require.NoError(t, err)
	defer db.Close()

	got, err := db.GetAreaState(context.Background(), "130010")
	require.NoError(t, err)
	assert.True(t, got.Has(model.TierAdvisory, 10))
}

func TestSQLite_PutRequiresArea(t *testing.T) {
	db := newTestDB(t)
	err := db.PutAreaState(context.Background(), &model.AreaState{})
	assert.Error(t, err)
}
