package database

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leca/schemhost/internal/model"
)

// newStoreFunc returns a freshly initialised, empty store.
type newStoreFunc func(t *testing.T, opts ...Option) Database

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testRecord(n int) *model.Schematic {
	return &model.Schematic{
		DownloadKey: fmt.Sprintf("%032x", 0xd0000+n),
		DeleteKey:   fmt.Sprintf("%032x", 0xe0000+n),
		FileName:    fmt.Sprintf("castle-%d.schematic", n),
		Uploader:    model.StringPtr("builder"),
		SchemType:   model.StringPtr("worldedit"),
		Pos1:        model.StringPtr("0,64,0"),
		Pos2:        model.StringPtr("15,80,15"),
	}
}

// runStoreSuite checks the record store contract against any backend.
func runStoreSuite(t *testing.T, newStore newStoreFunc) {
	ctx := context.Background()

	t.Run("StoreAndLookup", func(t *testing.T) {
		clock := newTestClock()
		db := newStore(t, WithClock(clock.Now))

		stored, err := db.StoreRecord(ctx, testRecord(1))
		require.NoError(t, err)
		assert.NotZero(t, stored.ID)
		assert.Equal(t, clock.Now(), stored.LastAccessed)
		assert.Nil(t, stored.Expired)

		byDownload, err := db.GetByDownloadKey(ctx, stored.DownloadKey)
		require.NoError(t, err)
		assert.Equal(t, stored, byDownload)

		byDelete, err := db.GetByDeleteKey(ctx, stored.DeleteKey)
		require.NoError(t, err)
		assert.Equal(t, stored, byDelete)
	})

	t.Run("StoreOptionalFieldsNil", func(t *testing.T) {
		db := newStore(t)

		rec := &model.Schematic{
			DownloadKey: NewKey(),
			DeleteKey:   NewKey(),
			FileName:    "bare.schem",
		}
		stored, err := db.StoreRecord(ctx, rec)
		require.NoError(t, err)

		got, err := db.GetByDownloadKey(ctx, rec.DownloadKey)
		require.NoError(t, err)
		assert.Equal(t, stored.ID, got.ID)
		assert.Nil(t, got.Uploader)
		assert.Nil(t, got.SchemType)
		assert.Nil(t, got.Pos1)
		assert.Nil(t, got.Pos2)
	})

	t.Run("StoreDoesNotMutateInput", func(t *testing.T) {
		db := newStore(t)

		rec := testRecord(1)
		_, err := db.StoreRecord(ctx, rec)
		require.NoError(t, err)
		assert.Zero(t, rec.ID)
		assert.True(t, rec.LastAccessed.IsZero())
	})

	t.Run("StoreDuplicateKeyConflicts", func(t *testing.T) {
		db := newStore(t)

		_, err := db.StoreRecord(ctx, testRecord(1))
		require.NoError(t, err)

		dup := testRecord(2)
		dup.DownloadKey = testRecord(1).DownloadKey
		_, err = db.StoreRecord(ctx, dup)
		require.Error(t, err)
		assert.True(t, IsConflict(err))
	})

	t.Run("LookupUnknownKey", func(t *testing.T) {
		db := newStore(t)

		_, err := db.GetByDownloadKey(ctx, NewKey())
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = db.GetByDeleteKey(ctx, NewKey())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ListOrderedByID", func(t *testing.T) {
		db := newStore(t)

		all, err := db.ListRecords(ctx)
		require.NoError(t, err)
		assert.NotNil(t, all)
		assert.Empty(t, all)

		for i := 1; i <= 3; i++ {
			_, err := db.StoreRecord(ctx, testRecord(i))
			require.NoError(t, err)
		}

		all, err = db.ListRecords(ctx)
		require.NoError(t, err)
		require.Len(t, all, 3)
		for i := 1; i < len(all); i++ {
			assert.Less(t, all[i-1].ID, all[i].ID)
		}
	})

	t.Run("ExpireRecord", func(t *testing.T) {
		clock := newTestClock()
		db := newStore(t, WithClock(clock.Now))

		a, err := db.StoreRecord(ctx, testRecord(1))
		require.NoError(t, err)
		b, err := db.StoreRecord(ctx, testRecord(2))
		require.NoError(t, err)

		clock.Advance(time.Minute)
		require.NoError(t, db.ExpireRecord(ctx, a.ID))

		active, err := db.ListUnexpiredRecords(ctx)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, b.ID, active[0].ID)

		all, err := db.ListRecords(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		got, err := db.GetByDownloadKey(ctx, a.DownloadKey)
		require.NoError(t, err)
		require.NotNil(t, got.Expired)
		assert.Equal(t, clock.Now(), *got.Expired)
	})

	t.Run("ExpireRecordIsTerminal", func(t *testing.T) {
		clock := newTestClock()
		db := newStore(t, WithClock(clock.Now))

		rec, err := db.StoreRecord(ctx, testRecord(1))
		require.NoError(t, err)
		require.NoError(t, db.ExpireRecord(ctx, rec.ID))
		first := clock.Now()

		clock.Advance(time.Hour)
		require.NoError(t, db.ExpireRecord(ctx, rec.ID))

		got, err := db.GetByDeleteKey(ctx, rec.DeleteKey)
		require.NoError(t, err)
		require.NotNil(t, got.Expired)
		assert.Equal(t, first, *got.Expired)
	})

	t.Run("ExpireUnknownID", func(t *testing.T) {
		db := newStore(t)

		rec, err := db.StoreRecord(ctx, testRecord(1))
		require.NoError(t, err)

		err = db.ExpireRecord(ctx, rec.ID+1000)
		assert.ErrorIs(t, err, ErrNotFound)

		all, err := db.ListRecords(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, rec, all[0])
	})

	t.Run("SweepEmpty", func(t *testing.T) {
		clock := newTestClock()
		db := newStore(t, WithClock(clock.Now))

		expired, err := db.ExpireRecordsOlderThan(ctx, time.Hour)
		require.NoError(t, err)
		assert.NotNil(t, expired)
		assert.Empty(t, expired)

		rec, err := db.StoreRecord(ctx, testRecord(1))
		require.NoError(t, err)

		expired, err = db.ExpireRecordsOlderThan(ctx, time.Hour)
		require.NoError(t, err)
		assert.Empty(t, expired)

		got, err := db.GetByDownloadKey(ctx, rec.DownloadKey)
		require.NoError(t, err)
		assert.Equal(t, rec, got)
	})

	t.Run("SweepStraddlingCutoff", func(t *testing.T) {
		clock := newTestClock()
		db := newStore(t, WithClock(clock.Now))

		old, err := db.StoreRecord(ctx, testRecord(1))
		require.NoError(t, err)

		clock.Advance(2 * time.Hour)
		fresh, err := db.StoreRecord(ctx, testRecord(2))
		require.NoError(t, err)

		clock.Advance(30 * time.Minute)
		expired, err := db.ExpireRecordsOlderThan(ctx, time.Hour)
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, old.ID, expired[0].ID)
		require.NotNil(t, expired[0].Expired)
		assert.Equal(t, clock.Now(), *expired[0].Expired)

		active, err := db.ListUnexpiredRecords(ctx)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, fresh.ID, active[0].ID)
	})

	t.Run("SweepCutoffInclusive", func(t *testing.T) {
		clock := newTestClock()
		db := newStore(t, WithClock(clock.Now))

		rec, err := db.StoreRecord(ctx, testRecord(1))
		require.NoError(t, err)

		clock.Advance(time.Hour)
		expired, err := db.ExpireRecordsOlderThan(ctx, time.Hour)
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, rec.ID, expired[0].ID)
	})

	t.Run("SweepSkipsAlreadyExpired", func(t *testing.T) {
		clock := newTestClock()
		db := newStore(t, WithClock(clock.Now))

		rec, err := db.StoreRecord(ctx, testRecord(1))
		require.NoError(t, err)
		require.NoError(t, db.ExpireRecord(ctx, rec.ID))
		first := clock.Now()

		clock.Advance(48 * time.Hour)
		expired, err := db.ExpireRecordsOlderThan(ctx, time.Hour)
		require.NoError(t, err)
		assert.Empty(t, expired)

		got, err := db.GetByDownloadKey(ctx, rec.DownloadKey)
		require.NoError(t, err)
		require.NotNil(t, got.Expired)
		assert.Equal(t, first, *got.Expired)
	})

	t.Run("SweepRejectsNegativeAge", func(t *testing.T) {
		clock := newTestClock()
		db := newStore(t, WithClock(clock.Now))

		rec, err := db.StoreRecord(ctx, testRecord(1))
		require.NoError(t, err)

		_, err = db.ExpireRecordsOlderThan(ctx, -time.Hour)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNegativeAge)

		got, err := db.GetByDownloadKey(ctx, rec.DownloadKey)
		require.NoError(t, err)
		assert.Nil(t, got.Expired)
	})

	t.Run("GenerateKeys", func(t *testing.T) {
		db := newStore(t)

		for i := 0; i < 10; i++ {
			download, err := db.GenerateDownloadKey(ctx, 5)
			require.NoError(t, err)
			assert.True(t, ValidKey(download), "download key %q", download)

			del, err := db.GenerateDeletionKey(ctx, 5)
			require.NoError(t, err)
			assert.True(t, ValidKey(del), "delete key %q", del)

			_, err = db.StoreRecord(ctx, &model.Schematic{
				DownloadKey: download,
				DeleteKey:   del,
				FileName:    "gen.schem",
			})
			require.NoError(t, err)
		}
	})

	t.Run("GenerateKeySkipsCollision", func(t *testing.T) {
		taken := testRecord(1)
		fresh := fmt.Sprintf("%032x", 0xabc)
		candidates := []string{taken.DownloadKey, taken.DownloadKey, fresh}
		var mu sync.Mutex
		source := func() string {
			mu.Lock()
			defer mu.Unlock()
			k := candidates[0]
			if len(candidates) > 1 {
				candidates = candidates[1:]
			}
			return k
		}
		db := newStore(t, WithKeySource(source))

		_, err := db.StoreRecord(ctx, taken)
		require.NoError(t, err)

		key, err := db.GenerateDownloadKey(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, fresh, key)
	})

	t.Run("GenerateKeyExhausted", func(t *testing.T) {
		taken := testRecord(1)
		calls := 0
		var mu sync.Mutex
		db := newStore(t, WithKeySource(func() string {
			mu.Lock()
			calls++
			mu.Unlock()
			return taken.DeleteKey
		}))

		_, err := db.StoreRecord(ctx, taken)
		require.NoError(t, err)

		_, err = db.GenerateDeletionKey(ctx, 4)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrKeyGenerationExhausted)
		assert.Equal(t, 4, calls)

		// The same key is free in the other column.
		key, err := db.GenerateDownloadKey(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, taken.DeleteKey, key)
	})

	t.Run("InitIdempotent", func(t *testing.T) {
		db := newStore(t)

		_, err := db.StoreRecord(ctx, testRecord(1))
		require.NoError(t, err)
		require.NoError(t, db.Init(ctx))

		all, err := db.ListRecords(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("Ping", func(t *testing.T) {
		db := newStore(t)
		assert.NoError(t, db.Ping(ctx))
	})
}
