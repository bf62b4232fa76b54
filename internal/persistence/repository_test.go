package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedBoard persists three entries with distinct scores and returns their
// ids ordered best first.
func seedBoard(t *testing.T, w *Writer) []uuid.UUID {
	t.Helper()
	now := time.Now().UTC()
	first, second, third := uuid.New(), uuid.New(), uuid.New()

	require.NoError(t, w.Persist(context.Background(), testEntry(second, "200", 2, now)))
	require.NoError(t, w.Persist(context.Background(), testEntry(first, "300", 1, now)))
	require.NoError(t, w.Persist(context.Background(), testEntry(third, "100", 3, now)))

	return []uuid.UUID{first, second, third}
}

func TestRepositoryTopN(t *testing.T) {
	db := newTestDB(t)
	w := newTestWriter(t, db)
	repo := NewRepository(db, w.log)
	ids := seedBoard(t, w)

	entries, err := repo.TopN(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, ids[0], entries[0].EntityID)
	assert.Equal(t, int64(1), entries[0].Rank)
	assert.Equal(t, "300", entries[0].Score.String())
	assert.Equal(t, ids[1], entries[1].EntityID)
	assert.Equal(t, int64(2), entries[1].Rank)
}

func TestRepositoryTopNIgnoresStoredRanking(t *testing.T) {
	db := newTestDB(t)
	w := newTestWriter(t, db)
	repo := NewRepository(db, w.log)
	seedBoard(t, w)

	// Write-time ranks go stale as later updates reorder the board; reads
	// must derive ranks from position, never from the stored column.
	_, err := db.Conn().Exec(`UPDATE leaderboard SET ranking = 99`)
	require.NoError(t, err)

	entries, err := repo.TopN(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Rank)
	}
}

func TestRepositoryRank(t *testing.T) {
	db := newTestDB(t)
	w := newTestWriter(t, db)
	repo := NewRepository(db, w.log)
	ids := seedBoard(t, w)

	rank, found, err := repo.Rank(context.Background(), ids[2])
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(3), rank)

	_, found, err = repo.Rank(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRepositoryWindow(t *testing.T) {
	db := newTestDB(t)
	w := newTestWriter(t, db)
	repo := NewRepository(db, w.log)
	ids := seedBoard(t, w)

	entries, err := repo.Window(context.Background(), 2, 3)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ids[1], entries[0].EntityID)
	assert.Equal(t, int64(2), entries[0].Rank)
	assert.Equal(t, ids[2], entries[1].EntityID)
	assert.Equal(t, int64(3), entries[1].Rank)

	// Window clamped below rank 1.
	entries, err = repo.Window(context.Background(), -2, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ids[0], entries[0].EntityID)
}

func TestRepositoryRankForOrderingKey(t *testing.T) {
	db := newTestDB(t)
	w := newTestWriter(t, db)
	repo := NewRepository(db, w.log)
	seedBoard(t, w)

	rank, err := repo.RankForOrderingKey(context.Background(), 250)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rank)

	rank, err = repo.RankForOrderingKey(context.Background(), 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rank)
}

func TestRepositoryAllEntries(t *testing.T) {
	db := newTestDB(t)
	w := newTestWriter(t, db)
	repo := NewRepository(db, w.log)
	ids := seedBoard(t, w)

	entries, err := repo.AllEntries(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, ids[0], entries[0].EntityID)
	assert.Equal(t, ids[2], entries[2].EntityID)
}

func TestRepositoryHistory(t *testing.T) {
	db := newTestDB(t)
	w := newTestWriter(t, db)
	repo := NewRepository(db, w.log)
	id := uuid.New()
	now := time.Now().UTC()

	require.NoError(t, w.Persist(context.Background(), testEntry(id, "100", 3, now.Add(-time.Minute))))
	require.NoError(t, w.Persist(context.Background(), testEntry(id, "150", 2, now)))

	snapshots, err := repo.History(context.Background(), id, 10)
	require.NoError(t, err)
	require.Len(t, snapshots, 2)

	// Newest first.
	assert.Equal(t, "150", snapshots[0].Score.String())
	assert.Equal(t, "100", snapshots[1].Score.String())
	assert.Equal(t, id, snapshots[0].EntityID)
}
