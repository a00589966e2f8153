package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opgroeien/flowd/pkg/models"
)

func newCheckpoint(threadID, id, parentID string, step int) *Checkpoint {
	return &Checkpoint{
		ThreadID: threadID,
		ID:       id,
		ParentID: parentID,
		Step:     step,
		Values: map[string]any{
			models.ChannelMessages: []models.Message{models.NewHumanMessage("hi")},
		},
		CreatedAt: time.Now().Add(time.Duration(step) * time.Millisecond),
	}
}

func TestMemoryStoreLeafResolution(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Put(ctx, newCheckpoint("t1", "cp-1", "", 0)))
	require.NoError(t, store.Put(ctx, newCheckpoint("t1", "cp-2", "cp-1", 1)))
	require.NoError(t, store.Put(ctx, newCheckpoint("t1", "cp-3", "cp-2", 2)))

	latest, err := store.GetLatest(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "cp-3", latest.ID)
	assert.Equal(t, "cp-2", latest.ParentID)
}

func TestMemoryStoreGetAndAncestry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Put(ctx, newCheckpoint("t1", "cp-1", "", 0)))
	require.NoError(t, store.Put(ctx, newCheckpoint("t1", "cp-2", "cp-1", 1)))

	cp, err := store.Get(ctx, "t1", "cp-1")
	require.NoError(t, err)
	assert.Equal(t, "cp-1", cp.ID)

	_, err = store.Get(ctx, "t1", "cp-x")
	assert.ErrorIs(t, err, ErrNotFound)

	ancestry, err := store.ListAncestry(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, ancestry, 2)
	assert.Equal(t, "cp-1", ancestry[0].ID)
	assert.Equal(t, "cp-2", ancestry[1].ID)
}

func TestMemoryStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Put(ctx, newCheckpoint("t1", "cp-1", "", 0)))
	require.NoError(t, store.Delete(ctx, "t1"))

	_, err := store.GetLatest(ctx, "t1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreUnknownThread(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.GetLatest(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.ListAncestry(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreIsolatesStoredState(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	cp := newCheckpoint("t1", "cp-1", "", 0)
	require.NoError(t, store.Put(ctx, cp))

	// Mutating the caller's copy must not leak into the store.
	cp.Values[models.ChannelMessages] = append(
		cp.Values[models.ChannelMessages].([]models.Message),
		models.NewHumanMessage("again"))

	stored, err := store.Get(ctx, "t1", "cp-1")
	require.NoError(t, err)
	assert.Len(t, stored.Values[models.ChannelMessages].([]models.Message), 1)
}

func TestMemoryStoreTasksSurviveRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	cp := newCheckpoint("t1", "cp-1", "", 0)
	cp.NextNodes = []string{"analyst_node"}
	cp.Tasks = []Task{{RunID: "run-1", Node: "analyst_node", Input: models.Cluster{FileID: "f1"}}}
	require.NoError(t, store.Put(ctx, cp))

	stored, err := store.GetLatest(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"analyst_node"}, stored.NextNodes)
	require.Len(t, stored.Tasks, 1)
	assert.Equal(t, "run-1", stored.Tasks[0].RunID)
}
