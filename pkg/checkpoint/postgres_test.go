package checkpoint

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/opgroeien/flowd/pkg/database"
	"github.com/opgroeien/flowd/pkg/models"
)

// newTestStore provisions a PostgreSQL-backed store. In CI with an
// external database (CI_DATABASE_URL set) it connects directly;
// otherwise it spins up a testcontainer.
func newTestStore(t *testing.T) *PostgresStore {
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	ctx := context.Background()

	connStr := os.Getenv("CI_DATABASE_URL")
	if connStr == "" {
		pgContainer, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		require.NoError(t, err)
		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(pgContainer); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})

		connStr, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	db, err := sql.Open("pgx", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, database.RunMigrations(db, "test"))
	return NewPostgresStore(db)
}

func TestPostgresStorePutGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cp := &Checkpoint{
		ThreadID: "t1",
		ID:       "cp-1",
		Step:     0,
		Values: map[string]any{
			models.ChannelMessages: []models.Message{
				models.NewHumanMessage("hello"),
				models.NewAIMessage("hi there"),
			},
			models.ChannelFinalReport: "done",
		},
		NextNodes: []string{"agent"},
		Tasks:     []Task{{RunID: "run-1", Node: "agent"}},
	}
	require.NoError(t, store.Put(ctx, cp))

	loaded, err := store.Get(ctx, "t1", "cp-1")
	require.NoError(t, err)
	assert.Equal(t, cp.Values[models.ChannelMessages], loaded.Values[models.ChannelMessages])
	assert.Equal(t, "done", loaded.Values[models.ChannelFinalReport])
	assert.Equal(t, []string{"agent"}, loaded.NextNodes)
	require.Len(t, loaded.Tasks, 1)
	assert.Equal(t, "run-1", loaded.Tasks[0].RunID)
}

func TestPostgresStoreLeafSelection(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Microsecond)
	for i, id := range []string{"cp-1", "cp-2", "cp-3"} {
		parent := ""
		if i > 0 {
			parent = "cp-" + string(rune('0'+i))
		}
		cp := &Checkpoint{
			ThreadID:  "t1",
			ID:        id,
			ParentID:  parent,
			Step:      i,
			Values:    map[string]any{"step": i},
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, store.Put(ctx, cp))
	}

	latest, err := store.GetLatest(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "cp-3", latest.ID)

	ancestry, err := store.ListAncestry(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, ancestry, 3)
	assert.Equal(t, "cp-1", ancestry[0].ID)
	assert.Equal(t, "cp-3", ancestry[2].ID)
}

func TestPostgresStoreBlobExtraction(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	large := strings.Repeat("procedure text ", 4096)
	cp := &Checkpoint{
		ThreadID: "t1",
		ID:       "cp-1",
		Values: map[string]any{
			"raw_procedures": large,
			"small":          "tiny",
		},
	}
	require.NoError(t, store.Put(ctx, cp))

	var blobCount int
	err := store.db.QueryRowContext(ctx,
		`SELECT count(*) FROM checkpoint_blobs WHERE thread_id = $1`, "t1").Scan(&blobCount)
	require.NoError(t, err)
	assert.Equal(t, 1, blobCount)

	loaded, err := store.GetLatest(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, large, loaded.Values["raw_procedures"])
	assert.Equal(t, "tiny", loaded.Values["small"])
}

func TestPostgresStoreWritesAndDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cp := &Checkpoint{ThreadID: "t1", ID: "cp-1", Values: map[string]any{"x": 1}}
	require.NoError(t, store.Put(ctx, cp))

	writes := []Write{
		{TaskID: "task-1", Index: 0, Channel: "chapters", Value: "## Chapter"},
		{TaskID: "task-1", Index: 1, Channel: "logs", Value: "analyst done"},
	}
	require.NoError(t, store.PutWrites(ctx, "t1", "cp-1", writes))

	// A child checkpoint supersedes the staged writes of its parent.
	child := &Checkpoint{ThreadID: "t1", ID: "cp-2", ParentID: "cp-1", Values: map[string]any{"x": 2}}
	require.NoError(t, store.Put(ctx, child))

	var writeCount int
	err := store.db.QueryRowContext(ctx,
		`SELECT count(*) FROM checkpoint_writes WHERE thread_id = $1`, "t1").Scan(&writeCount)
	require.NoError(t, err)
	assert.Equal(t, 0, writeCount)

	require.NoError(t, store.Delete(ctx, "t1"))
	_, err = store.GetLatest(ctx, "t1")
	assert.ErrorIs(t, err, ErrNotFound)
}
