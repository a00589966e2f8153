package threads

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/opgroeien/flowd/pkg/database"
)

func newTestRegistry(t *testing.T) *Registry {
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
	return NewRegistry(db, nil)
}

func strPtr(s string) *string { return &s }

func TestUpsertAndGet(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, registry.Upsert(ctx, "t1", "an@opgroeien.be", strPtr("Verlofvraag"), strPtr("chat")))

	thread, err := registry.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "an@opgroeien.be", thread.UserID)
	require.NotNil(t, thread.Title)
	assert.Equal(t, "Verlofvraag", *thread.Title)
	require.NotNil(t, thread.Flow)
	assert.Equal(t, "chat", *thread.Flow)
}

func TestUpsertKeepsFirstTitle(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, registry.Upsert(ctx, "t2", "an@opgroeien.be", strPtr("Eerste vraag"), strPtr("chat")))
	require.NoError(t, registry.Upsert(ctx, "t2", "an@opgroeien.be", strPtr("Tweede vraag"), strPtr("report")))

	thread, err := registry.Get(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, "Eerste vraag", *thread.Title)
	assert.Equal(t, "chat", *thread.Flow)
}

func TestUpsertFillsNullTitleLater(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, registry.Upsert(ctx, "t3", "an@opgroeien.be", nil, nil))
	require.NoError(t, registry.Upsert(ctx, "t3", "an@opgroeien.be", strPtr("Late titel"), strPtr("chat")))

	thread, err := registry.Get(ctx, "t3")
	require.NoError(t, err)
	require.NotNil(t, thread.Title)
	assert.Equal(t, "Late titel", *thread.Title)
}

func TestUpsertAdvancesLastAccessed(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, registry.Upsert(ctx, "t4", "an@opgroeien.be", strPtr("A"), strPtr("chat")))
	first, err := registry.Get(ctx, "t4")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, registry.Upsert(ctx, "t4", "an@opgroeien.be", nil, nil))
	second, err := registry.Get(ctx, "t4")
	require.NoError(t, err)

	assert.True(t, second.LastAccessedAt.After(first.LastAccessedAt))
	assert.Equal(t, first.CreatedAt.Unix(), second.CreatedAt.Unix())
}

func TestExists(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()

	ok, err := registry.Exists(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, registry.Upsert(ctx, "t5", "an@opgroeien.be", nil, nil))
	ok, err = registry.Exists(ctx, "t5")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTouchUnknownThread(t *testing.T) {
	registry := newTestRegistry(t)
	assert.ErrorIs(t, registry.Touch(context.Background(), "missing"), ErrNotFound)
}

func TestListForUserOrdersAndFilters(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, registry.Upsert(ctx, "l1", "an@opgroeien.be", strPtr("Oud"), strPtr("chat")))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, registry.Upsert(ctx, "l2", "an@opgroeien.be", strPtr("Nieuw"), strPtr("report")))
	require.NoError(t, registry.Upsert(ctx, "l3", "iemand@anders.be", strPtr("Andere"), strPtr("chat")))

	all, err := registry.ListForUser(ctx, "an@opgroeien.be", nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "l2", all[0].ID)
	assert.Equal(t, "l1", all[1].ID)

	chats, err := registry.ListForUser(ctx, "an@opgroeien.be", strPtr("chat"))
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, "l1", chats[0].ID)
}

func TestDelete(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, registry.Upsert(ctx, "d1", "an@opgroeien.be", nil, nil))
	require.NoError(t, registry.Delete(ctx, "d1"))

	_, err := registry.Get(ctx, "d1")
	assert.ErrorIs(t, err, ErrNotFound)
}
