//go:build integration

package search

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postmesh/internal/testinfra"
	"postmesh/pkg/migrations"
)

func TestMongoRepository_IndexSearchDelete(t *testing.T) {
	ctx := context.Background()
	db := testinfra.Mongo(t)
	require.NoError(t, migrations.EnsureSearchIndexes(ctx, db, "search_posts"))
	repo := NewRepository(db, "search_posts")

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, repo.Upsert(ctx, IndexedPost{PostID: "p1", UserID: "u1", Content: "golang channels are neat", CreatedAt: now}))
	require.NoError(t, repo.Upsert(ctx, IndexedPost{PostID: "p2", UserID: "u1", Content: "rabbits and carrots", CreatedAt: now.Add(time.Second)}))
	require.NoError(t, repo.Upsert(ctx, IndexedPost{PostID: "p1", UserID: "u1", Content: "redelivered copy", CreatedAt: now}))

	hits, err := repo.Search(ctx, "channels", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "p1", hits[0].PostID)
	assert.Equal(t, "golang channels are neat", hits[0].Content)
	assert.Greater(t, hits[0].Score, 0.0)

	latest, err := repo.Latest(ctx, 10)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "p2", latest[0].PostID)

	n, err := repo.Delete(ctx, "p1", "other")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	n, err = repo.Delete(ctx, "p1", "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = repo.Delete(ctx, "p1", "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
