//go:build integration

package posts

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postmesh/internal/outbox"
	"postmesh/internal/testinfra"
	"postmesh/pkg/errors"
	"postmesh/pkg/models"
)

func TestPostgresRepository_CRUD(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(testinfra.Postgres(t))

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		p := Post{
			ID:        fmt.Sprintf("p%d", i),
			UserID:    "u1",
			Content:   fmt.Sprintf("post %d", i),
			MediaIDs:  []string{fmt.Sprintf("m%d", i)},
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			UpdatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, repo.Create(ctx, p, nil))
	}

	got, err := repo.FindByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, got.MediaIDs)

	list, err := repo.List(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "p2", list[0].ID)
	assert.Equal(t, "p1", list[1].ID)

	total, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)

	_, err = repo.DeleteByOwner(ctx, "p1", "intruder", nil)
	assert.True(t, errors.IsNotFound(err))

	deleted, err := repo.DeleteByOwner(ctx, "p1", "u1", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, deleted.MediaIDs)

	_, err = repo.FindByID(ctx, "p1")
	assert.True(t, errors.IsNotFound(err))
}

func TestPostgresRepository_HookFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(testinfra.Postgres(t))

	err := repo.Create(ctx, Post{ID: "p1", UserID: "u1", Content: "x", CreatedAt: time.Now(), UpdatedAt: time.Now()},
		func(ctx context.Context, exec outbox.Execer, p Post) error {
			return fmt.Errorf("enqueue failed")
		})
	require.Error(t, err)

	_, err = repo.FindByID(ctx, "p1")
	assert.True(t, errors.IsNotFound(err))
}

func TestOutbox_EnqueuedWithPostAndRelayed(t *testing.T) {
	ctx := context.Background()
	db := testinfra.Postgres(t)
	repo := NewRepository(db)
	store := outbox.NewPostgresStore(db)

	msg, err := models.NewEnvelope("post-service", models.RoutingKeyPostCreated, models.PostCreated{PostID: "p1", UserID: "u1"})
	require.NoError(t, err)

	err = repo.Create(ctx, Post{ID: "p1", UserID: "u1", Content: "x", CreatedAt: time.Now(), UpdatedAt: time.Now()},
		func(ctx context.Context, exec outbox.Execer, p Post) error {
			return outbox.Enqueue(ctx, exec, msg)
		})
	require.NoError(t, err)

	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	var relayed []outbox.Event
	n, err := store.ProcessBatch(ctx, 10, func(ctx context.Context, e outbox.Event) error {
		relayed = append(relayed, e)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, relayed, 1)
	assert.Equal(t, msg.ID, relayed[0].Envelope.ID)

	pending, err = store.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)
}
