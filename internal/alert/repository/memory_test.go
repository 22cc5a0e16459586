package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/touristwatch/internal/alert/domain"
	"github.com/example/touristwatch/internal/alert/repository"
)

func TestPendingAndMarkDispatched(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	first, err := repo.Create(ctx, domain.Alert{ID: uuid.New(), Title: "first"})
	require.NoError(t, err)
	second, err := repo.Create(ctx, domain.Alert{ID: uuid.New(), Title: "second"})
	require.NoError(t, err)

	pending, err := repo.Pending(ctx, 1)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, first.ID, pending[0].ID)

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.MarkDispatched(ctx, []uuid.UUID{first.ID}, at))
	pending, err = repo.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, second.ID, pending[0].ID)

	got, err := repo.Get(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, at, *got.DispatchedAt)

	require.ErrorIs(t, repo.MarkDispatched(ctx, []uuid.UUID{uuid.New()}, at), domain.ErrNotFound)
	_, err = repo.Get(ctx, uuid.New())
	require.ErrorIs(t, err, domain.ErrNotFound)
}
