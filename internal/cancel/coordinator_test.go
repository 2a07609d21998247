package cancel

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mealsnap/mealsnap/internal/logger"
	"github.com/mealsnap/mealsnap/internal/model"
	"github.com/mealsnap/mealsnap/internal/repository"
)

func seedBatch(t *testing.T, store *repository.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateMeal(ctx, &model.Meal{
		ID: "meal-1", OwnerID: "owner-1", Status: model.MealProcessing,
	}))
	for _, id := range []string{"photo-1", "photo-2"} {
		require.NoError(t, store.CreatePhoto(ctx, &model.Photo{
			ID: id, MealID: "meal-1", OwnerID: "owner-1",
			Status: model.PhotoPending, TaskHandle: "task-" + id,
		}))
	}
}

func TestCancelBatch(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore(100)
	seedBatch(t, store)
	c := New(store, logger.NewNop())

	summary := c.Cancel(ctx, Request{IdempotencyKey: "key-1", MealID: "meal-1"})
	assert.False(t, summary.Noop)
	assert.Equal(t, 2, summary.CancelledCount)
	assert.ElementsMatch(t, []string{"task-photo-1", "task-photo-2"}, summary.AffectedTaskHandles)

	meal, err := store.GetMeal(ctx, "meal-1")
	require.NoError(t, err)
	assert.Equal(t, model.MealFailed, meal.Status)
}

func TestCancelReplayReturnsStoredSummary(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore(100)
	seedBatch(t, store)
	c := New(store, logger.NewNop())

	first := c.Cancel(ctx, Request{IdempotencyKey: "key-1", MealID: "meal-1"})
	second := c.Cancel(ctx, Request{IdempotencyKey: "key-1", MealID: "meal-1"})
	assert.Equal(t, first, second)

	// A different key against the now-terminal batch is a fresh noop event.
	third := c.Cancel(ctx, Request{IdempotencyKey: "key-2", MealID: "meal-1"})
	assert.True(t, third.Noop)
	assert.Equal(t, 0, third.CancelledCount)
}

func TestCancelPartialBatch(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore(100)
	seedBatch(t, store)
	c := New(store, logger.NewNop())

	// One photo already succeeded; only the other is cancellable.
	_, err := store.FinalizePhoto(ctx, "photo-1", repository.Finalization{
		Status: model.PhotoSuccess,
		Result: &model.RecognitionResult{Provider: "http"},
	})
	require.NoError(t, err)

	summary := c.Cancel(ctx, Request{IdempotencyKey: "key-1", MealID: "meal-1"})
	assert.Equal(t, 1, summary.CancelledCount)
	assert.Equal(t, []string{"task-photo-2"}, summary.AffectedTaskHandles)

	// The success keeps the meal complete.
	meal, err := store.GetMeal(ctx, "meal-1")
	require.NoError(t, err)
	assert.Equal(t, model.MealComplete, meal.Status)
}

type failingStore struct {
	repository.Store
}

func (failingStore) Cancel(context.Context, repository.CancelRequest) (*model.CancelSummary, error) {
	return nil, errors.New("connection refused")
}

func TestCancelStoreErrorReportsNoop(t *testing.T) {
	c := New(failingStore{}, logger.NewNop())
	summary := c.Cancel(context.Background(), Request{IdempotencyKey: "key-1", MealID: "meal-1"})
	assert.True(t, summary.Noop)
	assert.NotNil(t, summary.AffectedTaskHandles)
	assert.Empty(t, summary.AffectedTaskHandles)
}
