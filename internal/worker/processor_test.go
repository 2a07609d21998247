package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mealsnap/mealsnap/internal/logger"
	"github.com/mealsnap/mealsnap/internal/model"
	"github.com/mealsnap/mealsnap/internal/queue"
	"github.com/mealsnap/mealsnap/internal/recognition"
	"github.com/mealsnap/mealsnap/internal/repository"
)

type fakeFetcher struct {
	data []byte
	err  error
}

func (f *fakeFetcher) DownloadPhoto(_ context.Context, _ string) ([]byte, error) {
	return f.data, f.err
}

type stubRecognizer struct {
	result *model.RecognitionResult
	err    error
	calls  int
}

func (s *stubRecognizer) Recognize(_ context.Context, _ []byte, _ recognition.Options) (*model.RecognitionResult, error) {
	s.calls++
	return s.result, s.err
}

func recognizeTask(t *testing.T, photoID string) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(queue.RecognizePayload{
		PhotoID:   photoID,
		ObjectKey: "photos/" + photoID,
		OwnerID:   "owner-1",
	})
	require.NoError(t, err)
	return asynq.NewTask(queue.RecognizePhotoTask, payload)
}

func newTestProcessor(store repository.Store, rec recognition.Recognizer) *Processor {
	return NewProcessor(store, &fakeFetcher{data: []byte("jpeg")}, rec, logger.NewNop())
}

func seed(t *testing.T, store *repository.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateMeal(ctx, &model.Meal{
		ID: "meal-1", OwnerID: "owner-1", Status: model.MealProcessing,
	}))
	require.NoError(t, store.CreatePhoto(ctx, &model.Photo{
		ID: "photo-1", MealID: "meal-1", OwnerID: "owner-1",
		Status: model.PhotoPending, TaskHandle: "task-1", ObjectKey: "photos/photo-1",
	}))
}

func TestHandleRecognizeSuccess(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore(100)
	seed(t, store)
	rec := &stubRecognizer{result: &model.RecognitionResult{
		Provider: "http",
		Items:    []model.FoodItem{{Name: "salad", Calories: 120}},
	}}
	p := newTestProcessor(store, rec)

	require.NoError(t, p.HandleRecognize(ctx, recognizeTask(t, "photo-1")))

	photo, err := store.GetPhoto(ctx, "photo-1")
	require.NoError(t, err)
	assert.Equal(t, model.PhotoSuccess, photo.Status)
	require.NotNil(t, photo.Result)
	assert.Equal(t, "salad", photo.Result.Items[0].Name)

	meal, err := store.GetMeal(ctx, "meal-1")
	require.NoError(t, err)
	assert.Equal(t, model.MealComplete, meal.Status)
}

func TestHandleRecognizeEmptyItemsIsSuccess(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore(100)
	seed(t, store)
	rec := &stubRecognizer{result: &model.RecognitionResult{Provider: "http", Items: []model.FoodItem{}}}
	p := newTestProcessor(store, rec)

	require.NoError(t, p.HandleRecognize(ctx, recognizeTask(t, "photo-1")))

	photo, err := store.GetPhoto(ctx, "photo-1")
	require.NoError(t, err)
	assert.Equal(t, model.PhotoSuccess, photo.Status)
	require.NotNil(t, photo.Result)
	assert.Empty(t, photo.Result.Items)
}

func TestHandleRecognizeSkipsCancelledPhoto(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore(100)
	seed(t, store)
	_, err := store.Cancel(ctx, repository.CancelRequest{IdempotencyKey: "k", MealID: "meal-1"})
	require.NoError(t, err)

	rec := &stubRecognizer{result: &model.RecognitionResult{Provider: "http"}}
	p := newTestProcessor(store, rec)

	// The task completes without error and without touching the recognizer.
	require.NoError(t, p.HandleRecognize(ctx, recognizeTask(t, "photo-1")))
	assert.Zero(t, rec.calls)

	photo, err := store.GetPhoto(ctx, "photo-1")
	require.NoError(t, err)
	assert.Equal(t, model.PhotoCancelled, photo.Status)
}

func TestHandleRecognizeNonRetryableFailure(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore(100)
	seed(t, store)
	rec := &stubRecognizer{err: &recognition.Error{
		Code: recognition.CodeInvalidImage, Message: "not an image",
	}}
	p := newTestProcessor(store, rec)

	require.NoError(t, p.HandleRecognize(ctx, recognizeTask(t, "photo-1")))

	photo, err := store.GetPhoto(ctx, "photo-1")
	require.NoError(t, err)
	assert.Equal(t, model.PhotoFailed, photo.Status)
	assert.Equal(t, recognition.CodeInvalidImage, photo.ErrorCode)

	meal, err := store.GetMeal(ctx, "meal-1")
	require.NoError(t, err)
	assert.Equal(t, model.MealFailed, meal.Status)
}

func TestHandleRecognizeRetryableFailsOnLastAttempt(t *testing.T) {
	// Outside the queue the retry counters read as exhausted, so a retryable
	// error must fail the photo with its code instead of stranding it.
	ctx := context.Background()
	store := repository.NewMemoryStore(100)
	seed(t, store)
	rec := &stubRecognizer{err: &recognition.Error{
		Code: recognition.CodeUnavailable, Message: "upstream down", Retryable: true,
	}}
	p := newTestProcessor(store, rec)

	require.NoError(t, p.HandleRecognize(ctx, recognizeTask(t, "photo-1")))

	photo, err := store.GetPhoto(ctx, "photo-1")
	require.NoError(t, err)
	assert.Equal(t, model.PhotoFailed, photo.Status)
	assert.Equal(t, recognition.CodeUnavailable, photo.ErrorCode)
}

func TestHandleRecognizeUntypedErrorRequeues(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore(100)
	seed(t, store)
	boom := errors.New("connection reset")
	rec := &stubRecognizer{err: boom}
	p := newTestProcessor(store, rec)

	err := p.HandleRecognize(ctx, recognizeTask(t, "photo-1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	// The photo stays in processing for the queue retry to pick up.
	photo, err := store.GetPhoto(ctx, "photo-1")
	require.NoError(t, err)
	assert.Equal(t, model.PhotoProcessing, photo.Status)
}

func TestHandleRecognizeMissingPhoto(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore(100)
	p := newTestProcessor(store, &stubRecognizer{})
	require.NoError(t, p.HandleRecognize(ctx, recognizeTask(t, "ghost")))
}

func TestHandleRecognizeBadPayload(t *testing.T) {
	store := repository.NewMemoryStore(100)
	p := newTestProcessor(store, &stubRecognizer{})
	err := p.HandleRecognize(context.Background(), asynq.NewTask(queue.RecognizePhotoTask, []byte("{")))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleRecognizeLateResultDiscarded(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore(100)
	seed(t, store)

	// The photo is claimed, then cancelled while recognition is in flight.
	started, err := store.MarkPhotoProcessing(ctx, "photo-1")
	require.NoError(t, err)
	require.True(t, started)
	_, err = store.Cancel(ctx, repository.CancelRequest{IdempotencyKey: "k", PhotoIDs: []string{"photo-1"}})
	require.NoError(t, err)

	p := newTestProcessor(store, &stubRecognizer{})
	require.NoError(t, p.finalize(ctx, "photo-1", repository.Finalization{
		Status: model.PhotoSuccess,
		Result: &model.RecognitionResult{Provider: "http"},
	}))

	photo, err := store.GetPhoto(ctx, "photo-1")
	require.NoError(t, err)
	assert.Equal(t, model.PhotoCancelled, photo.Status)
	assert.Nil(t, photo.Result)
}
