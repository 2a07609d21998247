package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mealsnap/mealsnap/internal/logger"
	"github.com/mealsnap/mealsnap/internal/model"
)

type stubAPI struct {
	mu       sync.Mutex
	submits  []SubmitOptions
	cancels  []CancelRequest
	statusFn func(handle string) (*StatusResponse, error)

	submitted chan string
	cancelled chan struct{}
}

func newStubAPI() *stubAPI {
	return &stubAPI{
		submitted: make(chan string, 16),
		cancelled: make(chan struct{}, 16),
	}
}

func (s *stubAPI) Submit(_ context.Context, _ []byte, opts SubmitOptions) (*SubmitResponse, error) {
	s.mu.Lock()
	s.submits = append(s.submits, opts)
	n := len(s.submits)
	s.mu.Unlock()
	handle := "task-" + string(rune('0'+n))
	s.submitted <- handle
	return &SubmitResponse{
		TaskHandle:  handle,
		AggregateID: "meal-1",
		ChildID:     "photo-" + string(rune('0'+n)),
	}, nil
}

func (s *stubAPI) TaskStatus(_ context.Context, handle string) (*StatusResponse, error) {
	s.mu.Lock()
	fn := s.statusFn
	s.mu.Unlock()
	if fn != nil {
		return fn(handle)
	}
	return &StatusResponse{
		TaskHandle:   handle,
		CoarseState:  model.CoarseSuccess,
		DomainStatus: model.DomainSuccess,
		Result:       &model.RecognitionResult{Provider: "http", Items: []model.FoodItem{{Name: "toast"}}},
	}, nil
}

func (s *stubAPI) Cancel(_ context.Context, req CancelRequest) error {
	s.mu.Lock()
	s.cancels = append(s.cancels, req)
	s.mu.Unlock()
	s.cancelled <- struct{}{}
	return nil
}

func fastOptions() BatchOptions {
	opts := DefaultBatchOptions()
	opts.MealType = "lunch"
	opts.Date = "2026-08-31"
	opts.Poll = PollPolicy{
		InitialInterval: time.Millisecond,
		InitialWindow:   10 * time.Millisecond,
		Factor:          1.5,
		MaxInterval:     5 * time.Millisecond,
		MaxElapsed:      2 * time.Second,
		MaxAttempts:     200,
	}
	return opts
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not finish")
	}
}

func TestOrchestratorBatchSuccess(t *testing.T) {
	api := newStubAPI()
	orch := NewOrchestrator(api, logger.NewNop(), fastOptions())
	orch.Add(testJPEG(t, 100, 100), "eggs")
	orch.Add(testJPEG(t, 100, 100), "")

	waitDone(t, orch.Start(context.Background()))

	photos := orch.Snapshot()
	require.Len(t, photos, 2)
	for _, p := range photos {
		assert.Equal(t, LocalSuccess, p.State)
		require.NotNil(t, p.Result)
		assert.Equal(t, "toast", p.Result.Items[0].Name)
	}
	assert.Equal(t, "meal-1", orch.MealID())

	// The second submission reuses the aggregate the first one opened.
	api.mu.Lock()
	defer api.mu.Unlock()
	require.Len(t, api.submits, 2)
	assert.Empty(t, api.submits[0].MealID)
	assert.Equal(t, "meal-1", api.submits[1].MealID)
}

func TestOrchestratorNonRetryableFailure(t *testing.T) {
	api := newStubAPI()
	api.statusFn = func(handle string) (*StatusResponse, error) {
		return &StatusResponse{
			TaskHandle:   handle,
			CoarseState:  model.CoarseSuccess,
			DomainStatus: model.DomainFailed,
			Error:        &StatusError{Code: "quota_exceeded", Message: "monthly quota exhausted"},
		}, nil
	}
	orch := NewOrchestrator(api, logger.NewNop(), fastOptions())
	id := orch.Add(testJPEG(t, 100, 100), "")

	waitDone(t, orch.Start(context.Background()))

	photos := orch.Snapshot()
	require.Len(t, photos, 1)
	assert.Equal(t, LocalError, photos[0].State)
	require.NotNil(t, photos[0].Err)
	assert.Equal(t, "quota_exceeded", photos[0].Err.Code)
	assert.False(t, photos[0].Err.Retryable)

	// Non-retryable failures refuse a retry.
	assert.False(t, orch.Retry(id))
}

func TestOrchestratorRetryableFailureCanRetry(t *testing.T) {
	api := newStubAPI()
	api.statusFn = func(handle string) (*StatusResponse, error) {
		return &StatusResponse{
			TaskHandle:   handle,
			CoarseState:  model.CoarseFailure,
			DomainStatus: model.DomainFailed,
			Error:        &StatusError{Code: "service_unavailable", Message: "upstream down"},
		}, nil
	}
	orch := NewOrchestrator(api, logger.NewNop(), fastOptions())
	id := orch.Add(testJPEG(t, 100, 100), "")

	waitDone(t, orch.Start(context.Background()))

	photos := orch.Snapshot()
	require.NotNil(t, photos[0].Err)
	assert.True(t, photos[0].Err.Retryable)
	assert.True(t, orch.Retry(id))
	assert.Equal(t, LocalPending, orch.Snapshot()[0].State)
}

func TestOrchestratorCancelMidFlight(t *testing.T) {
	api := newStubAPI()
	// The task never settles, so the batch stays in flight until cancelled.
	api.statusFn = func(handle string) (*StatusResponse, error) {
		return &StatusResponse{
			TaskHandle:   handle,
			CoarseState:  model.CoarseStarted,
			DomainStatus: model.DomainProcessing,
		}, nil
	}
	orch := NewOrchestrator(api, logger.NewNop(), fastOptions())
	orch.Add(testJPEG(t, 100, 100), "")
	orch.Add(testJPEG(t, 100, 100), "")

	done := orch.Start(context.Background())
	var handle string
	select {
	case handle = <-api.submitted:
	case <-time.After(5 * time.Second):
		t.Fatal("first photo never submitted")
	}

	orch.Cancel("changed my mind")
	waitDone(t, done)

	// Cancellation is optimistic: both photos flip locally at once, the
	// second without ever reaching the server.
	for _, p := range orch.Snapshot() {
		assert.Equal(t, LocalCancelled, p.State)
		require.NotNil(t, p.Err)
		assert.Equal(t, "cancelled", p.Err.Code)
		assert.False(t, p.Err.Retryable)
	}

	select {
	case <-api.cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("server cancellation never issued")
	}
	api.mu.Lock()
	cancels := append([]CancelRequest(nil), api.cancels...)
	api.mu.Unlock()
	require.Len(t, cancels, 1)
	assert.NotEmpty(t, cancels[0].IdempotencyKey)
	assert.Equal(t, "meal-1", cancels[0].AggregateID)
	assert.Contains(t, cancels[0].TaskHandles, handle)

	// A late success for the dropped run must not resurrect the photo.
	photos := orch.Snapshot()
	orch.succeed(0, photos[0].ID, &model.RecognitionResult{Provider: "http"})
	assert.Equal(t, LocalCancelled, orch.Snapshot()[0].State)
}

func TestOrchestratorCancelUnblocksPollWait(t *testing.T) {
	api := newStubAPI()
	api.statusFn = func(handle string) (*StatusResponse, error) {
		return &StatusResponse{
			TaskHandle:   handle,
			CoarseState:  model.CoarseStarted,
			DomainStatus: model.DomainProcessing,
		}, nil
	}
	opts := fastOptions()
	// Long waits between polls: Cancel must not have to sit one out.
	opts.Poll.InitialInterval = time.Minute
	opts.Poll.InitialWindow = 10 * time.Minute
	opts.Poll.MaxElapsed = time.Hour

	orch := NewOrchestrator(api, logger.NewNop(), opts)
	orch.Add(testJPEG(t, 100, 100), "")

	done := orch.Start(context.Background())
	select {
	case <-api.submitted:
	case <-time.After(5 * time.Second):
		t.Fatal("photo never submitted")
	}

	start := time.Now()
	orch.Cancel("abort")
	waitDone(t, done)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("cancel took %v to unwind the batch", elapsed)
	}
	assert.Equal(t, LocalCancelled, orch.Snapshot()[0].State)
}

func TestOrchestratorCancelBeforeStartSkipsServer(t *testing.T) {
	api := newStubAPI()
	orch := NewOrchestrator(api, logger.NewNop(), fastOptions())
	orch.Add(testJPEG(t, 100, 100), "")

	orch.Cancel("never mind")

	assert.Equal(t, LocalCancelled, orch.Snapshot()[0].State)
	// Nothing was submitted, so there is nothing to tell the server.
	select {
	case <-api.cancelled:
		t.Fatal("unexpected server cancellation")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOrchestratorEmptyResultIsControlledError(t *testing.T) {
	api := newStubAPI()
	api.statusFn = func(handle string) (*StatusResponse, error) {
		return &StatusResponse{
			TaskHandle:   handle,
			CoarseState:  model.CoarseSuccess,
			DomainStatus: model.DomainSuccess,
			Result:       &model.RecognitionResult{Provider: "http", Items: []model.FoodItem{}},
		}, nil
	}
	orch := NewOrchestrator(api, logger.NewNop(), fastOptions())
	id := orch.Add(testJPEG(t, 100, 100), "")

	waitDone(t, orch.Start(context.Background()))

	p := orch.Snapshot()[0]
	assert.Equal(t, LocalError, p.State)
	require.NotNil(t, p.Err)
	assert.Equal(t, "empty_result", p.Err.Code)
	assert.False(t, p.Err.Retryable)
	assert.False(t, orch.Retry(id))
}

func TestOrchestratorUndecodablePhotoFails(t *testing.T) {
	api := newStubAPI()
	orch := NewOrchestrator(api, logger.NewNop(), fastOptions())
	orch.Add([]byte("garbage"), "")

	waitDone(t, orch.Start(context.Background()))

	p := orch.Snapshot()[0]
	assert.Equal(t, LocalError, p.State)
	require.NotNil(t, p.Err)
	assert.Equal(t, "invalid_image", p.Err.Code)
	assert.False(t, p.Err.Retryable)
}
