// Package repository wraps all persistence used throughout the API and
// worker. The Store interface exposes the subsystem's atomic units; the
// Postgres implementation runs each one in a single transaction with row
// locks, and the in-memory implementation mirrors the same semantics under a
// mutex for tests.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/mealsnap/mealsnap/internal/model"
)

// ErrNotFound is returned when a meal or photo does not exist.
var ErrNotFound = errors.New("not found")

// Finalization is the terminal transition a worker wants to apply to a photo
// after the recognizer responded.
type Finalization struct {
	Status       model.PhotoStatus // PhotoSuccess or PhotoFailed
	Result       *model.RecognitionResult
	ErrorCode    string
	ErrorMessage string
}

// FinalizeResult reports what the finalize transaction actually did.
type FinalizeResult struct {
	// Applied is false when the photo was already terminal and the result was
	// discarded (the race guard fired).
	Applied bool
	// PhotoStatus is the photo's status after the transaction.
	PhotoStatus model.PhotoStatus
	// QuotaDenied is set when a would-be SUCCESS was converted to FAILED
	// because the owner's usage quota is exhausted.
	QuotaDenied bool
	MealStatus  model.MealStatus
	MealDeleted bool
}

// CancelRequest identifies the photos a cancellation call targets.
type CancelRequest struct {
	IdempotencyKey string
	MealID         string
	PhotoIDs       []string
	TaskHandles    []string
	Reason         string
}

// Store is the persistence surface shared by the API, worker, and
// cancellation coordinator.
type Store interface {
	CreateMeal(ctx context.Context, meal *model.Meal) error
	GetMeal(ctx context.Context, id string) (*model.Meal, error)
	DeleteMealIfChildless(ctx context.Context, id string) (bool, error)
	// FindOpenMeal returns the owner's most recent non-terminal meal created
	// after the cutoff and matching mealType/eatenOn, for grouping-window
	// attachment.
	FindOpenMeal(ctx context.Context, ownerID, mealType, eatenOn string, createdAfter time.Time) (*model.Meal, error)
	ListMeals(ctx context.Context, ownerID string) ([]*model.Meal, error)

	CreatePhoto(ctx context.Context, photo *model.Photo) error
	GetPhoto(ctx context.Context, id string) (*model.Photo, error)
	GetPhotoByHandle(ctx context.Context, handle string) (*model.Photo, error)
	ListMealPhotos(ctx context.Context, mealID string, includeCancelled bool) ([]*model.Photo, error)
	// ResetPhotoForRetry reuses an existing photo row for a resubmission:
	// back to pending with a fresh task handle, previous result cleared.
	ResetPhotoForRetry(ctx context.Context, id, ownerID, objectKey, taskHandle string) (*model.Photo, error)

	// MarkPhotoProcessing transitions pending -> processing. It reports false
	// when the photo is no longer pending (typically already cancelled), in
	// which case the worker must not start recognition.
	MarkPhotoProcessing(ctx context.Context, id string) (bool, error)

	// FinalizePhoto runs the race-guarded read-check-write unit: re-read the
	// photo under a row lock, discard if it reached a terminal state in the
	// meantime, otherwise persist the outcome, count quota usage on SUCCESS,
	// and re-derive the parent meal, all in one transaction.
	FinalizePhoto(ctx context.Context, photoID string, fin Finalization) (*FinalizeResult, error)

	// Cancel transitions every still-non-terminal target to CANCELLED under
	// the same row-lock discipline, finalizes affected meals, and persists
	// the audit event. Replayed keys return the stored summary unchanged.
	Cancel(ctx context.Context, req CancelRequest) (*model.CancelSummary, error)

	// QuotaUsed reports the owner's usage count for the period containing
	// now.
	QuotaUsed(ctx context.Context, ownerID string, now time.Time) (int, error)
}
