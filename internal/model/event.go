package model

import "time"

// CancellationEvent is the immutable audit record written for every cancel
// action, exactly one per idempotency key. MealID is nullable: when the
// referenced meal has been deleted the reference is cleared but the original
// id survives inside Payload.
type CancellationEvent struct {
	ID             string              `json:"id"`
	IdempotencyKey string              `json:"idempotencyKey"`
	MealID         *string             `json:"mealId,omitempty"`
	Payload        CancellationPayload `json:"payload"`
	Reason         string              `json:"reason,omitempty"`
	Noop           bool                `json:"noop"`
	CancelledCount int                 `json:"cancelledCount"`
	CreatedAt      time.Time           `json:"createdAt"`
}

// CancellationPayload captures what the caller asked to cancel and what was
// actually affected.
type CancellationPayload struct {
	RequestedMealID     string   `json:"requestedMealId,omitempty"`
	RequestedPhotoIDs   []string `json:"requestedPhotoIds,omitempty"`
	RequestedHandles    []string `json:"requestedHandles,omitempty"`
	AffectedPhotoIDs    []string `json:"affectedPhotoIds,omitempty"`
	AffectedTaskHandles []string `json:"affectedTaskHandles,omitempty"`
}

// CancelSummary is what the coordinator reports back to the caller. Replayed
// calls with a known idempotency key return the stored summary unchanged.
type CancelSummary struct {
	Noop                bool     `json:"noop"`
	CancelledCount      int      `json:"cancelled_count"`
	AffectedTaskHandles []string `json:"affected_task_handles"`
}
