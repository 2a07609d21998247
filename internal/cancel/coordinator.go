// Package cancel implements the cancellation coordinator. Cancellation is
// fire-and-forget safe: every call reports success to the caller, races with
// worker finalization are settled by the store's row locks, and an audit
// event is written exactly once per idempotency key.
package cancel

import (
	"context"

	"github.com/mealsnap/mealsnap/internal/logger"
	"github.com/mealsnap/mealsnap/internal/model"
	"github.com/mealsnap/mealsnap/internal/repository"
)

// Request is what a client sends to cancel in-flight work. PhotoIDs and
// TaskHandles may overlap; the store deduplicates targets.
type Request struct {
	IdempotencyKey string   `json:"idempotency_key" validate:"required"`
	MealID         string   `json:"aggregate_id,omitempty"`
	PhotoIDs       []string `json:"child_ids,omitempty"`
	TaskHandles    []string `json:"task_handles,omitempty"`
	Reason         string   `json:"reason,omitempty"`
}

// Coordinator accepts idempotent cancellation requests.
type Coordinator struct {
	store repository.Store
	log   *logger.Logger
}

// New constructs a Coordinator.
func New(store repository.Store, log *logger.Logger) *Coordinator {
	return &Coordinator{store: store, log: log.With("component", "cancel")}
}

// Cancel performs (or replays) the cancellation and always returns a
// summary. Whichever of the worker's finalize transaction and this call
// acquires a photo's row lock first wins; the loser's action becomes a no-op
// for that photo. A missing or deleted meal is never an error: the event is
// still recorded with a nulled reference.
func (c *Coordinator) Cancel(ctx context.Context, req Request) *model.CancelSummary {
	summary, err := c.store.Cancel(ctx, repository.CancelRequest{
		IdempotencyKey: req.IdempotencyKey,
		MealID:         req.MealID,
		PhotoIDs:       req.PhotoIDs,
		TaskHandles:    req.TaskHandles,
		Reason:         req.Reason,
	})
	if err != nil {
		c.log.Error("cancellation failed, reporting noop",
			"idempotency_key", req.IdempotencyKey, "err", err)
		return &model.CancelSummary{Noop: true, AffectedTaskHandles: []string{}}
	}
	if summary.AffectedTaskHandles == nil {
		summary.AffectedTaskHandles = []string{}
	}
	c.log.Info("cancellation processed",
		"idempotency_key", req.IdempotencyKey,
		"noop", summary.Noop,
		"cancelled_count", summary.CancelledCount)
	return summary
}
