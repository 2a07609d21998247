package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/mealsnap/mealsnap/internal/logger"
	"github.com/mealsnap/mealsnap/internal/model"
	"github.com/mealsnap/mealsnap/internal/queue"
	"github.com/mealsnap/mealsnap/internal/recognition"
	"github.com/mealsnap/mealsnap/internal/repository"
)

// PhotoFetcher fetches the stored photo bytes for a task.
type PhotoFetcher interface {
	DownloadPhoto(ctx context.Context, objectKey string) ([]byte, error)
}

// Processor is plugged into the asynq worker loop. The recognition call is
// the only long-running step and always happens outside any lock; all writes
// go through the store's single finalize transaction.
type Processor struct {
	store      repository.Store
	files      PhotoFetcher
	recognizer recognition.Recognizer
	log        *logger.Logger
}

// NewProcessor constructs a worker processor.
func NewProcessor(store repository.Store, files PhotoFetcher, recognizer recognition.Recognizer, log *logger.Logger) *Processor {
	return &Processor{
		store:      store,
		files:      files,
		recognizer: recognizer,
		log:        log.With("component", "worker"),
	}
}

// Handler registers the recognize job handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.RecognizePhotoTask, p.HandleRecognize)
	return mux
}

// HandleRecognize processes one photo. Returning an error hands the task
// back to the queue's bounded retry; on the final attempt the photo is
// failed instead so queue exhaustion never strands it in PROCESSING.
func (p *Processor) HandleRecognize(ctx context.Context, task *asynq.Task) error {
	var payload queue.RecognizePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}

	started, err := p.store.MarkPhotoProcessing(ctx, payload.PhotoID)
	if errors.Is(err, repository.ErrNotFound) {
		p.log.Warn("photo gone before processing", "photo_id", payload.PhotoID)
		return nil
	}
	if err != nil {
		return p.transient(ctx, payload.PhotoID, recognition.CodeUnavailable, err)
	}
	if !started {
		photo, err := p.store.GetPhoto(ctx, payload.PhotoID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil
			}
			return p.transient(ctx, payload.PhotoID, recognition.CodeUnavailable, err)
		}
		if photo.Status.Terminal() {
			// Cancelled (or already failed) before we got to it.
			p.log.Info("skipping terminal photo", "photo_id", payload.PhotoID, "status", photo.Status)
			return nil
		}
		// Already PROCESSING: this is a queue retry of our own task.
	}

	image, err := p.files.DownloadPhoto(ctx, payload.ObjectKey)
	if err != nil {
		return p.transient(ctx, payload.PhotoID, recognition.CodeUnavailable, err)
	}

	result, err := p.recognizer.Recognize(ctx, image, recognition.Options{
		Comment: payload.Comment,
		Locale:  payload.Locale,
	})
	if err != nil {
		var rerr *recognition.Error
		if errors.As(err, &rerr) {
			if rerr.Retryable {
				return p.transient(ctx, payload.PhotoID, rerr.Code, rerr)
			}
			return p.finalize(ctx, payload.PhotoID, repository.Finalization{
				Status:       model.PhotoFailed,
				ErrorCode:    rerr.Code,
				ErrorMessage: rerr.Message,
			})
		}
		// Untyped errors (context cancellation, transport teardown) go back
		// to the queue as-is.
		return err
	}

	return p.finalize(ctx, payload.PhotoID, repository.Finalization{
		Status: model.PhotoSuccess,
		Result: result,
	})
}

// transient either re-queues the task or, on the final attempt, fails the
// photo with a retryable code so the client may resubmit.
func (p *Processor) transient(ctx context.Context, photoID, code string, cause error) error {
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	if retried < maxRetry {
		return fmt.Errorf("photo %s: %w", photoID, cause)
	}
	p.log.Warn("retries exhausted, failing photo", "photo_id", photoID, "code", code, "err", cause)
	return p.finalize(ctx, photoID, repository.Finalization{
		Status:       model.PhotoFailed,
		ErrorCode:    code,
		ErrorMessage: cause.Error(),
	})
}

// finalize commits the terminal transition through the store's race-guarded
// transaction. A discarded result (the photo turned terminal while the
// recognizer was running) is logged and never surfaced as an error.
func (p *Processor) finalize(ctx context.Context, photoID string, fin repository.Finalization) error {
	res, err := p.store.FinalizePhoto(ctx, photoID, fin)
	if errors.Is(err, repository.ErrNotFound) {
		p.log.Warn("photo gone before finalize", "photo_id", photoID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("finalize photo %s: %w", photoID, err)
	}
	switch {
	case !res.Applied:
		p.log.Info("result discarded, photo already terminal",
			"photo_id", photoID, "status", res.PhotoStatus)
	case res.QuotaDenied:
		p.log.Info("recognition succeeded but quota exhausted", "photo_id", photoID)
	default:
		p.log.Info("photo finalized",
			"photo_id", photoID, "status", res.PhotoStatus, "meal_status", res.MealStatus)
	}
	return nil
}
