package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/mealsnap/mealsnap/internal/model"
)

const (
	// RecognizePhotoTask is scheduled each time a photo is submitted.
	RecognizePhotoTask = "photo:recognize"
)

// RecognizePayload is serialized into the task payload so the worker knows
// which photo to analyze and which object to download.
type RecognizePayload struct {
	PhotoID   string `json:"photo_id"`
	ObjectKey string `json:"object_key"`
	OwnerID   string `json:"owner_id"`
	Comment   string `json:"comment,omitempty"`
	Locale    string `json:"locale,omitempty"`
}

// EnqueueOptions bound the queue's own retry policy and keep completed tasks
// inspectable for status queries.
type EnqueueOptions struct {
	TaskHandle string
	MaxRetry   int
	Retention  time.Duration
}

// EnqueueRecognize enqueues a photo recognition job under the given task
// handle. Transient recognition failures are retried by the queue within
// MaxRetry; the worker itself never loops.
func EnqueueRecognize(ctx context.Context, client *asynq.Client, payload RecognizePayload, opts EnqueueOptions) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(RecognizePhotoTask, data)
	_, err = client.EnqueueContext(ctx, task,
		asynq.TaskID(opts.TaskHandle),
		asynq.MaxRetry(opts.MaxRetry),
		asynq.Retention(opts.Retention),
	)
	if err != nil {
		return fmt.Errorf("enqueue recognize task: %w", err)
	}
	return nil
}

// CoarseState maps the queue's view of a task onto the coarse state the
// status endpoint reports. photoTerminal covers handles the queue no longer
// knows about: a terminal photo row means the task ran to completion even if
// its queue record has expired.
func CoarseState(inspector *asynq.Inspector, queueName, handle string, photoTerminal bool) model.CoarseState {
	info, err := inspector.GetTaskInfo(queueName, handle)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) && photoTerminal {
			return model.CoarseSuccess
		}
		return model.CoarsePending
	}
	switch info.State {
	case asynq.TaskStateActive, asynq.TaskStateRetry:
		return model.CoarseStarted
	case asynq.TaskStateCompleted:
		return model.CoarseSuccess
	case asynq.TaskStateArchived:
		return model.CoarseFailure
	default:
		return model.CoarsePending
	}
}
