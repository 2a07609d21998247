package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mealsnap/mealsnap/internal/logger"
	"github.com/mealsnap/mealsnap/internal/model"
)

// LocalState is the client-side lifecycle of one queued photo.
type LocalState string

const (
	LocalPending     LocalState = "pending"
	LocalCompressing LocalState = "compressing"
	LocalUploading   LocalState = "uploading"
	LocalProcessing  LocalState = "processing"
	LocalSuccess     LocalState = "success"
	LocalError       LocalState = "error"
	LocalCancelled   LocalState = "cancelled"
)

// Terminal reports whether the photo will receive no further transitions.
func (s LocalState) Terminal() bool {
	return s == LocalSuccess || s == LocalError || s == LocalCancelled
}

// PhotoError carries the failure classification the UI switches on. Retryable
// failures get a retry affordance; the rest do not.
type PhotoError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *PhotoError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Error codes that never warrant a retry button.
var nonRetryableCodes = map[string]bool{
	"quota_exceeded": true,
	"invalid_image":  true,
	"not_recognized": true,
	"cancelled":      true,
	"empty_result":   true,
}

// LocalPhoto is one entry in the batch. The orchestrator mutates it under its
// lock; callers read it through Snapshot.
type LocalPhoto struct {
	ID          string
	Data        []byte
	Comment     string
	State       LocalState
	TaskHandle  string
	ChildID     string
	AggregateID string
	Result      *model.RecognitionResult
	Err         *PhotoError
}

// BatchOptions configure one orchestrator run.
type BatchOptions struct {
	MealType   string
	Date       string
	Locale     string
	MaxDim     int
	Quality    int
	Poll       PollPolicy
	CancelWait time.Duration
}

// DefaultBatchOptions returns the tuning the CLI ships with.
func DefaultBatchOptions() BatchOptions {
	return BatchOptions{
		MaxDim:     1280,
		Quality:    82,
		Poll:       DefaultPollPolicy(),
		CancelWait: 5 * time.Second,
	}
}

// Orchestrator pushes a batch of photos through submission and polling, one
// photo in flight at a time. Every mutation is guarded by a run generation:
// Cancel bumps the generation, so continuations belonging to the superseded
// run observe the mismatch and drop their writes instead of resurrecting a
// photo the user already dismissed.
type Orchestrator struct {
	api  API
	log  *logger.Logger
	opts BatchOptions

	mu     sync.Mutex
	run    int64
	stop   context.CancelFunc
	photos []*LocalPhoto
	meal   string
}

// NewOrchestrator builds an Orchestrator over the given API.
func NewOrchestrator(api API, log *logger.Logger, opts BatchOptions) *Orchestrator {
	if opts.MaxDim <= 0 {
		opts.MaxDim = 1280
	}
	if opts.Quality <= 0 {
		opts.Quality = 82
	}
	if opts.Poll.MaxAttempts <= 0 {
		opts.Poll = DefaultPollPolicy()
	}
	return &Orchestrator{api: api, log: log, opts: opts}
}

// Add queues a photo. Returns its local ID.
func (o *Orchestrator) Add(data []byte, comment string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	p := &LocalPhoto{
		ID:      uuid.NewString(),
		Data:    data,
		Comment: comment,
		State:   LocalPending,
	}
	o.photos = append(o.photos, p)
	return p.ID
}

// Snapshot returns a copy of the batch state for display.
func (o *Orchestrator) Snapshot() []LocalPhoto {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]LocalPhoto, len(o.photos))
	for i, p := range o.photos {
		cp := *p
		cp.Data = nil
		out[i] = cp
	}
	return out
}

// MealID returns the server aggregate the batch attached to, once known.
func (o *Orchestrator) MealID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.meal
}

// Start runs the batch on a new goroutine and returns a channel closed when
// every photo reaches a terminal state or the context ends.
func (o *Orchestrator) Start(ctx context.Context) <-chan struct{} {
	ctx, stopRun := context.WithCancel(ctx)
	o.mu.Lock()
	run := o.run
	o.stop = stopRun
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer stopRun()
		o.loop(ctx, run)
	}()
	return done
}

// loop drains the queue sequentially. One photo is in flight at a time so a
// slow recognizer never fans the server out with a burst.
func (o *Orchestrator) loop(ctx context.Context, run int64) {
	for {
		p := o.nextPending(run)
		if p == nil {
			return
		}
		if err := ctx.Err(); err != nil {
			o.fail(run, p.ID, &PhotoError{Code: "client_aborted", Message: err.Error(), Retryable: true})
			continue
		}
		o.processOne(ctx, run, p)
	}
}

// nextPending claims the first pending photo for the given run, marking it
// compressing, or returns nil when the run is stale or the queue is drained.
func (o *Orchestrator) nextPending(run int64) *LocalPhoto {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.run != run {
		return nil
	}
	for _, p := range o.photos {
		if p.State == LocalPending {
			p.State = LocalCompressing
			return p
		}
	}
	return nil
}

func (o *Orchestrator) processOne(ctx context.Context, run int64, p *LocalPhoto) {
	compressed, err := Compress(p.Data, o.opts.MaxDim, o.opts.Quality)
	if err != nil {
		o.fail(run, p.ID, &PhotoError{Code: "invalid_image", Message: err.Error(), Retryable: false})
		return
	}
	if !o.transition(run, p.ID, LocalCompressing, LocalUploading) {
		return
	}

	resp, err := o.api.Submit(ctx, compressed, SubmitOptions{
		Comment:  p.Comment,
		Locale:   o.opts.Locale,
		MealType: o.opts.MealType,
		Date:     o.opts.Date,
		MealID:   o.MealID(),
		PhotoID:  p.ChildID,
	})
	if err != nil {
		o.fail(run, p.ID, &PhotoError{Code: "submit_failed", Message: err.Error(), Retryable: true})
		return
	}

	o.mu.Lock()
	if o.run != run || p.State != LocalUploading {
		o.mu.Unlock()
		return
	}
	p.State = LocalProcessing
	p.TaskHandle = resp.TaskHandle
	p.ChildID = resp.ChildID
	p.AggregateID = resp.AggregateID
	if o.meal == "" {
		o.meal = resp.AggregateID
	}
	o.mu.Unlock()

	o.poll(ctx, run, p.ID, resp.TaskHandle)
}

// poll watches the task until it settles or the policy gives up.
func (o *Orchestrator) poll(ctx context.Context, run int64, photoID, handle string) {
	start := time.Now()
	for attempt := 0; ; attempt++ {
		delay, ok := o.opts.Poll.Next(attempt, time.Since(start))
		if !ok {
			o.fail(run, photoID, &PhotoError{Code: "poll_timeout", Message: "recognition did not finish in time", Retryable: true})
			return
		}
		select {
		case <-ctx.Done():
			o.fail(run, photoID, &PhotoError{Code: "client_aborted", Message: ctx.Err().Error(), Retryable: true})
			return
		case <-time.After(delay):
		}
		if o.stale(run, photoID) {
			return
		}

		st, err := o.api.TaskStatus(ctx, handle)
		if err != nil {
			o.log.Warn("status poll failed", "task_handle", handle, "error", err)
			continue
		}
		switch model.Normalize(st.CoarseState, st.DomainStatus) {
		case model.StateSuccess:
			// Recognized-but-empty is a server success; for the user it means
			// no food was found, which a resubmission of the same image will
			// not change.
			if st.Result == nil || len(st.Result.Items) == 0 {
				o.fail(run, photoID, &PhotoError{Code: "empty_result", Message: "no food items recognized", Retryable: false})
				return
			}
			o.succeed(run, photoID, st.Result)
			return
		case model.StateFailed:
			pe := &PhotoError{Code: "recognition_failed", Message: "recognition failed", Retryable: true}
			if st.Error != nil {
				pe.Code = st.Error.Code
				pe.Message = st.Error.Message
				pe.Retryable = !nonRetryableCodes[st.Error.Code]
			}
			o.fail(run, photoID, pe)
			return
		}
	}
}

// Cancel dismisses the whole batch: every non-terminal photo flips to
// cancelled immediately, then one cancellation call is issued for the server
// side. The call is fire-and-forget; the local state does not wait on it and
// a failure only logs, since the server sweeps orphans on its own.
func (o *Orchestrator) Cancel(reason string) {
	o.mu.Lock()
	o.run++
	stop := o.stop
	o.stop = nil
	meal := o.meal
	var handles []string
	var childIDs []string
	for _, p := range o.photos {
		if p.State.Terminal() {
			continue
		}
		p.State = LocalCancelled
		p.Err = &PhotoError{Code: "cancelled", Message: "cancelled by user", Retryable: false}
		if p.TaskHandle != "" {
			handles = append(handles, p.TaskHandle)
		}
		if p.ChildID != "" {
			childIDs = append(childIDs, p.ChildID)
		}
	}
	o.mu.Unlock()

	// Unblock the run's poll wait right away instead of letting it sleep out
	// the current backoff interval.
	if stop != nil {
		stop()
	}

	if meal == "" && len(handles) == 0 && len(childIDs) == 0 {
		return
	}
	req := CancelRequest{
		IdempotencyKey: uuid.NewString(),
		AggregateID:    meal,
		ChildIDs:       childIDs,
		TaskHandles:    handles,
		Reason:         reason,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), o.opts.CancelWait)
		defer cancel()
		if err := o.api.Cancel(ctx, req); err != nil {
			o.log.Warn("server cancellation failed", "aggregate_id", meal, "error", err)
		}
	}()
}

// Retry re-queues a failed photo under the current run. Only photos whose
// error is retryable accept it.
func (o *Orchestrator) Retry(photoID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range o.photos {
		if p.ID != photoID {
			continue
		}
		if p.State != LocalError || p.Err == nil || !p.Err.Retryable {
			return false
		}
		p.State = LocalPending
		p.Err = nil
		return true
	}
	return false
}

func (o *Orchestrator) stale(run int64, photoID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.run != run {
		return true
	}
	for _, p := range o.photos {
		if p.ID == photoID {
			return p.State.Terminal()
		}
	}
	return true
}

// transition applies from -> to if the run is current and the photo is still
// in the expected state. Returns false when the write was dropped.
func (o *Orchestrator) transition(run int64, photoID string, from, to LocalState) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.run != run {
		return false
	}
	for _, p := range o.photos {
		if p.ID == photoID && p.State == from {
			p.State = to
			return true
		}
	}
	return false
}

func (o *Orchestrator) succeed(run int64, photoID string, result *model.RecognitionResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.run != run {
		return
	}
	for _, p := range o.photos {
		if p.ID == photoID && !p.State.Terminal() {
			p.State = LocalSuccess
			p.Result = result
			p.Err = nil
			return
		}
	}
}

func (o *Orchestrator) fail(run int64, photoID string, pe *PhotoError) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.run != run {
		return
	}
	for _, p := range o.photos {
		if p.ID == photoID && !p.State.Terminal() {
			p.State = LocalError
			p.Err = pe
			return
		}
	}
}
