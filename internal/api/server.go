// Package api exposes the HTTP endpoints for photo submission, task status,
// meal visibility, and cancellation.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/mealsnap/mealsnap/internal/cancel"
	"github.com/mealsnap/mealsnap/internal/config"
	"github.com/mealsnap/mealsnap/internal/logger"
	"github.com/mealsnap/mealsnap/internal/model"
	"github.com/mealsnap/mealsnap/internal/queue"
	"github.com/mealsnap/mealsnap/internal/repository"
	"github.com/mealsnap/mealsnap/internal/s3storage"
	"github.com/mealsnap/mealsnap/internal/signing"
)

const defaultQueue = "default"

// Server exposes HTTP endpoints for uploads, status polling, meals, and
// cancellation.
type Server struct {
	cfg         *config.Config
	store       repository.Store
	files       *s3storage.Storage
	queue       *asynq.Client
	inspector   *asynq.Inspector
	coordinator *cancel.Coordinator
	signer      *signing.Signer
	limiter     *RateLimiter
	validate    *validator.Validate
	log         *logger.Logger
	server      *http.Server
	once        sync.Once
}

// New constructs a Server.
func New(cfg *config.Config, store repository.Store, files *s3storage.Storage,
	queueClient *asynq.Client, inspector *asynq.Inspector,
	coordinator *cancel.Coordinator, signer *signing.Signer,
	limiter *RateLimiter, log *logger.Logger) *Server {
	return &Server{
		cfg:         cfg,
		store:       store,
		files:       files,
		queue:       queueClient,
		inspector:   inspector,
		coordinator: coordinator,
		signer:      signer,
		limiter:     limiter,
		validate:    validator.New(),
		log:         log.With("component", "api"),
	}
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", s.handleHealth)
		mux.HandleFunc("/photos", s.handlePhotos)
		mux.HandleFunc("/photos/", s.handlePhotoRoute)
		mux.HandleFunc("/tasks/", s.handleTaskStatus)
		mux.HandleFunc("/meals", s.handleMeals)
		mux.HandleFunc("/meals/", s.handleMeal)
		mux.HandleFunc("/cancellations", s.handleCancellations)
		mux.HandleFunc("/quota", s.handleQuota)
		s.server = &http.Server{
			Addr:    s.cfg.Address,
			Handler: corsMiddleware(s.loggingMiddleware(mux)),
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.log.Info("api listening", "addr", s.cfg.Address)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitContext struct {
	OwnerID  string `validate:"required"`
	Comment  string `validate:"max=500"`
	Locale   string `validate:"omitempty,bcp47_language_tag"`
	MealType string `validate:"omitempty,oneof=breakfast lunch dinner snack"`
	EatenOn  string `validate:"omitempty,datetime=2006-01-02"`
	MealID   string
	PhotoID  string
}

func (s *Server) handlePhotos(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.handleSubmit(w, r)
}

// handleSubmit accepts a photo upload plus its context, attaches it to a
// meal, enqueues the recognition task, and returns immediately with the task
// handle. Completion is always observed through the status endpoint.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+4096)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		http.Error(w, "expecting multipart form", http.StatusBadRequest)
		return
	}
	sub := submitContext{
		OwnerID:  r.Header.Get("X-Owner-ID"),
		Comment:  r.FormValue("comment"),
		Locale:   r.FormValue("locale"),
		MealType: r.FormValue("meal_type"),
		EatenOn:  r.FormValue("date"),
		MealID:   r.FormValue("aggregate_id"),
		PhotoID:  r.FormValue("child_id"),
	}
	if err := s.validate.Struct(sub); err != nil {
		http.Error(w, fmt.Sprintf("invalid submission: %v", err), http.StatusBadRequest)
		return
	}
	if !s.limiter.Allow(ctx, sub.OwnerID) {
		http.Error(w, "submission rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	image, contentType, err := readUpload(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	meal, created, err := s.resolveTarget(ctx, sub)
	if err != nil {
		s.log.Error("resolve meal failed", "err", err)
		http.Error(w, "failed to create meal", http.StatusInternalServerError)
		return
	}

	photoID := sub.PhotoID
	if photoID == "" {
		photoID = uuid.NewString()
	}
	taskHandle := uuid.NewString()
	objectKey := fmt.Sprintf("photos/%s/%s.jpg", meal.ID, photoID)

	if err := s.files.UploadPhoto(ctx, objectKey, image, contentType); err != nil {
		s.log.Error("upload to storage failed", "err", err)
		s.cleanupMeal(ctx, meal.ID, created)
		http.Error(w, "failed to store photo", http.StatusInternalServerError)
		return
	}

	if sub.PhotoID != "" {
		// Retry path: reuse the existing row instead of creating a duplicate.
		_, err = s.store.ResetPhotoForRetry(ctx, sub.PhotoID, sub.OwnerID, objectKey, taskHandle)
		if errors.Is(err, repository.ErrNotFound) {
			err = s.createPhoto(ctx, photoID, meal.ID, sub, objectKey, taskHandle)
		}
	} else {
		err = s.createPhoto(ctx, photoID, meal.ID, sub, objectKey, taskHandle)
	}
	if err != nil {
		s.log.Error("persist photo failed", "err", err)
		s.cleanupMeal(ctx, meal.ID, created)
		http.Error(w, "failed to store metadata", http.StatusInternalServerError)
		return
	}

	payload := queue.RecognizePayload{
		PhotoID:   photoID,
		ObjectKey: objectKey,
		OwnerID:   sub.OwnerID,
		Comment:   sub.Comment,
		Locale:    sub.Locale,
	}
	opts := queue.EnqueueOptions{
		TaskHandle: taskHandle,
		MaxRetry:   s.cfg.TaskMaxRetry,
		Retention:  s.cfg.TaskRetention,
	}
	if err := queue.EnqueueRecognize(ctx, s.queue, payload, opts); err != nil {
		s.log.Error("enqueue failed", "err", err)
		http.Error(w, "failed to queue job", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{
		"task_handle":  taskHandle,
		"aggregate_id": meal.ID,
		"child_id":     photoID,
	})
}

func (s *Server) createPhoto(ctx context.Context, photoID, mealID string, sub submitContext, objectKey, taskHandle string) error {
	return s.store.CreatePhoto(ctx, &model.Photo{
		ID:         photoID,
		MealID:     mealID,
		OwnerID:    sub.OwnerID,
		Status:     model.PhotoPending,
		TaskHandle: taskHandle,
		ObjectKey:  objectKey,
		Comment:    sub.Comment,
		Locale:     sub.Locale,
	})
}

// resolveTarget picks the meal a submission attaches to. A retry naming an
// existing photo stays on that photo's meal even when the caller omitted the
// meal id or the grouping window has closed; otherwise a row reused by
// ResetPhotoForRetry would keep its old meal while a fresh childless meal
// lingers in listings.
func (s *Server) resolveTarget(ctx context.Context, sub submitContext) (*model.Meal, bool, error) {
	if sub.PhotoID != "" {
		photo, err := s.store.GetPhoto(ctx, sub.PhotoID)
		switch {
		case err == nil && photo.OwnerID == sub.OwnerID:
			meal, err := s.store.GetMeal(ctx, photo.MealID)
			if err == nil {
				return meal, false, nil
			}
			if !errors.Is(err, repository.ErrNotFound) {
				return nil, false, err
			}
		case err != nil && !errors.Is(err, repository.ErrNotFound):
			return nil, false, err
		}
	}
	return s.resolveMeal(ctx, sub)
}

// resolveMeal attaches to the supplied meal when the caller owns it, falls
// back to the grouping window, and otherwise starts a new meal.
func (s *Server) resolveMeal(ctx context.Context, sub submitContext) (meal *model.Meal, created bool, err error) {
	if sub.MealID != "" {
		meal, err := s.store.GetMeal(ctx, sub.MealID)
		if err == nil && meal.OwnerID == sub.OwnerID {
			return meal, false, nil
		}
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, false, err
		}
	}
	cutoff := time.Now().UTC().Add(-s.cfg.GroupWindow)
	meal, err = s.store.FindOpenMeal(ctx, sub.OwnerID, sub.MealType, sub.EatenOn, cutoff)
	if err == nil {
		return meal, false, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, err
	}
	meal = &model.Meal{
		ID:       uuid.NewString(),
		OwnerID:  sub.OwnerID,
		Status:   model.MealDraft,
		MealType: sub.MealType,
		EatenOn:  sub.EatenOn,
	}
	if err := s.store.CreateMeal(ctx, meal); err != nil {
		return nil, false, err
	}
	return meal, true, nil
}

// cleanupMeal removes a meal we just created if the submission failed before
// any photo attached; a meal must never end up visible with zero children.
func (s *Server) cleanupMeal(ctx context.Context, mealID string, created bool) {
	if !created {
		return
	}
	if _, err := s.store.DeleteMealIfChildless(ctx, mealID); err != nil {
		s.log.Warn("cleanup meal failed", "meal_id", mealID, "err", err)
	}
}

// handleTaskStatus reports both the coarse queue state and the photo's
// domain status; the two may transiently disagree and clients normalize them
// into a single value.
func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	handle := strings.TrimPrefix(r.URL.Path, "/tasks/")
	if handle == "" || strings.Contains(handle, "/") {
		http.NotFound(w, r)
		return
	}
	photo, err := s.store.GetPhotoByHandle(r.Context(), handle)
	if err != nil {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	resp := map[string]any{
		"task_handle":   handle,
		"coarse_state":  queue.CoarseState(s.inspector, defaultQueue, handle, photo.Status.Terminal()),
		"domain_status": domainStatus(photo.Status),
	}
	if photo.Result != nil {
		resp["result"] = photo.Result
	}
	if photo.ErrorCode != "" {
		resp["error"] = map[string]string{
			"code":    photo.ErrorCode,
			"message": photo.ErrorMessage,
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func domainStatus(st model.PhotoStatus) string {
	switch st {
	case model.PhotoSuccess:
		return model.DomainSuccess
	case model.PhotoFailed, model.PhotoCancelled:
		return model.DomainFailed
	default:
		return model.DomainProcessing
	}
}

// handleCancellations always answers 200: cancellation is fire-and-forget
// safe from the client's perspective.
func (s *Server) handleCancellations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cancel.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		http.Error(w, "idempotency_key required", http.StatusBadRequest)
		return
	}
	summary := s.coordinator.Cancel(r.Context(), req)
	respondJSON(w, http.StatusOK, summary)
}

// handleQuota lets clients show remaining recognitions before the user runs
// into a hard quota failure mid-batch.
func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	owner := r.Header.Get("X-Owner-ID")
	if owner == "" {
		http.Error(w, "missing owner", http.StatusBadRequest)
		return
	}
	used, err := s.store.QuotaUsed(r.Context(), owner, time.Now())
	if err != nil {
		s.log.Error("quota lookup failed", "err", err)
		http.Error(w, "failed to read quota", http.StatusInternalServerError)
		return
	}
	remaining := s.cfg.QuotaMonthlyLimit - used
	if remaining < 0 {
		remaining = 0
	}
	respondJSON(w, http.StatusOK, map[string]int{
		"limit":     s.cfg.QuotaMonthlyLimit,
		"used":      used,
		"remaining": remaining,
	})
}

func (s *Server) handleMeals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	owner := r.Header.Get("X-Owner-ID")
	if owner == "" {
		http.Error(w, "missing owner", http.StatusBadRequest)
		return
	}
	meals, err := s.store.ListMeals(r.Context(), owner)
	if err != nil {
		s.log.Error("list meals failed", "err", err)
		http.Error(w, "failed to list meals", http.StatusInternalServerError)
		return
	}
	if meals == nil {
		meals = []*model.Meal{}
	}
	respondJSON(w, http.StatusOK, meals)
}

func (s *Server) handleMeal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/meals/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	meal, err := s.store.GetMeal(r.Context(), id)
	if err != nil || meal.OwnerID != r.Header.Get("X-Owner-ID") {
		http.Error(w, "meal not found", http.StatusNotFound)
		return
	}
	// Cancelled photos are invisible in the meal view.
	photos, err := s.store.ListMealPhotos(r.Context(), id, false)
	if err != nil {
		s.log.Error("list photos failed", "err", err)
		http.Error(w, "failed to load meal", http.StatusInternalServerError)
		return
	}
	meal.Photos = photos
	respondJSON(w, http.StatusOK, meal)
}

func (s *Server) handlePhotoRoute(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/photos/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id := parts[0]
	switch parts[1] {
	case "image":
		s.handlePhotoImage(w, r, id)
	case "url":
		s.handlePhotoURL(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

// handlePhotoURL mints a short-lived signed link to the stored original.
// With ?direct=1 the link points straight at object storage instead of
// proxying through the API.
func (s *Server) handlePhotoURL(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	photo, err := s.store.GetPhoto(r.Context(), id)
	if err != nil || photo.OwnerID != r.Header.Get("X-Owner-ID") {
		http.Error(w, "photo not found", http.StatusNotFound)
		return
	}
	if r.URL.Query().Get("direct") == "1" {
		u, err := s.files.PresignPhotoURL(r.Context(), photo.ObjectKey, s.cfg.SignedURLTTL)
		if err != nil {
			s.log.Error("presign photo failed", "photo_id", id, "err", err)
			http.Error(w, "failed to sign url", http.StatusInternalServerError)
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"url": u})
		return
	}
	expires := time.Now().Add(s.cfg.SignedURLTTL).Unix()
	sig := s.signer.Sign(photo.ID, expires)
	respondJSON(w, http.StatusOK, map[string]string{
		"url": fmt.Sprintf("/photos/%s/image?expires=%d&sig=%s", photo.ID, expires, sig),
	})
}

func (s *Server) handlePhotoImage(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	if !s.signer.Validate(id, q.Get("expires"), q.Get("sig")) {
		http.Error(w, "invalid or expired link", http.StatusForbidden)
		return
	}
	photo, err := s.store.GetPhoto(r.Context(), id)
	if err != nil {
		http.Error(w, "photo not found", http.StatusNotFound)
		return
	}
	data, err := s.files.DownloadPhoto(r.Context(), photo.ObjectKey)
	if err != nil {
		s.log.Error("download photo failed", "photo_id", id, "err", err)
		http.Error(w, "failed to load photo", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// readUpload pulls the "file" part into memory and sniffs its content type.
// Uploads are pre-validated by the mobile app; this is a backstop.
func readUpload(r *http.Request) ([]byte, string, error) {
	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, "", errors.New("missing file field")
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, "", fmt.Errorf("read file: %w", err)
	}
	if len(data) == 0 {
		return nil, "", errors.New("empty file")
	}
	contentType := http.DetectContentType(data)
	if !strings.HasPrefix(contentType, "image/") {
		return nil, "", errors.New("only image uploads supported")
	}
	return data, contentType, nil
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-Owner-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Info("request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
	})
}
