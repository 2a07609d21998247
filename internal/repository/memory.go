package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mealsnap/mealsnap/internal/model"
	"github.com/mealsnap/mealsnap/internal/quota"
)

// MemoryStore is an in-memory Store with the same atomicity semantics as the
// Postgres implementation: every semantic unit runs under one mutex hold, so
// the read-check-write race guard behaves identically. It backs the worker
// and coordinator unit tests.
type MemoryStore struct {
	mu         sync.Mutex
	meals      map[string]*model.Meal
	photos     map[string]*model.Photo
	events     map[string]*model.CancellationEvent
	quotas     map[string]int
	quotaLimit int
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore(quotaLimit int) *MemoryStore {
	return &MemoryStore{
		meals:      make(map[string]*model.Meal),
		photos:     make(map[string]*model.Photo),
		events:     make(map[string]*model.CancellationEvent),
		quotas:     make(map[string]int),
		quotaLimit: quotaLimit,
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateMeal(_ context.Context, meal *model.Meal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if meal.Status == "" {
		meal.Status = model.MealDraft
	}
	meal.CreatedAt = now
	meal.UpdatedAt = now
	cp := *meal
	m.meals[meal.ID] = &cp
	return nil
}

func (m *MemoryStore) GetMeal(_ context.Context, id string) (*model.Meal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meal, ok := m.meals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *meal
	return &cp, nil
}

func (m *MemoryStore) FindOpenMeal(_ context.Context, ownerID, mealType, eatenOn string, createdAfter time.Time) (*model.Meal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *model.Meal
	for _, meal := range m.meals {
		if meal.OwnerID != ownerID || meal.MealType != mealType || meal.EatenOn != eatenOn {
			continue
		}
		if meal.Status != model.MealDraft && meal.Status != model.MealProcessing {
			continue
		}
		if !meal.CreatedAt.After(createdAfter) {
			continue
		}
		if best == nil || meal.CreatedAt.After(best.CreatedAt) {
			best = meal
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (m *MemoryStore) ListMeals(_ context.Context, ownerID string) ([]*model.Meal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var meals []*model.Meal
	for _, meal := range m.meals {
		if meal.OwnerID != ownerID || meal.Status == model.MealFailed {
			continue
		}
		cp := *meal
		meals = append(meals, &cp)
	}
	sort.Slice(meals, func(i, j int) bool { return meals[i].CreatedAt.After(meals[j].CreatedAt) })
	return meals, nil
}

func (m *MemoryStore) DeleteMealIfChildless(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.meals[id]; !ok {
		return false, nil
	}
	for _, p := range m.photos {
		if p.MealID == id {
			return false, nil
		}
	}
	delete(m.meals, id)
	return true, nil
}

func (m *MemoryStore) CreatePhoto(_ context.Context, photo *model.Photo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if photo.Status == "" {
		photo.Status = model.PhotoPending
	}
	photo.CreatedAt = now
	photo.UpdatedAt = now
	cp := *photo
	m.photos[photo.ID] = &cp
	return nil
}

func (m *MemoryStore) GetPhoto(_ context.Context, id string) (*model.Photo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.photos[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetPhotoByHandle(_ context.Context, handle string) (*model.Photo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.photos {
		if p.TaskHandle == handle {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListMealPhotos(_ context.Context, mealID string, includeCancelled bool) ([]*model.Photo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var photos []*model.Photo
	for _, p := range m.photos {
		if p.MealID != mealID {
			continue
		}
		if !includeCancelled && p.Status == model.PhotoCancelled {
			continue
		}
		cp := *p
		photos = append(photos, &cp)
	}
	sort.Slice(photos, func(i, j int) bool { return photos[i].CreatedAt.Before(photos[j].CreatedAt) })
	return photos, nil
}

func (m *MemoryStore) ResetPhotoForRetry(_ context.Context, id, ownerID, objectKey, taskHandle string) (*model.Photo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.photos[id]
	if !ok || p.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	p.Status = model.PhotoPending
	p.TaskHandle = taskHandle
	p.ObjectKey = objectKey
	p.Result = nil
	p.ErrorCode = ""
	p.ErrorMessage = ""
	p.UpdatedAt = time.Now().UTC()
	if meal, ok := m.meals[p.MealID]; ok {
		meal.Status = model.MealProcessing
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) MarkPhotoProcessing(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.photos[id]
	if !ok {
		return false, ErrNotFound
	}
	if p.Status != model.PhotoPending && p.Status != model.PhotoUploading {
		return false, nil
	}
	p.Status = model.PhotoProcessing
	p.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryStore) FinalizePhoto(_ context.Context, photoID string, fin Finalization) (*FinalizeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.photos[photoID]
	if !ok {
		return nil, ErrNotFound
	}
	res := &FinalizeResult{PhotoStatus: p.Status}
	if p.Status.Terminal() {
		return res, nil
	}
	if fin.Status == model.PhotoSuccess {
		key := p.OwnerID + "/" + quota.Period(time.Now())
		if m.quotas[key] >= m.quotaLimit {
			res.QuotaDenied = true
			fin = Finalization{
				Status:       model.PhotoFailed,
				ErrorCode:    quota.CodeExceeded,
				ErrorMessage: "monthly recognition quota exhausted",
			}
		} else {
			m.quotas[key]++
		}
	}
	p.Status = fin.Status
	p.Result = fin.Result
	p.ErrorCode = fin.ErrorCode
	p.ErrorMessage = fin.ErrorMessage
	p.UpdatedAt = time.Now().UTC()

	outcome := m.finalizeMealLocked(p.MealID)
	res.Applied = true
	res.PhotoStatus = fin.Status
	res.MealStatus = outcome.Status
	res.MealDeleted = outcome.Delete
	return res, nil
}

func (m *MemoryStore) finalizeMealLocked(mealID string) model.MealOutcome {
	meal, ok := m.meals[mealID]
	if !ok {
		return model.MealOutcome{Delete: true}
	}
	var statuses []model.PhotoStatus
	for _, p := range m.photos {
		if p.MealID == mealID {
			statuses = append(statuses, p.Status)
		}
	}
	outcome := model.DeriveMealStatus(statuses)
	if outcome.Delete {
		delete(m.meals, mealID)
		return outcome
	}
	if meal.Status != outcome.Status {
		meal.Status = outcome.Status
		meal.UpdatedAt = time.Now().UTC()
	}
	return outcome
}

func (m *MemoryStore) Cancel(_ context.Context, req CancelRequest) (*model.CancelSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev, ok := m.events[req.IdempotencyKey]; ok {
		return &model.CancelSummary{
			Noop:                ev.Noop,
			CancelledCount:      ev.CancelledCount,
			AffectedTaskHandles: ev.Payload.AffectedTaskHandles,
		}, nil
	}

	wanted := map[string]bool{}
	for _, id := range req.PhotoIDs {
		wanted[id] = true
	}
	handleWanted := map[string]bool{}
	for _, h := range req.TaskHandles {
		handleWanted[h] = true
	}

	payload := model.CancellationPayload{
		RequestedMealID:   req.MealID,
		RequestedPhotoIDs: req.PhotoIDs,
		RequestedHandles:  req.TaskHandles,
	}
	mealSet := map[string]bool{}
	ids := make([]string, 0, len(m.photos))
	for id := range m.photos {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	now := time.Now().UTC()
	for _, id := range ids {
		p := m.photos[id]
		if !wanted[p.ID] && !handleWanted[p.TaskHandle] && !(req.MealID != "" && p.MealID == req.MealID) {
			continue
		}
		if p.Status.Terminal() {
			continue
		}
		p.Status = model.PhotoCancelled
		p.ErrorCode = "cancelled"
		p.UpdatedAt = now
		payload.AffectedPhotoIDs = append(payload.AffectedPhotoIDs, p.ID)
		if p.TaskHandle != "" {
			payload.AffectedTaskHandles = append(payload.AffectedTaskHandles, p.TaskHandle)
		}
		mealSet[p.MealID] = true
	}
	for mealID := range mealSet {
		m.finalizeMealLocked(mealID)
	}

	var mealRef *string
	if req.MealID != "" {
		if _, ok := m.meals[req.MealID]; ok {
			id := req.MealID
			mealRef = &id
		}
	}
	ev := &model.CancellationEvent{
		ID:             uuid.NewString(),
		IdempotencyKey: req.IdempotencyKey,
		MealID:         mealRef,
		Payload:        payload,
		Reason:         req.Reason,
		Noop:           len(payload.AffectedPhotoIDs) == 0,
		CancelledCount: len(payload.AffectedPhotoIDs),
		CreatedAt:      now,
	}
	m.events[req.IdempotencyKey] = ev
	return &model.CancelSummary{
		Noop:                ev.Noop,
		CancelledCount:      ev.CancelledCount,
		AffectedTaskHandles: ev.Payload.AffectedTaskHandles,
	}, nil
}

// Event returns the stored audit event for a key, for test assertions.
func (m *MemoryStore) Event(key string) (*model.CancellationEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[key]
	if !ok {
		return nil, false
	}
	cp := *ev
	return &cp, true
}

func (m *MemoryStore) QuotaUsed(_ context.Context, ownerID string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quotas[ownerID+"/"+quota.Period(now)], nil
}
