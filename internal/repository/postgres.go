package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mealsnap/mealsnap/internal/model"
	"github.com/mealsnap/mealsnap/internal/quota"
)

// PGStore implements Store on a pgx connection pool.
type PGStore struct {
	pool       *pgxpool.Pool
	quotaLimit int
}

// NewPGStore constructs a PGStore. quotaLimit is the per-owner monthly cap on
// successful recognitions.
func NewPGStore(pool *pgxpool.Pool, quotaLimit int) *PGStore {
	return &PGStore{pool: pool, quotaLimit: quotaLimit}
}

var _ Store = (*PGStore)(nil)

func (s *PGStore) CreateMeal(ctx context.Context, meal *model.Meal) error {
	now := time.Now().UTC()
	if meal.Status == "" {
		meal.Status = model.MealDraft
	}
	meal.CreatedAt = now
	meal.UpdatedAt = now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO meals (id, owner_id, status, meal_type, eaten_on, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, meal.ID, meal.OwnerID, meal.Status, meal.MealType, meal.EatenOn, meal.CreatedAt, meal.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert meal: %w", err)
	}
	return nil
}

func (s *PGStore) GetMeal(ctx context.Context, id string) (*model.Meal, error) {
	return scanMeal(s.pool.QueryRow(ctx, `
		SELECT id, owner_id, status, COALESCE(meal_type,''), COALESCE(eaten_on,''), created_at, updated_at
		FROM meals WHERE id=$1
	`, id))
}

func (s *PGStore) FindOpenMeal(ctx context.Context, ownerID, mealType, eatenOn string, createdAfter time.Time) (*model.Meal, error) {
	return scanMeal(s.pool.QueryRow(ctx, `
		SELECT id, owner_id, status, COALESCE(meal_type,''), COALESCE(eaten_on,''), created_at, updated_at
		FROM meals
		WHERE owner_id=$1 AND status IN ('draft','processing')
			AND created_at > $2
			AND COALESCE(meal_type,'') = $3 AND COALESCE(eaten_on,'') = $4
		ORDER BY created_at DESC
		LIMIT 1
	`, ownerID, createdAfter, mealType, eatenOn))
}

// ListMeals returns the owner's meals newest first. Meals that ended with no
// successful photo are hidden from listings.
func (s *PGStore) ListMeals(ctx context.Context, ownerID string) ([]*model.Meal, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner_id, status, COALESCE(meal_type,''), COALESCE(eaten_on,''), created_at, updated_at
		FROM meals WHERE owner_id=$1 AND status <> 'failed'
		ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("select meals: %w", err)
	}
	defer rows.Close()
	var meals []*model.Meal
	for rows.Next() {
		meal, err := scanMeal(rows)
		if err != nil {
			return nil, err
		}
		meals = append(meals, meal)
	}
	return meals, rows.Err()
}

func (s *PGStore) DeleteMealIfChildless(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM meals
		WHERE id=$1 AND NOT EXISTS (SELECT 1 FROM photos WHERE meal_id=$1)
	`, id)
	if err != nil {
		return false, fmt.Errorf("delete childless meal: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PGStore) CreatePhoto(ctx context.Context, photo *model.Photo) error {
	now := time.Now().UTC()
	if photo.Status == "" {
		photo.Status = model.PhotoPending
	}
	photo.CreatedAt = now
	photo.UpdatedAt = now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO photos (id, meal_id, owner_id, status, task_handle, object_key, comment, locale, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, photo.ID, photo.MealID, photo.OwnerID, photo.Status, photo.TaskHandle, photo.ObjectKey,
		photo.Comment, photo.Locale, photo.CreatedAt, photo.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert photo: %w", err)
	}
	return nil
}

func (s *PGStore) GetPhoto(ctx context.Context, id string) (*model.Photo, error) {
	return scanPhoto(s.pool.QueryRow(ctx, photoSelect+` WHERE id=$1`, id))
}

func (s *PGStore) GetPhotoByHandle(ctx context.Context, handle string) (*model.Photo, error) {
	return scanPhoto(s.pool.QueryRow(ctx, photoSelect+` WHERE task_handle=$1`, handle))
}

func (s *PGStore) ListMealPhotos(ctx context.Context, mealID string, includeCancelled bool) ([]*model.Photo, error) {
	query := photoSelect + ` WHERE meal_id=$1`
	if !includeCancelled {
		query += ` AND status <> 'cancelled'`
	}
	query += ` ORDER BY created_at`
	rows, err := s.pool.Query(ctx, query, mealID)
	if err != nil {
		return nil, fmt.Errorf("select photos: %w", err)
	}
	defer rows.Close()
	var photos []*model.Photo
	for rows.Next() {
		p, err := scanPhoto(rows)
		if err != nil {
			return nil, err
		}
		photos = append(photos, p)
	}
	return photos, rows.Err()
}

func (s *PGStore) ResetPhotoForRetry(ctx context.Context, id, ownerID, objectKey, taskHandle string) (*model.Photo, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	photo, err := scanPhoto(tx.QueryRow(ctx, photoSelect+` WHERE id=$1 AND owner_id=$2 FOR UPDATE`, id, ownerID))
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		UPDATE photos
		SET status='pending', task_handle=$2, object_key=$3,
			result=NULL, error_code=NULL, error_message=NULL, updated_at=$4
		WHERE id=$1
	`, id, taskHandle, objectKey, now)
	if err != nil {
		return nil, fmt.Errorf("reset photo: %w", err)
	}
	// A retried photo re-opens its meal.
	if _, err := tx.Exec(ctx, `
		UPDATE meals SET status='processing', updated_at=$2 WHERE id=$1
	`, photo.MealID, now); err != nil {
		return nil, fmt.Errorf("reopen meal: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	photo.Status = model.PhotoPending
	photo.TaskHandle = taskHandle
	photo.ObjectKey = objectKey
	photo.Result = nil
	photo.ErrorCode = ""
	photo.ErrorMessage = ""
	photo.UpdatedAt = now
	return photo, nil
}

func (s *PGStore) MarkPhotoProcessing(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE photos SET status='processing', updated_at=$2
		WHERE id=$1 AND status IN ('pending','uploading')
	`, id, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("mark processing: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// FinalizePhoto is the single atomicity unit of the subsystem: re-read under
// a row lock, branch on the race guard, write, finalize the meal, commit.
func (s *PGStore) FinalizePhoto(ctx context.Context, photoID string, fin Finalization) (*FinalizeResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		mealID  string
		ownerID string
		status  model.PhotoStatus
	)
	err = tx.QueryRow(ctx, `
		SELECT meal_id, owner_id, status FROM photos WHERE id=$1 FOR UPDATE
	`, photoID).Scan(&mealID, &ownerID, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock photo: %w", err)
	}

	res := &FinalizeResult{PhotoStatus: status}
	if status.Terminal() {
		// Race guard: a concurrent cancellation (or an earlier failure) won
		// the lock first. The caller discards its result.
		return res, tx.Commit(ctx)
	}

	if fin.Status == model.PhotoSuccess {
		allowed, err := s.incrementQuota(ctx, tx, ownerID)
		if err != nil {
			return nil, err
		}
		if !allowed {
			res.QuotaDenied = true
			fin = Finalization{
				Status:       model.PhotoFailed,
				ErrorCode:    quota.CodeExceeded,
				ErrorMessage: "monthly recognition quota exhausted",
			}
		}
	}

	var resultJSON []byte
	if fin.Result != nil {
		resultJSON, err = json.Marshal(fin.Result)
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
	}
	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		UPDATE photos SET status=$2, result=$3, error_code=NULLIF($4,''), error_message=NULLIF($5,''), updated_at=$6
		WHERE id=$1
	`, photoID, fin.Status, resultJSON, fin.ErrorCode, fin.ErrorMessage, now)
	if err != nil {
		return nil, fmt.Errorf("finalize photo: %w", err)
	}

	outcome, err := s.finalizeMealLocked(ctx, tx, mealID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	res.Applied = true
	res.PhotoStatus = fin.Status
	res.MealStatus = outcome.Status
	res.MealDeleted = outcome.Delete
	return res, nil
}

// incrementQuota bumps the owner's monthly counter, refusing once the limit
// is reached. Runs inside the finalize transaction so a rolled-back SUCCESS
// never consumes quota and a retried task never counts twice.
func (s *PGStore) incrementQuota(ctx context.Context, tx pgx.Tx, ownerID string) (bool, error) {
	// The conflict-branch guard below cannot stop the very first insert of a
	// period, so a non-positive limit is refused up front.
	if s.quotaLimit <= 0 {
		return false, nil
	}
	var used int
	err := tx.QueryRow(ctx, `
		INSERT INTO usage_quotas (owner_id, period, used) VALUES ($1, $2, 1)
		ON CONFLICT (owner_id, period)
			DO UPDATE SET used = usage_quotas.used + 1
			WHERE usage_quotas.used < $3
		RETURNING used
	`, ownerID, quota.Period(time.Now()), s.quotaLimit).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("increment quota: %w", err)
	}
	return true, nil
}

// finalizeMealLocked locks the meal row, re-derives its status from the
// current child multiset, and applies the outcome. Always called inside the
// caller's transaction, never standalone.
func (s *PGStore) finalizeMealLocked(ctx context.Context, tx pgx.Tx, mealID string) (model.MealOutcome, error) {
	var cur model.MealStatus
	err := tx.QueryRow(ctx, `SELECT status FROM meals WHERE id=$1 FOR UPDATE`, mealID).Scan(&cur)
	if errors.Is(err, pgx.ErrNoRows) {
		// Meal already deleted concurrently; nothing left to finalize.
		return model.MealOutcome{Delete: true}, nil
	}
	if err != nil {
		return model.MealOutcome{}, fmt.Errorf("lock meal: %w", err)
	}

	rows, err := tx.Query(ctx, `SELECT status FROM photos WHERE meal_id=$1`, mealID)
	if err != nil {
		return model.MealOutcome{}, fmt.Errorf("select child statuses: %w", err)
	}
	var statuses []model.PhotoStatus
	for rows.Next() {
		var st model.PhotoStatus
		if err := rows.Scan(&st); err != nil {
			rows.Close()
			return model.MealOutcome{}, fmt.Errorf("scan child status: %w", err)
		}
		statuses = append(statuses, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return model.MealOutcome{}, err
	}

	outcome := model.DeriveMealStatus(statuses)
	if outcome.Delete {
		if _, err := tx.Exec(ctx, `DELETE FROM meals WHERE id=$1`, mealID); err != nil {
			return model.MealOutcome{}, fmt.Errorf("delete meal: %w", err)
		}
		return outcome, nil
	}
	if outcome.Status != cur {
		if _, err := tx.Exec(ctx, `UPDATE meals SET status=$2, updated_at=$3 WHERE id=$1`,
			mealID, outcome.Status, time.Now().UTC()); err != nil {
			return model.MealOutcome{}, fmt.Errorf("update meal status: %w", err)
		}
	}
	return outcome, nil
}

// Cancel performs the idempotent cancellation unit. The event insert and the
// child transitions share one transaction, so a key either produced all of
// its effects or none; the unique constraint on idempotency_key makes
// concurrent duplicate calls safe without extra locking.
func (s *PGStore) Cancel(ctx context.Context, req CancelRequest) (*model.CancelSummary, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	eventID := uuid.NewString()
	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `
		INSERT INTO cancellation_events (id, idempotency_key, payload, reason, created_at)
		VALUES ($1, $2, '{}'::jsonb, $3, $4)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, eventID, req.IdempotencyKey, req.Reason, now)
	if err != nil {
		return nil, fmt.Errorf("insert cancellation event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Replay: return the summary the first call stored.
		return s.storedSummary(ctx, req.IdempotencyKey)
	}

	photoIDs := req.PhotoIDs
	if photoIDs == nil {
		photoIDs = []string{}
	}
	handles := req.TaskHandles
	if handles == nil {
		handles = []string{}
	}
	rows, err := tx.Query(ctx, `
		SELECT id, meal_id, status, COALESCE(task_handle,'')
		FROM photos
		WHERE id = ANY($1) OR task_handle = ANY($2) OR ($3 <> '' AND meal_id = $3)
		ORDER BY id
		FOR UPDATE
	`, photoIDs, handles, req.MealID)
	if err != nil {
		return nil, fmt.Errorf("lock target photos: %w", err)
	}
	type target struct {
		id, mealID, handle string
		status             model.PhotoStatus
	}
	var targets []target
	for rows.Next() {
		var t target
		if err := rows.Scan(&t.id, &t.mealID, &t.status, &t.handle); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan target photo: %w", err)
		}
		targets = append(targets, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	payload := model.CancellationPayload{
		RequestedMealID:   req.MealID,
		RequestedPhotoIDs: req.PhotoIDs,
		RequestedHandles:  req.TaskHandles,
	}
	mealSet := map[string]bool{}
	for _, t := range targets {
		if t.status.Terminal() {
			// Whichever side acquired the row lock first won; for this child
			// the cancellation is a no-op.
			continue
		}
		if _, err := tx.Exec(ctx, `
			UPDATE photos SET status='cancelled', error_code='cancelled', updated_at=$2 WHERE id=$1
		`, t.id, now); err != nil {
			return nil, fmt.Errorf("cancel photo: %w", err)
		}
		payload.AffectedPhotoIDs = append(payload.AffectedPhotoIDs, t.id)
		if t.handle != "" {
			payload.AffectedTaskHandles = append(payload.AffectedTaskHandles, t.handle)
		}
		mealSet[t.mealID] = true
	}

	mealIDs := make([]string, 0, len(mealSet))
	for id := range mealSet {
		mealIDs = append(mealIDs, id)
	}
	sort.Strings(mealIDs)
	for _, id := range mealIDs {
		if _, err := s.finalizeMealLocked(ctx, tx, id); err != nil {
			return nil, err
		}
	}

	// Null the meal reference when the meal no longer exists; the original id
	// survives in the payload.
	var mealRef *string
	if req.MealID != "" {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM meals WHERE id=$1)`, req.MealID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("check meal: %w", err)
		}
		if exists {
			id := req.MealID
			mealRef = &id
		}
	}

	summary := &model.CancelSummary{
		Noop:                len(payload.AffectedPhotoIDs) == 0,
		CancelledCount:      len(payload.AffectedPhotoIDs),
		AffectedTaskHandles: payload.AffectedTaskHandles,
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE cancellation_events SET meal_id=$2, payload=$3, noop=$4, cancelled_count=$5 WHERE id=$1
	`, eventID, mealRef, payloadJSON, summary.Noop, summary.CancelledCount); err != nil {
		return nil, fmt.Errorf("update cancellation event: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return summary, nil
}

func (s *PGStore) storedSummary(ctx context.Context, key string) (*model.CancelSummary, error) {
	var (
		noop    bool
		count   int
		payload []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT noop, cancelled_count, payload FROM cancellation_events WHERE idempotency_key=$1
	`, key).Scan(&noop, &count, &payload)
	if err != nil {
		return nil, fmt.Errorf("select stored summary: %w", err)
	}
	var p model.CancellationPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decode stored payload: %w", err)
	}
	return &model.CancelSummary{
		Noop:                noop,
		CancelledCount:      count,
		AffectedTaskHandles: p.AffectedTaskHandles,
	}, nil
}

func (s *PGStore) QuotaUsed(ctx context.Context, ownerID string, now time.Time) (int, error) {
	var used int
	err := s.pool.QueryRow(ctx, `
		SELECT used FROM usage_quotas WHERE owner_id=$1 AND period=$2
	`, ownerID, quota.Period(now)).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("select quota: %w", err)
	}
	return used, nil
}

const photoSelect = `
	SELECT id, meal_id, owner_id, status, COALESCE(task_handle,''), object_key,
		COALESCE(comment,''), COALESCE(locale,''), result, error_code, error_message,
		created_at, updated_at
	FROM photos`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPhoto(row rowScanner) (*model.Photo, error) {
	var (
		p          model.Photo
		resultJSON []byte
		errCode    sql.NullString
		errMsg     sql.NullString
	)
	err := row.Scan(&p.ID, &p.MealID, &p.OwnerID, &p.Status, &p.TaskHandle, &p.ObjectKey,
		&p.Comment, &p.Locale, &resultJSON, &errCode, &errMsg, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan photo: %w", err)
	}
	if len(resultJSON) > 0 {
		var res model.RecognitionResult
		if err := json.Unmarshal(resultJSON, &res); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		p.Result = &res
	}
	if errCode.Valid {
		p.ErrorCode = errCode.String
	}
	if errMsg.Valid {
		p.ErrorMessage = errMsg.String
	}
	return &p, nil
}

func scanMeal(row rowScanner) (*model.Meal, error) {
	var m model.Meal
	err := row.Scan(&m.ID, &m.OwnerID, &m.Status, &m.MealType, &m.EatenOn, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan meal: %w", err)
	}
	return &m, nil
}
