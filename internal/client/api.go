// Package client implements the batch orchestrator the CLI (and the mobile
// app's Go core) drive: it submits photos one at a time, polls with backoff,
// and reconciles optimistic local cancellation against the server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/mealsnap/mealsnap/internal/model"
)

// SubmitOptions carry the per-photo context fields.
type SubmitOptions struct {
	Comment  string
	Locale   string
	MealType string
	Date     string
	MealID   string
	PhotoID  string
}

// SubmitResponse is the accepted-not-yet-complete handle triple.
type SubmitResponse struct {
	TaskHandle  string `json:"task_handle"`
	AggregateID string `json:"aggregate_id"`
	ChildID     string `json:"child_id"`
}

// StatusError is the typed error attached to a failed photo.
type StatusError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusResponse mirrors the status endpoint. CoarseState and DomainStatus
// may transiently disagree; callers must use model.Normalize.
type StatusResponse struct {
	TaskHandle   string                   `json:"task_handle"`
	CoarseState  model.CoarseState        `json:"coarse_state"`
	DomainStatus string                   `json:"domain_status"`
	Result       *model.RecognitionResult `json:"result,omitempty"`
	Error        *StatusError             `json:"error,omitempty"`
}

// CancelRequest is the fire-and-forget cancellation call.
type CancelRequest struct {
	IdempotencyKey string   `json:"idempotency_key"`
	AggregateID    string   `json:"aggregate_id,omitempty"`
	ChildIDs       []string `json:"child_ids,omitempty"`
	TaskHandles    []string `json:"task_handles,omitempty"`
	Reason         string   `json:"reason,omitempty"`
}

// API is the server surface the orchestrator needs; tests stub it.
type API interface {
	Submit(ctx context.Context, image []byte, opts SubmitOptions) (*SubmitResponse, error)
	TaskStatus(ctx context.Context, handle string) (*StatusResponse, error)
	Cancel(ctx context.Context, req CancelRequest) error
}

// HTTPAPI talks to the MealSnap server.
type HTTPAPI struct {
	base    string
	ownerID string
	http    *http.Client
}

// NewHTTPAPI constructs an HTTPAPI for one owner.
func NewHTTPAPI(base, ownerID string) *HTTPAPI {
	return &HTTPAPI{
		base:    base,
		ownerID: ownerID,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

var _ API = (*HTTPAPI)(nil)

func (a *HTTPAPI) Submit(ctx context.Context, image []byte, opts SubmitOptions) (*SubmitResponse, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "photo.jpg")
	if err != nil {
		return nil, fmt.Errorf("build form: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("write form: %w", err)
	}
	fields := map[string]string{
		"comment":      opts.Comment,
		"locale":       opts.Locale,
		"meal_type":    opts.MealType,
		"date":         opts.Date,
		"aggregate_id": opts.MealID,
		"child_id":     opts.PhotoID,
	}
	for k, v := range fields {
		if v != "" {
			if err := mw.WriteField(k, v); err != nil {
				return nil, fmt.Errorf("write field %s: %w", k, err)
			}
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+"/photos", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Owner-ID", a.ownerID)
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("submit rejected: %d %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	var out SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode submit response: %w", err)
	}
	return &out, nil
}

func (a *HTTPAPI) TaskStatus(ctx context.Context, handle string) (*StatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.base+"/tasks/"+handle, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Owner-ID", a.ownerID)
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status query failed: %d", resp.StatusCode)
	}
	var out StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	return &out, nil
}

func (a *HTTPAPI) Cancel(ctx context.Context, cr CancelRequest) error {
	data, err := json.Marshal(cr)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+"/cancellations", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Owner-ID", a.ownerID)
	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cancel call failed: %d", resp.StatusCode)
	}
	return nil
}
