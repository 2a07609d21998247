package recognition

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPClientRecognize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sekrit" {
			t.Errorf("unexpected auth header %q", got)
		}
		if got := r.Header.Get("X-Meal-Hint"); got != "pasta with pesto" {
			t.Errorf("unexpected hint header %q", got)
		}
		if got := r.Header.Get("Accept-Language"); got != "it" {
			t.Errorf("unexpected locale header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"items":[{"name":"pasta","calories":450}],"confidence":0.91}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "sekrit", time.Second)
	result, err := c.Recognize(context.Background(), []byte("jpeg"), Options{
		Comment: "pasta with pesto",
		Locale:  "it",
	})
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	if len(result.Items) != 1 || result.Items[0].Name != "pasta" {
		t.Fatalf("unexpected items: %+v", result.Items)
	}
	if result.Confidence != 0.91 {
		t.Fatalf("unexpected confidence: %v", result.Confidence)
	}
}

func TestHTTPClientEmptyItemsIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"confidence":0.2}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", time.Second)
	result, err := c.Recognize(context.Background(), []byte("jpeg"), Options{})
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	if result.Items == nil || len(result.Items) != 0 {
		t.Fatalf("expected empty non-nil items, got %#v", result.Items)
	}
}

func TestHTTPClientServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", time.Second)
	_, err := c.Recognize(context.Background(), []byte("jpeg"), Options{})
	var rerr *Error
	if !errors.As(err, &rerr) {
		t.Fatalf("expected typed error, got %v", err)
	}
	if !rerr.Retryable || rerr.Code != CodeUnavailable {
		t.Fatalf("expected retryable %s, got %+v", CodeUnavailable, rerr)
	}
}

func TestHTTPClientRejectionIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unsupported format", http.StatusUnsupportedMediaType)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", time.Second)
	_, err := c.Recognize(context.Background(), []byte("jpeg"), Options{})
	var rerr *Error
	if !errors.As(err, &rerr) {
		t.Fatalf("expected typed error, got %v", err)
	}
	if rerr.Retryable || rerr.Code != CodeInvalidImage {
		t.Fatalf("expected fatal %s, got %+v", CodeInvalidImage, rerr)
	}
}

func TestHTTPClientServiceErrorField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"error":"no food detected"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", time.Second)
	_, err := c.Recognize(context.Background(), []byte("jpeg"), Options{})
	var rerr *Error
	if !errors.As(err, &rerr) {
		t.Fatalf("expected typed error, got %v", err)
	}
	if rerr.Retryable || rerr.Code != CodeNotRecognized {
		t.Fatalf("expected fatal %s, got %+v", CodeNotRecognized, rerr)
	}
}
