// Package recognition wraps the external image-analysis service. The
// recognizer is stateless and deliberately opaque: the worker hands it image
// bytes and gets back food items or a typed error.
package recognition

import (
	"context"
	"fmt"

	"github.com/mealsnap/mealsnap/internal/model"
)

// Options carry the optional context a user attached to a photo.
type Options struct {
	Comment string
	Locale  string
}

// Recognizer analyzes a photo and returns the recognized food items. A
// result with zero items is a valid recognition, distinct from an error.
type Recognizer interface {
	Recognize(ctx context.Context, image []byte, opts Options) (*model.RecognitionResult, error)
}

// Error codes attached to failed photos and propagated to clients.
const (
	CodeTimeout       = "timeout"
	CodeUnavailable   = "service_unavailable"
	CodeInvalidImage  = "invalid_image"
	CodeNotRecognized = "not_recognized"
)

// Error is the typed failure a recognizer returns. Retryable errors are
// transient infrastructure failures the task queue may retry within its
// bounded policy; non-retryable errors fail the photo immediately.
type Error struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("recognition %s: %s", e.Code, e.Message)
}

func retryable(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Retryable: true}
}

func fatal(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
