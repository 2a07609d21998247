package recognition

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mealsnap/mealsnap/internal/model"
)

// HTTPClient calls a hosted food-recognition API over JSON.
type HTTPClient struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

// NewHTTPClient constructs an HTTPClient with the given request timeout.
func NewHTTPClient(endpoint, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		http:     &http.Client{Timeout: timeout},
	}
}

var _ Recognizer = (*HTTPClient)(nil)

type analyzeResponse struct {
	Items      []model.FoodItem `json:"items"`
	Confidence float64          `json:"confidence"`
	Error      string           `json:"error,omitempty"`
}

func (c *HTTPClient) Recognize(ctx context.Context, image []byte, opts Options) (*model.RecognitionResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(image))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if opts.Comment != "" {
		req.Header.Set("X-Meal-Hint", opts.Comment)
	}
	if opts.Locale != "" {
		req.Header.Set("Accept-Language", opts.Locale)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, retryable(CodeTimeout, "call recognition service: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, retryable(CodeUnavailable, "read response: %v", err)
	}
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, retryable(CodeUnavailable, "recognition service returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fatal(CodeInvalidImage, "recognition service rejected image: %d %s", resp.StatusCode, truncate(body, 200))
	}

	var decoded analyzeResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, retryable(CodeUnavailable, "decode response: %v", err)
	}
	if decoded.Error != "" {
		return nil, fatal(CodeNotRecognized, "%s", decoded.Error)
	}
	items := decoded.Items
	if items == nil {
		// Recognized-but-empty is a success, not a failure.
		items = []model.FoodItem{}
	}
	return &model.RecognitionResult{
		Provider:   "http",
		Items:      items,
		Confidence: decoded.Confidence,
	}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
