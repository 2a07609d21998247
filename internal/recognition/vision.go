package recognition

import (
	"context"
	"fmt"
	"strings"

	vision "cloud.google.com/go/vision/v2/apiv1"
	visionpb "cloud.google.com/go/vision/v2/apiv1/visionpb"

	"github.com/mealsnap/mealsnap/internal/model"
)

// VisionClient recognizes food via GCP Vision label detection. It yields
// item names and confidences only; nutrition estimation is the hosted
// provider's job, so Vision-backed deployments return zero-calorie items for
// downstream enrichment.
type VisionClient struct {
	client *vision.ImageAnnotatorClient
}

// NewVisionClient constructs a VisionClient using ambient GCP credentials.
func NewVisionClient(ctx context.Context) (*VisionClient, error) {
	client, err := vision.NewImageAnnotatorClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("vision client: %w", err)
	}
	return &VisionClient{client: client}, nil
}

var _ Recognizer = (*VisionClient)(nil)

func (v *VisionClient) Close() error {
	return v.client.Close()
}

// generic labels Vision attaches to almost every food photo; they carry no
// information about what is on the plate.
var genericLabels = map[string]bool{
	"food": true, "dish": true, "cuisine": true, "ingredient": true,
	"recipe": true, "meal": true, "tableware": true, "plate": true,
}

const minLabelScore = 0.6

func (v *VisionClient) Recognize(ctx context.Context, image []byte, _ Options) (*model.RecognitionResult, error) {
	req := &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{
			{
				Image: &visionpb.Image{Content: image},
				Features: []*visionpb.Feature{
					{Type: visionpb.Feature_LABEL_DETECTION, MaxResults: 20},
				},
			},
		},
	}
	resp, err := v.client.BatchAnnotateImages(ctx, req)
	if err != nil {
		return nil, retryable(CodeUnavailable, "vision BatchAnnotateImages: %v", err)
	}
	if resp == nil || len(resp.Responses) == 0 || resp.Responses[0] == nil {
		return &model.RecognitionResult{Provider: "gcp_vision", Items: []model.FoodItem{}}, nil
	}
	r0 := resp.Responses[0]
	if r0.Error != nil && r0.Error.Message != "" {
		return nil, fatal(CodeInvalidImage, "vision annotate error: %s", r0.Error.Message)
	}

	items := make([]model.FoodItem, 0, len(r0.LabelAnnotations))
	var best float64
	for _, ann := range r0.LabelAnnotations {
		if ann == nil {
			continue
		}
		score := float64(ann.Score)
		name := strings.ToLower(strings.TrimSpace(ann.Description))
		if score < minLabelScore || name == "" || genericLabels[name] {
			continue
		}
		items = append(items, model.FoodItem{Name: name, Confidence: score})
		if score > best {
			best = score
		}
	}
	return &model.RecognitionResult{
		Provider:   "gcp_vision",
		Items:      items,
		Confidence: best,
	}, nil
}
