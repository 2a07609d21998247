// Package model contains the persistence-level types shared by the API,
// worker, and client packages.
package model

import (
	"time"
)

// PhotoStatus describes the recognition lifecycle of a single photo. The
// sequence only moves forward: pending -> uploading -> processing -> one of
// the terminal states. Terminal states never transition again.
type PhotoStatus string

const (
	PhotoPending    PhotoStatus = "pending"
	PhotoUploading  PhotoStatus = "uploading"
	PhotoProcessing PhotoStatus = "processing"
	PhotoSuccess    PhotoStatus = "success"
	PhotoFailed     PhotoStatus = "failed"
	PhotoCancelled  PhotoStatus = "cancelled"
)

// Terminal reports whether no further automatic transition can occur.
func (s PhotoStatus) Terminal() bool {
	switch s {
	case PhotoSuccess, PhotoFailed, PhotoCancelled:
		return true
	}
	return false
}

// Photo holds one unit of recognition work. Result stays nil until the worker
// persists a recognition outcome; ErrorCode/ErrorMessage are set only for
// failed photos.
type Photo struct {
	ID           string             `json:"id"`
	MealID       string             `json:"mealId"`
	OwnerID      string             `json:"ownerId"`
	Status       PhotoStatus        `json:"status"`
	TaskHandle   string             `json:"taskHandle"`
	ObjectKey    string             `json:"-"`
	Comment      string             `json:"comment,omitempty"`
	Locale       string             `json:"locale,omitempty"`
	Result       *RecognitionResult `json:"result,omitempty"`
	ErrorCode    string             `json:"errorCode,omitempty"`
	ErrorMessage string             `json:"errorMessage,omitempty"`
	CreatedAt    time.Time          `json:"createdAt"`
	UpdatedAt    time.Time          `json:"updatedAt"`
}

// RecognitionResult is what the external recognizer produced for one photo.
// Zero items is a valid outcome: the service recognized the image but found
// no food in it.
type RecognitionResult struct {
	Provider   string     `json:"provider"`
	Items      []FoodItem `json:"items"`
	Confidence float64    `json:"confidence"`
}

// FoodItem is a single recognized food with its estimated nutrition.
type FoodItem struct {
	Name       string  `json:"name"`
	Grams      float64 `json:"grams,omitempty"`
	Calories   float64 `json:"calories"`
	ProteinG   float64 `json:"proteinG,omitempty"`
	CarbsG     float64 `json:"carbsG,omitempty"`
	FatG       float64 `json:"fatG,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}
