package model

import "testing"

func TestDeriveMealStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []PhotoStatus
		want     MealOutcome
	}{
		{
			name:     "empty set deletes the meal",
			statuses: nil,
			want:     MealOutcome{Delete: true},
		},
		{
			name:     "single success completes",
			statuses: []PhotoStatus{PhotoSuccess},
			want:     MealOutcome{Status: MealComplete},
		},
		{
			name:     "one success outweighs failures and cancellations",
			statuses: []PhotoStatus{PhotoSuccess, PhotoCancelled, PhotoCancelled},
			want:     MealOutcome{Status: MealComplete},
		},
		{
			name:     "success with work still in flight is already complete",
			statuses: []PhotoStatus{PhotoSuccess, PhotoProcessing},
			want:     MealOutcome{Status: MealComplete},
		},
		{
			name:     "all failed",
			statuses: []PhotoStatus{PhotoFailed, PhotoFailed},
			want:     MealOutcome{Status: MealFailed},
		},
		{
			name:     "all cancelled counts as failed",
			statuses: []PhotoStatus{PhotoCancelled, PhotoCancelled},
			want:     MealOutcome{Status: MealFailed},
		},
		{
			name:     "mixed terminal without success is failed",
			statuses: []PhotoStatus{PhotoFailed, PhotoCancelled},
			want:     MealOutcome{Status: MealFailed},
		},
		{
			name:     "any non-terminal child keeps the meal processing",
			statuses: []PhotoStatus{PhotoFailed, PhotoPending},
			want:     MealOutcome{Status: MealProcessing},
		},
		{
			name:     "fresh batch is processing",
			statuses: []PhotoStatus{PhotoPending, PhotoUploading, PhotoProcessing},
			want:     MealOutcome{Status: MealProcessing},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeriveMealStatus(tt.statuses)
			if got != tt.want {
				t.Fatalf("DeriveMealStatus(%v) = %+v, want %+v", tt.statuses, got, tt.want)
			}
		})
	}
}

func TestPhotoStatusTerminal(t *testing.T) {
	terminal := []PhotoStatus{PhotoSuccess, PhotoFailed, PhotoCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	live := []PhotoStatus{PhotoPending, PhotoUploading, PhotoProcessing}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}
