package model

import "time"

// MealStatus summarizes the combined state of a meal's photos.
type MealStatus string

const (
	MealDraft      MealStatus = "draft"
	MealProcessing MealStatus = "processing"
	MealComplete   MealStatus = "complete"
	MealFailed     MealStatus = "failed"
)

// Meal is the parent record for the photos captured in one session.
type Meal struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"ownerId"`
	Status    MealStatus `json:"status"`
	MealType  string     `json:"mealType,omitempty"`
	EatenOn   string     `json:"eatenOn,omitempty"`
	Photos    []*Photo   `json:"photos,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// MealOutcome is the result of deriving a meal's status from its children.
type MealOutcome struct {
	Status MealStatus
	// Delete is set when the meal has no children left and should not be
	// persisted at all.
	Delete bool
}

// DeriveMealStatus computes the meal status from the multiset of child photo
// statuses. It is a pure function: callers apply the outcome inside their own
// transaction so the derivation and the write commit together.
//
// Rules: complete iff at least one child succeeded; failed iff no child
// succeeded and every child is terminal; otherwise still processing. An empty
// child set means the meal should be deleted rather than linger as a draft.
func DeriveMealStatus(statuses []PhotoStatus) MealOutcome {
	if len(statuses) == 0 {
		return MealOutcome{Delete: true}
	}
	success := 0
	terminal := 0
	for _, s := range statuses {
		if s == PhotoSuccess {
			success++
		}
		if s.Terminal() {
			terminal++
		}
	}
	switch {
	case success > 0:
		return MealOutcome{Status: MealComplete}
	case terminal == len(statuses):
		return MealOutcome{Status: MealFailed}
	default:
		return MealOutcome{Status: MealProcessing}
	}
}
