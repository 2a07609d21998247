// Package quota defines the usage-quota vocabulary shared by the store (which
// counts usage inside the finalize transaction) and the API/client (which
// surface the quota_exceeded code).
package quota

import "time"

// CodeExceeded is the non-retryable error code attached to a photo whose
// recognition succeeded but whose owner is out of monthly quota. Clients
// disable the retry affordance for this code specifically.
const CodeExceeded = "quota_exceeded"

// Period returns the monthly accounting bucket containing t.
func Period(t time.Time) string {
	return t.UTC().Format("2006-01")
}
