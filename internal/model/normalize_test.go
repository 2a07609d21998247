package model

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		coarse CoarseState
		domain string
		want   NormalizedState
	}{
		// Domain terminal states always win.
		{CoarsePending, DomainSuccess, StateSuccess},
		{CoarseStarted, DomainSuccess, StateSuccess},
		{CoarseFailure, DomainSuccess, StateSuccess},
		{CoarseSuccess, DomainFailed, StateFailed},
		{CoarsePending, DomainFailed, StateFailed},

		// Queue failure with a non-terminal domain status still means failed.
		{CoarseFailure, DomainProcessing, StateFailed},
		{CoarseFailure, "", StateFailed},

		// Everything else is in progress, even the disagreeing window where
		// the queue is done but the domain write has not landed.
		{CoarsePending, DomainProcessing, StateInProgress},
		{CoarseStarted, DomainProcessing, StateInProgress},
		{CoarseSuccess, DomainProcessing, StateInProgress},
		{CoarseSuccess, "", StateInProgress},
		{CoarsePending, "", StateInProgress},
	}
	for _, tt := range tests {
		if got := Normalize(tt.coarse, tt.domain); got != tt.want {
			t.Errorf("Normalize(%s, %q) = %s, want %s", tt.coarse, tt.domain, got, tt.want)
		}
	}
}
