package signing

import (
	"fmt"
	"testing"
	"time"
)

func TestSigner(t *testing.T) {
	secret := []byte("topsecret")
	s := NewSigner(secret)
	future := time.Now().Add(time.Hour).Unix()
	sig := s.Sign("photo123", future)
	if len(sig) == 0 {
		t.Fatalf("expected signature")
	}
	exp := fmt.Sprintf("%d", future)
	if !s.Validate("photo123", exp, sig) {
		t.Fatalf("expected signature to validate")
	}
	if s.Validate("wrong", exp, sig) {
		t.Fatalf("expected validation to fail for wrong photo id")
	}
	if s.Validate("photo123", "42", sig) {
		t.Fatalf("expected validation to fail for expired link")
	}
	if s.Validate("photo123", "notanumber", sig) {
		t.Fatalf("expected validation to fail for bad expiry")
	}
}
