package auth

import (
	"testing"
	"time"
)

func TestIssueThenVerifyRoundTrips(t *testing.T) {
	v := NewJWTVerifier("test-secret", time.Hour)
	token, err := v.Issue("user-123")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	userID, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if userID != "user-123" {
		t.Fatalf("userID = %q, want user-123", userID)
	}
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	v := NewJWTVerifier("test-secret", time.Hour)
	token, err := v.Issue("user-123")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := NewJWTVerifier("different-secret", time.Hour).Verify(token); err != ErrInvalidToken {
		t.Fatalf("Verify with wrong secret = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	v := NewJWTVerifier("test-secret", -time.Hour)
	token, err := v.Issue("user-123")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := v.Verify(token); err != ErrInvalidToken {
		t.Fatalf("Verify expired token = %v, want ErrInvalidToken", err)
	}
}

func TestIssueRequiresUserID(t *testing.T) {
	v := NewJWTVerifier("test-secret", time.Hour)
	if _, err := v.Issue("  "); err == nil {
		t.Fatal("expected error for blank user id")
	}
}

func TestVerifierWithoutSecretIsDisabled(t *testing.T) {
	v := NewJWTVerifier("", time.Hour)
	if _, err := v.Issue("user-123"); err != ErrAuthDisabled {
		t.Fatalf("Issue = %v, want ErrAuthDisabled", err)
	}
	if _, err := v.Verify("anything"); err != ErrAuthDisabled {
		t.Fatalf("Verify = %v, want ErrAuthDisabled", err)
	}
}
