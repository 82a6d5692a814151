package intake

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	t.Parallel()
	payload := []byte(`{"action":"created"}`)
	secret := "s3cret"

	// GitHub scheme: "sha256=" prefix.
	if !verifySignature(payload, "sha256="+sign(payload, secret), secret, "sha256=") {
		t.Fatal("valid github signature rejected")
	}
	if verifySignature(payload, "sha256=deadbeef", secret, "sha256=") {
		t.Fatal("bad github signature accepted")
	}

	// ClickUp scheme: bare hex.
	if !verifySignature(payload, sign(payload, secret), secret, "") {
		t.Fatal("valid clickup signature rejected")
	}
	if verifySignature(payload, sign([]byte("tampered"), secret), secret, "") {
		t.Fatal("tampered payload accepted")
	}

	// No secret configured: verification is skipped.
	if !verifySignature(payload, "", "", "sha256=") {
		t.Fatal("empty secret must skip verification")
	}
}

func TestClickUpEventType(t *testing.T) {
	t.Parallel()
	if got := clickUpEventType([]byte(`{"event":"taskCommentPosted"}`)); got != "taskCommentPosted" {
		t.Fatalf("event = %q", got)
	}
	if got := clickUpEventType([]byte(`{broken`)); got != "" {
		t.Fatalf("event = %q, want empty", got)
	}
}
