package auth

import (
	"strings"
	"testing"
)

func TestGenerateAndValidate(t *testing.T) {
	token, err := GenerateToken("worker-01", RoleWorker)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	claims, err := ValidateToken(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.WorkerID != "worker-01" || claims.Role != RoleWorker {
		t.Errorf("claims = %+v", claims)
	}
}

func TestValidateRejectsTampering(t *testing.T) {
	token, err := GenerateToken("", RoleAdmin)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	parts := strings.Split(token, ".")
	tampered := parts[0] + "." + parts[1] + "." + "bad-signature"
	if _, err := ValidateToken(tampered); err == nil {
		t.Fatal("expected signature error")
	}
}

func TestValidateRejectsGarbage(t *testing.T) {
	if _, err := ValidateToken("not-a-token"); err == nil {
		t.Fatal("expected format error")
	}
}
