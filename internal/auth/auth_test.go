package auth

import (
	"context"
	"testing"
	"time"
)

func setSecret(t *testing.T, value string) {
	t.Helper()
	ResetSecretForTests()
	t.Setenv("PAPERHUB_AUTH_SECRET", value)
	t.Cleanup(ResetSecretForTests)
}

func TestGenerateAndValidateToken(t *testing.T) {
	setSecret(t, "unit-test-secret")

	token, err := GenerateToken("Dana@Example.com", "Dana", 30*time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "dana@example.com" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if claims.Name != "Dana" {
		t.Fatalf("unexpected name: %s", claims.Name)
	}
	if claims.Issuer != "paperhub" {
		t.Fatalf("unexpected issuer: %s", claims.Issuer)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	setSecret(t, "unit-test-secret")

	for _, token := range []string{"", "not-a-jwt", "aaa.bbb.ccc"} {
		if _, err := ParseAndValidate(token); err == nil {
			t.Fatalf("expected error for token %q", token)
		}
	}
}

func TestGenerateTokenRequiresSecret(t *testing.T) {
	setSecret(t, "")

	if _, err := GenerateToken("dana@example.com", "", time.Minute); err == nil {
		t.Fatal("expected error without configured secret")
	}
}

func TestGenerateTokenRejectsBadInput(t *testing.T) {
	setSecret(t, "unit-test-secret")

	if _, err := GenerateToken("not-an-email", "", time.Minute); err == nil {
		t.Fatal("expected error for invalid email")
	}
	if _, err := GenerateToken("dana@example.com", "", 0); err == nil {
		t.Fatal("expected error for zero ttl")
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	if _, ok := PrincipalFromContext(ctx); ok {
		t.Fatal("unexpected principal on empty context")
	}

	ctx = ContextWithPrincipal(ctx, Principal{Email: "dana@example.com", Name: "Dana"})
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.Email != "dana@example.com" {
		t.Fatalf("unexpected principal: %+v, ok=%v", p, ok)
	}
	email, ok := UserEmailFromContext(ctx)
	if !ok || email != "dana@example.com" {
		t.Fatalf("unexpected email: %s, ok=%v", email, ok)
	}

	ctx = ContextWithToken(ctx, "raw-token")
	token, ok := TokenFromContext(ctx)
	if !ok || token != "raw-token" {
		t.Fatalf("unexpected token: %s, ok=%v", token, ok)
	}
}
