package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tempo/internal/conflict"
	"github.com/golang-jwt/jwt/v5"
)

const (
	testSigningSecret = "secret"
	testIssuer        = "tempo-auth"
	testAudience      = "tempo-api"
	testCookieName    = "tempo_session"
)

func mustValidator(t *testing.T, clock func() time.Time) *SessionValidator {
	t.Helper()
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		Audience:      testAudience,
		CookieName:    testCookieName,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func signClaims(t *testing.T, claims Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestSessionValidatorAcceptsIssuedTokens(t *testing.T) {
	clockNow := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return clockNow }
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		Audience:      testAudience,
		TokenTTL:      time.Hour,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	token, _, err := issuer.IssueDeviceToken(context.Background(), "device-1", conflict.RoleDevice)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := mustValidator(t, clock).ValidateToken(token)
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	role, err := claims.ActingRole()
	if err != nil || role != conflict.RoleDevice {
		t.Fatalf("unexpected role %v (%v)", role, err)
	}
}

func TestSessionValidatorDefaultsMissingRoleToExternal(t *testing.T) {
	clockNow := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	signed := signClaims(t, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    testIssuer,
		Audience:  []string{testAudience},
		Subject:   "anonymous",
		ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
	}})

	claims, err := mustValidator(t, func() time.Time { return clockNow }).ValidateToken(signed)
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	role, err := claims.ActingRole()
	if err != nil || role != conflict.RoleExternal {
		t.Fatalf("expected EXTERNAL, got %v (%v)", role, err)
	}
}

func TestSessionValidatorRejectsBadTokens(t *testing.T) {
	clockNow := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := mustValidator(t, func() time.Time { return clockNow })
	base := jwt.RegisteredClaims{
		Issuer:    testIssuer,
		Audience:  []string{testAudience},
		Subject:   "device-1",
		ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
	}

	expired := base
	expired.ExpiresAt = jwt.NewNumericDate(clockNow.Add(-time.Hour))
	if _, err := validator.ValidateToken(signClaims(t, Claims{RegisteredClaims: expired})); !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}

	foreign := base
	foreign.Issuer = "someone-else"
	if _, err := validator.ValidateToken(signClaims(t, Claims{RegisteredClaims: foreign})); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token for foreign issuer, got %v", err)
	}

	if _, err := validator.ValidateToken(signClaims(t, Claims{Role: "ROOT", RegisteredClaims: base})); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token for unknown role, got %v", err)
	}

	anonymous := base
	anonymous.Subject = ""
	if _, err := validator.ValidateToken(signClaims(t, Claims{RegisteredClaims: anonymous})); !errors.Is(err, ErrMissingSessionSubject) {
		t.Fatalf("expected missing subject error, got %v", err)
	}
}

func TestSessionValidatorValidateRequest(t *testing.T) {
	validator := mustValidator(t, nil)
	signed := signClaims(t, Claims{Role: "MAINTENANCE", RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    testIssuer,
		Audience:  []string{testAudience},
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}})

	headerRequest := httptest.NewRequest(http.MethodGet, "/v1/conflicts", http.NoBody)
	headerRequest.Header.Set("Authorization", "Bearer "+signed)
	claims, err := validator.ValidateRequest(headerRequest)
	if err != nil {
		t.Fatalf("header validation failed: %v", err)
	}
	if claims.Subject != "ops" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}

	cookieRequest := httptest.NewRequest(http.MethodGet, "/v1/sync/stream", http.NoBody)
	cookieRequest.AddCookie(&http.Cookie{Name: testCookieName, Value: signed})
	if _, err := validator.ValidateRequest(cookieRequest); err != nil {
		t.Fatalf("cookie validation failed: %v", err)
	}

	basicRequest := httptest.NewRequest(http.MethodGet, "/v1/conflicts", http.NoBody)
	basicRequest.Header.Set("Authorization", "Basic abc")
	if _, err := validator.ValidateRequest(basicRequest); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token for non-bearer header, got %v", err)
	}
}
