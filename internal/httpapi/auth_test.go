package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

// signClaims builds an HS256 token over an arbitrary claims map, for cases
// mustTestJWT's fixed shape cannot express.
func signClaims(t *testing.T, secret string, claims map[string]any) string {
	t.Helper()
	headerBytes, err := json.Marshal(map[string]any{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		t.Fatalf("marshal jwt header: %v", err)
	}
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal jwt payload: %v", err)
	}
	signingInput := base64.RawURLEncoding.EncodeToString(headerBytes) + "." + base64.RawURLEncoding.EncodeToString(payloadBytes)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func TestAuthorizeBearerAcceptsValidToken(t *testing.T) {
	token := mustTestJWT(t, "dev-secret", "org_1", "Operator1", []string{"imports:write"}, time.Now().Add(time.Hour))

	claims, authErr := authorizeBearer("Bearer "+token, "dev-secret", "imports:write", time.Now())
	if authErr != nil {
		t.Fatalf("expected token accepted, got %v", authErr)
	}
	if claims.OrgID != "org_1" || claims.Operator != "Operator1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestAuthorizeBearerRejectsExpiredToken(t *testing.T) {
	token := mustTestJWT(t, "dev-secret", "org_1", "Operator1", []string{"imports:read"}, time.Now().Add(-time.Minute))

	_, authErr := authorizeBearer("Bearer "+token, "dev-secret", "imports:read", time.Now())
	if authErr == nil || authErr.status != 401 {
		t.Fatalf("expected 401 for expired token, got %v", authErr)
	}
}

func TestAuthorizeBearerRejectsForeignAudience(t *testing.T) {
	token := signClaims(t, "dev-secret", map[string]any{
		"org_id":   "org_1",
		"operator": "Operator1",
		"scopes":   []string{"imports:read"},
		"exp":      time.Now().Add(time.Hour).Unix(),
		"aud":      "some-other-service",
	})

	_, authErr := authorizeBearer("Bearer "+token, "dev-secret", "imports:read", time.Now())
	if authErr == nil || authErr.status != 401 {
		t.Fatalf("expected 401 for foreign audience, got %v", authErr)
	}
}

func TestAuthorizeBearerMissingScopeIsForbidden(t *testing.T) {
	token := mustTestJWT(t, "dev-secret", "org_1", "Operator1", []string{"imports:read"}, time.Now().Add(time.Hour))

	_, authErr := authorizeBearer("Bearer "+token, "dev-secret", "imports:write", time.Now())
	if authErr == nil || authErr.status != 403 {
		t.Fatalf("expected 403 without imports:write, got %v", authErr)
	}
}

func TestAuthorizeBearerAcceptsSpaceSeparatedScopes(t *testing.T) {
	token := signClaims(t, "dev-secret", map[string]any{
		"org_id":   "org_1",
		"operator": "Operator1",
		"scopes":   "imports:read manifest:read",
		"exp":      time.Now().Add(time.Hour).Unix(),
		"aud":      tokenAudience,
	})

	claims, authErr := authorizeBearer("Bearer "+token, "dev-secret", "manifest:read", time.Now())
	if authErr != nil {
		t.Fatalf("expected space-separated scopes accepted, got %v", authErr)
	}
	if !claims.Scopes.has("imports:read") {
		t.Fatalf("expected both scopes granted, got %v", claims.Scopes)
	}
}

func TestAuthorizeBearerRejectsTamperedSignature(t *testing.T) {
	token := mustTestJWT(t, "dev-secret", "org_1", "Operator1", []string{"imports:read"}, time.Now().Add(time.Hour))
	parts := strings.Split(token, ".")
	tampered := parts[0] + "." + parts[1] + "." + base64.RawURLEncoding.EncodeToString([]byte("forged-signature-bytes"))

	_, authErr := authorizeBearer("Bearer "+tampered, "dev-secret", "imports:read", time.Now())
	if authErr == nil || authErr.status != 401 {
		t.Fatalf("expected 401 for tampered signature, got %v", authErr)
	}
}
