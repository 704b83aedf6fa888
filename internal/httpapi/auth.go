package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"
)

// tokenAudience pins tokens to this service; tokens minted for anything else
// are rejected even when the signing secret is shared.
const tokenAudience = "casemover"

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func unauthorized(message string) *authError {
	return &authError{status: 401, code: "unauthorized", message: message}
}

func forbidden(message string) *authError {
	return &authError{status: 403, code: "forbidden", message: message}
}

// scopeSet holds the operations a token may perform, e.g. imports:write.
type scopeSet map[string]struct{}

func (s scopeSet) has(scope string) bool {
	_, ok := s[scope]
	return ok
}

// tokenClaims is the verified identity behind a request: the organization the
// token operates on, the operator name for audit trails, and the granted
// scopes.
type tokenClaims struct {
	OrgID    string
	Operator string
	Scopes   scopeSet
}

// wireClaims is the raw JWT payload. Scopes stay raw because tokens in the
// wild carry them either as a JSON array or as one space-separated string.
type wireClaims struct {
	OrgID    string          `json:"org_id"`
	Operator string          `json:"operator"`
	Audience string          `json:"aud"`
	Scopes   json.RawMessage `json:"scopes"`
	Expires  json.Number     `json:"exp"`
}

// authorizeBearer verifies the compact HS256 token in the Authorization
// header and checks the required scope. Malformed, mis-signed, or expired
// tokens are 401; a valid token lacking the scope is 403.
func authorizeBearer(authHeader, jwtSecret, requiredScope string, now time.Time) (tokenClaims, *authError) {
	wire, authErr := verifyToken(authHeader, jwtSecret)
	if authErr != nil {
		return tokenClaims{}, authErr
	}
	claims, expires, authErr := claimsFromWire(wire)
	if authErr != nil {
		return tokenClaims{}, authErr
	}
	if !now.Before(expires) {
		return tokenClaims{}, unauthorized("token expired")
	}
	if requiredScope != "" && !claims.Scopes.has(requiredScope) {
		return tokenClaims{}, forbidden("missing required scope: " + requiredScope)
	}
	return claims, nil
}

// verifyToken checks the token's shape and signature, returning the decoded
// payload. Claims are not judged here.
func verifyToken(authHeader, jwtSecret string) (wireClaims, *authError) {
	raw, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return wireClaims{}, unauthorized("missing or invalid bearer token")
	}
	segments := strings.Split(strings.TrimSpace(raw), ".")
	if len(segments) != 3 {
		return wireClaims{}, unauthorized("invalid jwt format")
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(segments[0])
	if err != nil {
		return wireClaims{}, unauthorized("invalid jwt header")
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return wireClaims{}, unauthorized("invalid jwt header")
	}
	if header.Alg != "HS256" {
		// Never fall through to whatever alg the token names.
		return wireClaims{}, unauthorized("unsupported jwt algorithm")
	}

	signature, err := base64.RawURLEncoding.DecodeString(segments[2])
	if err != nil {
		return wireClaims{}, unauthorized("invalid jwt signature")
	}
	mac := hmac.New(sha256.New, []byte(jwtSecret))
	mac.Write([]byte(segments[0] + "." + segments[1]))
	if !hmac.Equal(signature, mac.Sum(nil)) {
		return wireClaims{}, unauthorized("jwt signature mismatch")
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(segments[1])
	if err != nil {
		return wireClaims{}, unauthorized("invalid jwt payload")
	}
	var wire wireClaims
	if err := json.Unmarshal(payloadBytes, &wire); err != nil {
		return wireClaims{}, unauthorized("invalid jwt payload")
	}
	return wire, nil
}

// claimsFromWire validates the decoded payload against this service's claim
// model and returns the usable claims plus the expiry instant.
func claimsFromWire(wire wireClaims) (tokenClaims, time.Time, *authError) {
	if wire.Audience != tokenAudience {
		return tokenClaims{}, time.Time{}, unauthorized("invalid aud claim")
	}
	if wire.OrgID == "" {
		return tokenClaims{}, time.Time{}, unauthorized("missing org_id claim")
	}
	if wire.Operator == "" {
		return tokenClaims{}, time.Time{}, unauthorized("missing operator claim")
	}
	expSeconds, err := wire.Expires.Int64()
	if err != nil {
		return tokenClaims{}, time.Time{}, unauthorized("invalid exp claim")
	}
	scopes := decodeScopes(wire.Scopes)
	if len(scopes) == 0 {
		return tokenClaims{}, time.Time{}, forbidden("no scopes granted")
	}
	claims := tokenClaims{
		OrgID:    wire.OrgID,
		Operator: wire.Operator,
		Scopes:   scopes,
	}
	return claims, time.Unix(expSeconds, 0), nil
}

func decodeScopes(raw json.RawMessage) scopeSet {
	scopes := scopeSet{}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		for _, scope := range list {
			if scope != "" {
				scopes[scope] = struct{}{}
			}
		}
		return scopes
	}
	var joined string
	if err := json.Unmarshal(raw, &joined); err == nil {
		for _, scope := range strings.Fields(joined) {
			scopes[scope] = struct{}{}
		}
	}
	return scopes
}
