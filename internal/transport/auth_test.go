package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/postcraft/internal/config"
	"github.com/pitabwire/postcraft/model"
)

// --- test helpers ---

var testSecret = []byte("super-secret-jwt-token-with-at-least-32-characters")

func generateRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

func generateECKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

func rsaKeyToJWK(kid string, pub *rsa.PublicKey) map[string]any {
	return map[string]any{
		"kid": kid,
		"kty": "RSA",
		"alg": "RS256",
		"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

func ecKeyToJWK(kid string, pub *ecdsa.PublicKey) map[string]any {
	return map[string]any{
		"kid": kid,
		"kty": "EC",
		"crv": "P-256",
		"x":   base64.RawURLEncoding.EncodeToString(pub.X.Bytes()),
		"y":   base64.RawURLEncoding.EncodeToString(pub.Y.Bytes()),
	}
}

func startJWKSServer(t *testing.T, hits *atomic.Int32, keys ...map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"keys": keys})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func signJWT(t *testing.T, key any, method jwt.SigningMethod, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(method, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return s
}

func testIdentityCfg() config.IdentityConfig {
	return config.IdentityConfig{
		Issuer:     "https://project.supabase.co/auth/v1",
		Audience:   "authenticated",
		Algorithms: []string{"RS256", "ES256", "HS256"},
	}
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":        "user-1",
		"email":      "analyst@example.com",
		"role":       "authenticated",
		"session_id": "sess-1",
		"iss":        "https://project.supabase.co/auth/v1",
		"aud":        "authenticated",
		"exp":        jwt.NewNumericDate(time.Now().Add(1 * time.Hour)),
		"iat":        jwt.NewNumericDate(time.Now()),
	}
}

func mustVerifier(t *testing.T, cfg config.IdentityConfig, jwks *JWKSClient, secret []byte) *Verifier {
	t.Helper()
	v, err := NewVerifier(cfg, jwks, secret)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return v
}

// authStatus runs tokenStr through the authenticator chain and returns the
// status and the subject seen by the handler.
func authStatus(t *testing.T, v *Verifier, header string) (int, string, *model.ErrorEnvelope) {
	t.Helper()
	var subject string
	h := JWTAuthenticator(v)(BuildRequestContext(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject = model.MustRequestContext(r.Context()).SubjectID
		w.WriteHeader(http.StatusOK)
	})))

	req := httptest.NewRequest(http.MethodGet, "/api/profile", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code == http.StatusOK {
		return w.Code, subject, nil
	}
	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	return w.Code, subject, &resp.Error
}

// --- JWKSClient ---

func TestJWKSClient_GetKey_RSA(t *testing.T) {
	rsaKey := generateRSAKey(t)
	srv := startJWKSServer(t, nil, rsaKeyToJWK("rsa-1", &rsaKey.PublicKey))

	key, err := NewJWKSClient(srv.URL, time.Hour).GetKey(context.Background(), "rsa-1")
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		t.Fatalf("key type = %T, want *rsa.PublicKey", key)
	}
	if pub.N.Cmp(rsaKey.PublicKey.N) != 0 {
		t.Error("RSA modulus mismatch")
	}
}

func TestJWKSClient_GetKey_EC(t *testing.T) {
	ecKey := generateECKey(t)
	srv := startJWKSServer(t, nil, ecKeyToJWK("ec-1", &ecKey.PublicKey))

	key, err := NewJWKSClient(srv.URL, time.Hour).GetKey(context.Background(), "ec-1")
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	pub, ok := key.(*ecdsa.PublicKey)
	if !ok {
		t.Fatalf("key type = %T, want *ecdsa.PublicKey", key)
	}
	if pub.X.Cmp(ecKey.PublicKey.X) != 0 || pub.Y.Cmp(ecKey.PublicKey.Y) != 0 {
		t.Error("EC point mismatch")
	}
}

func TestJWKSClient_caching(t *testing.T) {
	rsaKey := generateRSAKey(t)
	var hits atomic.Int32
	srv := startJWKSServer(t, &hits, rsaKeyToJWK("rsa-1", &rsaKey.PublicKey))
	client := NewJWKSClient(srv.URL, time.Hour)

	for range 3 {
		if _, err := client.GetKey(context.Background(), "rsa-1"); err != nil {
			t.Fatalf("GetKey: %v", err)
		}
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("JWKS fetched %d times, want 1", n)
	}

	if _, err := client.GetKey(context.Background(), "missing"); err == nil {
		t.Error("expected error for unknown kid")
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("unknown kid inside min refresh refetched: %d fetches", n)
	}
}

func TestJWKSClient_HealthCheck(t *testing.T) {
	rsaKey := generateRSAKey(t)
	srv := startJWKSServer(t, nil, rsaKeyToJWK("rsa-1", &rsaKey.PublicKey))
	if err := NewJWKSClient(srv.URL, time.Hour).HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(down.Close)
	if err := NewJWKSClient(down.URL, time.Hour).HealthCheck(context.Background()); err == nil {
		t.Error("expected error from failing JWKS endpoint")
	}
}

// --- Verifier / JWTAuthenticator ---

func TestNewVerifier_requiresKeySource(t *testing.T) {
	if _, err := NewVerifier(testIdentityCfg(), nil, nil); err == nil {
		t.Error("expected error without JWKS or secret")
	}
}

func TestJWTAuthenticator_HS256(t *testing.T) {
	v := mustVerifier(t, testIdentityCfg(), nil, testSecret)
	token := signJWT(t, testSecret, jwt.SigningMethodHS256, "", validClaims())

	code, subject, _ := authStatus(t, v, "Bearer "+token)
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if subject != "user-1" {
		t.Errorf("subject = %q, want user-1", subject)
	}
}

func TestJWTAuthenticator_RS256viaJWKS(t *testing.T) {
	rsaKey := generateRSAKey(t)
	srv := startJWKSServer(t, nil, rsaKeyToJWK("rsa-1", &rsaKey.PublicKey))
	v := mustVerifier(t, testIdentityCfg(), NewJWKSClient(srv.URL, time.Hour), testSecret)

	token := signJWT(t, rsaKey, jwt.SigningMethodRS256, "rsa-1", validClaims())
	if code, _, _ := authStatus(t, v, "Bearer "+token); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
}

func TestJWTAuthenticator_ES256viaJWKS(t *testing.T) {
	ecKey := generateECKey(t)
	srv := startJWKSServer(t, nil, ecKeyToJWK("ec-1", &ecKey.PublicKey))
	v := mustVerifier(t, testIdentityCfg(), NewJWKSClient(srv.URL, time.Hour), nil)

	token := signJWT(t, ecKey, jwt.SigningMethodES256, "ec-1", validClaims())
	if code, _, _ := authStatus(t, v, "Bearer "+token); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
}

func TestJWTAuthenticator_rejections(t *testing.T) {
	rsaKey := generateRSAKey(t)
	srv := startJWKSServer(t, nil, rsaKeyToJWK("rsa-1", &rsaKey.PublicKey))
	v := mustVerifier(t, testIdentityCfg(), NewJWKSClient(srv.URL, time.Hour), testSecret)

	with := func(mutate func(jwt.MapClaims)) jwt.MapClaims {
		c := validClaims()
		mutate(c)
		return c
	}

	tests := []struct {
		name    string
		header  string
		message string
	}{
		{"missing header", "", "Missing authorization header"},
		{"wrong scheme", "Basic dXNlcjpwYXNz", "Invalid authorization header format"},
		{"expired", "Bearer " + signJWT(t, testSecret, jwt.SigningMethodHS256, "",
			with(func(c jwt.MapClaims) { c["exp"] = jwt.NewNumericDate(time.Now().Add(-time.Hour)) })), "Token expired"},
		{"wrong issuer", "Bearer " + signJWT(t, testSecret, jwt.SigningMethodHS256, "",
			with(func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com" })), "Invalid token issuer"},
		{"wrong audience", "Bearer " + signJWT(t, testSecret, jwt.SigningMethodHS256, "",
			with(func(c jwt.MapClaims) { c["aud"] = "anon" })), "Invalid token audience"},
		{"missing exp", "Bearer " + signJWT(t, testSecret, jwt.SigningMethodHS256, "",
			with(func(c jwt.MapClaims) { delete(c, "exp") })), "Token is missing a required claim"},
		{"missing sub", "Bearer " + signJWT(t, testSecret, jwt.SigningMethodHS256, "",
			with(func(c jwt.MapClaims) { delete(c, "sub") })), "Token has no subject"},
		{"bad secret", "Bearer " + signJWT(t, []byte("another-secret-that-is-long-enough-xx"), jwt.SigningMethodHS256, "",
			validClaims()), "Invalid token signature"},
		{"disallowed alg", "Bearer " + signJWT(t, testSecret, jwt.SigningMethodHS512, "", validClaims()),
			"Disallowed signing algorithm"},
		{"unknown kid", "Bearer " + signJWT(t, rsaKey, jwt.SigningMethodRS256, "nope", validClaims()),
			"Unknown signing key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, env := authStatus(t, v, tt.header)
			if code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", code)
			}
			if env.Code != model.ErrUnauthorized {
				t.Errorf("code = %q, want UNAUTHORIZED", env.Code)
			}
			if env.Message != tt.message {
				t.Errorf("message = %q, want %q", env.Message, tt.message)
			}
		})
	}
}

func TestJWTAuthenticator_clockSkewTolerance(t *testing.T) {
	v := mustVerifier(t, testIdentityCfg(), nil, testSecret)
	c := validClaims()
	c["exp"] = jwt.NewNumericDate(time.Now().Add(-10 * time.Second))
	token := signJWT(t, testSecret, jwt.SigningMethodHS256, "", c)

	if code, _, _ := authStatus(t, v, "Bearer "+token); code != http.StatusOK {
		t.Errorf("status = %d, want 200 within leeway", code)
	}
}
