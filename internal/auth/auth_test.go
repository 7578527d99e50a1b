package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	secret = "test-secret"
	userID = "6f1c1f0e-3b7a-4c55-9d2e-6f0a7d1e2b01"
)

func sign(t *testing.T, key string, method jwt.SigningMethod, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(method, claims).SignedString([]byte(key))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func userClaims(sub string, exp time.Time) jwt.MapClaims {
	return jwt.MapClaims{"sub": sub, "role": RoleAuthenticated, "aud": "authenticated", "exp": exp.Unix()}
}

func TestVerify(t *testing.T) {
	v := NewVerifier(secret)
	future := time.Now().Add(time.Hour)

	id, err := v.Verify(sign(t, secret, jwt.SigningMethodHS256, userClaims(userID, future)))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserID != userID || id.IsService() {
		t.Fatalf("identity = %+v", id)
	}

	svc, err := v.Verify(sign(t, secret, jwt.SigningMethodHS256, jwt.MapClaims{"role": RoleService, "exp": future.Unix()}))
	if err != nil || !svc.IsService() {
		t.Fatalf("service token: %+v err=%v", svc, err)
	}

	bad := map[string]string{
		"expired":      sign(t, secret, jwt.SigningMethodHS256, userClaims(userID, time.Now().Add(-time.Minute))),
		"wrong secret": sign(t, "other", jwt.SigningMethodHS256, userClaims(userID, future)),
		"wrong alg":    sign(t, secret, jwt.SigningMethodHS512, userClaims(userID, future)),
		"bad subject":  sign(t, secret, jwt.SigningMethodHS256, userClaims("not-a-uuid", future)),
		"no subject":   sign(t, secret, jwt.SigningMethodHS256, jwt.MapClaims{"role": RoleAuthenticated, "exp": future.Unix()}),
		"no expiry":    sign(t, secret, jwt.SigningMethodHS256, jwt.MapClaims{"sub": userID, "role": RoleAuthenticated}),
		"garbage":      "not.a.jwt",
	}
	for name, tok := range bad {
		if _, err := v.Verify(tok); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("%s: err = %v, want ErrInvalidToken", name, err)
		}
	}

	if _, err := NewVerifier("").Verify(sign(t, "x", jwt.SigningMethodHS256, userClaims(userID, future))); err == nil {
		t.Error("empty secret accepted a token")
	}
}

func TestMiddleware(t *testing.T) {
	v := NewVerifier(secret)
	var seen Identity
	h := Middleware(v)(RequireUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})))

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"invalid", "Bearer nope", http.StatusUnauthorized},
		{"service on user route", "Bearer " + sign(t, secret, jwt.SigningMethodHS256,
			jwt.MapClaims{"role": RoleService, "exp": time.Now().Add(time.Hour).Unix()}), http.StatusForbidden},
		{"valid", "Bearer " + sign(t, secret, jwt.SigningMethodHS256, userClaims(userID, time.Now().Add(time.Hour))), http.StatusNoContent},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Errorf("%s: status %d, want %d", tc.name, rec.Code, tc.want)
		}
	}
	if seen.UserID != userID {
		t.Fatalf("identity in context = %+v", seen)
	}
}

func TestRequireService(t *testing.T) {
	h := RequireService(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req.WithContext(WithIdentity(req.Context(), Identity{UserID: userID, Role: RoleAuthenticated})))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("user status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req.WithContext(WithIdentity(req.Context(), Identity{Role: RoleService})))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("service status = %d", rec.Code)
	}
}
