package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newJWTService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Config{Mode: ModeJWT, Secret: testSecret, TokenTTL: time.Minute})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestIssueAndAuthenticate(t *testing.T) {
	svc := newJWTService(t)
	token, expires, err := svc.Issue("merchant-1", PermProofsRead)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !expires.After(time.Now()) {
		t.Fatalf("expected future expiry, got %v", expires)
	}

	subject, err := svc.AuthenticateRequest(context.Background(), "Bearer "+token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if subject.ID != "merchant-1" {
		t.Fatalf("unexpected subject: %+v", subject)
	}
	if err := subject.Authorize(PermProofsRead); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if err := subject.Authorize(PermSessionsOpen); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
}

func TestRejectsExpiredAndForeignTokens(t *testing.T) {
	svc := newJWTService(t)
	token, _, err := svc.Issue("merchant-1", "*")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	svc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := svc.AuthenticateRequest(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}

	other, err := NewService(Config{Mode: ModeJWT, Secret: "ffffffffffffffffffffffffffffffff"})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	foreign, _, err := other.Issue("intruder", "*")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	svc.now = time.Now
	if _, err := svc.AuthenticateRequest(context.Background(), foreign); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected foreign token to be rejected, got %v", err)
	}
	if _, err := svc.AuthenticateRequest(context.Background(), ""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token, got %v", err)
	}
}

func TestNewServiceRejectsShortSecret(t *testing.T) {
	if _, err := NewService(Config{Mode: ModeJWT, Secret: "short"}); err == nil {
		t.Fatalf("expected short secret to be rejected")
	}
	if _, err := NewService(Config{Mode: "oauth"}); err == nil {
		t.Fatalf("expected unknown mode to be rejected")
	}
}

func TestMiddleware(t *testing.T) {
	svc := newJWTService(t)
	reader, _, err := svc.Issue("reader", PermProofsRead)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	var seen *Subject
	handler := svc.Middleware(PermSessionsOpen)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		name   string
		target string
		header string
		status int
	}{
		{name: "missing token", target: "/ws", status: http.StatusUnauthorized},
		{name: "missing permission", target: "/ws", header: "Bearer " + reader, status: http.StatusForbidden},
		{name: "garbage token", target: "/ws?access_token=abc", status: http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.status {
				t.Fatalf("unexpected status: got %d want %d", rec.Code, tc.status)
			}
		})
	}

	opener, _, err := svc.Issue("opener", PermSessionsOpen)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/ws?access_token="+opener, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("unexpected status: got %d want %d", rec.Code, http.StatusNoContent)
	}
	if seen == nil || seen.ID != "opener" {
		t.Fatalf("expected subject in context, got %+v", seen)
	}
}

func TestDisabledModeAllowsEverything(t *testing.T) {
	svc, err := NewService(Config{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	handler := svc.Middleware(PermProofsRead)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/outcomes", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}
