package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler(t *testing.T, wantSubject string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := SubjectName(r.Context()); got != wantSubject {
			t.Errorf("unexpected subject %q", got)
		}
		w.WriteHeader(http.StatusAccepted)
	})
}

func serve(h http.Handler, token string) int {
	req := httptest.NewRequest(http.MethodPost, "/api/pipeline/L-1/execute", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestDisabledModePassesThrough(t *testing.T) {
	svc, err := NewService(Config{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if code := serve(svc.Require(PermPipelineOperate)(okHandler(t, "anonymous")), ""); code != http.StatusAccepted {
		t.Fatalf("expected pass-through, got %d", code)
	}
}

func TestJWTMode(t *testing.T) {
	svc, err := NewService(Config{Mode: ModeJWT, Secret: "s3cret"})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	full, err := svc.IssueToken("glenn", nil, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	limited, _ := svc.IssueToken("viewer", []string{PermRuntimeWrite}, time.Hour)

	h := svc.Require(PermPipelineOperate)(okHandler(t, "glenn"))
	if code := serve(h, full); code != http.StatusAccepted {
		t.Fatalf("expected accepted, got %d", code)
	}
	if code := serve(h, ""); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", code)
	}
	if code := serve(h, limited); code != http.StatusForbidden {
		t.Fatalf("expected 403 for missing permission, got %d", code)
	}
	if code := serve(h, "not.a.jwt"); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", code)
	}

	other, _ := NewService(Config{Mode: ModeJWT, Secret: "different"})
	forged, _ := other.IssueToken("glenn", nil, time.Hour)
	if code := serve(h, forged); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong signature, got %d", code)
	}
}

func TestJWTExpiry(t *testing.T) {
	svc, _ := NewService(Config{Mode: ModeJWT, Secret: "s3cret"})
	issued := time.Now().Add(-2 * time.Hour)
	svc.now = func() time.Time { return issued }
	token, _ := svc.IssueToken("glenn", nil, time.Hour)
	svc.now = time.Now
	if _, err := svc.AuthenticateRequest(context.Background(), "Bearer "+token); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestStaticTokenMode(t *testing.T) {
	svc, err := NewService(Config{Mode: ModeToken, StaticTokens: []string{" ops-token "}})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	h := svc.Require(PermRuntimeWrite)(okHandler(t, "static-token"))
	if code := serve(h, "ops-token"); code != http.StatusAccepted {
		t.Fatalf("expected accepted, got %d", code)
	}
	if code := serve(h, "wrong"); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestMisconfiguration(t *testing.T) {
	if _, err := NewService(Config{Mode: ModeJWT}); err == nil {
		t.Fatalf("jwt mode without secret must fail")
	}
	if _, err := NewService(Config{Mode: ModeToken}); err == nil {
		t.Fatalf("token mode without tokens must fail")
	}
	if _, err := ParseMode("oauth"); err == nil {
		t.Fatalf("expected unknown mode error")
	}
	if mode, _ := ParseMode(" JWT "); mode != ModeJWT {
		t.Fatalf("unexpected mode %q", mode)
	}
}
