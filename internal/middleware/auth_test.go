package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/chatauth/internal/auth"
	"github.com/hitoshi/chatauth/internal/model"
)

// mockTokenValidator はTokenValidatorのモック実装。
type mockTokenValidator struct {
	validateFn func(token string) (*auth.SessionClaims, error)
}

func (m *mockTokenValidator) Validate(token string) (*auth.SessionClaims, error) {
	if m.validateFn != nil {
		return m.validateFn(token)
	}
	return nil, auth.ErrInvalidToken
}

func claimsFor(accountID string) *auth.SessionClaims {
	c := &auth.SessionClaims{}
	c.Subject = accountID
	return c
}

func newTestTokenIssuer(t *testing.T) *auth.TokenIssuer {
	t.Helper()
	issuer, err := auth.NewTokenIssuer(auth.TokenConfig{
		Secret: []byte("middleware-test-secret"),
		TTL:    time.Minute,
		Issuer: "chatauth",
	})
	if err != nil {
		t.Fatalf("NewTokenIssuer error: %v", err)
	}
	return issuer
}

func assertUnauthenticated(t *testing.T, w *httptest.ResponseRecorder) {
	t.Helper()
	resp := w.Result()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Code != model.ErrCodeUnauthenticated {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeUnauthenticated)
	}
}

// TestAuthMiddleware_ValidToken_InjectsAccountID は有効なトークンでアカウントIDがコンテキストに注入されることを検証する。
func TestAuthMiddleware_ValidToken_InjectsAccountID(t *testing.T) {
	issuer := newTestTokenIssuer(t)
	token, _, err := issuer.Issue("acc-123")
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}

	var captured string
	handler := NewAuthMiddleware(issuer)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = AccountIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
	if captured != "acc-123" {
		t.Errorf("accountID = %q, want %q", captured, "acc-123")
	}
}

// スキーム名は大文字小文字を区別しない
func TestAuthMiddleware_LowercaseScheme_Accepted(t *testing.T) {
	validator := &mockTokenValidator{
		validateFn: func(token string) (*auth.SessionClaims, error) {
			if token != "tok" {
				t.Errorf("token = %q, want %q", token, "tok")
			}
			return claimsFor("acc-1"), nil
		},
	}

	handler := NewAuthMiddleware(validator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("Authorization", "bearer tok")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
}

func TestAuthMiddleware_Rejects(t *testing.T) {
	issuer := newTestTokenIssuer(t)
	expired, _, err := issuer.IssueWithTTL("acc-1", -time.Minute)
	if err != nil {
		t.Fatalf("IssueWithTTL error: %v", err)
	}

	tests := []struct {
		name   string
		header string
	}{
		{"no header", ""},
		{"wrong scheme", "Basic dXNlcjpwYXNz"},
		{"scheme only", "Bearer"},
		{"empty token", "Bearer   "},
		{"garbage token", "Bearer not-a-jwt"},
		{"expired token", "Bearer " + expired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewAuthMiddleware(issuer)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler should not be called")
			}))

			req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			assertUnauthenticated(t, w)
		})
	}
}

// サブジェクトが空のクレームは未認証として扱う
func TestAuthMiddleware_EmptySubject_Returns401(t *testing.T) {
	validator := &mockTokenValidator{
		validateFn: func(string) (*auth.SessionClaims, error) { return claimsFor(""), nil },
	}

	handler := NewAuthMiddleware(validator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("Authorization", "Bearer token")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assertUnauthenticated(t, w)
}

func TestAuthMiddleware_ValidatorError_Returns401(t *testing.T) {
	validator := &mockTokenValidator{
		validateFn: func(string) (*auth.SessionClaims, error) { return nil, errors.New("boom") },
	}

	handler := NewAuthMiddleware(validator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("Authorization", "Bearer token")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assertUnauthenticated(t, w)
}

func TestAccountIDFromContext_NoValue_ReturnsError(t *testing.T) {
	if _, err := AccountIDFromContext(context.Background()); err == nil {
		t.Error("expected error for empty context")
	}
}

func TestAccountIDFromContext_ValidValue_ReturnsAccountID(t *testing.T) {
	ctx := ContextWithAccountID(context.Background(), "acc-456")
	accountID, err := AccountIDFromContext(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if accountID != "acc-456" {
		t.Errorf("accountID = %q, want %q", accountID, "acc-456")
	}
}
