package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbrainhub/neuroagent/internal/domain"
	"github.com/openbrainhub/neuroagent/internal/ports"
)

type fakeGate struct {
	user   *ports.UserInfo
	tokens []string
}

func (g *fakeGate) Verify(_ context.Context, token string) (*ports.UserInfo, error) {
	g.tokens = append(g.tokens, token)
	if g.user == nil {
		return nil, domain.ErrInvalidToken
	}
	return g.user, nil
}

func (g *fakeGate) CheckProjectAccess(context.Context, *ports.UserInfo, string, string) bool {
	return true
}

func authProbe(gate ports.AuthGate, seen **ports.UserInfo) http.Handler {
	return Auth(gate)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*seen = GetUser(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
}

func TestAuth_ValidToken(t *testing.T) {
	gate := &fakeGate{user: &ports.UserInfo{Sub: "user-1", Username: "ada"}}
	var seen *ports.UserInfo
	h := authProbe(gate, &seen)

	req := httptest.NewRequest(http.MethodGet, "/threads", nil)
	req.Header.Set("Authorization", "Bearer tok-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "user-1", seen.Sub)
	assert.Equal(t, []string{"tok-123"}, gate.tokens)
}

func TestAuth_MissingHeader(t *testing.T) {
	gate := &fakeGate{user: &ports.UserInfo{Sub: "user-1"}}
	var seen *ports.UserInfo
	h := authProbe(gate, &seen)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/threads", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"detail":{"detail":"Invalid or expired token."}}`, rec.Body.String())
	assert.Nil(t, seen)
	assert.Empty(t, gate.tokens, "gate must not be consulted without a token")
}

func TestAuth_WrongScheme(t *testing.T) {
	gate := &fakeGate{user: &ports.UserInfo{Sub: "user-1"}}
	var seen *ports.UserInfo
	h := authProbe(gate, &seen)

	req := httptest.NewRequest(http.MethodGet, "/threads", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Nil(t, seen)
}

func TestAuth_RejectedToken(t *testing.T) {
	gate := &fakeGate{}
	var seen *ports.UserInfo
	h := authProbe(gate, &seen)

	req := httptest.NewRequest(http.MethodGet, "/threads", nil)
	req.Header.Set("Authorization", "Bearer expired")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Nil(t, seen)
}

func TestGetUser_OutsideAuthedRoute(t *testing.T) {
	assert.Nil(t, GetUser(context.Background()))
}
