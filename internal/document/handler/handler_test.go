package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signgate/internal/document/models"
	"signgate/internal/document/service"
	"signgate/internal/document/store"
	"signgate/internal/platform/logger"
	"signgate/internal/platform/middleware"
	"signgate/internal/policy"
	"signgate/internal/provider"
	"signgate/pkg/domain"
	"signgate/pkg/testutil"
)

// stubValidator maps bearer tokens straight to claims.
type stubValidator struct {
	tokens map[string]*middleware.JWTClaims
}

func (v *stubValidator) ValidateToken(token string) (*middleware.JWTClaims, error) {
	claims, ok := v.tokens[token]
	if !ok {
		return nil, fmt.Errorf("unknown token")
	}
	return claims, nil
}

type handlerFixture struct {
	store    *store.InMemoryStore
	service  *service.Service
	provider *provider.MockClient
	router   *chi.Mux
	userID   domain.UserID
	adminID  domain.UserID
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()

	f := &handlerFixture{
		store:    store.NewInMemoryStore(),
		provider: &provider.MockClient{},
		userID:   domain.NewUserID(),
		adminID:  domain.NewUserID(),
	}

	var err error
	f.service, err = service.New(f.store, policy.Default(), f.provider)
	require.NoError(t, err)

	validator := &stubValidator{tokens: map[string]*middleware.JWTClaims{
		"user-token":  {UserID: f.userID.String(), Role: "contractor"},
		"admin-token": {UserID: f.adminID.String(), Role: "admin"},
	}}

	h := New(f.service, logger.New(slog.LevelError), validator)
	f.router = chi.NewRouter()
	h.Register(f.router)
	return f
}

func (f *handlerFixture) do(t *testing.T, method, path, token, accept string) *httptest.ResponseRecorder {
	t.Helper()
	req := testutil.NewRequest(t, method, path)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	return testutil.DoRequest(f.router, req)
}

func TestHandler_RequiresAuth(t *testing.T) {
	f := newHandlerFixture(t)

	for _, path := range []string{"/documents/required", "/documents/status"} {
		rec := f.do(t, http.MethodGet, path, "", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestHandler_Status(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()

	artifact, err := f.service.Issue(ctx, f.userID, policy.DocServiceAgreement, policy.Context{JobID: "job-1"})
	require.NoError(t, err)
	require.NoError(t, f.service.HandleProviderEvent(ctx, artifact.ProviderEnvelopeID, service.ProviderStatusCompleted, time.Now()))

	rec := f.do(t, http.MethodGet, "/documents/status", "user-token", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Documents []struct {
			ID           string     `json:"id"`
			DocumentType string     `json:"document_type"`
			Status       string     `json:"status"`
			ExpiresAt    *time.Time `json:"expires_at"`
		} `json:"documents"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Documents, 1)
	assert.Equal(t, artifact.ID.String(), resp.Documents[0].ID)
	assert.Equal(t, string(models.StatusCompleted), resp.Documents[0].Status)
	assert.NotNil(t, resp.Documents[0].ExpiresAt)
}

func TestHandler_Required(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()

	pending, err := f.service.Issue(ctx, f.userID, policy.DocServiceAgreement, policy.Context{})
	require.NoError(t, err)
	signed, err := f.service.Issue(ctx, f.userID, policy.DocTaxForm, policy.Context{})
	require.NoError(t, err)
	require.NoError(t, f.service.HandleProviderEvent(ctx, signed.ProviderEnvelopeID, service.ProviderStatusCompleted, time.Now()))

	t.Run("json lists only in-flight artifacts", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/documents/required", "user-token", "application/json")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Pending []struct {
				ID         string `json:"id"`
				SigningURL string `json:"signing_url"`
			} `json:"pending"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Pending, 1)
		assert.Equal(t, pending.ID.String(), resp.Pending[0].ID)
		assert.NotEmpty(t, resp.Pending[0].SigningURL)
	})

	t.Run("browser gets html with signing link", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/documents/required", "user-token", "text/html")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
		assert.Contains(t, rec.Body.String(), pending.SigningURL)
	})
}

func TestHandler_Retry(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()

	f.provider.FailSends = true
	failed, err := f.service.Issue(ctx, f.userID, policy.DocServiceAgreement, policy.Context{})
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, failed.Status)
	f.provider.FailSends = false

	t.Run("invalid id", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/documents/not-a-uuid/retry", "user-token", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("someone else's artifact", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/documents/"+failed.ID.String()+"/retry", "admin-token", "")
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("owner retries successfully", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/documents/"+failed.ID.String()+"/retry", "user-token", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Status     string `json:"status"`
			SigningURL string `json:"signing_url"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, string(models.StatusSent), resp.Status)
		assert.NotEmpty(t, resp.SigningURL)
	})
}

func TestHandler_AdminVoid(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()

	artifact, err := f.service.Issue(ctx, f.userID, policy.DocServiceAgreement, policy.Context{})
	require.NoError(t, err)

	path := "/admin/documents/" + artifact.ID.String() + "/void"

	t.Run("non-admin forbidden", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, path, "user-token", "")
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("admin voids", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, path, "admin-token", "")
		require.Equal(t, http.StatusNoContent, rec.Code)

		got, err := f.store.Get(ctx, artifact.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusVoided, got.Status)
	})

	t.Run("unknown artifact", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/admin/documents/"+domain.NewArtifactID().String()+"/void", "admin-token", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
