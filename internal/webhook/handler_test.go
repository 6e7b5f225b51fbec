package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signgate/internal/audit"
	"signgate/internal/document/models"
	"signgate/internal/document/service"
	"signgate/internal/document/store"
	"signgate/internal/platform/logger"
	"signgate/internal/policy"
	"signgate/internal/provider"
	"signgate/pkg/domain"
	"signgate/pkg/testutil"
)

var testSecret = []byte("webhook-test-secret")

type recordingInvalidator struct {
	users []domain.UserID
}

func (r *recordingInvalidator) InvalidateUser(_ context.Context, userID domain.UserID) error {
	r.users = append(r.users, userID)
	return nil
}

type webhookFixture struct {
	store      *store.InMemoryStore
	service    *service.Service
	auditStore *audit.InMemoryStore
	cache      *recordingInvalidator
	router     *chi.Mux
}

func newFixture(t *testing.T) *webhookFixture {
	t.Helper()

	st := store.NewInMemoryStore()
	auditStore := audit.NewInMemoryStore()
	svc, err := service.New(st, policy.Default(), &provider.MockClient{},
		service.WithAuditPublisher(audit.NewPublisher(auditStore)),
	)
	require.NoError(t, err)

	cache := &recordingInvalidator{}
	h := New(svc, testSecret, logger.New(slog.LevelError), audit.NewPublisher(auditStore), cache)
	router := chi.NewRouter()
	h.Register(router)

	return &webhookFixture{store: st, service: svc, auditStore: auditStore, cache: cache, router: router}
}

func (f *webhookFixture) issue(t *testing.T) *models.DocumentArtifact {
	t.Helper()
	artifact, err := f.service.Issue(context.Background(), domain.NewUserID(), policy.DocServiceAgreement, policy.Context{})
	require.NoError(t, err)
	require.Equal(t, models.StatusSent, artifact.Status)
	return artifact
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, testSecret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (f *webhookFixture) post(body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/documents/webhook", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	return testutil.DoRequest(f.router, req)
}

func eventBody(envelopeID, status string, at time.Time) []byte {
	return []byte(fmt.Sprintf(
		`{"envelopeId":%q,"status":%q,"timestamp":%q,"recipientEmail":"signer@example.com"}`,
		envelopeID, status, at.Format(time.RFC3339),
	))
}

func TestWebhook_AppliesSignedEvent(t *testing.T) {
	f := newFixture(t)
	artifact := f.issue(t)

	body := eventBody(artifact.ProviderEnvelopeID, "completed", time.Now().Add(time.Minute))
	rec := f.post(body, sign(body))
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := f.store.Get(context.Background(), artifact.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, []domain.UserID{artifact.UserID}, f.cache.users)
}

func TestWebhook_RedeliveryIsIdempotent(t *testing.T) {
	f := newFixture(t)
	artifact := f.issue(t)

	eventTime := time.Now().Add(time.Minute).Truncate(time.Second)
	body := eventBody(artifact.ProviderEnvelopeID, "completed", eventTime)

	require.Equal(t, http.StatusOK, f.post(body, sign(body)).Code)
	require.Equal(t, http.StatusOK, f.post(body, sign(body)).Code)

	got, err := f.store.Get(context.Background(), artifact.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, eventTime.UnixMilli(), got.EventVersion)
}

func TestWebhook_RejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	artifact := f.issue(t)

	body := eventBody(artifact.ProviderEnvelopeID, "completed", time.Now())

	t.Run("missing header", func(t *testing.T) {
		rec := f.post(body, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong secret", func(t *testing.T) {
		mac := hmac.New(sha256.New, []byte("attacker-secret"))
		mac.Write(body)
		rec := f.post(body, hex.EncodeToString(mac.Sum(nil)))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("tampered body", func(t *testing.T) {
		tampered := eventBody(artifact.ProviderEnvelopeID, "voided", time.Now())
		rec := f.post(tampered, sign(body))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	// None of those attempts changed the artifact, and each left a
	// security event behind.
	got, err := f.store.Get(context.Background(), artifact.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, got.Status)

	var rejected int
	for _, e := range f.auditStore.All() {
		if e.Action == audit.EventWebhookRejected {
			rejected++
		}
	}
	assert.Equal(t, 3, rejected)
}

func TestWebhook_DiscardsUnknownEnvelope(t *testing.T) {
	f := newFixture(t)

	body := eventBody("env-not-ours", "completed", time.Now())
	rec := f.post(body, sign(body))
	assert.Equal(t, http.StatusOK, rec.Code, "unknown envelopes are acknowledged, not retried")

	var discarded int
	for _, e := range f.auditStore.All() {
		if e.Action == audit.EventWebhookDiscarded {
			discarded++
		}
	}
	assert.Equal(t, 1, discarded)
	assert.Empty(t, f.cache.users)
}

func TestWebhook_RejectsMalformedPayload(t *testing.T) {
	f := newFixture(t)

	t.Run("not json", func(t *testing.T) {
		body := []byte("definitely not json")
		rec := f.post(body, sign(body))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing fields", func(t *testing.T) {
		body := []byte(`{"status":"completed"}`)
		rec := f.post(body, sign(body))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
