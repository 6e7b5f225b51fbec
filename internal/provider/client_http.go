package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"signgate/internal/platform/config"
	"signgate/pkg/platform/sentinel"
)

var tracer = otel.Tracer("signgate/provider")

// HTTPClient talks to the real provider API. Each SendEnvelope call runs
// under a bounded timeout with a fixed exponential retry budget; transient
// failures are retried, 4xx responses are not.
type HTTPClient struct {
	baseURL     string
	apiKey      string
	callTimeout time.Duration
	maxRetries  uint64
	http        *http.Client
}

func NewHTTPClient(cfg config.ProviderConfig) *HTTPClient {
	return &HTTPClient{
		baseURL:     cfg.BaseURL,
		apiKey:      cfg.APIKey,
		callTimeout: cfg.CallTimeout,
		maxRetries:  uint64(cfg.MaxRetries),
		http:        &http.Client{Timeout: cfg.CallTimeout},
	}
}

func (c *HTTPClient) SendEnvelope(ctx context.Context, req EnvelopeRequest) (*Envelope, error) {
	ctx, span := tracer.Start(ctx, "provider.SendEnvelope")
	defer span.End()
	span.SetAttributes(attribute.String("document_type", string(req.DocumentType)))

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope request: %w", err)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries), ctx)

	var envelope *Envelope
	err = backoff.Retry(func() error {
		env, attemptErr := c.attempt(ctx, body)
		if attemptErr != nil {
			return attemptErr
		}
		envelope = env
		return nil
	}, policy)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "envelope creation failed")
		return nil, fmt.Errorf("%w: %v", sentinel.ErrUnavailable, err)
	}

	span.SetAttributes(attribute.String("envelope_id", envelope.EnvelopeID))
	return envelope, nil
}

func (c *HTTPClient) attempt(ctx context.Context, body []byte) (*Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/envelopes", bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err // network errors are retryable
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("provider returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		// Client errors will not fix themselves on retry.
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, backoff.Permanent(fmt.Errorf("provider rejected request: %d %s", resp.StatusCode, respBody))
	}

	var envelope Envelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decode envelope response: %w", err))
	}
	if envelope.EnvelopeID == "" {
		return nil, backoff.Permanent(fmt.Errorf("provider returned empty envelope id"))
	}
	return &envelope, nil
}
