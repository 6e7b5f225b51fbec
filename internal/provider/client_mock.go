package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"signgate/pkg/platform/sentinel"
)

// MockClient is a deterministic in-process provider used by tests and by
// development mode. A configurable latency mimics real-world calls and
// FailSends forces the failure path.
type MockClient struct {
	Latency   time.Duration
	FailSends bool

	mu   sync.Mutex
	sent []EnvelopeRequest
}

func (c *MockClient) SendEnvelope(_ context.Context, req EnvelopeRequest) (*Envelope, error) {
	time.Sleep(c.Latency)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.FailSends {
		return nil, fmt.Errorf("%w: mock provider down", sentinel.ErrUnavailable)
	}

	c.sent = append(c.sent, req)
	id := uuid.NewString()
	return &Envelope{
		EnvelopeID: "env-" + id,
		SigningURL: "https://esign.example.com/sign/" + id,
	}, nil
}

// Sent returns a copy of every request accepted so far.
func (c *MockClient) Sent() []EnvelopeRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]EnvelopeRequest, len(c.sent))
	copy(out, c.sent)
	return out
}
