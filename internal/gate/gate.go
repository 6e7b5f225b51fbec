// Package gate enforces document compliance on state-changing routes.
// Each gated route declares its action type and a context extractor; the
// gate resolves requirements, issues missing artifacts, and either
// passes the request through or blocks it with signing instructions.
// Read-only routes are never wired through the gate.
package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"signgate/internal/audit"
	"signgate/internal/document/models"
	"signgate/internal/gate/metrics"
	"signgate/internal/platform/middleware"
	"signgate/internal/policy"
	"signgate/pkg/domain"
	dErrors "signgate/pkg/domain-errors"
	"signgate/pkg/platform/httputil"
)

var tracer = otel.Tracer("signgate/gate")

// DefaultPendingPath is where browser flows land when blocked.
const DefaultPendingPath = "/documents/required"

// maxPeekBytes bounds how much request body an extractor may inspect.
const maxPeekBytes = 1 << 20

// Compliance is the slice of the document service the gate consumes.
type Compliance interface {
	Snapshot(ctx context.Context, userID domain.UserID, action policy.ActionType, actionCtx policy.Context) (*models.ComplianceSnapshot, error)
	EnsureRequirements(ctx context.Context, userID domain.UserID, action policy.ActionType, actionCtx policy.Context) (*models.ComplianceSnapshot, error)
}

// Extractor pulls the policy context out of a gated request. Extractors
// must leave the request body readable for the downstream handler.
type Extractor func(r *http.Request) (policy.Context, error)

// StaticContext is the extractor for routes whose rules need no context.
func StaticContext(_ *http.Request) (policy.Context, error) {
	return policy.Context{}, nil
}

// Route binds one (method, pattern) pair to an action type.
type Route struct {
	Method  string
	Pattern string
	Action  policy.ActionType
	Extract Extractor
}

// Gate evaluates compliance for gated requests.
type Gate struct {
	lifecycle   Compliance
	registry    *policy.Registry
	cache       Cache
	metrics     *metrics.Metrics
	logger      *slog.Logger
	publisher   *audit.Publisher
	pendingPath string
}

// Option configures optional Gate dependencies.
type Option func(*Gate)

func WithCache(cache Cache) Option {
	return func(g *Gate) { g.cache = cache }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

func WithAuditPublisher(publisher *audit.Publisher) Option {
	return func(g *Gate) { g.publisher = publisher }
}

func WithPendingPath(path string) Option {
	return func(g *Gate) { g.pendingPath = path }
}

// New creates a Gate. lifecycle and registry are required.
func New(lifecycle Compliance, registry *policy.Registry, opts ...Option) (*Gate, error) {
	if lifecycle == nil {
		return nil, errors.New("gate: lifecycle is required")
	}
	if registry == nil {
		return nil, errors.New("gate: registry is required")
	}
	g := &Gate{
		lifecycle:   lifecycle,
		registry:    registry,
		logger:      slog.Default(),
		pendingPath: DefaultPendingPath,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// ValidateRoutes fails fast when a route references an action type the
// registry has no rules for. Called at startup, before serving traffic.
func (g *Gate) ValidateRoutes(routes []Route) error {
	actions := make([]policy.ActionType, 0, len(routes))
	for _, route := range routes {
		actions = append(actions, route.Action)
	}
	return g.registry.Validate(actions)
}

// Check is the library-call form of the gate: a read-only compliance
// verdict that never issues artifacts.
func (g *Gate) Check(ctx context.Context, userID domain.UserID, action policy.ActionType, actionCtx policy.Context) (*models.ComplianceSnapshot, error) {
	return g.lifecycle.Snapshot(ctx, userID, action, actionCtx)
}

// Middleware returns the enforcement middleware for one gated action.
func (g *Gate) Middleware(action policy.ActionType, extract Extractor) func(http.Handler) http.Handler {
	if extract == nil {
		extract = StaticContext
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			userID, err := domain.ParseUserID(middleware.GetUserID(ctx))
			if err != nil {
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
				return
			}

			actionCtx, err := extract(r)
			if err != nil {
				g.metrics.IncrementVerdict(string(action), "error")
				httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid request payload"))
				return
			}

			allowed, snap, err := g.evaluate(ctx, userID, action, actionCtx)
			if err != nil {
				g.metrics.IncrementVerdict(string(action), "error")
				g.logger.ErrorContext(ctx, "gate evaluation failed",
					"request_id", middleware.GetRequestID(ctx),
					"action", action,
					"error", err.Error(),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "compliance check failed"))
				return
			}

			if allowed {
				g.metrics.IncrementVerdict(string(action), "allowed")
				next.ServeHTTP(w, r)
				return
			}

			g.metrics.IncrementVerdict(string(action), "blocked")
			g.emitBlocked(ctx, userID, action)
			g.writeBlocked(w, r, snap)
		})
	}
}

// evaluate answers "may this request proceed". A cached positive verdict
// short-circuits; otherwise the lifecycle computes the snapshot and
// issues whatever is missing, and a complete verdict is cached.
func (g *Gate) evaluate(ctx context.Context, userID domain.UserID, action policy.ActionType, actionCtx policy.Context) (bool, *models.ComplianceSnapshot, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "gate.evaluate")
	span.SetAttributes(attribute.String("gate.action", string(action)))
	defer func() {
		span.End()
		g.metrics.ObserveEvaluateLatency(time.Since(start))
	}()

	ctxHash := actionCtx.Hash()
	if g.cache != nil {
		hit, err := g.cache.GetAllowed(ctx, userID, action, ctxHash)
		switch {
		case err != nil:
			// A broken cache degrades to a full evaluation.
			g.metrics.IncrementCacheLookup("error")
			g.logger.WarnContext(ctx, "gate cache lookup failed", "error", err.Error())
		case hit:
			g.metrics.IncrementCacheLookup("hit")
			return true, nil, nil
		default:
			g.metrics.IncrementCacheLookup("miss")
		}
	}

	snap, err := g.lifecycle.EnsureRequirements(ctx, userID, action, actionCtx)
	if err != nil {
		return false, nil, err
	}

	if snap.Complete && g.cache != nil {
		if err := g.cache.SetAllowed(ctx, userID, action, ctxHash); err != nil {
			g.logger.WarnContext(ctx, "gate cache store failed", "error", err.Error())
		}
	}
	return snap.Complete, snap, nil
}

// pendingDocument is the wire shape of one unmet requirement.
type pendingDocument struct {
	DocumentType string `json:"document_type"`
	Status       string `json:"status"`
	SigningURL   string `json:"signing_url,omitempty"`
}

type blockedResponse struct {
	Error   string            `json:"error"`
	Pending []pendingDocument `json:"pending"`
}

func (g *Gate) writeBlocked(w http.ResponseWriter, r *http.Request, snap *models.ComplianceSnapshot) {
	if wantsHTML(r) {
		http.Redirect(w, r, g.pendingPath, http.StatusFound)
		return
	}

	resp := blockedResponse{Error: "documents_required", Pending: []pendingDocument{}}
	for _, artifact := range snap.PendingArtifacts() {
		resp.Pending = append(resp.Pending, pendingDocument{
			DocumentType: string(artifact.DocumentType),
			Status:       string(artifact.Status),
			SigningURL:   artifact.SigningURL,
		})
	}
	httputil.WriteJSON(w, http.StatusForbidden, resp)
}

func wantsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func (g *Gate) emitBlocked(ctx context.Context, userID domain.UserID, action policy.ActionType) {
	if g.publisher == nil {
		return
	}
	err := g.publisher.Emit(ctx, audit.Event{
		Action:     audit.EventActionBlocked,
		UserID:     userID,
		ActionType: string(action),
	})
	if err != nil {
		g.logger.ErrorContext(ctx, "failed to emit audit event", "error", err.Error())
	}
}

// PeekJSON decodes the request body into v and restores it so the
// downstream handler can decode it again. For use inside Extractors on
// routes whose policy context lives in the payload.
func PeekJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPeekBytes))
	if err != nil {
		return err
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, v)
}
