// Package httpapi assembles the full HTTP surface: gated action routes,
// the document endpoints, the provider webhook, and the operational
// endpoints. Business logic lives in the internal services; this layer
// only wires them together.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	dochandler "signgate/internal/document/handler"
	"signgate/internal/gate"
	"signgate/internal/platform/middleware"
	"signgate/internal/policy"
	"signgate/internal/webhook"
	"signgate/pkg/platform/httputil"
)

// HealthChecker reports the health of one backing component.
type HealthChecker func(ctx context.Context) error

// Deps carries everything the router mounts.
type Deps struct {
	Logger       *slog.Logger
	Gate         *gate.Gate
	Documents    *dochandler.Handler
	Webhook      *webhook.Handler
	JWTValidator middleware.JWTValidator

	// Health holds named component checks for /healthz.
	Health map[string]HealthChecker
}

// GatedRoutes is the static route table the enforcement gate covers.
// Only state-changing routes appear here; reads are never gated.
func GatedRoutes() []gate.Route {
	return []gate.Route{
		{Method: http.MethodPost, Pattern: "/actions/contractors/register", Action: policy.ActionRegisterContractor, Extract: gate.StaticContext},
		{Method: http.MethodPost, Pattern: "/actions/jobs/accept", Action: policy.ActionAcceptJob, Extract: extractJobContext},
		{Method: http.MethodPost, Pattern: "/actions/payments/process", Action: policy.ActionProcessPayment, Extract: extractPaymentContext},
		{Method: http.MethodPost, Pattern: "/actions/photos/upload", Action: policy.ActionUploadPhotos, Extract: extractPhotoContext},
	}
}

// NewRouter wires all endpoints. Callers must have run
// Gate.ValidateRoutes(GatedRoutes()) before serving traffic.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", handleHealth(deps.Health))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	deps.Webhook.Register(r)
	deps.Documents.Register(r)

	r.Group(func(actionRouter chi.Router) {
		actionRouter.Use(middleware.Recovery(deps.Logger))
		actionRouter.Use(middleware.RequestID)
		actionRouter.Use(middleware.Logger(deps.Logger))
		actionRouter.Use(middleware.Timeout(30 * time.Second))
		actionRouter.Use(middleware.RequireAuth(deps.JWTValidator, deps.Logger))
		for _, route := range GatedRoutes() {
			actionRouter.With(deps.Gate.Middleware(route.Action, route.Extract)).
				Method(route.Method, route.Pattern, actionHandler(route.Action))
		}
	})

	return r
}

func handleHealth(checks map[string]HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		components := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				components[name] = err.Error()
				status = http.StatusServiceUnavailable
			} else {
				components[name] = "ok"
			}
		}
		httputil.WriteJSON(w, status, map[string]any{
			"status":     http.StatusText(status),
			"components": components,
		})
	}
}
