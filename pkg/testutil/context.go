package testutil

import (
	"context"
	"net/http"

	"signgate/internal/platform/middleware"
	"signgate/pkg/domain"
)

// WithUser adds an authenticated user to the request context, simulating
// what the auth middleware does for a valid bearer token.
func WithUser(req *http.Request, userID domain.UserID) *http.Request {
	ctx := context.WithValue(req.Context(), middleware.ContextKeyUserID, userID.String())
	return req.WithContext(ctx)
}

// WithRole adds an authenticated user with a role to the request context.
func WithRole(req *http.Request, userID domain.UserID, role string) *http.Request {
	ctx := context.WithValue(req.Context(), middleware.ContextKeyUserID, userID.String())
	ctx = context.WithValue(ctx, middleware.ContextKeyRole, role)
	return req.WithContext(ctx)
}
