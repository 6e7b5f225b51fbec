package httpapi

import (
	"net/http"

	"signgate/internal/gate"
	"signgate/internal/policy"
	"signgate/pkg/platform/httputil"
)

// Request payloads for the gated action routes. Only the fields the
// policy rules look at are extracted; handlers re-decode the full body.

type acceptJobRequest struct {
	JobID        string `json:"job_id"`
	ProjectValue int64  `json:"project_value"`
}

type processPaymentRequest struct {
	JobID          string `json:"job_id"`
	AmountCents    int64  `json:"amount_cents"`
	CounterpartyID string `json:"counterparty_id"`
}

type uploadPhotosRequest struct {
	JobID string `json:"job_id"`
}

func extractJobContext(r *http.Request) (policy.Context, error) {
	var req acceptJobRequest
	if err := gate.PeekJSON(r, &req); err != nil {
		return policy.Context{}, err
	}
	return policy.Context{JobID: req.JobID, ProjectValue: req.ProjectValue}, nil
}

func extractPaymentContext(r *http.Request) (policy.Context, error) {
	var req processPaymentRequest
	if err := gate.PeekJSON(r, &req); err != nil {
		return policy.Context{}, err
	}
	return policy.Context{
		JobID:          req.JobID,
		ProjectValue:   req.AmountCents / 100,
		CounterpartyID: req.CounterpartyID,
	}, nil
}

func extractPhotoContext(r *http.Request) (policy.Context, error) {
	var req uploadPhotosRequest
	if err := gate.PeekJSON(r, &req); err != nil {
		return policy.Context{}, err
	}
	return policy.Context{JobID: req.JobID}, nil
}

// actionHandler stands in for the downstream business operation behind a
// gated route. Reaching it means the gate passed the request through; it
// acknowledges and hands off.
func actionHandler(action policy.ActionType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusAccepted, map[string]string{
			"status": "accepted",
			"action": string(action),
		})
	}
}
