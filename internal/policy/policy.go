// Package policy is the static mapping from gated actions to the document
// types they require. Resolution is a pure function of (action, context):
// no I/O, no clocks, no hidden state, so the rule set is enumerable and
// testable in isolation.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// ActionType identifies a gated, state-changing operation.
type ActionType string

const (
	ActionRegisterContractor ActionType = "register_contractor"
	ActionAcceptJob          ActionType = "accept_job"
	ActionProcessPayment     ActionType = "process_payment"
	ActionUploadPhotos       ActionType = "upload_photos"
)

// DocumentType identifies a category of legally required signed document.
type DocumentType string

const (
	DocContractorAgreement DocumentType = "independent_contractor_agreement"
	DocServiceAgreement    DocumentType = "service_agreement"
	DocTaxForm             DocumentType = "w9_tax_form"
	DocProjectContract     DocumentType = "project_contract"
	DocMediaRelease        DocumentType = "media_release"
)

// Context is the immutable slice of request data rules may predicate on.
// Fields are value types so resolution stays deterministic.
type Context struct {
	JobID          string `json:"job_id,omitempty"`
	ProjectValue   int64  `json:"project_value,omitempty"`
	CounterpartyID string `json:"counterparty_id,omitempty"`
}

// Hash returns a stable digest of the context, used as a cache key
// component and stored on artifacts for audit.
func (c Context) Hash() string {
	// Struct fields marshal in declaration order, so the digest is stable.
	b, _ := json.Marshal(c)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}

// Rule maps a predicate to the document types it demands. A nil When
// means the rule applies unconditionally.
type Rule struct {
	When    func(Context) bool
	Require []DocumentType
}

// Registry holds the rule table. Populate at startup, then treat as
// read-only; Resolve takes no locks.
type Registry struct {
	rules map[ActionType][]Rule
}

func NewRegistry() *Registry {
	return &Registry{rules: make(map[ActionType][]Rule)}
}

// Register adds rules for an action. Registering an action with no rules
// marks it as gated-but-currently-unconstrained, which keeps Validate
// satisfied while the legal team finalizes requirements.
func (r *Registry) Register(action ActionType, rules ...Rule) {
	if _, ok := r.rules[action]; !ok {
		r.rules[action] = nil
	}
	r.rules[action] = append(r.rules[action], rules...)
}

// Resolve returns the deduplicated, sorted set of document types required
// for the action under the given context. Unknown actions are a
// configuration error; Validate catches them before traffic is served.
func (r *Registry) Resolve(action ActionType, ctx Context) ([]DocumentType, error) {
	rules, ok := r.rules[action]
	if !ok {
		return nil, fmt.Errorf("no policy registered for action %q", action)
	}

	seen := make(map[DocumentType]bool)
	var required []DocumentType
	for _, rule := range rules {
		if rule.When != nil && !rule.When(ctx) {
			continue
		}
		for _, doc := range rule.Require {
			if !seen[doc] {
				seen[doc] = true
				required = append(required, doc)
			}
		}
	}
	sort.Slice(required, func(i, j int) bool { return required[i] < required[j] })
	return required, nil
}

// Validate fails fast if any action the gate routes to has no registered
// rule set. Called once at startup; a failure here is fatal.
func (r *Registry) Validate(actions []ActionType) error {
	for _, action := range actions {
		if _, ok := r.rules[action]; !ok {
			return fmt.Errorf("gated action %q has no registered policy", action)
		}
	}
	return nil
}

// ProjectContractThreshold is the project value above which a dedicated
// project contract must be signed.
const ProjectContractThreshold = 500

// Default returns the production rule set.
func Default() *Registry {
	r := NewRegistry()
	r.Register(ActionRegisterContractor, Rule{
		Require: []DocumentType{DocContractorAgreement, DocTaxForm},
	})
	r.Register(ActionAcceptJob,
		Rule{Require: []DocumentType{DocServiceAgreement}},
		Rule{
			When:    func(c Context) bool { return c.ProjectValue > ProjectContractThreshold },
			Require: []DocumentType{DocProjectContract},
		},
	)
	r.Register(ActionProcessPayment, Rule{
		Require: []DocumentType{DocTaxForm},
	})
	r.Register(ActionUploadPhotos, Rule{
		Require: []DocumentType{DocMediaRelease},
	})
	return r
}
