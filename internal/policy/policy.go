// Package policy evaluates policy-as-code decisions for email addresses and
// new-account registration. Violations are structured data for the caller to
// route to form fields, not errors.
package policy

import "context"

// RegistrationMethod identifies how an account is being created.
type RegistrationMethod string

const (
	// MethodUpstreamOAuth2 marks just-in-time provisioning from a federated
	// login.
	MethodUpstreamOAuth2 RegistrationMethod = "upstream_oauth2"
	// MethodPassword marks ordinary form registration.
	MethodPassword RegistrationMethod = "password"
)

// Requester describes who is asking, for rate/abuse rules.
type Requester struct {
	IPAddress string
	UserAgent string
}

// RegisterInput is the input to a registration decision.
type RegisterInput struct {
	Method    RegistrationMethod
	Username  string
	Email     string
	Requester Requester
}

// Violation is one failed policy rule. Field is empty for form-scoped
// violations; the caller routes field-scoped violations to the matching
// input and form-scoped ones to a general error list.
type Violation struct {
	Field string
	Code  string
	Msg   string
}

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Violations []Violation
}

// Valid reports whether the evaluation passed with no violations.
func (d Decision) Valid() bool { return len(d.Violations) == 0 }

// Engine is the policy evaluation contract. The default implementation is
// the in-process rules engine; a remote policy service can be substituted.
type Engine interface {
	EvaluateEmail(ctx context.Context, address string) (Decision, error)
	EvaluateRegister(ctx context.Context, input RegisterInput) (Decision, error)
}
