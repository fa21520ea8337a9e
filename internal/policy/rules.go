package policy

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
)

const (
	maxUsernameLength = 255
	maxEmailLength    = 255
)

// Rules is the in-process policy engine. Pure rule logic: no I/O, no side
// effects; all data arrives as arguments or construction-time configuration.
type Rules struct {
	reservedUsernames map[string]struct{}
	bannedDomains     map[string]struct{}
}

// RulesOption configures the Rules engine.
type RulesOption func(*Rules)

// WithReservedUsernames marks usernames that registration may never claim.
func WithReservedUsernames(names ...string) RulesOption {
	return func(r *Rules) {
		for _, n := range names {
			r.reservedUsernames[strings.ToLower(n)] = struct{}{}
		}
	}
}

// WithBannedEmailDomains rejects email addresses in the given domains.
func WithBannedEmailDomains(domains ...string) RulesOption {
	return func(r *Rules) {
		for _, d := range domains {
			r.bannedDomains[strings.ToLower(d)] = struct{}{}
		}
	}
}

// NewRules constructs the default engine.
func NewRules(opts ...RulesOption) *Rules {
	r := &Rules{
		reservedUsernames: make(map[string]struct{}),
		bannedDomains:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Rules) EvaluateEmail(_ context.Context, address string) (Decision, error) {
	var violations []Violation
	if _, err := mail.ParseAddress(address); err != nil {
		violations = append(violations, Violation{
			Code: "email-invalid",
			Msg:  "email address is not valid",
		})
		return Decision{Violations: violations}, nil
	}
	if len(address) > maxEmailLength {
		violations = append(violations, Violation{
			Code: "email-too-long",
			Msg:  fmt.Sprintf("email address exceeds %d characters", maxEmailLength),
		})
	}
	if domain := emailDomain(address); domain != "" {
		if _, banned := r.bannedDomains[domain]; banned {
			violations = append(violations, Violation{
				Code: "email-domain-banned",
				Msg:  fmt.Sprintf("email domain %q is not allowed", domain),
			})
		}
	}
	return Decision{Violations: violations}, nil
}

func (r *Rules) EvaluateRegister(ctx context.Context, input RegisterInput) (Decision, error) {
	var violations []Violation

	switch {
	case input.Username == "":
		violations = append(violations, Violation{
			Field: "username",
			Code:  "username-empty",
			Msg:   "username must not be empty",
		})
	case len(input.Username) > maxUsernameLength:
		violations = append(violations, Violation{
			Field: "username",
			Code:  "username-too-long",
			Msg:   fmt.Sprintf("username exceeds %d characters", maxUsernameLength),
		})
	case !validLocalpart(input.Username):
		violations = append(violations, Violation{
			Field: "username",
			Code:  "username-invalid-chars",
			Msg:   "username may only contain a-z, 0-9, and . _ = - /",
		})
	}

	if _, reserved := r.reservedUsernames[strings.ToLower(input.Username)]; reserved {
		violations = append(violations, Violation{
			Field: "username",
			Code:  "username-reserved",
			Msg:   "username is reserved",
		})
	}

	if input.Email != "" {
		emailDecision, err := r.EvaluateEmail(ctx, input.Email)
		if err != nil {
			return Decision{}, err
		}
		for _, v := range emailDecision.Violations {
			v.Field = "email"
			violations = append(violations, v)
		}
	}

	return Decision{Violations: violations}, nil
}

// validLocalpart enforces the historical Matrix localpart grammar.
func validLocalpart(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '=' || r == '-' || r == '/':
		default:
			return false
		}
	}
	return true
}

func emailDomain(address string) string {
	at := strings.LastIndexByte(address, '@')
	if at < 0 {
		return ""
	}
	return strings.ToLower(address[at+1:])
}
