package service

import (
	upstreammodels "janus/internal/upstream/models"
	usermodels "janus/internal/user/models"
)

// Outcome is the result of driving the link state machine one step. Exactly
// one concrete outcome is returned per request; the transport layer decides
// how each renders (redirect, page, error page).
type Outcome interface {
	isOutcome()
}

// Completed means the attempt resolved against a browser session. The
// transport redirects according to PostAuthAction and, when Session is a
// freshly created browser session, establishes it client-side.
type Completed struct {
	// PostAuthAction is the continuation recorded when the attempt started,
	// e.g. an encoded authorization request to resume. Empty means the
	// default landing page.
	PostAuthAction string
	// Session is the browser session the attempt resolved to.
	Session *usermodels.BrowserSession
	// SessionCreated is true when Session was created by this step rather
	// than carried in from the request.
	SessionCreated bool
}

// Mismatch means the link belongs to a different user than the one logged
// in. Nothing was written; the page offers logout as the only way forward.
type Mismatch struct {
	// LinkedUser owns the link.
	LinkedUser usermodels.User
	// ActiveSession is the browser session of the user who is logged in.
	ActiveSession usermodels.BrowserSession
}

// SuggestLink means a logged-in user reached an unbound link; the page asks
// for confirmation before binding the upstream identity to their account.
type SuggestLink struct {
	Link          upstreammodels.Link
	ActiveSession usermodels.BrowserSession
}

// RegisterPrompt means no user is involved yet; the page shows a
// registration form pre-filled from the upstream identity.
type RegisterPrompt struct {
	Provider upstreammodels.Provider
	Link     upstreammodels.Link
	Context  RegisterContext
	Form     FormState
}

// Blocked means the flow cannot proceed at all, e.g. a forced localpart that
// is already taken. The page explains; there is nothing to submit.
type Blocked struct {
	Code        string
	Description string
}

func (Completed) isOutcome()      {}
func (Mismatch) isOutcome()       {}
func (SuggestLink) isOutcome()    {}
func (RegisterPrompt) isOutcome() {}
func (Blocked) isOutcome()        {}

// Attribute is a value sourced from the upstream identity, offered on the
// registration form. Forced attributes render read-only.
type Attribute struct {
	Value  string
	Forced bool
}

// Set reports whether the attribute rendered to a usable value.
func (a Attribute) Set() bool { return a.Value != "" }

// RegisterContext carries the pre-filled registration form values.
type RegisterContext struct {
	Localpart   Attribute
	DisplayName Attribute
	Email       Attribute
	// RequireTerms is true when the deployment has a terms-of-service
	// document that must be accepted before registering.
	RequireTerms bool
	TermsURI     string
}

// FieldName identifies a registration form field.
type FieldName string

const (
	FieldUsername    FieldName = "username"
	FieldEmail       FieldName = "email"
	FieldAcceptTerms FieldName = "accept_terms"
)

// FieldErrorKind classifies a per-field validation failure.
type FieldErrorKind string

const (
	// FieldErrorRequired means the field was empty but mandatory.
	FieldErrorRequired FieldErrorKind = "required"
	// FieldErrorExists means the chosen username is already taken.
	FieldErrorExists FieldErrorKind = "exists"
	// FieldErrorPolicy means a policy rule rejected the value.
	FieldErrorPolicy FieldErrorKind = "policy"
)

// FieldError is a single validation failure attached to a form field.
type FieldError struct {
	Kind FieldErrorKind
	// Code and Message carry policy detail when Kind is FieldErrorPolicy.
	Code    string
	Message string
}

// FormError is a validation failure not attributable to a single field.
type FormError struct {
	Code    string
	Message string
}

// FormState accumulates validation results for a submitted registration
// form. The zero value is a valid, error-free form.
type FormState struct {
	Fields map[FieldName][]FieldError
	Form   []FormError
}

func (s *FormState) addFieldError(f FieldName, e FieldError) {
	if s.Fields == nil {
		s.Fields = make(map[FieldName][]FieldError)
	}
	s.Fields[f] = append(s.Fields[f], e)
}

func (s *FormState) addFormError(e FormError) {
	s.Form = append(s.Form, e)
}

// Valid reports whether the form passed all checks.
func (s *FormState) Valid() bool {
	return len(s.Fields) == 0 && len(s.Form) == 0
}

// HasFieldError reports whether the given field carries an error of the
// given kind.
func (s *FormState) HasFieldError(f FieldName, kind FieldErrorKind) bool {
	for _, e := range s.Fields[f] {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

// FormAction is the submitted intent of the registration/link form.
type FormAction string

const (
	// ActionLink binds the upstream identity to the logged-in user.
	ActionLink FormAction = "link"
	// ActionRegister creates a new user from the upstream identity.
	ActionRegister FormAction = "register"
)

// Form is the parsed POST body of the link page.
type Form struct {
	Action            FormAction
	Username          string
	ImportEmail       bool
	ImportDisplayName bool
	AcceptTerms       bool
}
