// Package mapper renders user-facing identity attributes (localpart, display
// name, email) from upstream claims using per-attribute templates.
package mapper

import (
	"fmt"
	"log/slog"
	"strings"
	"text/template"

	"github.com/golang-jwt/jwt/v5"
)

// Default templates used when a provider's import preference carries none.
const (
	DefaultLocalpartTemplate   = "{{ .user.preferred_username }}"
	DefaultDisplayNameTemplate = "{{ .user.name }}"
	DefaultEmailTemplate       = "{{ .user.email }}"
)

// Renderer renders an attribute template against a claims context. The
// default implementation uses text/template; anything honoring the contract
// (string out, error on unresolved claims) can be substituted.
type Renderer interface {
	Render(tmpl string, context map[string]any) (string, error)
}

// TemplateRenderer is the text/template-backed Renderer. Missing claims are
// render errors, not empty strings, so required-attribute failures are
// attributable to the offending template.
type TemplateRenderer struct{}

func (TemplateRenderer) Render(tmpl string, context map[string]any) (string, error) {
	parsed, err := template.New("attribute").Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse attribute template: %w", err)
	}
	var out strings.Builder
	if err := parsed.Execute(&out, context); err != nil {
		return "", fmt.Errorf("render attribute template: %w", err)
	}
	return out.String(), nil
}

// RequiredAttributeEmptyError reports a forced attribute whose template
// rendered to an empty string.
type RequiredAttributeEmptyError struct {
	Template string
}

func (e *RequiredAttributeEmptyError) Error() string {
	return fmt.Sprintf("template %q rendered to an empty string for a required attribute", e.Template)
}

// RequiredAttributeRenderError reports a forced attribute whose template
// failed to render, usually a missing claim or a bad template.
type RequiredAttributeRenderError struct {
	Template string
	Cause    error
}

func (e *RequiredAttributeRenderError) Error() string {
	return fmt.Sprintf("template %q could not be rendered from the upstream provider's response for a required attribute", e.Template)
}

func (e *RequiredAttributeRenderError) Unwrap() error { return e.Cause }

// RenderAttribute renders one attribute template.
//
// An empty result yields "" with no error when the attribute is optional and
// a RequiredAttributeEmptyError when it is required. A render failure is
// logged and dropped when optional, and a RequiredAttributeRenderError when
// required.
func RenderAttribute(r Renderer, tmpl string, context map[string]any, required bool, logger *slog.Logger) (string, error) {
	value, err := r.Render(tmpl, context)
	if err != nil {
		if required {
			return "", &RequiredAttributeRenderError{Template: tmpl, Cause: err}
		}
		logger.Warn("attribute template failed to render",
			slog.String("template", tmpl),
			slog.String("error", err.Error()))
		return "", nil
	}
	if value == "" && required {
		return "", &RequiredAttributeEmptyError{Template: tmpl}
	}
	return value, nil
}

// ContextBuilder assembles the claims context from up to three optional
// sources. Sources are applied in a fixed precedence order: ID-token claims,
// then extra callback parameters, then userinfo claims; earlier sources win
// on key conflicts.
type ContextBuilder struct {
	idToken  map[string]any
	callback map[string]any
	userinfo map[string]any
}

// NewContext returns an empty builder.
func NewContext() *ContextBuilder { return &ContextBuilder{} }

// WithIDTokenClaims supplies the decoded ID-token payload.
func (b *ContextBuilder) WithIDTokenClaims(claims map[string]any) *ContextBuilder {
	b.idToken = claims
	return b
}

// WithExtraCallbackParameters supplies non-standard callback parameters.
func (b *ContextBuilder) WithExtraCallbackParameters(params map[string]any) *ContextBuilder {
	b.callback = params
	return b
}

// WithUserinfoClaims supplies claims fetched from the userinfo endpoint.
func (b *ContextBuilder) WithUserinfoClaims(claims map[string]any) *ContextBuilder {
	b.userinfo = claims
	return b
}

// Build produces the immutable context value handed to every template render.
// Claims are exposed under the "user" key.
func (b *ContextBuilder) Build() map[string]any {
	merged := make(map[string]any)
	for _, source := range []map[string]any{b.idToken, b.callback, b.userinfo} {
		for k, v := range source {
			if _, exists := merged[k]; !exists {
				merged[k] = v
			}
		}
	}
	return map[string]any{"user": merged}
}

// ClaimsFromIDToken extracts the payload claims of a compact JWT without
// verifying its signature. Verification happened when the upstream exchange
// completed; by the time this core runs the token is trusted stored state.
func ClaimsFromIDToken(raw string) (map[string]any, error) {
	var claims jwt.MapClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return nil, fmt.Errorf("decode id token payload: %w", err)
	}
	return map[string]any(claims), nil
}
