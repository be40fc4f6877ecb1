// Package endpoint resolves endpoint kinds to the ordered list of concrete
// paths the request executor tries against the survey service.
package endpoint

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// Resolver yields the candidate paths for an endpoint kind, most preferred
// first. Paths may carry a query string.
type Resolver interface {
	Candidates(kind string, params map[string]string) ([]string, error)
}

var placeholder = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// TemplateResolver expands configured path templates such as
// "/survey/{type}/responses/{client}".
type TemplateResolver struct {
	templates map[string][]string
}

// NewTemplateResolver creates a resolver over kind → templates. The map is
// copied.
func NewTemplateResolver(templates map[string][]string) *TemplateResolver {
	cp := make(map[string][]string, len(templates))
	for kind, list := range templates {
		cp[kind] = append([]string(nil), list...)
	}
	return &TemplateResolver{templates: cp}
}

// Templates returns the templates configured for kind.
func (r *TemplateResolver) Templates(kind string) []string {
	return append([]string(nil), r.templates[kind]...)
}

// Candidates expands every template of kind with params. Path placeholders
// are path-escaped and query placeholders query-escaped. A template that
// references a missing param is skipped; it is an error only when no
// template can be expanded.
func (r *TemplateResolver) Candidates(kind string, params map[string]string) ([]string, error) {
	templates, ok := r.templates[kind]
	if !ok || len(templates) == 0 {
		return nil, fmt.Errorf("endpoint: no templates for kind %q", kind)
	}

	out := make([]string, 0, len(templates))
	var firstErr error
	for _, tmpl := range templates {
		p, err := Expand(tmpl, params)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("endpoint: kind %q: %w", kind, firstErr)
	}
	return out, nil
}

// Expand substitutes {name} placeholders in tmpl.
func Expand(tmpl string, params map[string]string) (string, error) {
	path, query, hasQuery := strings.Cut(tmpl, "?")

	expand := func(s string, escape func(string) string) (string, error) {
		var missing string
		out := placeholder.ReplaceAllStringFunc(s, func(m string) string {
			name := m[1 : len(m)-1]
			v, ok := params[name]
			if !ok || v == "" {
				if missing == "" {
					missing = name
				}
				return m
			}
			return escape(v)
		})
		if missing != "" {
			return "", fmt.Errorf("template %q: missing param %q", tmpl, missing)
		}
		return out, nil
	}

	p, err := expand(path, url.PathEscape)
	if err != nil {
		return "", err
	}
	if !hasQuery {
		return p, nil
	}
	q, err := expand(query, url.QueryEscape)
	if err != nil {
		return "", err
	}
	return p + "?" + q, nil
}

// PruneWithOpenAPI loads the OpenAPI document at specPath and drops every
// template whose path the document does not declare. Kinds left with no
// templates keep their full list. It returns the number of templates
// removed.
func (r *TemplateResolver) PruneWithOpenAPI(ctx context.Context, specPath string) (int, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromFile(specPath)
	if err != nil {
		return 0, fmt.Errorf("endpoint: loading %s: %w", specPath, err)
	}
	if err := doc.Validate(ctx); err != nil {
		return 0, fmt.Errorf("endpoint: validating %s: %w", specPath, err)
	}

	removed := 0
	for kind, templates := range r.templates {
		kept := make([]string, 0, len(templates))
		for _, tmpl := range templates {
			path, _, _ := strings.Cut(tmpl, "?")
			if doc.Paths.Find(path) != nil {
				kept = append(kept, tmpl)
			}
		}
		if len(kept) == 0 {
			continue
		}
		removed += len(templates) - len(kept)
		r.templates[kind] = kept
	}
	return removed, nil
}
