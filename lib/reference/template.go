// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package reference

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// templateFields are the placeholders a URI template may use.
var templateFields = map[string]func(Token) string{
	"namespace": func(t Token) string { return t.Namespace },
	"project":   func(t Token) string { return t.Project },
	"version":   func(t Token) string { return t.Version },
	"id":        func(t Token) string { return t.ID },
}

// TemplateResolver resolves a namespace whose URI layout is mechanical
// by expanding a template such as
//
//	https://catalog.example.org/{project}/{version}/{id}
//
// Placeholders are {namespace}, {project}, {version}, and {id}. Every
// token of the namespace resolves; there is no per-entry catalog to
// miss against.
type TemplateResolver struct {
	template string
	pinned   bool
	ttl      time.Duration
}

// TemplateOptions configure the cacheability of template resolutions.
type TemplateOptions struct {
	// Pinned marks every resolution immutable. Appropriate when the
	// version field fully pins the target.
	Pinned bool

	// TTL bounds unpinned resolutions.
	TTL time.Duration
}

// NewTemplateResolver validates the template and returns a resolver.
// The template must contain at least one placeholder, and only known
// ones.
func NewTemplateResolver(template string, options TemplateOptions) (*TemplateResolver, error) {
	if template == "" {
		return nil, fmt.Errorf("reference: empty uri template")
	}
	if options.Pinned && options.TTL != 0 {
		return nil, fmt.Errorf("reference: pinned template must not set a ttl")
	}
	if options.TTL < 0 {
		return nil, fmt.Errorf("reference: template ttl %s is negative", options.TTL)
	}
	placeholders := 0
	rest := template
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			break
		}
		closing := strings.IndexByte(rest[open:], '}')
		if closing < 0 {
			return nil, fmt.Errorf("reference: uri template %q has an unterminated placeholder", template)
		}
		name := rest[open+1 : open+closing]
		if _, ok := templateFields[name]; !ok {
			return nil, fmt.Errorf("reference: uri template %q has unknown placeholder {%s}", template, name)
		}
		placeholders++
		rest = rest[open+closing+1:]
	}
	if placeholders == 0 {
		return nil, fmt.Errorf("reference: uri template %q has no placeholders", template)
	}
	return &TemplateResolver{template: template, pinned: options.Pinned, ttl: options.TTL}, nil
}

// Resolve expands the template with the token's fields.
func (r *TemplateResolver) Resolve(ctx context.Context, token Token) (Resolution, error) {
	uri := r.template
	for name, field := range templateFields {
		uri = strings.ReplaceAll(uri, "{"+name+"}", field(token))
	}
	return Resolution{URI: uri, Pinned: r.pinned, TTL: r.ttl}, nil
}
