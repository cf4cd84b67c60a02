// Package render produces deployable artifacts from templates and parameters.
//
// Templates use text/template syntax with the sprig function library, minus
// the functions whose output depends on time, randomness or the environment.
// Parameters may contain deferred values at any depth; rendering waits for
// them and the result is itself deferred.
package render

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/mailstack/pkg/engine"
	"github.com/openfroyo/mailstack/pkg/future"
)

// nondeterministic lists sprig functions removed from the template func map.
var nondeterministic = []string{
	"now", "date", "dateInZone", "date_in_zone", "htmlDate", "htmlDateInZone", "ago",
	"randAlpha", "randAlphaNum", "randAscii", "randNumeric", "randBytes", "randInt",
	"shuffle", "uuidv4",
	"genPrivateKey", "genCA", "genCAWithKey", "genSelfSignedCert", "genSelfSignedCertWithKey",
	"genSignedCert", "genSignedCertWithKey", "buildCustomCert",
	"env", "expandenv",
}

// VarsKey is the parameter name under which global variables are exposed.
const VarsKey = "vars"

// Renderer renders templates read from an fs.FS.
type Renderer struct {
	fsys  fs.FS
	funcs template.FuncMap
	vars  map[string]any
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithVars exposes vars to every template as .vars unless the call's own
// parameters define that key.
func WithVars(vars map[string]any) Option {
	return func(r *Renderer) { r.vars = vars }
}

// WithFuncs adds template functions.
func WithFuncs(funcs template.FuncMap) Option {
	return func(r *Renderer) {
		for k, v := range funcs {
			r.funcs[k] = v
		}
	}
}

// New creates a renderer rooted at fsys.
func New(fsys fs.FS, opts ...Option) *Renderer {
	funcs := sprig.TxtFuncMap()
	for _, name := range nondeterministic {
		delete(funcs, name)
	}

	r := &Renderer{fsys: fsys, funcs: funcs}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Render returns the deferred rendering of templatePath with params.
//
// It fails with engine.ErrRenderIO if the template cannot be read and with
// engine.ErrTemplate if it cannot be parsed or references an undefined
// parameter. Errors from deferred parameters propagate unchanged.
func (r *Renderer) Render(templatePath string, params map[string]any) *future.Future[[]byte] {
	return future.New(func(ctx context.Context) ([]byte, error) {
		return r.render(ctx, templatePath, params)
	})
}

// RenderString is Render for callers that want a string, such as scripts.
func (r *Renderer) RenderString(templatePath string, params map[string]any) *future.Future[string] {
	return future.Then(r.Render(templatePath, params), func(_ context.Context, b []byte) (string, error) {
		return string(b), nil
	})
}

// Static returns a file's bytes unchanged. It fails with engine.ErrIO.
func (r *Renderer) Static(path string) *future.Future[[]byte] {
	return future.New(func(ctx context.Context) ([]byte, error) {
		data, err := fs.ReadFile(r.fsys, path)
		if err != nil {
			return nil, engine.NewIOError(fmt.Sprintf("failed to read asset %s", path), err)
		}
		return data, nil
	})
}

// StaticString is Static for callers that want a string.
func (r *Renderer) StaticString(path string) *future.Future[string] {
	return future.Then(r.Static(path), func(_ context.Context, b []byte) (string, error) {
		return string(b), nil
	})
}

func (r *Renderer) render(ctx context.Context, templatePath string, params map[string]any) ([]byte, error) {
	data, err := resolveMap(ctx, params)
	if err != nil {
		return nil, err
	}
	if _, ok := data[VarsKey]; !ok && r.vars != nil {
		data[VarsKey] = r.vars
	}

	src, err := fs.ReadFile(r.fsys, templatePath)
	if err != nil {
		return nil, engine.NewRenderIOError(fmt.Sprintf("failed to read template %s", templatePath), err)
	}

	tmpl, err := template.New(templatePath).
		Option("missingkey=error").
		Funcs(r.funcs).
		Parse(string(src))
	if err != nil {
		return nil, engine.NewTemplateError(fmt.Sprintf("failed to parse template %s", templatePath), err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, engine.NewTemplateError(fmt.Sprintf("failed to render template %s", templatePath), err)
	}

	log.Debug().
		Str("template", templatePath).
		Int("bytes", buf.Len()).
		Msg("Rendered template")

	return buf.Bytes(), nil
}

// resolveMap returns a copy of params with every deferred value resolved.
func resolveMap(ctx context.Context, params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		resolved, err := resolveValue(ctx, v)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

func resolveValue(ctx context.Context, v any) (any, error) {
	switch val := v.(type) {
	case future.Resolver:
		inner, err := val.ResolveAny(ctx)
		if err != nil {
			return nil, err
		}
		return resolveValue(ctx, inner)
	case map[string]any:
		return resolveMap(ctx, val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := resolveValue(ctx, item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	case []byte:
		return string(val), nil
	default:
		return v, nil
	}
}
