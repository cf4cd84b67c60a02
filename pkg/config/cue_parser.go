package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

// DefaultFile is the deployment file name looked up in a directory.
const DefaultFile = "mailstack.cue"

// Loader reads deployment files. Loading is three stages: the CUE source is
// unified with the deployment schema, the result is decoded and checked
// with struct validation, and the variables script is evaluated.
type Loader struct {
	ctx       *cue.Context
	schemas   *SchemaRegistry
	starlark  *StarlarkEvaluator
	validator *validator.Validate
}

// NewLoader creates a loader whose variables scripts time out after
// scriptTimeout. Zero selects the evaluator's default.
func NewLoader(scriptTimeout time.Duration) (*Loader, error) {
	ctx := cuecontext.New()
	schemas, err := NewSchemaRegistry(ctx)
	if err != nil {
		return nil, err
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Loader{
		ctx:       ctx,
		schemas:   schemas,
		starlark:  NewStarlarkEvaluator(scriptTimeout),
		validator: v,
	}, nil
}

// Load reads the deployment at path, a .cue file or a directory holding a
// CUE package. Invalid deployments yield ValidationErrors.
func Load(ctx context.Context, path string) (*Config, error) {
	l, err := NewLoader(0)
	if err != nil {
		return nil, err
	}
	return l.Load(ctx, path)
}

// Load reads the deployment at path.
func (l *Loader) Load(ctx context.Context, path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
	}

	var (
		val   cue.Value
		files []string
		dir   string
	)
	if info.IsDir() {
		val, files, err = l.loadDirectory(path)
		dir = path
	} else {
		val, err = l.loadFile(path)
		files = []string{path}
		dir = filepath.Dir(path)
	}
	if err != nil {
		return nil, err
	}

	cfg, err := l.decode(val)
	if err != nil {
		return nil, err
	}
	cfg.SourceFiles = files

	if err := l.evaluateVariables(ctx, cfg, dir); err != nil {
		return nil, err
	}

	log.Debug().
		Strs("files", files).
		Str("environment", cfg.Environment).
		Int("vars", len(cfg.Vars)).
		Msg("Loaded configuration")

	return cfg, nil
}

// LoadInline decodes and validates CUE source without a variables script.
func (l *Loader) LoadInline(content string) (*Config, error) {
	val := l.ctx.CompileString(content, cue.Filename("inline.cue"))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}

	cfg, err := l.decode(val)
	if err != nil {
		return nil, err
	}
	cfg.SourceFiles = []string{"inline"}
	return cfg, nil
}

// loadDirectory loads a directory as a CUE package.
func (l *Loader) loadDirectory(dir string) (cue.Value, []string, error) {
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return cue.Value{}, nil, ValidationErrors{{File: dir, Message: "no CUE files found"}}
	}

	inst := instances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, convertCUEErrors(inst.Err)
	}

	val := l.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.BuildFiles {
		files = append(files, file.Filename)
	}
	return val, files, nil
}

// loadFile loads a single CUE file.
func (l *Loader) loadFile(path string) (cue.Value, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	val := l.ctx.CompileBytes(content, cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

// decode applies the schema, decodes the result and runs struct and
// cross-field validation.
func (l *Loader) decode(val cue.Value) (*Config, error) {
	unified, err := l.schemas.Apply(DeploymentSchema, val)
	if err != nil {
		return nil, convertCUEErrors(err)
	}

	var cfg Config
	if err := unified.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := l.validator.Struct(&cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return nil, fmt.Errorf("failed to validate config: %w", err)
		}
		return nil, convertValidatorErrors(verrs)
	}

	if errs := cfg.check(); len(errs) > 0 {
		return nil, errs
	}
	return &cfg, nil
}

// check enforces the rules that span sections.
func (c *Config) check() ValidationErrors {
	var errs ValidationErrors
	need := func(path, value, reason string) {
		if value == "" {
			errs = append(errs, ValidationError{Path: path, Message: "required " + reason})
		}
	}

	if c.Services.Mailcow {
		need("mail.domain", c.Mail.Domain, "when mailcow is enabled")
		need("mail.acmeEmail", c.Mail.AcmeEmail, "when mailcow is enabled")
	}
	if c.Services.Ntfy {
		need("ntfy.domain", c.Ntfy.Domain, "when ntfy is enabled")
	}
	if c.Services.Mailcow || c.Services.Ntfy {
		need("backup.bucketId", c.Backup.BucketID, "when a backed up service is enabled")
	}
	if c.Telemetry.Tracing.Enabled && c.Telemetry.Tracing.Exporter == "otlp" {
		need("telemetry.tracing.endpoint", c.Telemetry.Tracing.Endpoint, "for the otlp exporter")
	}
	return errs
}

// evaluateVariables runs the variables script, if any, into cfg.Vars.
func (l *Loader) evaluateVariables(ctx context.Context, cfg *Config, dir string) error {
	script := cfg.Variables
	explicit := script != ""
	if !explicit {
		script = DefaultVariablesFile
	}
	if !filepath.IsAbs(script) {
		script = filepath.Join(dir, script)
	}

	if _, err := os.Stat(script); err != nil {
		if !explicit && os.IsNotExist(err) {
			cfg.Vars = map[string]any{}
			return nil
		}
		return fmt.Errorf("failed to stat variables script: %w", err)
	}

	res, err := l.starlark.EvaluateFile(ctx, script, scriptInput(cfg))
	if err != nil {
		return fmt.Errorf("failed to evaluate %s: %w", script, err)
	}
	cfg.Vars = res.Output
	cfg.SourceFiles = append(cfg.SourceFiles, script)
	return nil
}

// scriptInput is the read-only view of the deployment a variables script
// sees as the predeclared name "deployment".
func scriptInput(cfg *Config) map[string]any {
	return map[string]any{
		"deployment": map[string]any{
			"environment": cfg.Environment,
			"project":     cfg.Project,
			"mail_domain": cfg.Mail.Domain,
			"ntfy_domain": cfg.Ntfy.Domain,
			"server":      cfg.Server.Name,
			"host":        cfg.Server.Host,
		},
	}
}

// convertCUEErrors converts CUE errors to ValidationErrors.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range errors.Errors(err) {
		ve := ValidationError{Message: errors.Details(e, nil)}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		if p := e.Path(); len(p) > 0 {
			ve.Path = strings.Join(p, ".")
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = ValidationErrors{{Message: err.Error()}}
	}
	return out
}

// convertValidatorErrors maps struct validation failures onto CUE field paths.
func convertValidatorErrors(verrs validator.ValidationErrors) ValidationErrors {
	out := make(ValidationErrors, 0, len(verrs))
	for _, fe := range verrs {
		path := fe.Namespace()
		if i := strings.Index(path, "."); i >= 0 {
			path = path[i+1:]
		}
		msg := fmt.Sprintf("failed on '%s'", fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("failed on '%s=%s'", fe.Tag(), fe.Param())
		}
		out = append(out, ValidationError{Path: path, Message: msg})
	}
	return out
}
