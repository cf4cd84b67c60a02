package config

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
)

// DeploymentSchema is the definition deployment files are unified with.
const DeploymentSchema = "#Deployment"

// SchemaRegistry holds compiled CUE schemas. Schemas share the parser's
// cue.Context so they can be unified with loaded files.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry holding the built-in deployment schema.
func NewSchemaRegistry(ctx *cue.Context) (*SchemaRegistry, error) {
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema(DeploymentSchema, builtinDeploymentSchema); err != nil {
		return nil, err
	}
	return sr, nil
}

// RegisterSchema compiles source and registers the definition called name.
func (sr *SchemaRegistry) RegisterSchema(name, source string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename("schema.cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(name))
	if !def.Exists() {
		return fmt.Errorf("schema source does not define %s", name)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Apply unifies val with the named schema and requires the result to be
// concrete.
func (sr *SchemaRegistry) Apply(name string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", name)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return unified, err
	}
	return unified, nil
}

const builtinDeploymentSchema = `
#Deployment: {
	environment: string & =~"^[a-z0-9][a-z0-9-]*$" | *"production"
	project:     string & != ""
	assetsDir?:  string
	maxParallel: int & >=0 | *0
	variables?:  string

	state: path: string | *".mailstack/state.db"

	server: {
		name?:            string
		host?:            string
		port:             int & >0 & <65536 | *22
		user:             string | *"root"
		privateKeySecret: string | *"ssh-private-key"
		ipv4?:            string
		ipv6?:            string
	}

	backup: {
		bucketId:   string | *""
		bucketPath: string | *""
	}

	mail: {
		domain?:         string
		dkimSignHeaders: *[] | [...string]
		acmeEmail?:      string
	}

	ntfy: domain?: string

	docker: daemon?: string

	services: {
		docker:  bool | *true
		mailcow: bool | *true
		ntfy:    bool | *true
	}

	secrets: {
		backend: *"env" | "vault"
		prefix:  string | *"MAILSTACK_"
		vault?: {
			address:   string
			token?:    string
			roleId?:   string
			secretId?: string
			mount:     string | *"secret"
			path:      string
		}
	}

	hetzner: token?: string

	archive: {
		enabled:    bool | *false
		endpoint?:  string
		region:     string | *"us-east-1"
		bucket?:    string
		prefix:     string | *"mailstack"
		accessKey?: string
		secretKey?: string
	}

	policy: dirs: *[] | [...string]

	telemetry: {
		logLevel:  *"info" | "trace" | "debug" | "warn" | "error" | "fatal"
		logFormat: *"console" | "json"
		tracing: {
			enabled:      bool | *false
			exporter:     *"none" | "otlp" | "stdout"
			endpoint?:    string
			samplingRate: number & >=0 & <=1 | *1.0
			insecure:     bool | *true
		}
		metrics: {
			enabled:        bool | *true
			listenAddress?: string
		}
	}
}
`
