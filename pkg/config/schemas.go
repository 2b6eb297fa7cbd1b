package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages the CUE definitions node configurations are
// unified with.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry holding the built-in node schema.
func NewSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	if ctx == nil {
		ctx = cuecontext.New()
	}
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}

	if err := sr.RegisterSchema("node", builtinNodeSchema); err != nil {
		panic(err)
	}

	return sr
}

// RegisterSchema compiles a CUE schema and stores it under name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Definition returns the definition def (e.g. "#Node") of schema name.
func (sr *SchemaRegistry) Definition(name, def string) (cue.Value, error) {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", name)
	}
	v := schema.LookupPath(cue.ParsePath(def))
	if !v.Exists() {
		return cue.Value{}, fmt.Errorf("schema %s has no definition %s", name, def)
	}
	return v, nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinNodeSchema = `
#Auth: "key" | "password" | "agent"

#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Target: {
	host:                     string & !=""
	port:                     int & >0 & <65536 | *22
	user:                     string & !="" | *"root"
	auth:                     #Auth | *"key"
	password?:                string
	private_key?:             string
	passphrase?:              string
	sudo_password?:           string
	known_hosts?:             string
	strict_host_key_checking: bool | *true
	connect_timeout:          #Duration | *"30s"
	command_timeout:          #Duration | *"30m"
	proxy?: {
		host:         string & !=""
		port:         int & >0 & <65536 | *22
		user:         string & !=""
		auth:         #Auth | *"key"
		password?:    string
		private_key?: string
	}
}

#Postgres: {
	// packaging version, e.g. "9.6-1"
	version:             =~"^[0-9]+(\\.[0-9]+)*-[0-9A-Za-z.]+$"
	port:                int & >0 & <65536 | *5432
	max_connections:     int & >0 | *100
	shared_buffers:      =~"^[0-9]+(kB|MB|GB|TB)?$" | *"128MB"
	service_user:        =~"^[a-z_][a-z0-9_-]*$" | *"postgres"
	disconnect_on_stop:  bool | *false
	initialize_db:       bool | *false
	creation_script?:    string
	creation_script_url?: string
}

#Node: {
	entity: =~"^[A-Za-z0-9][A-Za-z0-9_.-]*$"
	app:    =~"^[A-Za-z0-9][A-Za-z0-9_.-]*$" | *"pgprov"
	target:   #Target
	postgres: #Postgres
	database?: {
		name?:     string
		username?: string
		password?: string
	}
	// role keys are checked when the roles are built
	roles?: [string]: null | {...}
	templates: {
		server_config?:  string
		access_control?: string
	}
	access: {
		strict_access: bool | *false
		policy_paths:  [...string] | *[]
	}
	paths: {
		install_dir?: =~"^/"
		run_dir?:     =~"^/"
		alt_root:     =~"^/" | *"/opt/pgprovision/postgres"
	}
	extra?: [string]: string
}
`
