// Package schema compiles the daemon's JSON-Schema documents once at
// startup and validates command and event payloads against them.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/devguyrash/moduprompt/internal/kernel"
)

//go:embed schemas/*.json
var embedded embed.FS

type key struct {
	kind    string // "command" or "event"
	typ     string
	version int
}

// Registry holds compiled schemas keyed by (kind, type, version).
type Registry struct {
	mu      sync.RWMutex
	schemas map[key]*jsonschema.Schema
}

// NewRegistry compiles every embedded schema document and returns a ready
// Registry, or a fatal error if any document fails to compile.
func NewRegistry() (*Registry, error) {
	return Load()
}

func parseFileName(name string) (typ string, version int, ok bool) {
	if !strings.HasSuffix(name, ".json") {
		return "", 0, false
	}
	base := strings.TrimSuffix(name, ".json")
	idx := strings.LastIndex(base, ".v")
	if idx < 0 {
		return "", 0, false
	}
	v, err := strconv.Atoi(base[idx+2:])
	if err != nil {
		return "", 0, false
	}
	return base[:idx], v, true
}

// Load compiles all documents under the embedded schemas/*.json. Command
// schemas are the ones whose type matches a kernel command identifier;
// everything else is treated as an event schema. Call once; the result is
// immutable except for ReloadFromDir, used by the development watcher.
func Load() (*Registry, error) {
	schemas, err := compileDir(embedded, "schemas")
	if err != nil {
		return nil, err
	}
	return &Registry{schemas: schemas}, nil
}

// ReloadFromDir recompiles every *.json document in dir (a plain OS
// directory, not the embedded set) and, if compilation succeeds, swaps it
// in as the registry's active schema set. A compile failure leaves the
// existing schemas in place and is returned to the caller. This is what
// WatchDir calls on every fsnotify event, so command/event validation
// picks up hand-edited schema documents without a daemon restart.
func (r *Registry) ReloadFromDir(dir string) error {
	schemas, err := compileDir(os.DirFS(dir), ".")
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.schemas = schemas
	r.mu.Unlock()
	return nil
}

func compileDir(fsys fs.FS, dir string) (map[key]*jsonschema.Schema, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("schema: read dir: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7

	type pending struct {
		k    key
		name string
	}
	var toCompile []pending

	for _, ent := range entries {
		typ, version, ok := parseFileName(ent.Name())
		if !ok {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join(dir, ent.Name()))
		if err != nil {
			return nil, fmt.Errorf("schema: read %s: %w", ent.Name(), err)
		}
		var doc interface{}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("schema: parse %s: %w", ent.Name(), err)
		}
		url := "moduprompt://" + ent.Name()
		if err := compiler.AddResource(url, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("schema: add resource %s: %w", ent.Name(), err)
		}
		k := key{kind: classify(typ), typ: typ, version: version}
		toCompile = append(toCompile, pending{k: k, name: url})
	}

	schemas := make(map[key]*jsonschema.Schema, len(toCompile))
	for _, p := range toCompile {
		compiled, err := compiler.Compile(p.name)
		if err != nil {
			return nil, fmt.Errorf("schema: compile %s: %w", p.name, err)
		}
		schemas[p.k] = compiled
	}
	return schemas, nil
}

func classify(typ string) string {
	switch typ {
	case kernel.CmdWorkspaceCreate, kernel.CmdProjectCreate:
		return "command"
	default:
		return "event"
	}
}

// ValidateCommandPayload validates a command payload against the
// (command_type, schema_version) schema.
func (r *Registry) ValidateCommandPayload(commandType string, version int, payload json.RawMessage) error {
	return r.validate("command", commandType, version, payload)
}

// ValidateEventPayload validates an event payload against the
// (event_type, schema_version) schema.
func (r *Registry) ValidateEventPayload(eventType string, version int, payload json.RawMessage) error {
	return r.validate("event", eventType, version, payload)
}

func (r *Registry) validate(kind, typ string, version int, payload json.RawMessage) error {
	r.mu.RLock()
	s, ok := r.schemas[key{kind: kind, typ: typ, version: version}]
	r.mu.RUnlock()
	if !ok {
		return kernel.NewError(kernel.CodeInvalidSchema, fmt.Sprintf("schema not found for %s %s v%d", kind, typ, version))
	}
	var v interface{}
	if err := json.Unmarshal(payload, &v); err != nil {
		return kernel.NewError(kernel.CodeInvalidSchema, "payload is not valid JSON: "+err.Error())
	}
	if err := s.Validate(v); err != nil {
		return kernel.NewError(kernel.CodeInvalidSchema, aggregateViolations(err))
	}
	return nil
}

// aggregateViolations flattens a jsonschema.ValidationError tree into a
// single "; "-joined message, per §4.2.
func aggregateViolations(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	var msgs []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			msgs = append(msgs, fmt.Sprintf("%s: %s", e.InstanceLocation, e.Message))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return strings.Join(msgs, "; ")
}
