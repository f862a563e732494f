package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/stratus-cp/stratus/pkg/engine"
)

// ValidationError is one schema violation with its source location, when known.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		fmt.Fprintf(&b, "%s:%d:%d: ", e.File, e.Line, e.Column)
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors is returned by schema compilation and payload validation.
type ValidationErrors []ValidationError

func (es ValidationErrors) Error() string {
	parts := make([]string, len(es))
	for i, e := range es {
		parts[i] = e.String()
	}
	return strings.Join(parts, "; ")
}

// SchemaRegistry holds one CUE schema per order type and validates order
// payloads against them. Operator schemas are unified with the built-in ones,
// so they can only narrow what is accepted.
type SchemaRegistry struct {
	// cue.Context is not safe for concurrent use.
	mu      sync.Mutex
	ctx     *cue.Context
	defs    cue.Value
	schemas map[engine.OrderType]cue.Value
}

// NewSchemaRegistry creates a registry with the built-in payload schemas.
func NewSchemaRegistry() *SchemaRegistry {
	ctx := cuecontext.New()
	defs := ctx.CompileString(builtinSchemas, cue.Filename("builtin.cue"))
	if err := defs.Err(); err != nil {
		panic(fmt.Sprintf("built-in payload schemas do not compile: %v", err))
	}
	sr := &SchemaRegistry{
		ctx:     ctx,
		defs:    defs,
		schemas: make(map[engine.OrderType]cue.Value),
	}
	if err := sr.addSchemas(defs); err != nil {
		panic(fmt.Sprintf("built-in payload schemas are invalid: %v", err))
	}
	return sr
}

// RegisterSchema narrows the schema of one order type. The source may refer
// to the built-in definitions #Payload, #Template and #Lock.
func (sr *SchemaRegistry) RegisterSchema(orderType engine.OrderType, src string) error {
	if err := orderType.Validate(); err != nil {
		return err
	}
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(src, cue.Filename(string(orderType)+".cue"), cue.Scope(sr.defs))
	if err := val.Err(); err != nil {
		return convertCUEErrors(err)
	}
	return sr.unify(orderType, val)
}

// Load reads operator schemas from a .cue file or from every .cue file under a
// directory. Each file declares a top-level "schemas" struct keyed by order type.
func (sr *SchemaRegistry) Load(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat schemas %s: %w", path, err)
	}
	files := []string{path}
	if info.IsDir() {
		files, err = cueFiles(path)
		if err != nil {
			return err
		}
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read schema file: %w", err)
		}
		val := sr.ctx.CompileBytes(content, cue.Filename(file), cue.Scope(sr.defs))
		if err := val.Err(); err != nil {
			return convertCUEErrors(err)
		}
		if err := sr.addSchemas(val); err != nil {
			return err
		}
	}
	return nil
}

// addSchemas unifies every entry of val's "schemas" struct into the registry.
func (sr *SchemaRegistry) addSchemas(val cue.Value) error {
	schemas := val.LookupPath(cue.ParsePath("schemas"))
	if !schemas.Exists() {
		return nil
	}
	iter, err := schemas.Fields()
	if err != nil {
		return convertCUEErrors(err)
	}
	for iter.Next() {
		orderType := engine.OrderType(iter.Selector().Unquoted())
		if err := orderType.Validate(); err != nil {
			return ValidationErrors{{Path: "schemas." + string(orderType), Message: err.Error()}}
		}
		if err := sr.unify(orderType, iter.Value()); err != nil {
			return err
		}
	}
	return nil
}

func (sr *SchemaRegistry) unify(orderType engine.OrderType, val cue.Value) error {
	if existing, ok := sr.schemas[orderType]; ok {
		val = existing.Unify(val)
	}
	if err := val.Validate(); err != nil {
		return convertCUEErrors(err)
	}
	sr.schemas[orderType] = val
	return nil
}

// ValidatePayload implements engine.PayloadValidator. Order types without a
// schema accept any payload.
func (sr *SchemaRegistry) ValidatePayload(orderType engine.OrderType, payload json.RawMessage) error {
	var data interface{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &data); err != nil {
			return ValidationErrors{{Message: fmt.Sprintf("payload is not valid JSON: %v", err)}}
		}
	}
	if data == nil {
		data = map[string]interface{}{}
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	schema, ok := sr.schemas[orderType]
	if !ok {
		return nil
	}
	val := sr.ctx.Encode(data)
	if err := val.Err(); err != nil {
		return convertCUEErrors(err)
	}
	if err := schema.Unify(val).Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors(err)
	}
	return nil
}

// ListSchemas returns the order types that have a schema.
func (sr *SchemaRegistry) ListSchemas() []engine.OrderType {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	types := make([]engine.OrderType, 0, len(sr.schemas))
	for t := range sr.schemas {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

func cueFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".cue") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk schema directory: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{Path: strings.Join(e.Path(), ".")}
		format, args := e.Msg()
		ve.Message = fmt.Sprintf(format, args...)
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = ValidationErrors{{Message: err.Error()}}
	}
	return out
}

const builtinSchemas = `
import "struct"

#Template: {
	source?: string & =~"."
	files?: {[string]: string}
}

#Lock: {
	modify?:  bool
	destroy?: bool
}

#Payload: {
	template?:  #Template
	variables?: {[string]: _}
	state?:     string
	action?:    string & =~"^[a-z][a-z0-9_.-]*$"
	parameters?: {[string]: _}
	inputs?: {[string]: string}
	lock?: #Lock
}

schemas: {
	deploy: #Payload & {template: #Template & struct.MinFields(1)}
	modify:   #Payload
	destroy:  #Payload
	rollback: #Payload
	purge:    #Payload

	config_change:  #Payload
	service_action: #Payload & {action: string}
	object_create:  #Payload
	object_modify:  #Payload
	object_delete:  #Payload

	lock_change: #Payload & {lock: #Lock & struct.MinFields(1)}

	service_start:   #Payload
	service_stop:    #Payload
	service_restart: #Payload
}
`
