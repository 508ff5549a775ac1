package schema

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/tphakala/statesync/internal/errors"
	"github.com/tphakala/statesync/internal/logger"
)

// Definitions maps schema names to their field declarations, as found in
// configuration and schema files.
type Definitions map[string]map[string]Field

// Registry holds the set of known schemas. Registration normally happens
// once at startup; lookups are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
	logger  logger.Logger
}

// NewRegistry returns an empty registry
func NewRegistry(log logger.Logger) *Registry {
	if log == nil {
		log = logger.Global().Module("schema")
	}
	return &Registry{
		schemas: make(map[string]*Schema),
		logger:  log,
	}
}

// Register adds a schema. Every field needs a known type and a default that
// satisfies it; only nullable fields may default to nil.
func (r *Registry) Register(name string, fields map[string]Field) error {
	if name == "" {
		return newSchemaError(fmt.Errorf("%w: empty schema name", ErrInvalidSchema), name).Build()
	}

	normalized := make(map[string]Field, len(fields))
	for _, fieldName := range slices.Sorted(maps.Keys(fields)) {
		f := fields[fieldName]
		if fieldName == "" {
			return newSchemaError(fmt.Errorf("%w: empty field name", ErrInvalidSchema), name).Build()
		}
		if !f.Type.Valid() {
			return newSchemaError(fmt.Errorf("%w: field %q has unknown type %q", ErrInvalidSchema, fieldName, f.Type), name).
				Context("field", fieldName).
				Build()
		}
		def, ok := f.check(f.Default)
		if !ok {
			return newSchemaError(fmt.Errorf("%w: default of field %q must be %s, got %s",
				ErrInvalidSchema, fieldName, describe(f), typeName(f.Default)), name).
				Context("field", fieldName).
				Build()
		}
		f.Default = def
		normalized[fieldName] = f
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.schemas[name]; exists {
		return newSchemaError(fmt.Errorf("%w: %s", ErrDuplicateSchema, name), name).
			Category(errors.CategoryConflict).
			Build()
	}
	r.schemas[name] = &Schema{Name: name, Fields: normalized}

	r.logger.Debug("schema registered",
		logger.String("schema", name),
		logger.Int("fields", len(normalized)))
	return nil
}

// RegisterAll registers every definition in name order and stops at the first error
func (r *Registry) RegisterAll(defs Definitions) error {
	for _, name := range slices.Sorted(maps.Keys(defs)) {
		if err := r.Register(name, defs[name]); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the named schema
func (r *Registry) Get(name string) (*Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[name]
	return s, ok
}

// Names returns all registered schema names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.schemas))
}

// ValidateCreate checks initial values against the schema and returns the
// complete value set: defaults overridden by the normalized initial values.
func (r *Registry) ValidateCreate(name string, initial Values) (Values, error) {
	s, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	checked, err := validate(s, initial)
	if err != nil {
		return nil, err
	}
	values := s.Defaults()
	maps.Copy(values, checked)
	return values, nil
}

// ValidateUpdate checks a partial update and returns the normalized subset.
// An empty update is valid and yields an empty result.
func (r *Registry) ValidateUpdate(name string, partial Values) (Values, error) {
	s, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return validate(s, partial)
}

func (r *Registry) lookup(name string) (*Schema, error) {
	s, ok := r.Get(name)
	if !ok {
		return nil, newSchemaError(fmt.Errorf("%w: %s", ErrUnknownSchema, name), name).
			Category(errors.CategoryNotFound).
			Build()
	}
	return s, nil
}

// validate checks every supplied field. Nothing is returned on failure, so a
// rejected write never partially applies.
func validate(s *Schema, in Values) (Values, error) {
	out := make(Values, len(in))
	for _, fieldName := range in.Keys() {
		v := in[fieldName]
		f, ok := s.Fields[fieldName]
		if !ok {
			return nil, newSchemaError(fmt.Errorf("%w: %s.%s", ErrUnknownField, s.Name, fieldName), s.Name).
				Context("field", fieldName).
				Build()
		}
		nv, ok := f.check(v)
		if !ok {
			return nil, newSchemaError(fmt.Errorf("%w: %s.%s expects %s, got %s",
				ErrTypeMismatch, s.Name, fieldName, describe(f), typeName(v)), s.Name).
				Context("field", fieldName).
				Build()
		}
		out[fieldName] = nv
	}
	return out, nil
}

func describe(f Field) string {
	if f.Nullable {
		return string(f.Type) + " or null"
	}
	return string(f.Type)
}

func newSchemaError(err error, schemaName string) *errors.ErrorBuilder {
	return errors.New(err).
		Component("schema").
		Category(errors.CategoryValidation).
		Context("schema", schemaName)
}

// schemaFile is the on-disk layout of a schema definition file
type schemaFile struct {
	Schemas Definitions `yaml:"schemas"`
}

// LoadFile reads schema definitions from a YAML file and registers them
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.New(fmt.Errorf("read schema file: %w", err)).
			Component("schema").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	var f schemaFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return errors.New(fmt.Errorf("%w: parse %s: %w", ErrInvalidSchema, path, err)).
			Component("schema").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if len(f.Schemas) == 0 {
		return errors.New(fmt.Errorf("%w: %s defines no schemas", ErrInvalidSchema, path)).
			Component("schema").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return r.RegisterAll(f.Schemas)
}

// PlayerSchemaName is the name the built-in schema is registered under
const PlayerSchemaName = "player"

// PlayerSchema is the built-in schema shared by producers and consumers of
// the audio envelope.
func PlayerSchema() map[string]Field {
	return map[string]Field{
		"name":    {Type: TypeString, Nullable: true},
		"rms":     {Type: TypeFloat, Default: 0.0},
		"vizData": {Type: TypeAny, Nullable: true},
	}
}
