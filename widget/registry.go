package widget

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/c360/tripscope/errors"
	"github.com/c360/tripscope/expression"
	"github.com/c360/tripscope/pkg/validation"
)

// Registry stores validated definitions by id.
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]*Definition
	logger      *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		definitions: make(map[string]*Definition),
		logger:      logger,
	}
}

// Register validates def and stores it, replacing any definition with the same id.
func (r *Registry) Register(def *Definition) error {
	if def == nil {
		return errors.WrapInvalid(errors.ErrValidation, "Registry", "Register", "definition validation")
	}
	if err := ValidateDefinition(def); err != nil {
		return errors.Wrap(err, "Registry", "Register", "definition validation")
	}

	r.mu.Lock()
	_, replaced := r.definitions[def.ID]
	r.definitions[def.ID] = def
	r.mu.Unlock()

	r.logger.Debug("Widget definition registered", "definition_id", def.ID, "replaced", replaced)
	return nil
}

// ValidateDefinition checks a definition without registering it.
func ValidateDefinition(def *Definition) error {
	var errs []errors.FieldError
	if err := validation.Struct(def, errors.ErrValidation); err != nil {
		if fe, ok := errors.AsFieldErrors(err); ok {
			errs = append(errs, fe.Errors...)
		} else {
			return err
		}
	}

	if def.Factory == nil && def.Implementation == nil {
		errs = append(errs, errors.FieldError{
			Field: "implementation", Code: errors.CodeRequired,
			Message: "initialize, process and render are required",
		})
	}

	seen := make(map[string]bool, len(def.Inputs))
	for _, in := range def.Inputs {
		if seen[in.Name] {
			errs = append(errs, errors.FieldError{
				Field: "inputs." + in.Name, Code: errors.CodeCustom, Message: "duplicate input name",
			})
		}
		seen[in.Name] = true
	}

	errs = append(errs, validateSchema(def.ConfigSchema)...)

	if def.Stream != nil && def.Stream.BufferSize <= 0 {
		errs = append(errs, errors.FieldError{
			Field: "stream.buffer_size", Code: errors.CodeMin, Message: "buffer size must be positive",
		})
	}

	if def.Monitoring != nil {
		for _, a := range def.Monitoring.Alerts {
			if a.ID == "" {
				errs = append(errs, errors.FieldError{
					Field: "monitoring.alerts", Code: errors.CodeRequired, Message: "alert id is required",
				})
			}
			if err := expression.Validate(a.Condition); err != nil {
				errs = append(errs, errors.FieldError{
					Field: "monitoring.alerts." + a.ID, Code: errors.CodeCustom, Message: err.Error(),
				})
			}
			switch a.Severity {
			case SeverityInfo, SeverityWarning, SeverityError:
			default:
				errs = append(errs, errors.FieldError{
					Field: "monitoring.alerts." + a.ID, Code: errors.CodeEnum,
					Message: "severity must be info, warning or error",
				})
			}
		}
	}

	return errors.NewFieldErrors(errors.ErrValidation, errs)
}

// Get returns the definition or ErrNotFound.
func (r *Registry) Get(id string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.definitions[id]
	if !ok {
		return nil, errors.NotFound("definition", id)
	}
	return def, nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.definitions[id]
	return ok
}

// List returns all definitions sorted by id.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	out := make([]*Definition, 0, len(r.definitions))
	for _, def := range r.definitions {
		out = append(out, def)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Definition) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Descriptor is the serializable form of a definition.
type Descriptor struct {
	ID           string                     `json:"id"`
	Name         string                     `json:"name"`
	Category     Category                   `json:"category"`
	Version      string                     `json:"version,omitempty"`
	Description  string                     `json:"description,omitempty"`
	Inputs       []InputSpec                `json:"inputs,omitempty"`
	Outputs      []OutputSpec               `json:"outputs,omitempty"`
	ConfigSchema map[string]FieldDescriptor `json:"config_schema,omitempty"`
	Dependencies []string                   `json:"dependencies,omitempty"`
	Monitoring   *MonitoringSpec            `json:"monitoring,omitempty"`
}

// Describe returns the serializable form of d.
func (d *Definition) Describe() Descriptor {
	return Descriptor{
		ID:           d.ID,
		Name:         d.Name,
		Category:     d.Category,
		Version:      d.Version,
		Description:  d.Description,
		Inputs:       d.Inputs,
		Outputs:      d.Outputs,
		ConfigSchema: DescribeSchema(d.ConfigSchema),
		Dependencies: d.Dependencies,
		Monitoring:   d.Monitoring,
	}
}
