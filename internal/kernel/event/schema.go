package event

import "fmt"

// PayloadValidator checks a published event's payload shape before the
// bus admits it. Kinds with no registered validator accept any
// payload.
type PayloadValidator func(payload any) error

// SchemaRegistry holds per-kind payload validators. The zero value is
// ready to use and validates nothing until kinds are registered.
type SchemaRegistry struct {
	validators map[Kind]PayloadValidator
}

// NewSchemaRegistry returns an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{validators: make(map[Kind]PayloadValidator)}
}

// Register installs a validator for a kind, replacing any prior one.
func (r *SchemaRegistry) Register(kind Kind, v PayloadValidator) {
	if r.validators == nil {
		r.validators = make(map[Kind]PayloadValidator)
	}
	r.validators[kind] = v
}

// Validate runs the registered validator for ev.Kind, if any.
func (r *SchemaRegistry) Validate(ev *Event) error {
	if r == nil {
		return nil
	}
	v, ok := r.validators[ev.Kind]
	if !ok {
		return nil
	}
	if err := v(ev.Payload); err != nil {
		return fmt.Errorf("event %s: %w", ev.Kind, err)
	}
	return nil
}

// RequireMapKeys builds a PayloadValidator that checks payload is a
// map[string]any carrying every named key.
func RequireMapKeys(keys ...string) PayloadValidator {
	return func(payload any) error {
		m, ok := payload.(map[string]any)
		if !ok {
			return fmt.Errorf("payload must be a map[string]any, got %T", payload)
		}
		for _, k := range keys {
			if _, ok := m[k]; !ok {
				return fmt.Errorf("payload missing required key %q", k)
			}
		}
		return nil
	}
}
