// Package schema validates proposed mutations against the active ontology
// version. Validation is pure: it touches no shared state and holds no
// locks, so it runs before lock acquisition to fail fast.
package schema

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/santiago-project/santiago/internal/config"
	"github.com/santiago-project/santiago/pkg/graph"
)

// Violation names one failed constraint on one field.
type Violation struct {
	Field      string `json:"field"`
	Constraint string `json:"constraint"`
	Expected   string `json:"expected"`
	Got        string `json:"got,omitempty"`
}

// ValidationError enumerates every schema violation in a proposed mutation.
// It is surfaced to the caller as-is; the caller must fix and resubmit.
type ValidationError struct {
	SchemaVersion string      `json:"schema_version"`
	EntityKey     string      `json:"entity_key"`
	Violations    []Violation `json:"violations"`
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	fields := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		fields = append(fields, fmt.Sprintf("%s (%s)", v.Field, v.Constraint))
	}
	return fmt.Sprintf("schema validation failed for %s against ontology %s: %s",
		e.EntityKey, e.SchemaVersion, strings.Join(fields, ", "))
}

// Validator checks mutations against one ontology version.
type Validator struct {
	ontology config.OntologyConfig
}

// NewValidator creates a validator for the given ontology.
func NewValidator(ontology config.OntologyConfig) *Validator {
	return &Validator{ontology: ontology}
}

// Version returns the ontology version this validator enforces.
func (v *Validator) Version() string {
	return v.ontology.Version
}

// EntityType extracts the entity type from an entity key. Keys are of the
// form "type/name"; the type must be defined in the ontology.
func (v *Validator) EntityType(entityKey string) (string, error) {
	typeName, _, found := strings.Cut(entityKey, "/")
	if !found || typeName == "" {
		return "", fmt.Errorf("entity key %q is not of the form type/name", entityKey)
	}

	if _, exists := v.ontology.EntityTypes[typeName]; !exists {
		return "", fmt.Errorf("entity key %q names unknown entity type %q", entityKey, typeName)
	}

	return typeName, nil
}

// Validate checks a write intent's diff.after against the ontology.
// Returns a *ValidationError listing every violation, or nil if the
// mutation is valid. Deletes skip field validation but still require a
// known entity type.
func (v *Validator) Validate(event *graph.WriteIntentEvent) *ValidationError {
	verr := &ValidationError{
		SchemaVersion: v.ontology.Version,
		EntityKey:     event.EntityKey,
	}

	typeName, err := v.EntityType(event.EntityKey)
	if err != nil {
		verr.Violations = append(verr.Violations, Violation{
			Field:      "entity_key",
			Constraint: "known_entity_type",
			Expected:   fmt.Sprintf("one of %s", strings.Join(v.typeNames(), ", ")),
			Got:        event.EntityKey,
		})
		return verr
	}

	if event.Operation == graph.OperationDelete {
		return nil
	}

	entityType := v.ontology.EntityTypes[typeName]

	// Unknown fields
	for _, fieldName := range sortedKeys(event.Diff.After) {
		if _, defined := entityType.Fields[fieldName]; !defined {
			verr.Violations = append(verr.Violations, Violation{
				Field:      fieldName,
				Constraint: "defined_field",
				Expected:   fmt.Sprintf("a field of entity type %q", typeName),
				Got:        fieldName,
			})
		}
	}

	// Required fields and value shapes
	for _, fieldName := range sortedKeys(entityType.Fields) {
		field := entityType.Fields[fieldName]
		value, present := event.Diff.After[fieldName]

		if !present {
			if field.Required {
				verr.Violations = append(verr.Violations, Violation{
					Field:      fieldName,
					Constraint: "required",
					Expected:   fmt.Sprintf("a %s value", field.Kind),
				})
			}
			continue
		}

		if violation := checkKind(fieldName, field, value); violation != nil {
			verr.Violations = append(verr.Violations, *violation)
		}
	}

	if len(verr.Violations) == 0 {
		return nil
	}
	return verr
}

// checkKind validates a single field value against its declared kind.
func checkKind(fieldName string, field config.FieldConfig, value string) *Violation {
	switch field.Kind {
	case "string":
		return nil

	case "int":
		if _, err := strconv.ParseInt(value, 10, 64); err != nil {
			return &Violation{Field: fieldName, Constraint: "kind", Expected: "int", Got: value}
		}

	case "float":
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return &Violation{Field: fieldName, Constraint: "kind", Expected: "float", Got: value}
		}

	case "bool":
		if _, err := strconv.ParseBool(value); err != nil {
			return &Violation{Field: fieldName, Constraint: "kind", Expected: "bool", Got: value}
		}

	case "timestamp":
		// Unix milliseconds
		if _, err := strconv.ParseInt(value, 10, 64); err != nil {
			return &Violation{Field: fieldName, Constraint: "kind", Expected: "timestamp (unix ms)", Got: value}
		}

	case "ref":
		refType, _, found := strings.Cut(value, "/")
		if !found || refType != field.RefTarget {
			return &Violation{
				Field:      fieldName,
				Constraint: "ref_target",
				Expected:   fmt.Sprintf("%s/<name>", field.RefTarget),
				Got:        value,
			}
		}
	}

	return nil
}

func (v *Validator) typeNames() []string {
	return sortedKeys(v.ontology.EntityTypes)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
