package intercept

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mohammed-shakir/editsync/internal/core/model"
)

var ErrValidation = errors.New("validation failed")

const (
	OpAdd    = "add"
	OpUpdate = "update"
)

// FeatureFailure lists the required fields one feature of a batch is missing.
type FeatureFailure struct {
	Op      string   `json:"op"`
	Index   int      `json:"index"`
	Key     string   `json:"key,omitempty"`
	Missing []string `json:"missing"`
}

type ValidationError struct {
	Layer    string           `json:"layer,omitempty"`
	Failures []FeatureFailure `json:"failures"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s[%d]: %s", f.Op, f.Index, strings.Join(f.Missing, ",")))
	}
	return "validation failed - required fields missing: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// MissingFields returns the required fields of schema that f leaves null or blank.
func MissingFields(schema model.LayerSchema, f model.Feature) []string {
	var missing []string
	for _, name := range schema.RequiredFields() {
		if f.Attributes.Blank(name) {
			missing = append(missing, name)
		}
	}
	return missing
}

// Validate checks every add and update of batch. Deletes carry no attributes.
func Validate(layer string, schema model.LayerSchema, batch model.EditBatch, ids *IdentityResolver) error {
	var failures []FeatureFailure
	check := func(op string, fs []model.Feature) {
		for i, f := range fs {
			missing := MissingFields(schema, f)
			if len(missing) == 0 {
				continue
			}
			ff := FeatureFailure{Op: op, Index: i, Missing: missing}
			if id, ok := ids.Resolve(f); ok && id.Confidence > ConfidenceLow {
				ff.Key = id.Key
			}
			failures = append(failures, ff)
		}
	}
	check(OpAdd, batch.Adds)
	check(OpUpdate, batch.Updates)
	if len(failures) == 0 {
		return nil
	}
	return &ValidationError{Layer: layer, Failures: failures}
}
