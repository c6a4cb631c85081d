package structured

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	jsv "github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var errPrinter = message.NewPrinter(language.English)

// FieldError locates one validation failure inside the output document.
type FieldError struct {
	Path    string
	Message string
}

// ValidationError aggregates the field errors of one failed validation.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation_error: output does not match the schema"
	}
	lines := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		lines[i] = f.Path + ": " + f.Message
	}
	return "validation_error: " + strings.Join(lines, "; ")
}

// CorrectionPrompt renders the failure as a corrective message for the
// model, one "field: constraint" line per error.
func (e *ValidationError) CorrectionPrompt() string {
	var sb strings.Builder
	sb.WriteString("The previous output did not match the required schema. Fix these problems and respond again:\n")
	for _, f := range e.Fields {
		sb.WriteString("- ")
		sb.WriteString(f.Path)
		sb.WriteString(": ")
		sb.WriteString(f.Message)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Validate checks a raw payload against the resolved output constraints.
// Schema failures return a *ValidationError with field paths.
func (r *Request) Validate(raw string) error {
	if r.Guided != nil {
		return r.validateGuided(raw)
	}

	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return &ValidationError{Fields: []FieldError{{
			Path:    "$",
			Message: fmt.Sprintf("output is not valid JSON: %v", err),
		}}}
	}

	if r.compiled == nil {
		return nil
	}

	if err := r.compiled.Validate(value); err != nil {
		var verr *jsv.ValidationError
		if ok := asValidationError(err, &verr); ok {
			return &ValidationError{Fields: collectFields(verr)}
		}
		return &ValidationError{Fields: []FieldError{{Path: "$", Message: err.Error()}}}
	}
	return nil
}

func (r *Request) validateGuided(raw string) error {
	value := strings.TrimSpace(raw)
	switch {
	case len(r.Guided.Choice) > 0:
		for _, choice := range r.Guided.Choice {
			if value == choice {
				return nil
			}
		}
		return &ValidationError{Fields: []FieldError{{
			Path:    "$",
			Message: fmt.Sprintf("%q is not one of the allowed choices %v", value, r.Guided.Choice),
		}}}
	case r.Guided.Regex != "":
		re, err := regexp.Compile(r.Guided.Regex)
		if err != nil {
			return fmt.Errorf("configuration_error: invalid guided regex: %w", err)
		}
		if !re.MatchString(value) {
			return &ValidationError{Fields: []FieldError{{
				Path:    "$",
				Message: fmt.Sprintf("output does not match pattern %q", r.Guided.Regex),
			}}}
		}
	}
	// Grammar conformance is enforced by the backend's decoder.
	return nil
}

func asValidationError(err error, target **jsv.ValidationError) bool {
	if verr, ok := err.(*jsv.ValidationError); ok {
		*target = verr
		return true
	}
	return false
}

// collectFields flattens the validator's cause tree into leaf field errors.
func collectFields(verr *jsv.ValidationError) []FieldError {
	if len(verr.Causes) == 0 {
		return []FieldError{{
			Path:    instancePath(verr.InstanceLocation),
			Message: verr.ErrorKind.LocalizedString(errPrinter),
		}}
	}
	var out []FieldError
	for _, cause := range verr.Causes {
		out = append(out, collectFields(cause)...)
	}
	return out
}

func instancePath(location []string) string {
	if len(location) == 0 {
		return "$"
	}
	return "$." + strings.Join(location, ".")
}
