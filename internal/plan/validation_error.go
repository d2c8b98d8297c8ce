package plan

import (
	"errors"
	"fmt"
	"strings"

	"github.com/msageha/phasegate/internal/model"
)

// ValidationError is one problem at a field of the plan document, e.g.
// "phases[1].items[0].depends_on[0]".
type ValidationError struct {
	FieldPath string
	Message   string
}

func (e ValidationError) Error() string {
	return e.FieldPath + ": " + e.Message
}

// ValidationErrors collects every problem found in a plan. It unwraps to a
// *model.ConfigurationError, so a rejected plan is classified as a
// configuration failure.
type ValidationErrors struct {
	Errors []ValidationError
	// CyclePath is set when the phase graph is cyclic.
	CyclePath []string
}

func (ve *ValidationErrors) Add(fieldPath, message string) {
	ve.Errors = append(ve.Errors, ValidationError{FieldPath: fieldPath, Message: message})
}

// addDAG records a graph error, keeping the cycle path when there is one.
func (ve *ValidationErrors) addDAG(fieldPath string, err error) {
	var cfgErr *model.ConfigurationError
	if errors.As(err, &cfgErr) && len(cfgErr.CyclePath) > 0 && ve.CyclePath == nil {
		ve.CyclePath = cfgErr.CyclePath
	}
	ve.Add(fieldPath, err.Error())
}

func (ve *ValidationErrors) HasErrors() bool {
	return len(ve.Errors) > 0
}

func (ve *ValidationErrors) Error() string {
	if len(ve.Errors) == 1 {
		return "invalid plan: " + ve.Errors[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "invalid plan (%d problems):", len(ve.Errors))
	for _, e := range ve.Errors {
		sb.WriteString("\n  ")
		sb.WriteString(e.Error())
	}
	return sb.String()
}

func (ve *ValidationErrors) Unwrap() error {
	reasons := make([]string, 0, len(ve.Errors))
	for _, e := range ve.Errors {
		reasons = append(reasons, e.Error())
	}
	return &model.ConfigurationError{
		Reason:    "invalid plan: " + strings.Join(reasons, "; "),
		CyclePath: ve.CyclePath,
	}
}

// FormatStderr renders one line per problem for CLI output.
func (ve *ValidationErrors) FormatStderr() string {
	var sb strings.Builder
	for _, e := range ve.Errors {
		fmt.Fprintf(&sb, "error: %s: %s\n", e.FieldPath, e.Message)
	}
	return sb.String()
}
