package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrExternalTool  = errors.New("external tool error")
	ErrValidation    = errors.New("validation error")
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
	ErrTimeout       = errors.New("timeout")
	ErrTransient     = errors.New("transient failure")
)

// ErrorClassifier is implemented by typed domain errors that carry a taxonomy
// kind. The kind is persisted alongside failed jobs.
type ErrorClassifier interface {
	ErrorKind() string
}

// ServiceError is produced by Wrap.
type ServiceError struct {
	Marker    error
	Stage     string
	Operation string
	Message   string
	Err       error
}

func (e *ServiceError) Error() string {
	detail := buildDetail(e.Stage, e.Operation, e.Message)
	if e.Err != nil {
		return fmt.Sprintf("%v: %s: %v", e.Marker, detail, e.Err)
	}
	return fmt.Sprintf("%v: %s", e.Marker, detail)
}

func (e *ServiceError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Marker}
	}
	return []error{e.Marker, e.Err}
}

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one of the
// exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	if marker == nil {
		marker = ErrTransient
	}
	return &ServiceError{
		Marker:    marker,
		Stage:     strings.TrimSpace(stage),
		Operation: strings.TrimSpace(operation),
		Message:   strings.TrimSpace(message),
		Err:       err,
	}
}

// ErrorDetails is the log-friendly decomposition of an error.
type ErrorDetails struct {
	Kind      string
	Operation string
	Message   string
	Hint      string
}

// Details decomposes err into structured fields. Typed errors implementing
// ErrorClassifier contribute their kind; otherwise the marker decides it.
func Details(err error) ErrorDetails {
	if err == nil {
		return ErrorDetails{}
	}
	details := ErrorDetails{Message: err.Error()}

	var classified ErrorClassifier
	if errors.As(err, &classified) {
		details.Kind = classified.ErrorKind()
	}
	var svc *ServiceError
	if errors.As(err, &svc) {
		details.Operation = svc.Operation
	}

	switch {
	case errors.Is(err, ErrExternalTool):
		details.Kind = firstNonEmpty(details.Kind, "external_tool")
		details.Hint = "check the external command output and that the binary is installed"
	case errors.Is(err, ErrValidation):
		details.Kind = firstNonEmpty(details.Kind, "validation")
		details.Hint = "fix the input and retry"
	case errors.Is(err, ErrConfiguration):
		details.Kind = firstNonEmpty(details.Kind, "configuration")
		details.Hint = "check the bindery config file"
	case errors.Is(err, ErrNotFound):
		details.Kind = firstNonEmpty(details.Kind, "not_found")
		details.Hint = "verify the source link is still valid"
	case errors.Is(err, ErrTimeout):
		details.Kind = firstNonEmpty(details.Kind, "timeout")
		details.Hint = "increase the timeout or retry later"
	default:
		details.Kind = firstNonEmpty(details.Kind, "transient")
		details.Hint = "retry the job; check logs if it keeps failing"
	}
	return details
}

// KindOf returns the taxonomy kind of err, or "" when err is nil.
func KindOf(err error) string {
	return Details(err).Kind
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage != "" {
		parts = append(parts, stage)
	}
	if operation != "" {
		parts = append(parts, operation)
	}
	if message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
