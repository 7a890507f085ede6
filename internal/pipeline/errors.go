// internal/pipeline/errors.go
package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownStep indicates a step id that is not present in the catalog.
	ErrUnknownStep = errors.New("unknown step")

	// ErrInvalidSpec indicates a malformed pipeline specification.
	ErrInvalidSpec = errors.New("invalid pipeline spec")

	// ErrConfig is the sentinel matched by every *ConfigError.
	ErrConfig = errors.New("configuration error")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("run already started")
)

// ErrorKind classifies configuration errors raised by steps.
type ErrorKind string

const (
	KindInvalidColumn     ErrorKind = "invalid_column"
	KindUnknownRankColumn ErrorKind = "unknown_rank_column"
	KindUnknownModel      ErrorKind = "unknown_model"
	KindInvalidParameter  ErrorKind = "invalid_parameter"
)

// ConfigError is fatal to the step that raises it. Field names the
// offending column, parameter or model.
type ConfigError struct {
	Kind  ErrorKind
	Field string
	Value string
}

func (e *ConfigError) Error() string {
	switch e.Kind {
	case KindInvalidColumn:
		return fmt.Sprintf("invalid column name: column %q is not present in the document table", e.Field)
	case KindUnknownRankColumn:
		return fmt.Sprintf("unknown rank column %q", e.Field)
	case KindUnknownModel:
		return fmt.Sprintf("unsupported model %q for %s", e.Value, e.Field)
	default:
		if e.Value != "" {
			return fmt.Sprintf("invalid parameter %s: %q", e.Field, e.Value)
		}
		return fmt.Sprintf("invalid parameter %s", e.Field)
	}
}

// Is lets errors.Is(err, ErrConfig) match any configuration error.
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfig
}

// InvalidColumn returns a configuration error for a missing column.
func InvalidColumn(column string) error {
	return &ConfigError{Kind: KindInvalidColumn, Field: column}
}

// UnknownRankColumn returns a configuration error for a column that is not
// a registered rank column.
func UnknownRankColumn(column string) error {
	return &ConfigError{Kind: KindUnknownRankColumn, Field: column}
}

// UnknownModel returns a configuration error for an unsupported model id.
func UnknownModel(step, model string) error {
	return &ConfigError{Kind: KindUnknownModel, Field: step, Value: model}
}

// InvalidParameter returns a configuration error for a bad parameter value.
func InvalidParameter(name, value string) error {
	return &ConfigError{Kind: KindInvalidParameter, Field: name, Value: value}
}

// WarningKind classifies degraded-input conditions that do not abort a step.
type WarningKind string

const (
	WarnUnsupportedLanguage WarningKind = "unsupported_language"
	WarnUnparseableAnswer   WarningKind = "unparseable_answer"
	WarnUnknownMetric       WarningKind = "unknown_metric"
	WarnRowFailure          WarningKind = "row_failure"
)

var warningTitles = map[WarningKind]string{
	WarnUnsupportedLanguage: "UNSUPPORTED LANGUAGE",
	WarnUnparseableAnswer:   "UNPARSEABLE ANSWER",
	WarnUnknownMetric:       "UNKNOWN METRIC",
	WarnRowFailure:          "ROW FAILURE",
}

// Warning is a structured, non-fatal step diagnostic.
type Warning struct {
	Kind    WarningKind `json:"kind"`
	Message string      `json:"message"`
	Step    string      `json:"step,omitempty"`
}

func (w Warning) String() string {
	title, ok := warningTitles[w.Kind]
	if !ok {
		title = string(w.Kind)
	}
	return fmt.Sprintf("[WARNING] - [%s]: %s", title, w.Message)
}
