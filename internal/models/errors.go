package models

import (
	"fmt"
	"strings"
)

// UnsupportedMetricError is returned when a metric name is not one of the
// supported metrics.
type UnsupportedMetricError struct {
	Metric string
}

func (e *UnsupportedMetricError) Error() string {
	return fmt.Sprintf("unsupported metric %q (supported: %s)", e.Metric, strings.Join(metricNames(), ", "))
}

// UnsupportedDimensionError is returned when a dimension or filter column is
// not one the evidence store allows.
type UnsupportedDimensionError struct {
	Dimension string
	Allowed   []string
}

func (e *UnsupportedDimensionError) Error() string {
	if len(e.Allowed) == 0 {
		return fmt.Sprintf("unsupported dimension %q", e.Dimension)
	}
	return fmt.Sprintf("unsupported dimension %q (allowed: %s)", e.Dimension, strings.Join(e.Allowed, ", "))
}

// InvalidParametersError reports a missing or malformed action parameter.
type InvalidParametersError struct {
	Action  ActionType
	Field   string
	Message string
}

func (e *InvalidParametersError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid parameters for %s: %s", e.Action, e.Message)
	}
	return fmt.Sprintf("invalid parameters for %s: %s %s", e.Action, e.Field, e.Message)
}

// UnknownActionError is returned for an action tag that is not part of the
// action vocabulary.
type UnknownActionError struct {
	Action string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("unknown action %q", e.Action)
}

// ConversationNotFoundError is returned when a conversation id is not known
// to the registry.
type ConversationNotFoundError struct {
	ConversationID string
}

func (e *ConversationNotFoundError) Error() string {
	return fmt.Sprintf("conversation %s not found", e.ConversationID)
}

// OracleContractError wraps a decision that could not be decoded into a
// valid investigation step. It is fatal to the current run.
type OracleContractError struct {
	Raw string
	Err error
}

func (e *OracleContractError) Error() string {
	return fmt.Sprintf("decision oracle returned an invalid step: %v", e.Err)
}

func (e *OracleContractError) Unwrap() error { return e.Err }

// SynthesisError wraps a failure to draft the final report.
type SynthesisError struct {
	Err error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesis failed: %v", e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }
