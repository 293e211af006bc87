package service

import (
	"errors"
	"fmt"
)

// Class is the error taxonomy of a run.
type Class string

const (
	// ClassRowRejected rows were dropped by the normalizer.
	ClassRowRejected Class = "RowRejected"
	// ClassInsufficientSample a metric was left null for thin segments.
	ClassInsufficientSample Class = "InsufficientSample"
	// ClassModelFitFailed the driver model fell back to earlier results.
	ClassModelFitFailed Class = "ModelFitFailed"
	// ClassRuleEvaluationError a rule produced no verdict.
	ClassRuleEvaluationError Class = "RuleEvaluationError"
	// ClassDeliveryFailed a notifier could not deliver a committed alert.
	ClassDeliveryFailed Class = "DeliveryFailed"
	// ClassOutputFailed staged outputs of a committed run could not be published.
	ClassOutputFailed Class = "OutputFailed"
	// ClassSnapshotUnavailable the snapshot could not be read or had no valid rows.
	ClassSnapshotUnavailable Class = "SnapshotUnavailable"
	// ClassStateUnavailable the baseline store could not be read or written.
	ClassStateUnavailable Class = "StateUnavailable"
	// ClassConfigInvalid configuration or rules failed validation.
	ClassConfigInvalid Class = "ConfigInvalid"
)

// Fatal reports whether the class aborts the run.
func (c Class) Fatal() bool {
	switch c {
	case ClassSnapshotUnavailable, ClassStateUnavailable, ClassConfigInvalid:
		return true
	}
	return false
}

// ErrBusy is returned when another process holds the run lock.
var ErrBusy = errors.New("another run holds the lock")

// RunError is a classified run failure.
type RunError struct {
	Class Class
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

func fatal(class Class, format string, args ...any) error {
	return &RunError{Class: class, Err: fmt.Errorf(format, args...)}
}

// IsFatal reports whether err carries a fatal class.
func IsFatal(err error) bool {
	var re *RunError
	return errors.As(err, &re) && re.Class.Fatal()
}

// ClassOf returns the class carried by err, if any.
func ClassOf(err error) (Class, bool) {
	var re *RunError
	if errors.As(err, &re) {
		return re.Class, true
	}
	return "", false
}

// Warning is a recovered, non-fatal degradation reported with the run.
type Warning struct {
	Class   Class  `json:"class"`
	Subject string `json:"subject,omitempty"`
	Message string `json:"message"`
}
