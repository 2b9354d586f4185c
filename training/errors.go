package training

import (
	"errors"
	"fmt"
)

// ErrEmptyHistory is returned when a best score is requested for a metric
// with no recorded observations. Callers must not substitute a sentinel best.
var ErrEmptyHistory = errors.New("no recorded observations")

// ConfigurationError reports an invalid hyperparameter. Configuration is
// validated before training starts so bad values never surface mid-loop.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// MetricComputationError wraps a failure from the metric scorer. A
// validation or test epoch hitting this skips history recording but still
// reports the loss components already accumulated.
type MetricComputationError struct {
	Err error
}

func (e *MetricComputationError) Error() string {
	return fmt.Sprintf("metric computation failed: %v", e.Err)
}

func (e *MetricComputationError) Unwrap() error {
	return e.Err
}
