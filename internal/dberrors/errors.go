// Package dberrors provides a small wrapped-error type for infrastructure
// failures (connection setup, migrations, config loading) that sit outside
// the job-result contract described by pkg/syncerr.
package dberrors

import "fmt"

// OperationError describes a failed operation with optional component and
// resource context, and an optional wrapped cause.
type OperationError struct {
	Operation string
	Component string
	Resource  string
	Cause     error
}

func (e *OperationError) Error() string {
	msg := "failed to " + e.Operation
	if e.Component != "" {
		msg += ", component: " + e.Component
	}
	if e.Resource != "" {
		msg += ", resource: " + e.Resource
	}
	if e.Cause != nil {
		msg += ", cause: " + e.Cause.Error()
	}
	return msg
}

func (e *OperationError) Unwrap() error {
	return e.Cause
}

// FailedTo builds a minimal OperationError with just an action and cause.
func FailedTo(action string, cause error) error {
	return &OperationError{Operation: action, Cause: cause}
}

// FailedToWithDetails builds an OperationError carrying component/resource context.
func FailedToWithDetails(action, component, resource string, cause error) error {
	return &OperationError{Operation: action, Component: component, Resource: resource, Cause: cause}
}

// Wrapf wraps err with a formatted message, returning nil if err is nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// DatabaseError is FailedToWithDetails scoped to the "database" component.
func DatabaseError(action string, cause error) error {
	return FailedToWithDetails(action, "database", "", cause)
}

// NetworkError is FailedToWithDetails scoped to the "network" component, with
// the remote endpoint recorded as the resource.
func NetworkError(action, endpoint string, cause error) error {
	return FailedToWithDetails(action, "network", endpoint, cause)
}

// ValidationError reports a field-level validation failure.
func ValidationError(field, reason string) error {
	return fmt.Errorf("validation failed for field %s: %s", field, reason)
}

// ConfigurationError reports a configuration-level failure.
func ConfigurationError(key, reason string) error {
	return &OperationError{
		Operation: "load configuration",
		Component: "config",
		Resource:  key,
		Cause:     fmt.Errorf("%s", reason),
	}
}
