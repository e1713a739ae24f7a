package supervisor

import "fmt"

// readinessTimeoutError signals a phase member that never became ready.
type readinessTimeoutError struct {
	phase   int
	service string
}

func (e readinessTimeoutError) Error() string {
	return fmt.Sprintf("phase %d: service %q not ready in time", e.phase, e.service)
}

// IsReadinessTimeout reports whether err indicates a readiness timeout.
func IsReadinessTimeout(err error) bool {
	_, ok := err.(readinessTimeoutError)
	return ok
}

// serviceNotFoundError reports an unknown service name on an admin call.
type serviceNotFoundError struct{ name string }

func (e serviceNotFoundError) Error() string { return "unknown service: " + e.name }

func ErrServiceNotFound(name string) error { return serviceNotFoundError{name: name} }

// IsServiceNotFound reports whether err names a service we do not manage.
func IsServiceNotFound(err error) bool {
	_, ok := err.(serviceNotFoundError)
	return ok
}

// budgetExceededError signals a service that exhausted its restart budget.
type budgetExceededError struct {
	service  string
	restarts int
}

func (e budgetExceededError) Error() string {
	return fmt.Sprintf("service %q exceeded restart budget (%d in window)", e.service, e.restarts)
}

// IsBudgetExceeded reports whether err indicates restart-budget exhaustion.
func IsBudgetExceeded(err error) bool {
	_, ok := err.(budgetExceededError)
	return ok
}

// bootAbortedError wraps the cause of a fatal boot failure.
type bootAbortedError struct{ cause error }

func (e bootAbortedError) Error() string { return "boot aborted: " + e.cause.Error() }
func (e bootAbortedError) Unwrap() error { return e.cause }

// IsBootAborted reports whether err is a fatal boot abort.
func IsBootAborted(err error) bool {
	_, ok := err.(bootAbortedError)
	return ok
}
