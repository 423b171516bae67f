package errors

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// Severity classifies how an update failure must be handled.
type Severity int

const (
	// Retryable failures abort the current attempt only; the next scheduled check tries again.
	Retryable Severity = iota
	// FatalAttempt failures abort the attempt and must not be retried until the release changes.
	FatalAttempt
	// FatalInstallation failures leave the installation in a state that needs the user.
	FatalInstallation
)

func (s Severity) String() string {
	switch s {
	case Retryable:
		return "retryable"
	case FatalAttempt:
		return "fatal-attempt"
	case FatalInstallation:
		return "fatal-installation"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// Error tags an underlying error with the operation that failed and its severity.
type Error struct {
	Severity Severity
	Op       string
	Err      error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewRetryable tags err as Retryable. A nil err stays nil.
func NewRetryable(op string, err error) error {
	return wrap(Retryable, op, err)
}

// NewFatalAttempt tags err as FatalAttempt. A nil err stays nil.
func NewFatalAttempt(op string, err error) error {
	return wrap(FatalAttempt, op, err)
}

// NewFatalInstallation tags err as FatalInstallation. A nil err stays nil.
func NewFatalInstallation(op string, err error) error {
	return wrap(FatalInstallation, op, err)
}

func wrap(s Severity, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Severity: s, Op: op, Err: err}
}

// SeverityOf returns the most severe tag found in the chain of err.
// Errors that carry no tag are treated as FatalAttempt so they are never retried silently.
func SeverityOf(err error) Severity {
	var tagged *Error
	if !errors.As(err, &tagged) {
		return FatalAttempt
	}

	sev := tagged.Severity
	for inner := tagged.Err; inner != nil; {
		var next *Error
		if !errors.As(inner, &next) {
			break
		}
		if next.Severity > sev {
			sev = next.Severity
		}
		inner = next.Err
	}
	return sev
}

// IsRetryable reports whether err may be retried on the next scheduled check.
func IsRetryable(err error) bool {
	return err != nil && SeverityOf(err) == Retryable
}

func formatError(es []error) string {
	if len(es) == 1 {
		return fmt.Sprintf("1 error occurred:\n\t* %s", es[0])
	}

	points := make([]string, len(es))
	for i, err := range es {
		points[i] = fmt.Sprintf("* %s", err)
	}

	return fmt.Sprintf(
		"%d errors occurred:\n\t%s",
		len(es), strings.Join(points, "\n\t"))
}

func FormatErrorOrNil(err *multierror.Error) error {
	if err != nil {
		err.ErrorFormat = formatError
	}
	return err.ErrorOrNil()
}
