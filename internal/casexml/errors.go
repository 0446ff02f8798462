package casexml

import "fmt"

// ValidationError indicates malformed input to the case block builder.
// It is a programmer error and is never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return "casexml: " + e.Msg
}

func validationErrorf(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// MalformedXMLError indicates caller-supplied case block or envelope XML
// that does not parse. It is raised before submission is attempted.
type MalformedXMLError struct {
	Err error
}

func (e *MalformedXMLError) Error() string {
	return "casexml: malformed xml: " + e.Err.Error()
}

func (e *MalformedXMLError) Unwrap() error { return e.Err }
