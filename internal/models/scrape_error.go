package models

import "fmt"

// ErrorKind classifies why a scrape attempt failed
type ErrorKind string

const (
	ErrorKindNetwork           ErrorKind = "network"
	ErrorKindAuthentication    ErrorKind = "authentication"
	ErrorKindStructural        ErrorKind = "structural"
	ErrorKindServerUnavailable ErrorKind = "server_unavailable"
	ErrorKindTimeout           ErrorKind = "timeout"
	ErrorKindCanceled          ErrorKind = "canceled"
	ErrorKindUnknown           ErrorKind = "unknown"
)

// DefaultRetryable is the retry decision for a kind when nothing more specific is known
func (k ErrorKind) DefaultRetryable() bool {
	switch k {
	case ErrorKindAuthentication, ErrorKindStructural, ErrorKindCanceled:
		return false
	}
	return true
}

// ParseErrorKind maps a runner-supplied kind onto the known set
func ParseErrorKind(s string) ErrorKind {
	switch k := ErrorKind(s); k {
	case ErrorKindNetwork, ErrorKindAuthentication, ErrorKindStructural,
		ErrorKindServerUnavailable, ErrorKindTimeout, ErrorKindCanceled:
		return k
	}
	return ErrorKindUnknown
}

// ScrapeError is a classified scrape failure
type ScrapeError struct {
	Kind      ErrorKind
	Retryable bool
	Message   string
	Err       error
}

// NewScrapeError creates a classified error using the kind's default retry decision
func NewScrapeError(kind ErrorKind, message string, err error) *ScrapeError {
	return &ScrapeError{
		Kind:      kind,
		Retryable: kind.DefaultRetryable(),
		Message:   message,
		Err:       err,
	}
}

func (e *ScrapeError) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ScrapeError) Unwrap() error {
	return e.Err
}
