package app

import "fmt"

// DomainError is an API-visible failure with a stable machine-readable code.
// mapError turns it into the HTTP response as-is; everything else collapses
// to SERVER_ERROR.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}
