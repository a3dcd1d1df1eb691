package app

import "fmt"

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

// validation failures reach the caller as a short human-readable message and
// are never logged as errors.
func validationf(format string, args ...any) *DomainError {
	return domainError(400, "VALIDATION", fmt.Sprintf(format, args...), nil)
}

// Permission denials are validation failures, not a distinct error class.
func lacksPermission() *DomainError {
	return validationf("lacks permission")
}
