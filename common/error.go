// Package common holds the typed error the status API layers pass from
// service to middleware.
package common

import "fmt"

// APIError carries an HTTP status alongside the message. The error-handler
// middleware renders it as the response body; the status never leaks into
// the JSON.
type APIError struct {
	Status  int            `json:"-"`
	Message string         `json:"error"`
	Fields  map[string]any `json:"fields,omitempty"`
}

func (e APIError) Error() string {
	return e.Message
}

// Errf builds an APIError with a formatted message.
func Errf(status int, format string, args ...any) APIError {
	return APIError{Status: status, Message: fmt.Sprintf(format, args...)}
}

// WithFields attaches per-field detail, used for validation failures.
func (e APIError) WithFields(fields map[string]any) APIError {
	e.Fields = fields
	return e
}
