// Package errors provides structured domain errors with localized messages.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Session errors
	CodeSessionNotFound Code = "SESSION_NOT_FOUND"
	CodeSessionFull     Code = "SESSION_FULL"

	// Connection errors
	CodeNotJoined Code = "NOT_JOINED"

	// Character errors
	CodeCharacterNotFound Code = "CHARACTER_NOT_FOUND"

	// Input errors
	CodeValidationFailed Code = "VALIDATION_FAILED"

	// Storage errors
	CodeStoreFailure Code = "STORE_FAILURE"
)

// HTTPStatus maps domain codes to HTTP status codes for the admin API.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidationFailed:
		return http.StatusBadRequest
	case CodeSessionNotFound, CodeCharacterNotFound:
		return http.StatusNotFound
	case CodeSessionFull:
		return http.StatusConflict
	case CodeNotJoined:
		return http.StatusForbidden
	case CodeStoreFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
