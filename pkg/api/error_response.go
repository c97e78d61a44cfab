package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/adfharrison1/jsondb/pkg/domain"
)

// ErrorResponse represents a standard JSON error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// HTTPError is an error raised at the transport boundary with the status it
// maps to.
type HTTPError struct {
	Code    int
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

func badRequest(format string, args ...any) *HTTPError {
	return &HTTPError{Code: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// StatusCode maps err to an HTTP status: transport errors carry their own,
// usage errors are 400 and everything else is 500.
func StatusCode(err error) int {
	var httpErr *HTTPError
	switch {
	case errors.As(err, &httpErr):
		return httpErr.Code
	case errors.Is(err, domain.ErrUsage):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSONError writes a JSON error response with the given status code and message
func WriteJSONError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}

	json.NewEncoder(w).Encode(response)
}

func writeError(w http.ResponseWriter, err error) {
	code := StatusCode(err)
	message := err.Error()
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		message = httpErr.Message
	}
	if code == http.StatusInternalServerError {
		message = "internal error"
	}
	WriteJSONError(w, code, message)
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}
