// pkg/response/response.go
package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// ValidationErrorResponse represents validation error response
type ValidationErrorResponse struct {
	Error  string            `json:"error"`
	Code   int               `json:"code"`
	Fields map[string]string `json:"fields"`
}

// JSON sends a JSON response
func JSON(w http.ResponseWriter, data interface{}) {
	JSONWithStatus(w, http.StatusOK, data)
}

// JSONWithStatus sends a JSON response with custom status code
func JSONWithStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends an error response
func Error(w http.ResponseWriter, message string, code int) {
	JSONWithStatus(w, code, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// ValidationError sends a validation error response
func ValidationError(w http.ResponseWriter, err error) {
	fields := make(map[string]string)

	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		for _, ve := range validationErrors {
			field := strings.ToLower(ve.Field())
			switch ve.Tag() {
			case "required":
				fields[field] = "This field is required"
			case "min":
				fields[field] = "Minimum length is " + ve.Param()
			case "max":
				fields[field] = "Maximum length is " + ve.Param()
			default:
				fields[field] = "Invalid value"
			}
		}
	}

	JSONWithStatus(w, http.StatusBadRequest, ValidationErrorResponse{
		Error:  "Validation failed",
		Code:   http.StatusBadRequest,
		Fields: fields,
	})
}

// Unauthorized sends a 401 error response
func Unauthorized(w http.ResponseWriter, message string) {
	if message == "" {
		message = "Unauthorized"
	}
	Error(w, message, http.StatusUnauthorized)
}

// BadRequest sends a 400 error response
func BadRequest(w http.ResponseWriter, message string) {
	if message == "" {
		message = "Bad request"
	}
	Error(w, message, http.StatusBadRequest)
}

// InternalServerError sends a 500 error response
func InternalServerError(w http.ResponseWriter, message string) {
	if message == "" {
		message = "Internal server error"
	}
	Error(w, message, http.StatusInternalServerError)
}

// TooManyRequests sends a 429 error response
func TooManyRequests(w http.ResponseWriter, message string) {
	if message == "" {
		message = "Too many requests"
	}
	Error(w, message, http.StatusTooManyRequests)
}
