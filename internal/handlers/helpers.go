package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/ternarybob/capto/internal/models"
)

var validate = validator.New()

// RequireMethod validates that the HTTP request uses the specified method.
// Returns true if the method matches, false otherwise (and writes error response).
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		WriteError(w, http.StatusMethodNotAllowed, models.ErrValidation,
			fmt.Sprintf("method %s not allowed", r.Method))
		return false
	}
	return true
}

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteError writes a standard error JSON response carrying the error code.
func WriteError(w http.ResponseWriter, statusCode int, code models.ErrorCode, message string) error {
	return WriteJSON(w, statusCode, map[string]string{
		"status": "error",
		"error":  message,
		"code":   string(code),
	})
}

// WriteTypedError maps a typed error onto its HTTP status and writes it.
func WriteTypedError(w http.ResponseWriter, err error) error {
	code := models.CodeOf(err)
	msg := err.Error()
	if typed, ok := err.(*models.Error); ok {
		msg = typed.Message
	}
	return WriteError(w, models.HTTPStatus(code), code, msg)
}

// DecodeJSON parses the request body into dst, rejecting unknown fields, then
// runs struct validation. Returns false after writing the error response.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		WriteError(w, http.StatusBadRequest, models.ErrValidation,
			fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	if err := validate.Struct(dst); err != nil {
		WriteError(w, http.StatusBadRequest, models.ErrValidation,
			fmt.Sprintf("request validation failed: %v", err))
		return false
	}
	return true
}

// QueryInt reads an integer query parameter with a default.
func QueryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// QueryInt64 reads a 64-bit integer query parameter with a default.
func QueryInt64(r *http.Request, key string, def int64) int64 {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}
