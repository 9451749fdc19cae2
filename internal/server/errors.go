// Package server exposes Mnemo's ingestion and retrieval over HTTP.
package server

import (
	"encoding/json"
	"log"
	"net/http"
	"time"
)

// AppError is an error with an HTTP status and a stable machine-readable
// code for the response body.
type AppError struct {
	Status  int
	Key     string
	Code    string
	Message string
}

func (e *AppError) Error() string {
	return e.Message
}

func badRequest(code, message string) *AppError {
	return &AppError{Status: http.StatusBadRequest, Key: "validation_error", Code: code, Message: message}
}

func notFound(code, message string) *AppError {
	return &AppError{Status: http.StatusNotFound, Key: "not_found", Code: code, Message: message}
}

func internalError(message string) *AppError {
	return &AppError{Status: http.StatusInternalServerError, Key: "internal_error", Code: "internal", Message: message}
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Code      string `json:"code"`
	Timestamp string `json:"timestamp"`
}

func writeError(w http.ResponseWriter, appErr *AppError) {
	if appErr.Status >= http.StatusInternalServerError {
		log.Printf("request failed: %s", appErr.Message)
	}
	writeJSON(w, appErr.Status, ErrorResponse{
		Error:     appErr.Key,
		Message:   appErr.Message,
		Code:      appErr.Code,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}
