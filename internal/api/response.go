package api

import (
	"encoding/json"
	"net/http"
)

// APIError is the JSON body of every error response.
type APIError struct {
	Error  string `json:"error"`
	Status string `json:"status,omitempty"`
}

// WriteJSONError writes a JSON error body with the given HTTP status code.
func WriteJSONError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, APIError{Error: message})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
