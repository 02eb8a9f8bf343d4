// Package httpxtest writes chat API responses for fake servers in tests.
package httpxtest

import (
	"encoding/json"
	"net/http"
)

// WriteJSON writes a JSON response with the given status code.
// It sets the Content-Type header and the no-store cache headers the API
// sends with token responses.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Envelope is the response wrapper the chat API puts around every body.
type Envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// WriteEnvelope writes v wrapped in an Envelope. Code 1000 is success in the
// API's numbering, anything else is reported with message.
func WriteEnvelope(w http.ResponseWriter, status int, v any) {
	WriteJSON(w, status, Envelope{Code: 1000, Result: v})
}

// WriteEnvelopeError writes an error envelope without a result.
func WriteEnvelopeError(w http.ResponseWriter, status, code int, message string) {
	WriteJSON(w, status, Envelope{Code: code, Message: message})
}
