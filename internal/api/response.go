// Package api exposes the dashboard HTTP interface: flows, conversations,
// contacts, appointments and settings.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// apiResponse is the uniform JSON envelope for every endpoint.
type apiResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Result any    `json:"result,omitempty"`
}

func okResponse(result any) apiResponse {
	return apiResponse{Status: "ok", Result: result}
}

func errorResponse(msg string) apiResponse {
	return apiResponse{Status: "error", Error: msg}
}

// fallbackErrorResponse avoids depending on runtime marshaling when the real
// response fails to encode.
var fallbackErrorResponse = []byte(`{"status":"error","error":"Internal server error"}`)

// writeJSONResponse marshals first so encoding failures never corrupt an
// already-started response.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response apiResponse) {
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}
