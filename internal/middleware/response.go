package middleware

import (
	"encoding/json"
	"net/http"
)

// writeError answers with the API's error envelope
func writeError(w http.ResponseWriter, status int, message string) {
	kind := "error"
	if status < http.StatusInternalServerError {
		kind = "fail"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  kind,
		"message": message,
	})
}
