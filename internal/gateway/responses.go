package gateway

import (
	"encoding/json"
	"net/http"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, errMsg, detail string) {
	body := map[string]string{"error": errMsg}
	if detail != "" {
		body["message"] = detail
	}
	writeJSON(w, status, body)
}
