package handler

import (
	"encoding/json"
	"net/http"

	"github.com/pesio-ai/be-erp-approvals/internal/apperrors"
)

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func respondError(w http.ResponseWriter, err error) {
	respondJSON(w, apperrors.HTTPStatus(err), map[string]string{
		"error": apperrors.MessageOf(err),
		"code":  string(apperrors.CodeOf(err)),
	})
}
