package handlers

import (
	"net/http"

	"github.com/go-chi/render"

	"crapless.app/cloud/internal/keygen"
	"crapless.app/cloud/internal/logger"
	"crapless.app/cloud/models"
)

const (
	msgNoKey       = "No key provided."
	msgKeyNotFound = "Key not found. Double-check and try again."
	msgCancelled   = "This Pro subscription has been cancelled."
	msgServerError = "Server error — please try again."
)

// ValidateLicense checks a key typed in by the user. Answers other than a
// missing key or a store failure are 200 with valid=false so the client can
// show the message as-is.
func (s *Server) ValidateLicense(w http.ResponseWriter, r *http.Request) {
	var req models.ValidateLicenseRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		respondJSON(w, r, http.StatusBadRequest, models.ValidateLicenseResponse{Error: msgNoKey})
		return
	}

	req.Key = keygen.Normalize(req.Key)
	if err := s.validate.Struct(req); err != nil {
		respondJSON(w, r, http.StatusBadRequest, models.ValidateLicenseResponse{Error: msgNoKey})
		return
	}

	// Malformed keys cannot exist in the store.
	if !s.Keys.Valid(req.Key) {
		respondWithValidation(w, r, nil)
		return
	}

	license, err := s.Storage.FindLicenseByKey(r.Context(), req.Key)
	if err != nil {
		logger.Error("Failed to look up license", map[string]interface{}{
			"error":       err.Error(),
			"license_key": req.Key,
		})
		respondJSON(w, r, http.StatusInternalServerError, models.ValidateLicenseResponse{Error: msgServerError})
		return
	}

	respondWithValidation(w, r, license)
}

func respondWithValidation(w http.ResponseWriter, r *http.Request, license *models.License) {
	var resp models.ValidateLicenseResponse
	switch {
	case license == nil:
		resp.Error = msgKeyNotFound
	case !license.Entitled():
		resp.Error = msgCancelled
	default:
		resp.Valid = true
		resp.Plan = license.Plan
	}
	respondJSON(w, r, http.StatusOK, resp)
}
