package handlers

import (
	"net/http"
	"strings"

	"crapless.app/cloud/internal/logger"
	"crapless.app/cloud/models"
)

// GetLicense reports whether the license for a checkout session exists yet.
// The session is confirmed with Stripe first so nobody can fish for keys
// with a made-up session id.
func (s *Server) GetLicense(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondJSON(w, r, http.StatusBadRequest, models.SessionStatusResponse{
			Status: models.SessionStatusError,
			Error:  "No session_id",
		})
		return
	}

	session, err := s.Payments.GetSession(r.Context(), sessionID)
	if err != nil {
		logger.Error("Failed to retrieve checkout session", map[string]interface{}{
			"error":      err.Error(),
			"session_id": sessionID,
		})
		respondJSON(w, r, http.StatusInternalServerError, models.SessionStatusResponse{Status: models.SessionStatusError})
		return
	}

	if !session.Paid {
		respondJSON(w, r, http.StatusOK, models.SessionStatusResponse{Status: models.SessionStatusPending})
		return
	}

	license, err := s.Storage.FindLicenseBySessionID(r.Context(), session.ID)
	if err != nil {
		logger.Error("Failed to look up license for session", map[string]interface{}{
			"error":      err.Error(),
			"session_id": session.ID,
		})
		respondJSON(w, r, http.StatusInternalServerError, models.SessionStatusResponse{Status: models.SessionStatusError})
		return
	}

	// The webhook has not landed yet; the client keeps polling.
	if license == nil {
		respondJSON(w, r, http.StatusOK, models.SessionStatusResponse{Status: models.SessionStatusPending})
		return
	}

	respondJSON(w, r, http.StatusOK, models.SessionStatusResponse{
		Status: models.SessionStatusSuccess,
		Key:    license.Key,
		Plan:   license.Plan,
	})
}
