package handlers

import (
	"net/http"

	"github.com/go-chi/render"
)

func respondJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	render.Status(r, status)
	render.JSON(w, r, v)
}

func writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, message string) {
	respondJSON(w, r, status, map[string]string{"error": message})
}
