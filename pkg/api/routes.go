package api

import (
	"github.com/gorilla/mux"
)

// RegisterRoutes registers all API routes with the given router
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/op", h.HandleOp).Methods("POST")
	router.HandleFunc("/health", h.HandleHealth).Methods("GET")
	router.HandleFunc("/", h.HandleBanner).Methods("GET")
}
