package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"flaccy/core/apperrors"
	"flaccy/core/models"
	"flaccy/providers"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Searcher runs provider searches and album lookups
type Searcher interface {
	Search(ctx context.Context, req providers.SearchRequest) ([]models.SearchResult, error)
	Album(ctx context.Context, service, albumID string) (*models.AlbumInfo, error)
}

// ServiceLister names the configured services
type ServiceLister interface {
	Names() []string
}

// SearchHandler handles search requests
type SearchHandler struct {
	searcher Searcher
	services ServiceLister
	validate *validator.Validate
	logger   *zap.Logger
}

// NewSearchHandler creates a new search handler
func NewSearchHandler(searcher Searcher, services ServiceLister, logger *zap.Logger) *SearchHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SearchHandler{searcher: searcher, services: services, validate: validator.New(), logger: logger}
}

// Search handles POST /api/search
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	var req providers.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	results, err := h.searcher.Search(r.Context(), req)
	if err != nil {
		status := statusFor(err)
		if apperrors.Is(err, apperrors.CategoryProvider) {
			status = http.StatusBadGateway
		}
		h.logger.Warn("Search failed", zap.String("service", req.Service), zap.Error(err))
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"count":   len(results),
	})
}

// AlbumInfo handles GET /api/albums/{service}/{id}
func (h *SearchHandler) AlbumInfo(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	service, albumID := vars["service"], vars["id"]

	info, err := h.searcher.Album(r.Context(), service, albumID)
	if err != nil {
		status := statusFor(err)
		switch {
		case errors.Is(err, apperrors.ErrUnknownService):
			status = http.StatusNotFound
		case apperrors.Is(err, apperrors.CategoryProvider):
			status = http.StatusBadGateway
		}
		h.logger.Warn("Album lookup failed",
			zap.String("service", service),
			zap.String("album_id", albumID),
			zap.Error(err))
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, info)
}

// ListServices handles GET /api/services
func (h *SearchHandler) ListServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"services": h.services.Names(),
	})
}
