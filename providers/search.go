package providers

import (
	"context"
	"fmt"

	"flaccy/core/apperrors"
	"flaccy/core/models"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// enrichLimit bounds concurrent album lookups per search
const enrichLimit = 10

// SearchRequest is a search against one service
type SearchRequest struct {
	Service string           `json:"service" validate:"required"`
	Query   string           `json:"query" validate:"required"`
	Type    models.MediaType `json:"type" validate:"omitempty,oneof=track album"`
	Limit   int              `json:"limit" validate:"gte=0,lte=100"`
	Offset  int              `json:"offset" validate:"gte=0"`
}

// Searcher runs searches and fills in album details the search endpoint omits
type Searcher struct {
	registry *Registry
	logger   *zap.Logger
}

// NewSearcher creates a new searcher
func NewSearcher(registry *Registry, logger *zap.Logger) *Searcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Searcher{registry: registry, logger: logger}
}

// Search queries the requested service. Album enrichment failures only drop detail.
func (s *Searcher) Search(ctx context.Context, req SearchRequest) ([]models.SearchResult, error) {
	provider, err := s.registry.Get(req.Service)
	if err != nil {
		return nil, apperrors.Input("search", err)
	}
	if req.Type == "" {
		req.Type = models.MediaTypeTrack
	}
	if req.Limit == 0 {
		req.Limit = 10
	}

	results, err := provider.Search(ctx, req.Type, req.Query, req.Limit, req.Offset)
	if err != nil {
		return nil, apperrors.Provider("search", err)
	}
	if req.Type != models.MediaTypeAlbum {
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(enrichLimit)
	for i := range results {
		r := &results[i]
		if r.TrackCount > 0 && r.CoverURL != "" && r.Artist != "" {
			continue
		}
		g.Go(func() error {
			info, err := provider.GetAlbumInfo(gctx, r.ID)
			if err != nil {
				s.logger.Warn("Album enrichment failed",
					zap.String("service", req.Service),
					zap.String("album_id", r.ID),
					zap.Error(apperrors.Enrichment("album info", err)))
				return nil
			}
			if r.TrackCount == 0 {
				r.TrackCount = info.TrackCount
			}
			if r.CoverURL == "" {
				r.CoverURL = info.CoverURL
			}
			if r.Artist == "" {
				r.Artist = info.Artist
			}
			if r.ReleaseDate == "" {
				r.ReleaseDate = info.ReleaseDate
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to enrich results: %w", err)
	}
	return results, nil
}

// Album fetches one album with its track listing
func (s *Searcher) Album(ctx context.Context, service, albumID string) (*models.AlbumInfo, error) {
	provider, err := s.registry.Get(service)
	if err != nil {
		return nil, apperrors.Input("album info", err)
	}
	info, err := provider.GetAlbumInfo(ctx, albumID)
	if err != nil {
		return nil, apperrors.Provider("album info", err)
	}
	return info, nil
}
