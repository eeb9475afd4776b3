package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"flaccy/core/apperrors"
	"flaccy/core/models"

	"go.uber.org/zap"
)

// playlistSearchLimit bounds the candidates considered for one query
const playlistSearchLimit = 5

// downloadPlaylist resolves each "artist - title" query to a track on the provider and
// downloads the matches into scratch. A query that fails is recorded and skipped; the
// run only errors when it is cancelled or the job was settled elsewhere.
func (e *DownloadExecutor) downloadPlaylist(
	ctx context.Context,
	provider models.Provider,
	job *models.Job,
	scratch string,
	tracker *progressTracker,
	rep *reporter,
) ([]models.QueryResult, error) {
	queries := job.Input.Options.Queries
	results := make([]models.QueryResult, 0, len(queries))

	for i, query := range queries {
		if err := rep.err(); err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, apperrors.Timeout("download playlist", err)
		}

		result := e.downloadQuery(ctx, provider, job, scratch, query, tracker, rep)
		if ctx.Err() != nil || rep.err() != nil {
			continue // Reported by the checks above on the next pass
		}
		results = append(results, result)

		rep.logger.Info("Playlist query finished",
			zap.String("query", query),
			zap.String("status", result.Status))
		fields := map[string]interface{}{
			"message": "query_complete",
			"query":   query,
			"status":  result.Status,
			"index":   i + 1,
			"total":   len(queries),
		}
		if result.Message != "" {
			fields["error"] = result.Message
		}
		rep.emit(ctx, models.EventTypeCheckpoint, fields)

		if value, ok := tracker.ItemDone(i, len(queries)); ok {
			rep.progress(ctx, value, nil)
		}
	}
	if err := rep.err(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Timeout("download playlist", err)
	}
	return results, nil
}

func (e *DownloadExecutor) downloadQuery(
	ctx context.Context,
	provider models.Provider,
	job *models.Job,
	scratch, query string,
	tracker *progressTracker,
	rep *reporter,
) models.QueryResult {
	artist, title, ok := parseQuery(query)
	if !ok {
		return models.QueryResult{
			Query:   query,
			Status:  models.QueryStatusError,
			Message: `expected "artist - title"`,
		}
	}

	hits, err := provider.Search(ctx, models.MediaTypeTrack, title, playlistSearchLimit, 0)
	if err != nil {
		return models.QueryResult{
			Query:   query,
			Status:  models.QueryStatusError,
			Message: apperrors.Provider("search", err).Error(),
		}
	}
	track := matchTrack(hits, artist)
	if track == nil {
		return models.QueryResult{Query: query, Status: models.QueryStatusNotFound}
	}

	_, err = provider.Download(ctx, models.DownloadRequest{
		Media:     []models.MediaRequest{{ID: track.ID, Type: models.MediaTypeTrack}},
		OutputDir: scratch,
		Quality:   job.Input.Options.Quality,
		Progress: func(current, total int64) {
			if value, raw, ok := tracker.Download(current, total); ok {
				rep.progress(ctx, value, &raw)
			}
		},
	})
	if err != nil {
		return models.QueryResult{
			Query:   query,
			Status:  models.QueryStatusError,
			TrackID: track.ID,
			Message: apperrors.Provider("download", err).Error(),
		}
	}
	return models.QueryResult{Query: query, Status: models.QueryStatusSuccess, TrackID: track.ID}
}

// parseQuery splits "artist - title" at the first dash
func parseQuery(query string) (artist, title string, ok bool) {
	artist, title, found := strings.Cut(query, "-")
	artist, title = strings.TrimSpace(artist), strings.TrimSpace(title)
	if !found || artist == "" || title == "" {
		return "", "", false
	}
	return artist, title, true
}

// matchTrack returns the first hit credited to artist. Multi-artist credits are
// matched per name.
func matchTrack(hits []models.SearchResult, artist string) *models.SearchResult {
	for i := range hits {
		for _, name := range splitArtists(hits[i].Artist) {
			if strings.EqualFold(name, artist) {
				return &hits[i]
			}
		}
	}
	return nil
}

func splitArtists(credit string) []string {
	names := strings.FieldsFunc(credit, func(r rune) bool { return r == ',' || r == '&' })
	out := make([]string, 0, len(names)+1)
	out = append(out, strings.TrimSpace(credit))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// playlistOutcome fails a playlist job in which no query produced a track
func playlistOutcome(results []models.QueryResult) error {
	for _, r := range results {
		if r.Status == models.QueryStatusSuccess {
			return nil
		}
	}
	var notFound, failed int
	for _, r := range results {
		if r.Status == models.QueryStatusNotFound {
			notFound++
		} else {
			failed++
		}
	}
	return apperrors.Provider("download playlist",
		fmt.Errorf("%w: %d not found, %d failed", errNoPlaylistMatches, notFound, failed))
}

var errNoPlaylistMatches = errors.New("no playlist query matched a track")
