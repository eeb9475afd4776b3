package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"flaccy/core/apperrors"
	"flaccy/core/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// catalogProvider answers searches from a fixed catalog keyed by title
type catalogProvider struct {
	stubProvider
	catalog map[string][]models.SearchResult
	broken  map[string]bool // track ids whose download fails
	fetched []string
	started func()
}

func (p *catalogProvider) Search(_ context.Context, queryType models.MediaType, query string, limit, _ int) ([]models.SearchResult, error) {
	if queryType != models.MediaTypeTrack {
		return nil, errors.New("unexpected search type")
	}
	if query == "outage" {
		return nil, errors.New("search backend down")
	}
	hits := p.catalog[query]
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (p *catalogProvider) Download(_ context.Context, req models.DownloadRequest) (*models.DownloadResult, error) {
	if p.started != nil {
		p.started()
	}
	media := req.Media[0]
	if media.Type != models.MediaTypeTrack {
		return nil, errors.New("playlists resolve to tracks")
	}
	if p.broken[media.ID] {
		return nil, errors.New("stream unavailable")
	}
	req.Progress(50, 100)
	req.Progress(100, 100)
	p.fetched = append(p.fetched, media.ID)
	name := filepath.Join(req.OutputDir, media.ID+".flac")
	return &models.DownloadResult{Items: 1}, os.WriteFile(name, []byte(strings.Repeat("a", 64)), 0o600)
}

func playlistInput(queries ...string) models.JobInput {
	return models.JobInput{
		Source:  models.Source{Service: "stub", Type: models.MediaTypePlaylist},
		Options: models.JobOptions{Queries: queries},
	}
}

func newCatalogProvider() *catalogProvider {
	return &catalogProvider{
		catalog: map[string][]models.SearchResult{
			"So What": {
				{ID: "t-cover", Title: "So What", Artist: "Tribute Band"},
				{ID: "t-sowhat", Title: "So What", Artist: "Miles Davis"},
			},
			"Naima": {{ID: "t-naima", Title: "Naima", Artist: "John Coltrane"}},
			"Chameleon": {
				{ID: "t-chameleon", Title: "Chameleon", Artist: "Herbie Hancock & The Headhunters"},
			},
		},
		broken: map[string]bool{"t-naima": true},
	}
}

func TestPlaylistJobReportsEachQuery(t *testing.T) {
	provider := newCatalogProvider()
	h := newHarness(t, provider, nil)
	job := h.submit(t, playlistInput(
		"miles davis - So What",
		"Nobody - So What",
		"no separator",
		"John Coltrane - Naima",
		"Herbie Hancock - Chameleon",
		"Anyone - outage",
	))

	done := h.run(t, context.Background(), job.ID)
	require.Equal(t, models.JobStatusSucceeded, done.Status)
	assert.Equal(t, 100, done.Progress)
	assert.Equal(t, []string{"t-sowhat", "t-chameleon"}, provider.fetched)

	require.NotNil(t, done.Result)
	statuses := make([]string, 0, len(done.Result.Queries))
	for _, q := range done.Result.Queries {
		statuses = append(statuses, q.Status)
	}
	assert.Equal(t, []string{
		models.QueryStatusSuccess,
		models.QueryStatusNotFound,
		models.QueryStatusError,
		models.QueryStatusError,
		models.QueryStatusSuccess,
		models.QueryStatusError,
	}, statuses)
	assert.Equal(t, "t-sowhat", done.Result.Queries[0].TrackID)
	assert.Contains(t, done.Result.Queries[3].Message, "stream unavailable")
	assert.Contains(t, done.Result.Queries[5].Message, "search backend down")

	// The archive leads, named after the job
	require.Len(t, done.Result.Files, 3)
	assert.Equal(t, "playlist_"+job.ID+".zip", done.Result.Files[0].Name)

	assert.Equal(t, 70, h.store.stepAt[StepStoring])
	assertNonDecreasing(t, h.store.progress)

	evs, err := h.log.Read(context.Background(), job.ID, -1)
	require.NoError(t, err)
	var checkpoints int
	for _, ev := range evs {
		if ev.Type == models.EventTypeCheckpoint && ev.Fields["message"] == "query_complete" {
			checkpoints++
		}
	}
	assert.Equal(t, 6, checkpoints)
	h.assertScratchRemoved(t)
}

func TestPlaylistWithoutMatchesFails(t *testing.T) {
	h := newHarness(t, newCatalogProvider(), nil)
	job := h.submit(t, playlistInput("Nobody - So What", "John Coltrane - Naima"))

	done := h.run(t, context.Background(), job.ID)
	require.Equal(t, models.JobStatusFailed, done.Status)
	assert.Contains(t, *done.Error, "no playlist query matched a track")
	assert.Contains(t, *done.Error, "1 not found, 1 failed")
	assert.Nil(t, done.Result)
}

func TestPlaylistStopsWhenCancelled(t *testing.T) {
	provider := newCatalogProvider()
	h := newHarness(t, provider, nil)
	job := h.submit(t, playlistInput("Miles Davis - So What", "Herbie Hancock - Chameleon"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	provider.started = cancel

	done := h.run(t, ctx, job.ID)
	require.Equal(t, models.JobStatusFailed, done.Status)
	assert.Equal(t, apperrors.ErrJobInterrupted.Error(), *done.Error)
	assert.Equal(t, []string{"t-sowhat"}, provider.fetched)
	h.assertScratchRemoved(t)
}

func TestParseQuery(t *testing.T) {
	tests := []struct {
		in            string
		artist, title string
		ok            bool
	}{
		{"Miles Davis - So What", "Miles Davis", "So What", true},
		{"  Björk-Jóga ", "Björk", "Jóga", true},
		{"A - B - C", "A", "B - C", true},
		{"no separator", "", "", false},
		{" - title only", "", "", false},
		{"artist only -", "", "", false},
	}
	for _, tt := range tests {
		artist, title, ok := parseQuery(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.artist, artist, tt.in)
		assert.Equal(t, tt.title, title, tt.in)
	}
}

func TestMatchTrackComparesWholeArtistNames(t *testing.T) {
	hits := []models.SearchResult{
		{ID: "1", Artist: "Davis Jr."},
		{ID: "2", Artist: "Miles Davis, Bill Evans"},
	}
	require.NotNil(t, matchTrack(hits, "bill evans"))
	assert.Equal(t, "2", matchTrack(hits, "Bill Evans").ID)
	assert.Nil(t, matchTrack(hits, "Davis"))
}
