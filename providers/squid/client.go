// Package squid provides a client for squid.wtf style Qobuz proxies.
package squid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"flaccy/core/models"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the public Qobuz proxy
	DefaultBaseURL = "https://us.qobuz.squid.wtf"

	// DefaultQuality requests 24-bit FLAC
	DefaultQuality = "27"

	// DefaultTimeout bounds metadata requests. Audio streams are not bounded.
	DefaultTimeout = 30 * time.Second

	// DefaultRateLimit is requests per second against the API
	DefaultRateLimit = 5
)

// Client is a squid API client. It implements models.Provider.
type Client struct {
	name         string
	baseURL      string
	quality      string
	cover        bool
	httpClient   *http.Client
	streamClient *http.Client
	limiter      *rate.Limiter
	logger       *zap.Logger
}

// Option configures the Client
type Option func(*Client)

// WithHTTPClient sets the client used for API and stream requests
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
		c.streamClient = httpClient
	}
}

// WithLogger sets a logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimit sets a custom rate limit
func WithRateLimit(requestsPerSecond int) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

// WithTimeout sets the metadata request timeout
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithQuality sets the default download quality
func WithQuality(quality string) Option {
	return func(c *Client) {
		c.quality = quality
	}
}

// WithCover enables downloading cover.jpg next to album tracks
func WithCover(enabled bool) Option {
	return func(c *Client) {
		c.cover = enabled
	}
}

// NewClient creates a new squid client registered under name
func NewClient(name, baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		name:         name,
		baseURL:      strings.TrimRight(baseURL, "/"),
		quality:      DefaultQuality,
		httpClient:   &http.Client{Timeout: DefaultTimeout},
		streamClient: &http.Client{},
		limiter:      rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger:       zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// APIError represents an error response from the proxy
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("squid API error: %s (status %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

// Name returns the service key the client was registered under
func (c *Client) Name() string {
	return c.name
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("squid API request", zap.String("path", path))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
			Endpoint:   path,
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Search queries tracks or albums
func (c *Client) Search(ctx context.Context, queryType models.MediaType, query string, limit, offset int) ([]models.SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	params := url.Values{}
	params.Set("q", query)
	params.Set("limit", fmt.Sprint(limit))
	params.Set("offset", fmt.Sprint(offset))

	var resp searchResponse
	if err := c.getJSON(ctx, "/api/get-music", params, &resp); err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results := make([]models.SearchResult, 0, limit)
	switch queryType {
	case models.MediaTypeAlbum:
		for _, a := range resp.Data.Albums.Items {
			results = append(results, c.albumResult(a))
		}
	case models.MediaTypeTrack:
		for _, t := range resp.Data.Tracks.Items {
			results = append(results, c.trackResult(t))
		}
	default:
		return nil, fmt.Errorf("search type %q is not supported", queryType)
	}
	return results, nil
}

// GetAlbumInfo fetches album metadata with its track list
func (c *Client) GetAlbumInfo(ctx context.Context, albumID string) (*models.AlbumInfo, error) {
	a, err := c.album(ctx, albumID)
	if err != nil {
		return nil, err
	}

	info := &models.AlbumInfo{
		ID:          a.ID.String(),
		Title:       a.Title,
		Artist:      a.Artist.Name,
		ReleaseDate: a.ReleaseDate,
		CoverURL:    a.Image.best(),
		TrackCount:  a.TracksCount,
		Tracks:      make([]models.TrackInfo, 0, len(a.Tracks.Items)),
	}
	for i, t := range a.Tracks.Items {
		number := t.TrackNumber
		if number == 0 {
			number = i + 1
		}
		info.Tracks = append(info.Tracks, models.TrackInfo{
			ID:       t.ID.String(),
			Title:    t.Title,
			Artist:   t.Performer.Name,
			Number:   number,
			Duration: t.Duration,
		})
	}
	if info.TrackCount == 0 {
		info.TrackCount = len(info.Tracks)
	}
	return info, nil
}

func (c *Client) album(ctx context.Context, albumID string) (*album, error) {
	params := url.Values{}
	params.Set("album_id", albumID)

	var resp albumResponse
	if err := c.getJSON(ctx, "/api/get-album", params, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch album %s: %w", albumID, err)
	}
	return &resp.Data, nil
}

// Download fetches every requested item into req.OutputDir
func (c *Client) Download(ctx context.Context, req models.DownloadRequest) (*models.DownloadResult, error) {
	quality := req.Quality
	if quality == "" {
		quality = c.quality
	}

	result := &models.DownloadResult{Metadata: map[string]string{}}
	for _, media := range req.Media {
		switch media.Type {
		case models.MediaTypeTrack:
			// Step 1: Resolve the track so the file gets a readable name
			name := "track_" + media.ID
			if t, err := c.track(ctx, media.ID); err == nil {
				name = trackFilename(t.Performer.Name, t.Title)
				if result.Album == "" {
					result.Album = t.Album.Title
				}
			} else {
				c.logger.Warn("Failed to resolve track metadata", zap.String("track_id", media.ID), zap.Error(err))
			}

			// Step 2: Stream the audio
			if err := c.downloadTrack(ctx, media.ID, quality, filepath.Join(req.OutputDir, name), req.Progress); err != nil {
				return nil, err
			}
			result.Items++
			if req.ItemDone != nil {
				req.ItemDone(0, 1)
			}

		case models.MediaTypeAlbum:
			a, err := c.album(ctx, media.ID)
			if err != nil {
				return nil, err
			}
			result.Album = a.Title
			result.Metadata["artist"] = a.Artist.Name

			tracks := a.Tracks.Items
			if len(tracks) == 0 {
				return nil, fmt.Errorf("album %s has no tracks", media.ID)
			}
			for i, t := range tracks {
				number := t.TrackNumber
				if number == 0 {
					number = i + 1
				}
				name := fmt.Sprintf("%02d - %s.flac", number, sanitize(t.Title))
				if err := c.downloadTrack(ctx, t.ID.String(), quality, filepath.Join(req.OutputDir, name), req.Progress); err != nil {
					return nil, fmt.Errorf("track %d of %d: %w", i+1, len(tracks), err)
				}
				result.Items++
				if req.ItemDone != nil {
					req.ItemDone(i, len(tracks))
				}
			}

			if c.cover {
				if cover := a.Image.best(); cover != "" {
					if err := c.fetch(ctx, cover, filepath.Join(req.OutputDir, "cover.jpg"), nil); err != nil {
						c.logger.Warn("Failed to download cover art", zap.String("album_id", media.ID), zap.Error(err))
					}
				}
			}

		default:
			return nil, fmt.Errorf("%s downloads are not supported by %s", media.Type, c.name)
		}
	}
	return result, nil
}

func (c *Client) track(ctx context.Context, trackID string) (*track, error) {
	params := url.Values{}
	params.Set("track_id", trackID)

	var resp trackResponse
	if err := c.getJSON(ctx, "/api/get-track", params, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

func (c *Client) downloadTrack(ctx context.Context, trackID, quality, dest string, progress func(current, total int64)) error {
	params := url.Values{}
	params.Set("track_id", trackID)
	params.Set("quality", quality)

	var resp downloadResponse
	if err := c.getJSON(ctx, "/api/download-music", params, &resp); err != nil {
		return fmt.Errorf("failed to resolve stream for track %s: %w", trackID, err)
	}
	if resp.Data.URL == "" {
		return fmt.Errorf("no stream available for track %s", trackID)
	}

	if err := c.fetch(ctx, resp.Data.URL, dest, progress); err != nil {
		return fmt.Errorf("failed to download track %s: %w", trackID, err)
	}
	return nil
}

// fetch streams src into dest through a .part file
func (c *Client) fetch(ctx context.Context, src, dest string, progress func(current, total int64)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Message: resp.Status, Endpoint: "stream"}
	}

	part := dest + ".part"
	f, err := os.Create(part)
	if err != nil {
		return err
	}

	w := &countingWriter{w: f, total: resp.ContentLength, report: progress}
	if progress != nil && resp.ContentLength > 0 {
		progress(0, resp.ContentLength)
	}
	_, copyErr := io.Copy(w, resp.Body)
	closeErr := f.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		os.Remove(part)
		return err
	}
	return os.Rename(part, dest)
}

// countingWriter reports bytes written against the expected total
type countingWriter struct {
	w       io.Writer
	written int64
	total   int64
	report  func(current, total int64)
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.written += int64(n)
	if cw.report != nil && cw.total > 0 {
		cw.report(cw.written, cw.total)
	}
	return n, err
}

func (c *Client) trackResult(t track) models.SearchResult {
	return models.SearchResult{
		ID:          t.ID.String(),
		Type:        models.MediaTypeTrack,
		Title:       t.Title,
		Artist:      t.Performer.Name,
		Album:       t.Album.Title,
		AlbumID:     t.Album.ID.String(),
		Duration:    t.Duration,
		ReleaseDate: t.Album.ReleaseDate,
		CoverURL:    t.Album.Image.best(),
		Quality:     quality(t.BitDepth, t.SamplingRate),
		Service:     c.name,
	}
}

func (c *Client) albumResult(a album) models.SearchResult {
	return models.SearchResult{
		ID:          a.ID.String(),
		Type:        models.MediaTypeAlbum,
		Title:       a.Title,
		Artist:      a.Artist.Name,
		TrackCount:  a.TracksCount,
		ReleaseDate: a.ReleaseDate,
		CoverURL:    a.Image.best(),
		Quality:     quality(a.BitDepth, a.SamplingRate),
		Service:     c.name,
	}
}

func quality(bitDepth int, samplingRate float64) string {
	if bitDepth == 0 {
		return ""
	}
	return fmt.Sprintf("%d-bit / %g kHz", bitDepth, samplingRate)
}

var filenameReplacer = strings.NewReplacer(
	"<", "", ">", "", ":", "", `"`, "", "/", "", `\`, "", "|", "", "?", "", "*", "",
)

func sanitize(name string) string {
	name = strings.TrimSpace(filenameReplacer.Replace(name))
	if name == "" {
		return "untitled"
	}
	return name
}

func trackFilename(artist, title string) string {
	if artist == "" {
		return sanitize(title) + ".flac"
	}
	return sanitize(artist+" - "+title) + ".flac"
}
