package models

import "context"

// Provider is a streaming-service integration able to search and download media
type Provider interface {
	Name() string
	Search(ctx context.Context, queryType MediaType, query string, limit, offset int) ([]SearchResult, error)
	GetAlbumInfo(ctx context.Context, albumID string) (*AlbumInfo, error)
	Download(ctx context.Context, req DownloadRequest) (*DownloadResult, error)
}

// SearchResult is a normalized search hit
type SearchResult struct {
	ID          string    `json:"id"`
	Type        MediaType `json:"type"`
	Title       string    `json:"title"`
	Artist      string    `json:"artist,omitempty"`
	Album       string    `json:"album,omitempty"`
	AlbumID     string    `json:"album_id,omitempty"`
	Duration    int       `json:"duration,omitempty"` // Seconds
	TrackCount  int       `json:"track_count,omitempty"`
	ReleaseDate string    `json:"release_date,omitempty"`
	CoverURL    string    `json:"cover_url,omitempty"`
	Quality     string    `json:"quality,omitempty"`
	Service     string    `json:"service"`
}

// AlbumInfo describes an album and its tracks
type AlbumInfo struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Artist      string      `json:"artist"`
	ReleaseDate string      `json:"release_date,omitempty"`
	CoverURL    string      `json:"cover_url,omitempty"`
	TrackCount  int         `json:"track_count"`
	Tracks      []TrackInfo `json:"tracks,omitempty"`
}

// TrackInfo describes one track of an album
type TrackInfo struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Artist   string `json:"artist,omitempty"`
	Number   int    `json:"number,omitempty"`
	Duration int    `json:"duration,omitempty"`
}

// MediaRequest is one unit of media to download
type MediaRequest struct {
	ID   string
	Type MediaType
}

// DownloadRequest carries everything a provider needs to download media into OutputDir.
// Progress reports bytes for the item in flight; ItemDone reports completed items.
// Either callback may be nil.
type DownloadRequest struct {
	Media     []MediaRequest
	OutputDir string
	Quality   string
	Progress  func(current, total int64)
	ItemDone  func(index, count int)
}

// DownloadResult is what a provider reports after a download
type DownloadResult struct {
	Album    string   // Album title, when the provider knows it
	Items    int      // Number of items downloaded
	Metadata map[string]string
}
