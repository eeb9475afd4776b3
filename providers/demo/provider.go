// Package demo provides an offline provider producing deterministic synthetic audio.
// It backs local development and end-to-end tests.
package demo

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"time"

	"flaccy/core/models"
)

const (
	defaultTracks = 4
	chunkSize     = 4096
	chunks        = 8
)

// Provider fabricates albums and tracks from their IDs
type Provider struct {
	name      string
	tracks    int
	itemDelay time.Duration
}

// New creates a demo provider. tracks sets the album size; itemDelay slows each item down.
func New(name string, tracks int, itemDelay time.Duration) *Provider {
	if tracks <= 0 {
		tracks = defaultTracks
	}
	return &Provider{name: name, tracks: tracks, itemDelay: itemDelay}
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) Search(ctx context.Context, queryType models.MediaType, query string, limit, offset int) ([]models.SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	results := make([]models.SearchResult, 0, limit)
	for i := offset; i < offset+limit; i++ {
		id := fmt.Sprintf("%s-%d", slug(query), i)
		r := models.SearchResult{
			ID:      id,
			Type:    queryType,
			Title:   fmt.Sprintf("%s %d", query, i+1),
			Artist:  "Demo Artist",
			Service: p.name,
		}
		if queryType == models.MediaTypeAlbum {
			r.TrackCount = p.tracks
		} else {
			r.Album = "Demo Album"
			r.Duration = 180
		}
		results = append(results, r)
	}
	return results, nil
}

func (p *Provider) GetAlbumInfo(ctx context.Context, albumID string) (*models.AlbumInfo, error) {
	info := &models.AlbumInfo{
		ID:         albumID,
		Title:      "Demo Album " + albumID,
		Artist:     "Demo Artist",
		TrackCount: p.tracks,
	}
	for i := 0; i < p.tracks; i++ {
		info.Tracks = append(info.Tracks, models.TrackInfo{
			ID:     fmt.Sprintf("%s-%d", albumID, i+1),
			Title:  fmt.Sprintf("Track %d", i+1),
			Number: i + 1,
		})
	}
	return info, nil
}

func (p *Provider) Download(ctx context.Context, req models.DownloadRequest) (*models.DownloadResult, error) {
	result := &models.DownloadResult{Metadata: map[string]string{"provider": "demo"}}

	for _, media := range req.Media {
		switch media.Type {
		case models.MediaTypeTrack:
			if err := p.write(ctx, filepath.Join(req.OutputDir, "Demo Artist - Track "+media.ID+".flac"), media.ID, req.Progress); err != nil {
				return nil, err
			}
			result.Items++
			if req.ItemDone != nil {
				req.ItemDone(0, 1)
			}
		case models.MediaTypeAlbum:
			info, _ := p.GetAlbumInfo(ctx, media.ID)
			result.Album = info.Title
			for i, t := range info.Tracks {
				name := fmt.Sprintf("%02d - %s.flac", t.Number, t.Title)
				if err := p.write(ctx, filepath.Join(req.OutputDir, name), t.ID, req.Progress); err != nil {
					return nil, err
				}
				result.Items++
				if req.ItemDone != nil {
					req.ItemDone(i, len(info.Tracks))
				}
			}
		default:
			return nil, fmt.Errorf("unsupported media type %q", media.Type)
		}
	}
	return result, nil
}

// write produces a file whose bytes depend only on seed
func (p *Provider) write(ctx context.Context, path, seed string, progress func(current, total int64)) error {
	h := fnv.New32a()
	h.Write([]byte(seed))
	chunk := bytes.Repeat([]byte{byte(h.Sum32())}, chunkSize)

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	total := int64(chunkSize * chunks)
	for i := 0; i < chunks; i++ {
		if p.itemDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.itemDelay / chunks):
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := f.Write(chunk); err != nil {
			return err
		}
		if progress != nil {
			progress(int64(i+1)*chunkSize, total)
		}
	}
	return nil
}

func slug(s string) string {
	s = strings.ToLower(strings.Join(strings.Fields(s), "-"))
	if s == "" {
		return "demo"
	}
	return s
}
