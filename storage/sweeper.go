package storage

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"
)

// SweepResult reports what a sweep reclaimed
type SweepResult struct {
	Deleted    int      `json:"deleted"`
	FreedBytes int64    `json:"freed_bytes"`
	Files      []string `json:"files"`
}

// Forgetter drops bookkeeping for a reclaimed artifact
type Forgetter interface {
	DeleteArtifact(ctx context.Context, key string) error
}

// Sweeper reclaims artifact storage by age and total size
type Sweeper struct {
	backend Backend
	forget  Forgetter
	logger  *zap.Logger
	now     func() time.Time
}

// NewSweeper creates a new sweeper. forget may be nil.
func NewSweeper(backend Backend, forget Forgetter, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{backend: backend, forget: forget, logger: logger, now: time.Now}
}

// Sweep deletes artifacts older than ttl, then deletes the oldest remaining artifacts
// until the total size is at most maxBytes. A non-positive ttl or maxBytes skips that pass.
func (s *Sweeper) Sweep(ctx context.Context, ttl time.Duration, maxBytes int64) (*SweepResult, error) {
	objects, err := s.backend.List(ctx)
	if err != nil {
		return nil, err
	}

	result := &SweepResult{Files: []string{}}

	// Pass 1: age
	var kept []ObjectInfo
	cutoff := s.now().Add(-ttl)
	for _, obj := range objects {
		if ttl > 0 && obj.ModTime.Before(cutoff) {
			if s.remove(ctx, obj, result) {
				continue
			}
		}
		kept = append(kept, obj)
	}

	// Pass 2: size budget, oldest first
	if maxBytes > 0 {
		var total int64
		for _, obj := range kept {
			total += obj.Size
		}
		if total > maxBytes {
			sort.SliceStable(kept, func(i, j int) bool {
				return kept[i].ModTime.Before(kept[j].ModTime)
			})
			for _, obj := range kept {
				if total <= maxBytes {
					break
				}
				if s.remove(ctx, obj, result) {
					total -= obj.Size
				}
			}
		}
	}

	s.logger.Info("Artifact sweep finished",
		zap.Int("deleted", result.Deleted),
		zap.Int64("freed_bytes", result.FreedBytes))
	return result, nil
}

func (s *Sweeper) remove(ctx context.Context, obj ObjectInfo, result *SweepResult) bool {
	err := s.backend.Delete(ctx, obj.Key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.logger.Warn("Failed to delete artifact", zap.String("key", obj.Key), zap.Error(err))
		return false
	}
	if err == nil {
		result.Deleted++
		result.FreedBytes += obj.Size
		result.Files = append(result.Files, obj.Key)
	}

	if s.forget != nil {
		if err := s.forget.DeleteArtifact(ctx, obj.Key); err != nil {
			s.logger.Warn("Failed to forget artifact", zap.String("key", obj.Key), zap.Error(err))
		}
	}
	return true
}
