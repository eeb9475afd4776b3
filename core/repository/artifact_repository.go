package repository

import (
	"context"

	"flaccy/core/apperrors"
	"flaccy/core/models"
)

// ArtifactRepository handles database operations for job artifacts
type ArtifactRepository struct {
	db *DB
}

// NewArtifactRepository creates a new artifact repository
func NewArtifactRepository(db *DB) *ArtifactRepository {
	return &ArtifactRepository{db: db}
}

// GetJobArtifacts retrieves the manifest entries recorded for a job
func (r *ArtifactRepository) GetJobArtifacts(ctx context.Context, jobID string) ([]models.JobArtifact, error) {
	query := `
		SELECT id, job_id, name, artifact_key, created_at
		FROM job_artifacts
		WHERE job_id = $1
		ORDER BY id ASC
	`

	rows, err := r.db.Query(ctx, query, jobID)
	if err != nil {
		return nil, apperrors.Persistence("get job artifacts", err)
	}
	defer rows.Close()

	var artifacts []models.JobArtifact
	for rows.Next() {
		var artifact models.JobArtifact
		err := rows.Scan(
			&artifact.ID,
			&artifact.JobID,
			&artifact.Name,
			&artifact.Key,
			&artifact.CreatedAt,
		)
		if err != nil {
			return nil, apperrors.Persistence("scan job artifact", err)
		}
		artifacts = append(artifacts, artifact)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Persistence("get job artifacts", err)
	}

	return artifacts, nil
}

// ArtifactOwner returns the id of the succeeded job whose manifest contains key
func (r *ArtifactRepository) ArtifactOwner(ctx context.Context, key string) (string, bool, error) {
	query := `
		SELECT a.job_id
		FROM job_artifacts a
		JOIN jobs j ON j.id = a.job_id
		WHERE a.artifact_key = $1 AND j.status = $2
	`

	var jobID string
	err := r.db.QueryRow(ctx, query, key, models.JobStatusSucceeded).Scan(&jobID)
	if isNoRows(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperrors.Persistence("lookup artifact owner", err)
	}
	return jobID, true, nil
}

// DeleteArtifact drops the provenance row for a reclaimed artifact
func (r *ArtifactRepository) DeleteArtifact(ctx context.Context, key string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM job_artifacts WHERE artifact_key = $1`, key); err != nil {
		return apperrors.Persistence("delete artifact", err)
	}
	return nil
}
