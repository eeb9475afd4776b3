package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrForbidden is returned when a download is not authorized
var ErrForbidden = errors.New("forbidden")

// ManifestIndex reports which succeeded job, if any, lists an artifact key in its manifest
type ManifestIndex interface {
	ArtifactOwner(ctx context.Context, key string) (string, bool, error)
}

// Authorizer decides whether an artifact may be downloaded
type Authorizer struct {
	signer *Signer
	index  ManifestIndex
}

// NewAuthorizer creates a new authorizer
func NewAuthorizer(signer *Signer, index ManifestIndex) *Authorizer {
	return &Authorizer{signer: signer, index: index}
}

// Authorize allows access when the token is valid for exactly this key, or when no
// token is given and the key belongs to a succeeded job's manifest. A token that is
// present but invalid is never rescued by the manifest.
func (a *Authorizer) Authorize(ctx context.Context, key, token string) error {
	if token != "" {
		granted, err := a.signer.Verify(token)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrForbidden, err)
		}
		if granted != key {
			return fmt.Errorf("%w: token issued for another artifact", ErrForbidden)
		}
		return nil
	}

	_, found, err := a.index.ArtifactOwner(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: artifact is not in any job manifest", ErrForbidden)
	}
	return nil
}

// InManifest reports whether key belongs to a succeeded job's manifest
func (a *Authorizer) InManifest(ctx context.Context, key string) (bool, error) {
	_, found, err := a.index.ArtifactOwner(ctx, key)
	return found, err
}

// Signer returns the signer used for tokens
func (a *Authorizer) Signer() *Signer {
	return a.signer
}
