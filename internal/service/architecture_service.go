package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/devildev/api/internal/client"
	"github.com/devildev/api/internal/model"
	"github.com/devildev/api/internal/repository"
)

var ErrSnapshotsDisabled = errors.New("snapshot storage is not configured")

const snapshotURLExpiry = 15 * time.Minute

// ArchitectureService serves stored versions to the owner of their target
type ArchitectureService struct {
	versions  repository.ArchitectureRepository
	access    *WorkspaceService
	positions *PositionDebouncer
	snapshots client.SnapshotStore
}

// NewArchitectureService creates the service. snapshots may be nil.
func NewArchitectureService(versions repository.ArchitectureRepository, access *WorkspaceService, positions *PositionDebouncer, snapshots client.SnapshotStore) *ArchitectureService {
	return &ArchitectureService{
		versions:  versions,
		access:    access,
		positions: positions,
		snapshots: snapshots,
	}
}

// Latest returns the newest version of a target
func (s *ArchitectureService) Latest(ctx context.Context, userID, targetID string) (*model.ArchitectureVersion, error) {
	if err := s.access.CheckTarget(ctx, userID, targetID); err != nil {
		return nil, err
	}
	v, err := s.versions.LatestVersion(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, ErrNotFound
	}
	return v, nil
}

// Versions lists the versions of a target, newest first
func (s *ArchitectureService) Versions(ctx context.Context, userID, targetID string, limit int) ([]model.VersionSummary, error) {
	if err := s.access.CheckTarget(ctx, userID, targetID); err != nil {
		return nil, err
	}
	return s.versions.ListVersions(ctx, targetID, limit)
}

func (s *ArchitectureService) Version(ctx context.Context, userID, versionID string) (*model.ArchitectureVersion, error) {
	v, err := s.versions.GetVersion(ctx, versionID)
	if err != nil {
		return nil, lookupError(err)
	}
	if err := s.access.CheckTarget(ctx, userID, v.TargetResourceID); err != nil {
		return nil, err
	}
	return v, nil
}

// UpdatePositions schedules a debounced write of the canvas positions.
// Positions of components the version does not have are dropped.
func (s *ArchitectureService) UpdatePositions(ctx context.Context, userID, versionID string, positions model.ComponentPositions) (*model.UpdatePositionsResponse, error) {
	v, err := s.Version(ctx, userID, versionID)
	if err != nil {
		return nil, err
	}

	known := make(map[string]bool, len(v.Components))
	for _, c := range v.Components {
		known[c.ID] = true
	}
	kept := make(model.ComponentPositions, len(positions))
	for id, p := range positions {
		if known[id] {
			kept[id] = p
		}
	}

	s.positions.Submit(v.ID, kept)
	return &model.UpdatePositionsResponse{VersionID: v.ID, Accepted: true}, nil
}

// SnapshotURL returns a presigned download link for an archived version
func (s *ArchitectureService) SnapshotURL(ctx context.Context, userID, versionID string) (*model.SnapshotResponse, error) {
	if s.snapshots == nil || !s.snapshots.IsConfigured() {
		return nil, ErrSnapshotsDisabled
	}
	v, err := s.Version(ctx, userID, versionID)
	if err != nil {
		return nil, err
	}

	url, err := s.snapshots.GetSignedURL(ctx, client.ArchiveKey(v.TargetResourceID, v.ID), snapshotURLExpiry)
	if err != nil {
		return nil, fmt.Errorf("failed to sign snapshot url: %w", err)
	}
	return &model.SnapshotResponse{
		VersionID: v.ID,
		URL:       url,
		ExpiresAt: time.Now().Add(snapshotURLExpiry).UTC(),
	}, nil
}
