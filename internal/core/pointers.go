package core

import (
	"context"
	"fmt"

	"geoledger/internal/branch"
	"geoledger/internal/domain"
	"geoledger/internal/retention"
	"geoledger/internal/tags"
)

// CreateBranch returns created=false when an identical branch already existed.
func (s *Service) CreateBranch(ctx context.Context, req branch.CreateRequest) (domain.Branch, bool, error) {
	if _, err := s.locate(ctx, req.Space, ""); err != nil {
		return domain.Branch{}, false, err
	}
	return s.branches.Create(ctx, req)
}

func (s *Service) GetBranch(ctx context.Context, space, id string) (domain.Branch, error) {
	return s.branches.Get(ctx, space, id)
}

func (s *Service) ListBranches(ctx context.Context, space string) ([]domain.Branch, error) {
	return s.branches.List(ctx, space)
}

func (s *Service) DeleteBranch(ctx context.Context, space, id string) error {
	return s.branches.Delete(ctx, space, id)
}

func (s *Service) RebaseBranch(ctx context.Context, space, id, newBaseRef string) (domain.Branch, error) {
	if _, err := s.locate(ctx, space, id); err != nil {
		return domain.Branch{}, err
	}
	return s.branches.Rebase(ctx, space, id, newBaseRef)
}

func (s *Service) CreateTag(ctx context.Context, req tags.CreateRequest) (domain.Tag, error) {
	if _, err := s.locate(ctx, req.Space, req.Branch); err != nil {
		return domain.Tag{}, err
	}
	return s.tags.Create(ctx, req)
}

func (s *Service) GetTag(ctx context.Context, space, id string) (domain.Tag, error) {
	return s.tags.Get(ctx, space, id)
}

func (s *Service) ListTags(ctx context.Context, space string, includeSystem bool) ([]domain.Tag, error) {
	if _, err := s.GetSpace(ctx, space); err != nil {
		return nil, err
	}
	return s.tags.List(ctx, space, includeSystem)
}

func (s *Service) UpdateTag(ctx context.Context, space, id string, version int64) (domain.Tag, error) {
	return s.tags.Update(ctx, space, id, version)
}

func (s *Service) DeleteTag(ctx context.Context, space, id string) error {
	return s.tags.Delete(ctx, space, id)
}

// Purge removes history below version below, keeping versionsToKeep.
func (s *Service) Purge(ctx context.Context, space, branchID string, below int64) (retention.Result, error) {
	return s.gc.Purge(ctx, space, branchID, below)
}

// Sweep enforces versionsToKeep everywhere.
func (s *Service) Sweep(ctx context.Context) ([]retention.Result, error) {
	return s.gc.Sweep(ctx)
}

func checkpointTag(subscription string) string {
	return tags.SystemPrefix + "ntf_" + subscription
}

// Checkpoint returns the last version a subscription delivered on the main lineage of space.
func (s *Service) Checkpoint(ctx context.Context, space, subscription string) (int64, bool, error) {
	r, err := s.refs.ResolveSystem(ctx, space, "", checkpointTag(subscription))
	if err != nil {
		if domain.KindOf(err) == domain.KindNotFound {
			return 0, false, nil
		}
		return 0, false, err
	}
	return r.Version, true, nil
}

func (s *Service) SetCheckpoint(ctx context.Context, space, subscription string, version int64) error {
	if _, err := s.tags.Upsert(ctx, space, checkpointTag(subscription), domain.MainLineage(space), version); err != nil {
		return fmt.Errorf("checkpoint %q: %w", subscription, err)
	}
	return nil
}
