package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"geoledger/internal/domain"
	"geoledger/internal/refs"
)

func (s *Service) CreateSpace(ctx context.Context, spec domain.SpaceSpec) (domain.Space, error) {
	if err := refs.ValidateName("space", spec.ID); err != nil {
		return domain.Space{}, err
	}
	if _, ok, err := s.catalog.GetSpace(ctx, spec.ID); err != nil {
		return domain.Space{}, fmt.Errorf("get space %q: %w", spec.ID, err)
	} else if ok {
		return domain.Space{}, domain.Conflictf("create space", "space %q already exists", spec.ID)
	}
	now := s.now().UTC()
	sp := domain.Space{
		ID:                   spec.ID,
		Owner:                spec.Owner,
		Title:                spec.Title,
		Region:               spec.Region,
		Extends:              spec.Extends,
		Storage:              spec.Storage,
		SearchableProperties: spec.SearchableProperties,
		VersionsToKeep:       s.keep,
		Active:               true,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if spec.VersionsToKeep != nil {
		sp.VersionsToKeep = *spec.VersionsToKeep
	}
	if spec.Active != nil {
		sp.Active = *spec.Active
	}
	if err := s.validateSpace(ctx, sp); err != nil {
		return domain.Space{}, err
	}
	if err := s.catalog.PutSpace(ctx, sp); err != nil {
		return domain.Space{}, fmt.Errorf("put space %q: %w", sp.ID, err)
	}
	if err := s.ledger.Init(ctx, domain.MainLineage(sp.ID), 0); err != nil {
		return domain.Space{}, errors.Join(fmt.Errorf("init lineage: %w", err), s.catalog.DeleteSpace(ctx, sp.ID))
	}
	s.log.WithFields(logrus.Fields{"space": sp.ID, "extends": sp.Extends}).Info("space created")
	return sp, nil
}

func (s *Service) validateSpace(ctx context.Context, sp domain.Space) error {
	if sp.VersionsToKeep <= 0 {
		return domain.Invalidf("space", "versionsToKeep must be positive, got %d", sp.VersionsToKeep)
	}
	return s.ext.Validate(ctx, sp)
}

func (s *Service) GetSpace(ctx context.Context, id string) (domain.Space, error) {
	sp, ok, err := s.catalog.GetSpace(ctx, id)
	if err != nil {
		return domain.Space{}, fmt.Errorf("get space %q: %w", id, err)
	}
	if !ok {
		return domain.Space{}, domain.NotFoundf("get space", "space %q does not exist", id)
	}
	return sp, nil
}

func (s *Service) ListSpaces(ctx context.Context) ([]domain.Space, error) {
	all, err := s.catalog.ListSpaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("list spaces: %w", err)
	}
	return all, nil
}

// UpdateSpace applies the non-nil attributes of patch.
func (s *Service) UpdateSpace(ctx context.Context, id string, patch domain.SpacePatch) (domain.Space, error) {
	sp, err := s.GetSpace(ctx, id)
	if err != nil {
		return domain.Space{}, err
	}
	if patch.Title != nil {
		sp.Title = *patch.Title
	}
	if patch.Storage != nil {
		sp.Storage = *patch.Storage
	}
	if patch.SearchableProperties != nil {
		sp.SearchableProperties = *patch.SearchableProperties
	}
	if patch.VersionsToKeep != nil {
		sp.VersionsToKeep = *patch.VersionsToKeep
	}
	if patch.Active != nil {
		sp.Active = *patch.Active
	}
	if patch.Extends != nil && *patch.Extends != sp.Extends {
		sp.Extends = *patch.Extends
		if sp.Extends != "" {
			bs, err := s.catalog.ListBranches(ctx, id)
			if err != nil {
				return domain.Space{}, fmt.Errorf("list branches: %w", err)
			}
			if len(bs) > 0 {
				return domain.Space{}, domain.Invalidf("update space", "space %q has branches and cannot extend another space", id)
			}
		}
	}
	if err := s.validateSpace(ctx, sp); err != nil {
		return domain.Space{}, err
	}
	sp.UpdatedAt = s.now().UTC()
	if err := s.catalog.PutSpace(ctx, sp); err != nil {
		return domain.Space{}, fmt.Errorf("put space %q: %w", id, err)
	}
	return sp, nil
}

// DeleteSpace removes the space with all of its lineages, branches and tags. Spaces extending
// it and branches forked from it elsewhere turn Inactive until it is recreated.
func (s *Service) DeleteSpace(ctx context.Context, id string) error {
	if _, err := s.GetSpace(ctx, id); err != nil {
		return err
	}
	if err := s.branches.DeleteAll(ctx, id); err != nil {
		return err
	}
	if err := s.ledger.Drop(ctx, domain.MainLineage(id)); err != nil {
		return fmt.Errorf("drop lineage: %w", err)
	}
	if err := s.catalog.DeleteSpace(ctx, id); err != nil {
		return fmt.Errorf("delete space %q: %w", id, err)
	}
	s.log.WithField("space", id).Info("space deleted")
	return nil
}
