package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vilaca/mlsync/internal/api"
	"github.com/vilaca/mlsync/internal/domain"
)

// DivergenceCalculator derives ahead/behind commit sets of two branches.
// Results are never cached; every call asks the provider again.
type DivergenceCalculator struct {
	gateway api.Gateway
	logger  *zap.Logger
}

// NewDivergenceCalculator creates a calculator reading through gateway.
func NewDivergenceCalculator(gateway api.Gateway, logger *zap.Logger) *DivergenceCalculator {
	return &DivergenceCalculator{gateway: gateway, logger: logger}
}

// Compute compares source and target in both directions, since the provider's
// compare is directional. If either branch is missing it returns an
// unavailable divergence together with an error wrapping domain.ErrBranchNotFound.
func (c *DivergenceCalculator) Compute(ctx context.Context, projectID, source, target string) (domain.BranchDivergence, error) {
	div := domain.BranchDivergence{
		ProjectID:    projectID,
		SourceBranch: source,
		TargetBranch: target,
	}

	var ahead, behind *domain.Comparison
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		ahead, err = c.gateway.CompareBranches(gctx, projectID, target, source)
		return err
	})
	g.Go(func() error {
		var err error
		behind, err = c.gateway.CompareBranches(gctx, projectID, source, target)
		return err
	})

	if err := g.Wait(); err != nil {
		if domain.IsProviderKind(err, domain.ProviderNotFound) {
			c.logger.Info("divergence unavailable",
				zap.String("project", projectID),
				zap.String("source", source),
				zap.String("target", target),
				zap.Error(err))
			return div, errors.Join(fmt.Errorf("%w: %s...%s", domain.ErrBranchNotFound, target, source), err)
		}
		return div, fmt.Errorf("compare %s...%s: %w", target, source, err)
	}

	div.AheadCommits = ahead.Commits
	div.BehindCommits = behind.Commits
	div.Diffs = ahead.Diffs
	div.ChangedFiles = domain.ChangedFileSet(ahead.Diffs)
	div.Available = true
	return div, nil
}
