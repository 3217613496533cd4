// Package app wires configuration, storage, the GitLab gateway and the
// services into a runnable process.
package app

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vilaca/mlsync/internal/api"
	"github.com/vilaca/mlsync/internal/api/gitlab"
	"github.com/vilaca/mlsync/internal/config"
	"github.com/vilaca/mlsync/internal/domain"
	"github.com/vilaca/mlsync/internal/httpapi"
	"github.com/vilaca/mlsync/internal/migrations"
	"github.com/vilaca/mlsync/internal/service"
	"github.com/vilaca/mlsync/internal/storage"
	"github.com/vilaca/mlsync/internal/storage/file"
	"github.com/vilaca/mlsync/internal/storage/postgres"
)

// terminalRunTTL bounds how long finished runs stay in the gateway cache.
const terminalRunTTL = time.Hour

type App struct {
	cfg     *config.Config
	logger  *zap.Logger
	session *service.Session
	gateway *api.CachingClient

	mergeReqs *service.MergeRequestSynchronizer
	pipelines *service.PipelineOrchestrator

	closers []func()
}

// New builds the application. The caller must Close it.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if !cfg.HasGitLabConfig() {
		return nil, errors.New("GITLAB_TOKEN is required")
	}

	a := &App{cfg: cfg, logger: logger}

	repo, err := a.openStorage(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	glClient := gitlab.NewClient(api.ClientConfig{
		BaseURL: cfg.GitLabURL,
		Token:   cfg.GitLabToken,
	}, httpClient)
	a.gateway = api.NewCachingClient(glClient, terminalRunTTL, logger.Named("gateway"))
	a.closers = append(a.closers, a.gateway.Close)

	user := a.resolveUser(ctx, glClient)
	a.session = service.OpenSession(context.Background(), user)
	a.closers = append(a.closers, a.session.Close)

	divergence := service.NewDivergenceCalculator(a.gateway, logger.Named("divergence"))
	a.mergeReqs = service.NewMergeRequestSynchronizer(a.session, a.gateway, divergence, cfg.ReconcilePolicy(), logger.Named("merge_requests"))
	a.pipelines = service.NewPipelineOrchestrator(a.session, a.gateway, repo, cfg.PollPolicy(), logger.Named("pipelines"))

	logger.Info("session opened",
		zap.String("provider", domain.PlatformGitLab),
		zap.String("url", cfg.GitLabURL),
		zap.String("user", user.Username),
		zap.Bool("postgres", cfg.UsesDatabase()))
	return a, nil
}

func (a *App) openStorage(ctx context.Context) (storage.DescriptorRepository, error) {
	if !a.cfg.UsesDatabase() {
		return file.New(a.cfg.StorePath, a.logger.Named("store"))
	}

	if err := migrations.Run(ctx, a.cfg.DatabaseURL, a.logger); err != nil {
		return nil, err
	}
	pool, err := postgres.Connect(ctx, a.cfg.DatabaseURL, a.logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, pool.Close)
	return postgres.New(pool), nil
}

// resolveUser prefers the token owner; GITLAB_USER is the fallback when
// the lookup fails.
func (a *App) resolveUser(ctx context.Context, client *gitlab.Client) domain.UserProfile {
	lookupCtx, cancel := context.WithTimeout(ctx, a.cfg.HTTPTimeout)
	defer cancel()

	user, err := client.CurrentUser(lookupCtx)
	if err != nil {
		a.logger.Warn("could not resolve token owner", zap.Error(err))
		return domain.UserProfile{Username: a.cfg.GitLabUser}
	}
	return user
}

func (a *App) MergeRequests() *service.MergeRequestSynchronizer {
	return a.mergeReqs
}

func (a *App) Pipelines() *service.PipelineOrchestrator {
	return a.pipelines
}

func (a *App) Session() *service.Session {
	return a.session
}

// Serve runs the HTTP API and the watcher until ctx is done or a signal arrives.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watcher := service.NewWatcher(a.session, a.mergeReqs, a.pipelines, a.cfg.WatchInterval, a.logger.Named("watcher"))
	watcher.Start()
	defer watcher.Stop()

	server := httpapi.New(a.cfg.Port, a.cfg.HTTPTimeout, a.logger, a.mergeReqs, a.pipelines)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()

		if err := server.Stop(shutdownCtx); err != nil {
			return err
		}

		return <-errCh
	case err := <-errCh:
		return err
	}
}

// Close ends the session and releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	_ = a.logger.Sync()
}
