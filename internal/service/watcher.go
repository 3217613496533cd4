package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultWatchConcurrency caps simultaneous provider reads per sweep.
const DefaultWatchConcurrency = 4

// Watcher periodically refreshes every merge request and pipeline run the
// session has seen, so the local view follows provider changes made elsewhere.
// Runs drop out of the sweep once they reach a terminal status.
type Watcher struct {
	session      *Session
	mergeReqs    *MergeRequestSynchronizer
	pipelines    *PipelineOrchestrator
	interval     time.Duration
	requestLimit int
	logger       *zap.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

// NewWatcher creates a watcher sweeping every interval.
func NewWatcher(session *Session, mergeReqs *MergeRequestSynchronizer, pipelines *PipelineOrchestrator, interval time.Duration, logger *zap.Logger) *Watcher {
	return &Watcher{
		session:      session,
		mergeReqs:    mergeReqs,
		pipelines:    pipelines,
		interval:     interval,
		requestLimit: DefaultWatchConcurrency,
		logger:       logger,
	}
}

// Start begins periodic sweeps. A stopped watcher can be started again.
func (w *Watcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stopChan = make(chan struct{})

	w.logger.Info("watcher starting", zap.Duration("interval", w.interval))
	w.wg.Add(1)
	go w.loop(w.stopChan)
}

// Stop halts the watcher and waits for an in-flight sweep to finish.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopChan)
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info("watcher stopped")
}

func (w *Watcher) loop(stop <-chan struct{}) {
	defer w.wg.Done()

	ctx, cancel := context.WithCancel(w.session.Context())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// sweep refreshes tracked entities once. Failures are logged and retried on
// the next tick.
func (w *Watcher) sweep(ctx context.Context) {
	start := time.Now()
	mrs := w.mergeReqs.Tracked()
	runs := w.pipelines.Pending()
	if len(mrs) == 0 && len(runs) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(w.requestLimit)

	for _, key := range mrs {
		key := key
		g.Go(func() error {
			before, _ := w.mergeReqs.Get(key)
			after, err := w.mergeReqs.Refresh(ctx, key)
			if err != nil {
				w.logger.Warn("refresh merge request", zap.Stringer("merge_request", key), zap.Error(err))
				return nil
			}
			if before.State != after.State {
				w.logger.Info("merge request changed",
					zap.Stringer("merge_request", key),
					zap.String("from", string(before.State)),
					zap.String("to", string(after.State)))
			}
			return nil
		})
	}

	for _, run := range runs {
		run := run
		g.Go(func() error {
			after, err := w.pipelines.Refresh(ctx, run.ProjectID, run.ID)
			if err != nil {
				w.logger.Warn("refresh pipeline run", zap.String("run", run.ID), zap.Error(err))
				return nil
			}
			if after.Status != run.Status {
				w.logger.Info("pipeline run changed",
					zap.String("run", run.ID),
					zap.String("slug", run.DescriptorSlug),
					zap.String("from", string(run.Status)),
					zap.String("to", string(after.Status)),
					zap.Bool("terminal", after.Status.IsTerminal()))
			}
			return nil
		})
	}

	_ = g.Wait()
	w.logger.Debug("watch sweep done",
		zap.Int("merge_requests", len(mrs)),
		zap.Int("runs", len(runs)),
		zap.Duration("duration", time.Since(start).Round(time.Millisecond)))
}
