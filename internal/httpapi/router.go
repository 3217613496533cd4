package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// NewRouter builds the API handler.
func NewRouter(logger *zap.Logger, requestTimeout time.Duration, mrs MergeRequests, pipelines Pipelines) http.Handler {
	h := &handler{
		mrs:        mrs,
		pipelines:  pipelines,
		logger:     logger,
		waitBudget: requestTimeout * 9 / 10,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(zapRequestLogger(logger))

	r.Get("/health", h.handleHealth)

	r.Route("/projects/{project}", func(r chi.Router) {
		r.Route("/merge_requests/{iid}", func(r chi.Router) {
			r.Get("/", h.handleMergeRequestGet)
			r.Patch("/", h.handleMergeRequestEdit)
			r.Post("/accept", h.handleMergeRequestAccept)
			r.Post("/close", h.handleMergeRequestClose)
			r.Post("/reopen", h.handleMergeRequestReopen)
			r.Get("/divergence", h.handleMergeRequestDivergence)
		})

		r.Route("/pipelines", func(r chi.Router) {
			r.Post("/", h.handlePipelineCreate)
			r.Get("/", h.handlePipelineList)
			r.Post("/{slug}/trigger", h.handlePipelineTrigger)
			r.Get("/{slug}/run", h.handlePipelineRun)
		})
	})

	return r
}

func zapRequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info(
				"http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
