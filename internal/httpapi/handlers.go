package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/vilaca/mlsync/internal/domain"
	"github.com/vilaca/mlsync/internal/service"
	"github.com/vilaca/mlsync/internal/storage"
)

type handler struct {
	mrs       MergeRequests
	pipelines Pipelines
	logger    *zap.Logger
	// waitBudget caps ?wait=true awaits below the request timeout.
	waitBudget time.Duration
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *handler) handleMergeRequestGet(w http.ResponseWriter, r *http.Request) {
	key, err := mergeRequestKey(r)
	if err != nil {
		writeValidationError(w, err)
		return
	}

	mr, err := h.mrs.Refresh(r.Context(), key)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"merge_request": mapMergeRequest(mr),
	})
}

func (h *handler) handleMergeRequestEdit(w http.ResponseWriter, r *http.Request) {
	key, err := mergeRequestKey(r)
	if err != nil {
		writeValidationError(w, err)
		return
	}

	var req struct {
		Title       *string `json:"title"`
		Description *string `json:"description"`
	}
	if err := decodeJSON(r.Context(), r.Body, &req); err != nil {
		writeValidationError(w, err)
		return
	}

	mr, err := h.mrs.Edit(r.Context(), key, domain.MergeRequestFields{Title: req.Title, Description: req.Description})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"merge_request": mapMergeRequest(mr),
	})
}

func (h *handler) handleMergeRequestAccept(w http.ResponseWriter, r *http.Request) {
	key, err := mergeRequestKey(r)
	if err != nil {
		writeValidationError(w, err)
		return
	}

	var req struct {
		Squash             bool `json:"squash"`
		RemoveSourceBranch bool `json:"remove_source_branch"`
	}
	if err := decodeOptionalJSON(r.Context(), r.Body, &req); err != nil {
		writeValidationError(w, err)
		return
	}

	res, err := h.mrs.Accept(r.Context(), key, domain.AcceptOptions{
		Squash:             req.Squash,
		RemoveSourceBranch: req.RemoveSourceBranch,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"merge_request":         mapMergeRequest(res.MergeRequest),
		"squashed":              res.Squashed,
		"merged_commit_count":   res.MergedCommitCount,
		"source_branch_deleted": res.SourceBranchDeleted,
	})
}

func (h *handler) handleMergeRequestClose(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, h.mrs.Close)
}

func (h *handler) handleMergeRequestReopen(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, h.mrs.Reopen)
}

func (h *handler) handleTransition(w http.ResponseWriter, r *http.Request, verb func(context.Context, domain.MergeRequestKey) (domain.MergeRequest, error)) {
	key, err := mergeRequestKey(r)
	if err != nil {
		writeValidationError(w, err)
		return
	}

	mr, err := verb(r.Context(), key)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"merge_request": mapMergeRequest(mr),
	})
}

func (h *handler) handleMergeRequestDivergence(w http.ResponseWriter, r *http.Request) {
	key, err := mergeRequestKey(r)
	if err != nil {
		writeValidationError(w, err)
		return
	}

	div, err := h.mrs.Divergence(r.Context(), key)
	if err != nil && !errors.Is(err, domain.ErrBranchNotFound) {
		h.writeServiceError(w, err)
		return
	}
	// a missing branch is shown as an unavailable divergence
	writeJSON(w, http.StatusOK, map[string]any{
		"divergence": mapDivergence(div),
	})
}

func (h *handler) handlePipelineCreate(w http.ResponseWriter, r *http.Request) {
	projectID, err := projectParam(r)
	if err != nil {
		writeValidationError(w, err)
		return
	}

	var spec domain.PipelineSpec
	if err := decodeJSON(r.Context(), r.Body, &spec); err != nil {
		writeValidationError(w, err)
		return
	}

	d, err := h.pipelines.Create(r.Context(), projectID, spec)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"pipeline": mapDescriptor(d),
	})
}

func (h *handler) handlePipelineList(w http.ResponseWriter, r *http.Request) {
	projectID, err := projectParam(r)
	if err != nil {
		writeValidationError(w, err)
		return
	}

	ds, err := h.pipelines.List(r.Context(), projectID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	out := make([]map[string]any, 0, len(ds))
	for _, d := range ds {
		out = append(out, mapDescriptor(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pipelines": out,
	})
}

func (h *handler) handlePipelineTrigger(w http.ResponseWriter, r *http.Request) {
	projectID, err := projectParam(r)
	if err != nil {
		writeValidationError(w, err)
		return
	}

	run, err := h.pipelines.Trigger(r.Context(), projectID, chi.URLParam(r, "slug"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"run": mapRun(run),
	})
}

func (h *handler) handlePipelineRun(w http.ResponseWriter, r *http.Request) {
	projectID, err := projectParam(r)
	if err != nil {
		writeValidationError(w, err)
		return
	}
	slug := chi.URLParam(r, "slug")

	wait, err := parseBoolQuery(r, "wait")
	if err != nil {
		writeValidationError(w, err)
		return
	}

	run, ok, err := h.pipelines.Run(r.Context(), projectID, slug)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "NOT_TRIGGERED", fmt.Sprintf("pipeline %s has not been triggered", slug), domain.OutcomeFailed)
		return
	}

	if run.Status.IsTerminal() {
		writeJSON(w, http.StatusOK, map[string]any{"run": mapRun(run), "outcome": domain.OutcomeOK})
		return
	}

	if !wait {
		run, err = h.pipelines.Refresh(r.Context(), projectID, run.ID)
		if err != nil {
			h.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"run": mapRun(run), "outcome": runOutcome(run)})
		return
	}

	policy := h.pipelines.Policy()
	if h.waitBudget > 0 && policy.TotalTimeout > h.waitBudget {
		policy.TotalTimeout = h.waitBudget
	}

	run, err = h.pipelines.AwaitTerminal(r.Context(), run, policy)
	if err != nil {
		if domain.Classify(err) == domain.OutcomePending {
			writeJSON(w, http.StatusAccepted, map[string]any{"run": mapRun(run), "outcome": domain.OutcomePending})
			return
		}
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": mapRun(run), "outcome": domain.OutcomeOK})
}

func runOutcome(run domain.PipelineRun) domain.Outcome {
	if run.Status.IsTerminal() {
		return domain.OutcomeOK
	}
	return domain.OutcomePending
}

func (h *handler) writeServiceError(w http.ResponseWriter, err error) {
	status, code := mapServiceError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("service error", zap.Error(err))
	}
	if pe, ok := domain.ProviderErrorOf(err); ok && pe.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(pe.RetryAfter.Seconds())))
	}
	writeError(w, status, code, err.Error(), domain.Classify(err))
}

func mapServiceError(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrSessionClosed):
		return http.StatusServiceUnavailable, "SESSION_CLOSED"
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, "INVALID_TRANSITION"
	case errors.Is(err, domain.ErrMergeBlocked):
		return http.StatusConflict, "MERGE_BLOCKED"
	case errors.Is(err, domain.ErrSyncDivergence):
		return http.StatusConflict, "SYNC_DIVERGENCE"
	case errors.Is(err, domain.ErrUnresolved):
		return http.StatusConflict, "UNRESOLVED"
	case errors.Is(err, domain.ErrBranchNotFound):
		return http.StatusNotFound, "BRANCH_NOT_FOUND"
	case errors.Is(err, domain.ErrTriggerFailed):
		return http.StatusBadGateway, "TRIGGER_FAILED"
	case errors.Is(err, domain.ErrPollTimeout):
		return http.StatusAccepted, "PENDING"
	case errors.Is(err, domain.ErrInvalidDescriptor), errors.Is(err, service.ErrEmptyEdit):
		return http.StatusBadRequest, "VALIDATION_ERROR"
	case errors.Is(err, storage.ErrDescriptorNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, storage.ErrSlugTaken):
		return http.StatusConflict, "SLUG_TAKEN"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT"
	}

	if pe, ok := domain.ProviderErrorOf(err); ok {
		switch pe.Kind {
		case domain.ProviderNotFound:
			return http.StatusNotFound, "NOT_FOUND"
		case domain.ProviderConflict:
			return http.StatusConflict, "PROVIDER_CONFLICT"
		case domain.ProviderRateLimited:
			return http.StatusTooManyRequests, "RATE_LIMITED"
		case domain.ProviderUnauthorized:
			return http.StatusBadGateway, "PROVIDER_UNAUTHORIZED"
		default:
			return http.StatusBadGateway, "PROVIDER_UNAVAILABLE"
		}
	}
	return http.StatusInternalServerError, "INTERNAL"
}

func mergeRequestKey(r *http.Request) (domain.MergeRequestKey, error) {
	projectID, err := projectParam(r)
	if err != nil {
		return domain.MergeRequestKey{}, err
	}
	iid, err := strconv.Atoi(chi.URLParam(r, "iid"))
	if err != nil || iid <= 0 {
		return domain.MergeRequestKey{}, errors.New("merge request iid must be a positive integer")
	}
	return domain.MergeRequestKey{ProjectID: projectID, IID: iid}, nil
}

// projectParam accepts numeric ids and URL-encoded paths such as "group%2Fproject".
func projectParam(r *http.Request) (string, error) {
	raw := chi.URLParam(r, "project")
	projectID, err := url.PathUnescape(raw)
	if err != nil || strings.TrimSpace(projectID) == "" {
		return "", errors.New("project is required")
	}
	return projectID, nil
}

func parseBoolQuery(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean", name)
	}
	return v, nil
}

func mapUser(u *domain.UserProfile) map[string]any {
	if u == nil {
		return nil
	}
	return map[string]any{
		"id":       u.ID,
		"username": u.Username,
		"name":     u.Name,
	}
}

func mapMergeRequest(mr domain.MergeRequest) map[string]any {
	return map[string]any{
		"project_id":                  mr.ProjectID,
		"iid":                         mr.IID,
		"title":                       mr.Title,
		"description":                 mr.Description,
		"state":                       mr.State,
		"source_branch":               mr.SourceBranch,
		"target_branch":               mr.TargetBranch,
		"has_conflicts":               mr.HasConflicts,
		"author":                      mapUser(&mr.Author),
		"created_at":                  formatTime(mr.CreatedAt),
		"updated_at":                  formatTime(mr.UpdatedAt),
		"closed_by":                   mapUser(mr.ClosedBy),
		"closed_at":                   formatTimePtr(mr.ClosedAt),
		"merged_by":                   mapUser(mr.MergedBy),
		"merged_at":                   formatTimePtr(mr.MergedAt),
		"squash":                      mr.Squash,
		"should_remove_source_branch": mr.ShouldRemoveSourceBranch,
		"web_url":                     mr.WebURL,
	}
}

func mapCommits(commits []domain.Commit) []map[string]any {
	out := make([]map[string]any, 0, len(commits))
	for _, c := range commits {
		out = append(out, map[string]any{
			"id":          c.ID,
			"short_id":    c.ShortID,
			"title":       c.Title,
			"author_name": c.AuthorName,
			"created_at":  formatTime(c.CreatedAt),
		})
	}
	return out
}

func mapDivergence(d domain.BranchDivergence) map[string]any {
	files := d.ChangedFiles
	if files == nil {
		files = []string{}
	}
	return map[string]any{
		"source_branch":  d.SourceBranch,
		"target_branch":  d.TargetBranch,
		"available":      d.Available,
		"ahead":          d.Ahead(),
		"behind":         d.Behind(),
		"ahead_commits":  mapCommits(d.AheadCommits),
		"behind_commits": mapCommits(d.BehindCommits),
		"changed_files":  files,
	}
}

func mapDescriptor(d domain.PipelineDescriptor) map[string]any {
	return map[string]any{
		"id":              d.ID,
		"project_id":      d.ProjectID,
		"name":            d.Name,
		"slug":            d.Slug,
		"sequence":        d.Sequence,
		"source_branch":   d.SourceBranch,
		"pipeline_type":   d.Type,
		"input_files":     d.InputFiles,
		"data_operations": d.Operations,
		"execution_ref":   d.ExecutionRef(),
		"state":           d.State,
		"run_id":          d.RunID,
		"created_at":      formatTime(d.CreatedAt),
		"triggered_at":    formatTimePtr(d.TriggeredAt),
	}
}

func mapRun(run domain.PipelineRun) map[string]any {
	return map[string]any{
		"id":          run.ID,
		"project_id":  run.ProjectID,
		"slug":        run.DescriptorSlug,
		"ref":         run.Ref,
		"status":      run.Status,
		"terminal":    run.Status.IsTerminal(),
		"started_at":  formatTimePtr(run.StartedAt),
		"finished_at": formatTimePtr(run.FinishedAt),
		"web_url":     run.WebURL,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func decodeJSON(ctx context.Context, body io.ReadCloser, dst any) error {
	defer body.Close()
	if err := ctx.Err(); err != nil {
		return err
	}
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("unexpected extra JSON input")
		}
		return err
	}
	return nil
}

// decodeOptionalJSON is decodeJSON that accepts an empty body.
func decodeOptionalJSON(ctx context.Context, body io.ReadCloser, dst any) error {
	err := decodeJSON(ctx, body, dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, outcome domain.Outcome) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
			"outcome": outcome,
		},
	})
}

func writeValidationError(w http.ResponseWriter, err error) {
	writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), domain.OutcomeFailed)
}
