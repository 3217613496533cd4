package gitlab

import (
	"bytes"
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

	"github.com/vilaca/mlsync/internal/api"
	"github.com/vilaca/mlsync/internal/domain"
)

// Client implements api.Gateway for GitLab REST v4.
type Client struct {
	base *api.BaseClient
}

var _ api.Gateway = (*Client)(nil)

// NewClient creates a new GitLab client.
func NewClient(config api.ClientConfig, httpClient api.HTTPClient) *Client {
	return &Client{
		base: api.NewBaseClient(config, httpClient),
	}
}

// FetchMergeRequest retrieves a single merge request.
func (c *Client) FetchMergeRequest(ctx context.Context, projectID string, iid int) (*domain.MergeRequest, error) {
	var glMR gitlabMergeRequest
	path := fmt.Sprintf("%s/merge_requests/%d", projectPath(projectID), iid)
	if err := c.do(ctx, "fetchMergeRequest", http.MethodGet, path, nil, nil, &glMR); err != nil {
		return nil, err
	}
	return convertMergeRequest(glMR, projectID), nil
}

// CompareBranches compares two refs. GitLab returns the commits reachable from "to" but not from "from".
func (c *Client) CompareBranches(ctx context.Context, projectID, from, to string) (*domain.Comparison, error) {
	query := url.Values{}
	query.Set("from", from)
	query.Set("to", to)
	query.Set("straight", "false")

	var glCompare gitlabCompare
	if err := c.do(ctx, "compareBranches", http.MethodGet, projectPath(projectID)+"/repository/compare", query, nil, &glCompare); err != nil {
		return nil, err
	}
	return convertComparison(glCompare), nil
}

// AcceptMergeRequest merges a merge request. Issued once, never retried.
func (c *Client) AcceptMergeRequest(ctx context.Context, projectID string, iid int, opts domain.AcceptOptions) (*domain.MergeRequest, error) {
	body := map[string]any{
		"squash":                      opts.Squash,
		"should_remove_source_branch": opts.RemoveSourceBranch,
	}

	var glMR gitlabMergeRequest
	path := fmt.Sprintf("%s/merge_requests/%d/merge", projectPath(projectID), iid)
	if err := c.do(ctx, "acceptMergeRequest", http.MethodPut, path, nil, body, &glMR); err != nil {
		return nil, err
	}
	return convertMergeRequest(glMR, projectID), nil
}

// CloseMergeRequest closes an open merge request.
func (c *Client) CloseMergeRequest(ctx context.Context, projectID string, iid int) (*domain.MergeRequest, error) {
	return c.updateMergeRequest(ctx, "closeMergeRequest", projectID, iid, map[string]any{"state_event": "close"})
}

// ReopenMergeRequest reopens a closed merge request.
func (c *Client) ReopenMergeRequest(ctx context.Context, projectID string, iid int) (*domain.MergeRequest, error) {
	return c.updateMergeRequest(ctx, "reopenMergeRequest", projectID, iid, map[string]any{"state_event": "reopen"})
}

// UpdateMergeRequest edits title and/or description.
func (c *Client) UpdateMergeRequest(ctx context.Context, projectID string, iid int, fields domain.MergeRequestFields) (*domain.MergeRequest, error) {
	body := map[string]any{}
	if fields.Title != nil {
		body["title"] = *fields.Title
	}
	if fields.Description != nil {
		body["description"] = *fields.Description
	}
	return c.updateMergeRequest(ctx, "updateMergeRequest", projectID, iid, body)
}

func (c *Client) updateMergeRequest(ctx context.Context, op, projectID string, iid int, body map[string]any) (*domain.MergeRequest, error) {
	var glMR gitlabMergeRequest
	path := fmt.Sprintf("%s/merge_requests/%d", projectPath(projectID), iid)
	if err := c.do(ctx, op, http.MethodPut, path, nil, body, &glMR); err != nil {
		return nil, err
	}
	return convertMergeRequest(glMR, projectID), nil
}

// ListPipelineRuns retrieves recent pipelines for a project, newest first.
func (c *Client) ListPipelineRuns(ctx context.Context, projectID string) ([]domain.PipelineRun, error) {
	query := url.Values{}
	query.Set("per_page", strconv.Itoa(api.DefaultPageSize))
	query.Set("order_by", "id")
	query.Set("sort", "desc")

	var glPipelines []gitlabPipeline
	if err := c.do(ctx, "listPipelineRuns", http.MethodGet, projectPath(projectID)+"/pipelines", query, nil, &glPipelines); err != nil {
		return nil, err
	}

	runs := make([]domain.PipelineRun, len(glPipelines))
	for i, glp := range glPipelines {
		runs[i] = convertPipeline(glp, projectID)
	}
	return runs, nil
}

// FetchPipelineRun retrieves a single pipeline.
func (c *Client) FetchPipelineRun(ctx context.Context, projectID, runID string) (*domain.PipelineRun, error) {
	var glp gitlabPipeline
	path := fmt.Sprintf("%s/pipelines/%s", projectPath(projectID), url.PathEscape(runID))
	if err := c.do(ctx, "fetchPipelineRun", http.MethodGet, path, nil, nil, &glp); err != nil {
		return nil, err
	}
	run := convertPipeline(glp, projectID)
	return &run, nil
}

// TriggerPipeline creates the execution ref from the source branch and starts a
// pipeline on it. An existing execution ref is reused, so a retry after a failed
// pipeline creation does not need a new descriptor.
func (c *Client) TriggerPipeline(ctx context.Context, projectID string, descriptor domain.PipelineDescriptor) (*domain.PipelineRun, error) {
	ref := descriptor.ExecutionRef()

	branchQuery := url.Values{}
	branchQuery.Set("branch", ref)
	branchQuery.Set("ref", descriptor.SourceBranch)
	err := c.do(ctx, "triggerPipeline", http.MethodPost, projectPath(projectID)+"/repository/branches", branchQuery, nil, nil)
	if err != nil && !isBranchExists(err) {
		return nil, err
	}

	variables, err := pipelineVariables(descriptor)
	if err != nil {
		return nil, err
	}

	var glp gitlabPipeline
	body := map[string]any{"ref": ref, "variables": variables}
	if err := c.do(ctx, "triggerPipeline", http.MethodPost, projectPath(projectID)+"/pipeline", nil, body, &glp); err != nil {
		return nil, err
	}

	run := convertPipeline(glp, projectID)
	run.DescriptorSlug = descriptor.Slug
	return &run, nil
}

// CurrentUser returns the user the token belongs to.
func (c *Client) CurrentUser(ctx context.Context) (domain.UserProfile, error) {
	var glu gitlabUser
	if err := c.do(ctx, "currentUser", http.MethodGet, "/user", nil, nil, &glu); err != nil {
		return domain.UserProfile{}, err
	}
	return convertUser(glu), nil
}

// do performs an HTTP request to GitLab API and decodes the JSON response into result.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, result any) error {
	endpoint := fmt.Sprintf("%s/api/v4%s", strings.TrimRight(c.base.BaseURL, "/"), path)
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: failed to encode request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("%s: failed to create request: %w", op, err)
	}

	req.Header.Set("PRIVATE-TOKEN", c.base.Token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.base.Do(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: %w", op, ctxErr)
		}
		return &domain.ProviderError{Kind: domain.ProviderUnavailable, Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return providerError(op, resp, strings.TrimSpace(string(msg)))
	}

	if result == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return &domain.ProviderError{Kind: domain.ProviderUnavailable, Op: op, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("failed to decode response: %w", err)}
	}

	return nil
}

// providerError maps an HTTP failure to the provider error taxonomy.
func providerError(op string, resp *http.Response, msg string) *domain.ProviderError {
	pe := &domain.ProviderError{Op: op, StatusCode: resp.StatusCode}
	if msg != "" {
		pe.Err = errors.New(msg)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		pe.Kind = domain.ProviderNotFound
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		pe.Kind = domain.ProviderUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests:
		pe.Kind = domain.ProviderRateLimited
		pe.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	case resp.StatusCode == http.StatusConflict,
		resp.StatusCode == http.StatusMethodNotAllowed,
		resp.StatusCode == http.StatusNotAcceptable,
		resp.StatusCode == http.StatusUnprocessableEntity,
		resp.StatusCode == http.StatusBadRequest:
		pe.Kind = domain.ProviderConflict
	default:
		pe.Kind = domain.ProviderUnavailable
	}
	return pe
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// isBranchExists recognizes GitLab's "Branch already exists" rejection.
func isBranchExists(err error) bool {
	pe, ok := domain.ProviderErrorOf(err)
	if !ok || pe.Kind != domain.ProviderConflict || pe.Err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(pe.Err.Error()), "already exists")
}

func projectPath(projectID string) string {
	return "/projects/" + url.PathEscape(projectID)
}

func pipelineVariables(d domain.PipelineDescriptor) ([]gitlabVariable, error) {
	inputs, err := json.Marshal(d.InputFiles)
	if err != nil {
		return nil, fmt.Errorf("encode input files: %w", err)
	}
	operations, err := json.Marshal(d.Operations)
	if err != nil {
		return nil, fmt.Errorf("encode operations: %w", err)
	}

	return []gitlabVariable{
		{Key: "PIPELINE_ID", Value: d.ID, VariableType: "env_var"},
		{Key: "PIPELINE_SLUG", Value: d.Slug, VariableType: "env_var"},
		{Key: "PIPELINE_TYPE", Value: string(d.Type), VariableType: "env_var"},
		{Key: "INPUT_FILES", Value: string(inputs), VariableType: "env_var"},
		{Key: "DATA_OPERATIONS", Value: string(operations), VariableType: "env_var"},
	}, nil
}

// convertMergeRequest converts a GitLab merge request to the domain model.
func convertMergeRequest(glMR gitlabMergeRequest, projectID string) *domain.MergeRequest {
	mr := domain.MergeRequest{
		ProjectID:                projectID,
		IID:                      glMR.IID,
		Title:                    glMR.Title,
		Description:              glMR.Description,
		State:                    convertState(glMR.State),
		SourceBranch:             glMR.SourceBranch,
		TargetBranch:             glMR.TargetBranch,
		CreatedAt:                glMR.CreatedAt,
		UpdatedAt:                glMR.UpdatedAt,
		HasConflicts:             glMR.HasConflicts,
		Author:                   convertUser(glMR.Author),
		WebURL:                   glMR.WebURL,
		ClosedAt:                 glMR.ClosedAt,
		MergedAt:                 glMR.MergedAt,
		Squash:                   glMR.Squash,
		ShouldRemoveSourceBranch: glMR.ShouldRemoveSourceBranch || glMR.ForceRemoveSourceBranch,
		MergeCommitSHA:           glMR.MergeCommitSHA,
		SquashCommitSHA:          glMR.SquashCommitSHA,
	}
	if glMR.ClosedBy != nil {
		u := convertUser(*glMR.ClosedBy)
		mr.ClosedBy = &u
	}
	if glMR.MergedBy != nil {
		u := convertUser(*glMR.MergedBy)
		mr.MergedBy = &u
	}

	// Older GitLab versions omit merged_at on freshly merged responses.
	if mr.State == domain.StateMerged && mr.MergedAt == nil {
		at := mr.UpdatedAt
		mr.MergedAt = &at
	}
	if mr.State == domain.StateClosed && mr.ClosedAt == nil {
		at := mr.UpdatedAt
		mr.ClosedAt = &at
	}

	mr = mr.Normalize()
	return &mr
}

func convertState(s string) domain.MergeRequestState {
	switch s {
	case "merged":
		return domain.StateMerged
	case "closed", "locked":
		return domain.StateClosed
	default:
		return domain.StateOpened
	}
}

func convertUser(u gitlabUser) domain.UserProfile {
	return domain.UserProfile{
		ID:        u.ID,
		Username:  u.Username,
		Name:      u.Name,
		AvatarURL: u.AvatarURL,
		WebURL:    u.WebURL,
	}
}

func convertComparison(glc gitlabCompare) *domain.Comparison {
	cmp := &domain.Comparison{
		Commits: make([]domain.Commit, len(glc.Commits)),
		Diffs:   make([]domain.FileDiff, len(glc.Diffs)),
	}
	for i, c := range glc.Commits {
		cmp.Commits[i] = domain.Commit{
			ID:         c.ID,
			ShortID:    c.ShortID,
			Title:      c.Title,
			Message:    c.Message,
			AuthorName: c.AuthorName,
			CreatedAt:  c.CreatedAt,
			WebURL:     c.WebURL,
		}
	}
	for i, d := range glc.Diffs {
		cmp.Diffs[i] = domain.FileDiff{
			OldPath:     d.OldPath,
			NewPath:     d.NewPath,
			NewFile:     d.NewFile,
			RenamedFile: d.RenamedFile,
			DeletedFile: d.DeletedFile,
			Diff:        d.Diff,
		}
	}
	return cmp
}

// convertPipeline converts a GitLab pipeline to the domain model.
func convertPipeline(glp gitlabPipeline, projectID string) domain.PipelineRun {
	run := domain.PipelineRun{
		ProjectID: projectID,
		Ref:       glp.Ref,
		Status:    convertStatus(glp.Status),
		StartedAt: glp.StartedAt,
		CreatedAt: glp.CreatedAt,
		UpdatedAt: glp.UpdatedAt,
		WebURL:    glp.WebURL,
	}
	if glp.ID != 0 {
		run.ID = strconv.Itoa(glp.ID)
	}

	switch {
	case !run.Status.IsTerminal():
		run.FinishedAt = nil
	case glp.FinishedAt != nil:
		run.FinishedAt = glp.FinishedAt
	default:
		// Skipped and canceled pipelines may never have started.
		at := glp.UpdatedAt
		run.FinishedAt = &at
	}
	return run
}

// convertStatus converts GitLab pipeline status to domain status.
func convertStatus(glStatus string) domain.Status {
	switch glStatus {
	case "running":
		return domain.StatusRunning
	case "success":
		return domain.StatusSucceeded
	case "failed":
		return domain.StatusFailed
	case "canceled", "canceling", "skipped":
		return domain.StatusCanceled
	default:
		// created, waiting_for_resource, preparing, pending, scheduled, manual
		return domain.StatusPending
	}
}

// GitLab API response types
type gitlabUser struct {
	ID        int    `json:"id"`
	Username  string `json:"username"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
	WebURL    string `json:"web_url"`
}

type gitlabMergeRequest struct {
	IID                      int         `json:"iid"`
	Title                    string      `json:"title"`
	Description              string      `json:"description"`
	State                    string      `json:"state"`
	SourceBranch             string      `json:"source_branch"`
	TargetBranch             string      `json:"target_branch"`
	CreatedAt                time.Time   `json:"created_at"`
	UpdatedAt                time.Time   `json:"updated_at"`
	HasConflicts             bool        `json:"has_conflicts"`
	Author                   gitlabUser  `json:"author"`
	WebURL                   string      `json:"web_url"`
	ClosedBy                 *gitlabUser `json:"closed_by"`
	ClosedAt                 *time.Time  `json:"closed_at"`
	MergedBy                 *gitlabUser `json:"merged_by"`
	MergedAt                 *time.Time  `json:"merged_at"`
	Squash                   bool        `json:"squash"`
	ShouldRemoveSourceBranch bool        `json:"should_remove_source_branch"`
	ForceRemoveSourceBranch  bool        `json:"force_remove_source_branch"`
	MergeCommitSHA           string      `json:"merge_commit_sha"`
	SquashCommitSHA          string      `json:"squash_commit_sha"`
}

type gitlabCommit struct {
	ID         string    `json:"id"`
	ShortID    string    `json:"short_id"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	AuthorName string    `json:"author_name"`
	CreatedAt  time.Time `json:"created_at"`
	WebURL     string    `json:"web_url"`
}

type gitlabDiff struct {
	OldPath     string `json:"old_path"`
	NewPath     string `json:"new_path"`
	NewFile     bool   `json:"new_file"`
	RenamedFile bool   `json:"renamed_file"`
	DeletedFile bool   `json:"deleted_file"`
	Diff        string `json:"diff"`
}

type gitlabCompare struct {
	Commits []gitlabCommit `json:"commits"`
	Diffs   []gitlabDiff   `json:"diffs"`
}

type gitlabPipeline struct {
	ID         int        `json:"id"`
	Status     string     `json:"status"`
	Ref        string     `json:"ref"`
	WebURL     string     `json:"web_url"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
}

type gitlabVariable struct {
	Key          string `json:"key"`
	Value        string `json:"value"`
	VariableType string `json:"variable_type"`
}
