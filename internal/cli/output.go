package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/vilaca/mlsync/internal/domain"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // The intent failed; retrying may help
	ExitCommandError = 2 // Invalid arguments or configuration
	ExitPending      = 3 // Still pending on the provider; wait and check again
	ExitDiverged     = 4 // Local and provider views disagree; needs manual reconciliation
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error. Errors without an explicit
// code are mapped from their outcome.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	switch domain.Classify(err) {
	case domain.OutcomePending:
		return ExitPending
	case domain.OutcomeDiverged:
		return ExitDiverged
	default:
		return ExitFailure
	}
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// CLIResponse is the JSON envelope of every command.
type CLIResponse struct {
	Status  string         `json:"status"`
	Outcome domain.Outcome `json:"outcome"`
	Data    any            `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Result writes data and err with its outcome, and returns err for the exit code.
// text renders data for the text format.
func (f *OutputFormatter) Result(data any, err error, text func(w io.Writer)) error {
	outcome := domain.Classify(err)
	if f.Format == "json" {
		resp := CLIResponse{Status: "ok", Outcome: outcome, Data: data}
		if err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
		}
		enc := json.NewEncoder(f.Writer)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(resp); encErr != nil {
			return encErr
		}
		return err
	}

	// Failed intents carry no confirmed state worth showing.
	if data != nil && text != nil && outcome != domain.OutcomeFailed {
		text(f.Writer)
	}
	if err != nil {
		fmt.Fprintf(f.Writer, "%s: %v\n", strings.ToUpper(string(outcome)), err)
	}
	return err
}

func table(w io.Writer, rows [][2]string) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, row := range rows {
		fmt.Fprintf(tw, "%s\t%s\n", row[0], row[1])
	}
	_ = tw.Flush()
}

func fmtTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func writeMergeRequest(w io.Writer, mr domain.MergeRequest) {
	rows := [][2]string{
		{"Merge request", fmt.Sprintf("%s  %s", mr.Key(), mr.Title)},
		{"State", string(mr.State)},
		{"Branches", fmt.Sprintf("%s -> %s", mr.SourceBranch, mr.TargetBranch)},
		{"Author", mr.Author.Username},
		{"Conflicts", fmt.Sprintf("%t", mr.HasConflicts)},
	}
	if mr.MergedBy != nil {
		rows = append(rows, [2]string{"Merged", fmt.Sprintf("%s by %s", fmtTime(mr.MergedAt), mr.MergedBy.Username)})
	}
	if mr.ClosedBy != nil {
		rows = append(rows, [2]string{"Closed", fmt.Sprintf("%s by %s", fmtTime(mr.ClosedAt), mr.ClosedBy.Username)})
	}
	if mr.WebURL != "" {
		rows = append(rows, [2]string{"URL", mr.WebURL})
	}
	table(w, rows)
}

func writeDivergence(w io.Writer, d domain.BranchDivergence) {
	if !d.Available {
		fmt.Fprintf(w, "divergence of %s against %s is unavailable\n", d.SourceBranch, d.TargetBranch)
		return
	}
	fmt.Fprintf(w, "%s is %d ahead, %d behind %s\n", d.SourceBranch, d.Ahead(), d.Behind(), d.TargetBranch)
	for _, c := range d.AheadCommits {
		fmt.Fprintf(w, "  + %s %s\n", c.ShortID, c.Title)
	}
	for _, c := range d.BehindCommits {
		fmt.Fprintf(w, "  - %s %s\n", c.ShortID, c.Title)
	}
	if len(d.ChangedFiles) > 0 {
		fmt.Fprintf(w, "changed files:\n")
		for _, f := range d.ChangedFiles {
			fmt.Fprintf(w, "  %s\n", f)
		}
	}
}

func writeDescriptors(w io.Writer, ds []domain.PipelineDescriptor) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SLUG\tTYPE\tSOURCE\tSTATE\tRUN")
	for _, d := range ds {
		run := d.RunID
		if run == "" {
			run = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.Slug, d.Type, d.SourceBranch, d.State, run)
	}
	_ = tw.Flush()
}

func writeRun(w io.Writer, run domain.PipelineRun) {
	table(w, [][2]string{
		{"Run", run.ID},
		{"Pipeline", run.DescriptorSlug},
		{"Ref", run.Ref},
		{"Status", string(run.Status)},
		{"Started", fmtTime(run.StartedAt)},
		{"Finished", fmtTime(run.FinishedAt)},
		{"URL", run.WebURL},
	})
}
