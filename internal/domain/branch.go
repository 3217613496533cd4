package domain

import (
	"sort"
	"time"
)

// Commit represents a commit returned by a branch comparison.
type Commit struct {
	ID         string
	ShortID    string
	Title      string
	Message    string
	AuthorName string
	CreatedAt  time.Time
	WebURL     string
}

// FileDiff represents a single changed file between two refs.
type FileDiff struct {
	OldPath     string
	NewPath     string
	NewFile     bool
	RenamedFile bool
	DeletedFile bool
	Diff        string
}

// Path returns the path that identifies the change.
func (d FileDiff) Path() string {
	if d.DeletedFile || d.NewPath == "" {
		return d.OldPath
	}
	return d.NewPath
}

// Comparison is the provider's directional compare result (commits in "to" not in "from").
type Comparison struct {
	Commits []Commit
	Diffs   []FileDiff
}

// BranchDivergence describes how far two branches drifted from each other.
// It is recomputed per query and never cached.
type BranchDivergence struct {
	ProjectID    string
	SourceBranch string
	TargetBranch string
	// AheadCommits are commits on source not on target (compare target -> source).
	AheadCommits []Commit
	// BehindCommits are commits on target not on source (compare source -> target).
	BehindCommits []Commit
	ChangedFiles  []string
	Diffs         []FileDiff
	// Available is false when the divergence could not be computed.
	Available bool
}

// Ahead returns the number of commits the source branch is ahead.
func (d BranchDivergence) Ahead() int { return len(d.AheadCommits) }

// Behind returns the number of commits the source branch is behind.
func (d BranchDivergence) Behind() int { return len(d.BehindCommits) }

// ChangedFileSet returns the sorted, de-duplicated set of paths touched by diffs.
func ChangedFileSet(diffs []FileDiff) []string {
	seen := make(map[string]struct{}, len(diffs))
	files := make([]string, 0, len(diffs))
	for _, d := range diffs {
		p := d.Path()
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		files = append(files, p)
	}
	sort.Strings(files)
	return files
}
