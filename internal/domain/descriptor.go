package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// PipelineType classifies a pipeline descriptor.
type PipelineType string

const (
	PipelineTypeData          PipelineType = "DATA"
	PipelineTypeVisualization PipelineType = "VISUALIZATION"
	PipelineTypeExperiment    PipelineType = "EXPERIMENT"
)

// NamePrefix returns the prefix prepended to descriptor names of this type.
func (t PipelineType) NamePrefix() string {
	switch t {
	case PipelineTypeData:
		return "data-pipeline"
	case PipelineTypeVisualization:
		return "data-visualization"
	case PipelineTypeExperiment:
		return "experiment"
	default:
		return ""
	}
}

// Valid reports whether the type is known.
func (t PipelineType) Valid() bool {
	return t.NamePrefix() != ""
}

// DescriptorState tracks whether a descriptor has been handed to the provider.
type DescriptorState string

const (
	DescriptorCreated   DescriptorState = "created"
	DescriptorTriggered DescriptorState = "triggered"
)

// InputFile is a named input location of a pipeline.
type InputFile struct {
	Location string `json:"location" yaml:"location"`
}

// Parameter is one (name, value) pair passed to a processor.
type Parameter struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// Operation is one processing step of a pipeline.
type Operation struct {
	Slug       string      `json:"slug" yaml:"slug"`
	Parameters []Parameter `json:"parameters" yaml:"parameters"`
}

// PipelineSpec is the user intent a descriptor is created from.
type PipelineSpec struct {
	Name         string       `json:"name" yaml:"name"`
	SourceBranch string       `json:"source_branch" yaml:"source_branch"`
	Type         PipelineType `json:"pipeline_type" yaml:"pipeline_type"`
	InputFiles   []InputFile  `json:"input_files" yaml:"input_files"`
	Operations   []Operation  `json:"data_operations" yaml:"data_operations"`
}

// Validate checks the spec before a descriptor is derived from it.
func (s PipelineSpec) Validate() error {
	name := strings.TrimSpace(s.Name)
	if name == "" {
		return errors.New("pipeline name is required")
	}
	if err := checkRefName(name); err != nil {
		return fmt.Errorf("pipeline name %q: %w", name, err)
	}
	if strings.TrimSpace(s.SourceBranch) == "" {
		return errors.New("source branch is required")
	}
	if !s.Type.Valid() {
		return fmt.Errorf("unknown pipeline type %q", s.Type)
	}
	for i, op := range s.Operations {
		if strings.TrimSpace(op.Slug) == "" {
			return fmt.Errorf("operation %d: processor slug is required", i)
		}
		for _, p := range op.Parameters {
			if strings.TrimSpace(p.Name) == "" {
				return fmt.Errorf("operation %d (%s): parameter name is required", i, op.Slug)
			}
		}
	}
	return nil
}

// QualifiedName returns the type-prefixed descriptor name, e.g. "data-pipeline/test-pipeline".
func (s PipelineSpec) QualifiedName() string {
	name := strings.TrimSpace(s.Name)
	prefix := s.Type.NamePrefix()
	if strings.HasPrefix(name, prefix+"/") {
		return name
	}
	return prefix + "/" + name
}

// PipelineDescriptor is an immutable pipeline description owned by a project.
// Only State, RunID and TriggeredAt change after creation.
type PipelineDescriptor struct {
	ID           string
	ProjectID    string
	Name         string
	Slug         string
	Sequence     int
	SourceBranch string
	Type         PipelineType
	InputFiles   []InputFile
	Operations   []Operation
	CreatedAt    time.Time

	State       DescriptorState
	RunID       string
	TriggeredAt *time.Time
}

// ExecutionRef is the provider ref the run executes on; it is the match key
// used when associating external runs with this descriptor.
func (d PipelineDescriptor) ExecutionRef() string {
	return ExecutionRef(d.Name, d.Sequence)
}

// ExecutionRef derives the provider ref for a name and sequence.
func ExecutionRef(name string, sequence int) string {
	return fmt.Sprintf("%s-%d", name, sequence)
}

// DescriptorSlug derives the unique slug for a name and sequence.
func DescriptorSlug(name string, sequence int) string {
	return fmt.Sprintf("%s-%d", Slugify(name), sequence)
}

// Slugify lowercases s and collapses every run of non-alphanumerics into one dash.
func Slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// checkRefName rejects names that cannot be part of a git branch name, since
// the execution ref is created as a branch on the provider.
func checkRefName(name string) error {
	for _, r := range name {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return errors.New("must not contain whitespace or control characters")
		}
		if strings.ContainsRune(`~^:?*[\`, r) {
			return fmt.Errorf("must not contain %q", r)
		}
	}
	for _, bad := range []string{"..", "@{", "//", "/."} {
		if strings.Contains(name, bad) {
			return fmt.Errorf("must not contain %q", bad)
		}
	}
	if strings.HasPrefix(name, "/") || strings.HasPrefix(name, ".") ||
		strings.HasSuffix(name, "/") || strings.HasSuffix(name, ".") || strings.HasSuffix(name, ".lock") {
		return errors.New("must not start or end with '/' or '.', or end with .lock")
	}
	if name == "@" {
		return errors.New("must not be '@'")
	}
	return nil
}

// SlugSequence returns the sequence of slug when it was derived from base,
// the slugified descriptor name.
func SlugSequence(slug, base string) (int, bool) {
	rest, ok := strings.CutPrefix(slug, base+"-")
	if !ok || rest == "" {
		return 0, false
	}
	for _, r := range rest {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return n, true
}
