package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vilaca/mlsync/internal/app"
	"github.com/vilaca/mlsync/internal/domain"
)

// NewPipelineCommand creates the pipeline command group.
func NewPipelineCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Create, trigger and follow data pipelines",
	}

	cmd.AddCommand(newPipelineCreateCommand(rootOpts))
	cmd.AddCommand(newPipelineListCommand(rootOpts))
	cmd.AddCommand(newPipelineTriggerCommand(rootOpts))
	cmd.AddCommand(newPipelineAwaitCommand(rootOpts))

	return cmd
}

type createOptions struct {
	File         string
	Name         string
	SourceBranch string
	Type         string
	TypeSet      bool
	Inputs       []string
	Trigger      bool
}

func newPipelineCreateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &createOptions{}

	cmd := &cobra.Command{
		Use:   "create <project>",
		Short: "Create a pipeline descriptor",
		Long: `Create a pipeline descriptor from flags or from a YAML/JSON spec file.

Example spec file:

  name: test-pipeline
  source_branch: master
  pipeline_type: DATA
  input_files:
    - location: data/train.csv
  data_operations:
    - slug: commons-add-noise
      parameters:
        - name: stddev
          value: "0.1"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.TypeSet = cmd.Flags().Changed("type")
			spec, err := opts.spec()
			if err != nil {
				return err
			}

			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return withApp(cmd.Context(), rootOpts, func(a *app.App) error {
				d, err := a.Pipelines().Create(cmd.Context(), args[0], spec)
				if err != nil || !opts.Trigger {
					return out.Result(d, err, func(w io.Writer) { writeDescriptors(w, []domain.PipelineDescriptor{d}) })
				}
				run, err := a.Pipelines().Trigger(cmd.Context(), args[0], d.Slug)
				return out.Result(run, err, func(w io.Writer) { writeRun(w, run) })
			})
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "pipeline spec file (YAML or JSON)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "pipeline name")
	cmd.Flags().StringVar(&opts.SourceBranch, "source-branch", "", "branch the pipeline runs on")
	cmd.Flags().StringVar(&opts.Type, "type", string(domain.PipelineTypeData), "pipeline type (DATA|VISUALIZATION|EXPERIMENT)")
	cmd.Flags().StringSliceVar(&opts.Inputs, "input", nil, "input file location (repeatable)")
	cmd.Flags().BoolVar(&opts.Trigger, "trigger", false, "trigger the pipeline right after creating it")

	return cmd
}

// spec builds the pipeline spec. Flags override values read from the file.
func (o *createOptions) spec() (domain.PipelineSpec, error) {
	var spec domain.PipelineSpec
	if o.File != "" {
		loaded, err := readSpecFile(o.File)
		if err != nil {
			return spec, WrapExitError(ExitCommandError, "read spec file", err)
		}
		spec = loaded
	}

	if o.Name != "" {
		spec.Name = o.Name
	}
	if o.SourceBranch != "" {
		spec.SourceBranch = o.SourceBranch
	}
	if o.TypeSet || spec.Type == "" {
		spec.Type = domain.PipelineType(strings.ToUpper(o.Type))
	}
	for _, loc := range o.Inputs {
		spec.InputFiles = append(spec.InputFiles, domain.InputFile{Location: loc})
	}

	if spec.Name == "" || spec.SourceBranch == "" {
		return spec, NewExitError(ExitCommandError, "pipeline name and source branch are required (--name, --source-branch or --file)")
	}
	return spec, nil
}

// readSpecFile parses a spec file. JSON is a subset of YAML, so one decoder reads both.
func readSpecFile(path string) (domain.PipelineSpec, error) {
	var spec domain.PipelineSpec
	data, err := os.ReadFile(path)
	if err != nil {
		return spec, err
	}
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return spec, fmt.Errorf("parse %s: %w", path, err)
	}
	return spec, nil
}

func newPipelineListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list <project>",
		Short: "List pipeline descriptors of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return withApp(cmd.Context(), rootOpts, func(a *app.App) error {
				ds, err := a.Pipelines().List(cmd.Context(), args[0])
				return out.Result(ds, err, func(w io.Writer) { writeDescriptors(w, ds) })
			})
		},
	}
}

func newPipelineTriggerCommand(rootOpts *RootOptions) *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   "trigger <project> <slug>",
		Short: "Trigger a created pipeline descriptor",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return withApp(cmd.Context(), rootOpts, func(a *app.App) error {
				p := a.Pipelines()
				run, err := p.Trigger(cmd.Context(), args[0], args[1])
				if err == nil && wait {
					run, err = p.AwaitTerminal(cmd.Context(), run, p.Policy())
				}
				return out.Result(run, err, func(w io.Writer) { writeRun(w, run) })
			})
		},
	}

	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the run to reach a terminal status")

	return cmd
}

func newPipelineAwaitCommand(rootOpts *RootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "await <project> <slug>",
		Short: "Wait for the run of a triggered pipeline to finish",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return withApp(cmd.Context(), rootOpts, func(a *app.App) error {
				p := a.Pipelines()
				run, triggered, err := p.Run(cmd.Context(), args[0], args[1])
				if err == nil && !triggered {
					err = NewExitError(ExitCommandError, fmt.Sprintf("pipeline %s was never triggered", args[1]))
				}
				if err != nil {
					return out.Result(nil, err, nil)
				}

				policy := p.Policy()
				if timeout > 0 {
					policy.TotalTimeout = timeout
					policy.MaxAttempts = int(timeout/policy.Interval) + 1
				}
				run, err = p.AwaitTerminal(cmd.Context(), run, policy)
				if err == nil && run.Status != domain.StatusSucceeded {
					err = errors.New("pipeline run " + string(run.Status))
				}
				return out.Result(run, err, func(w io.Writer) { writeRun(w, run) })
			})
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "overall wait budget (default from configuration)")

	return cmd
}
