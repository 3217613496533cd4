package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vilaca/mlsync/internal/app"
	"github.com/vilaca/mlsync/internal/domain"
)

// NewMergeRequestCommand creates the mr command group.
func NewMergeRequestCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "mr",
		Aliases: []string{"merge-request"},
		Short:   "Act on merge requests",
	}

	cmd.AddCommand(newMergeRequestShowCommand(rootOpts))
	cmd.AddCommand(newMergeRequestDivergenceCommand(rootOpts))
	cmd.AddCommand(newMergeRequestAcceptCommand(rootOpts))
	cmd.AddCommand(newMergeRequestStateCommand(rootOpts, "close", "Close an opened merge request"))
	cmd.AddCommand(newMergeRequestStateCommand(rootOpts, "reopen", "Reopen a closed merge request"))
	cmd.AddCommand(newMergeRequestEditCommand(rootOpts))

	return cmd
}

// parseMergeRequestKey reads "<project> <iid>" positional arguments.
func parseMergeRequestKey(args []string) (domain.MergeRequestKey, error) {
	iid, err := strconv.Atoi(args[1])
	if err != nil || iid <= 0 {
		return domain.MergeRequestKey{}, NewExitError(ExitCommandError, fmt.Sprintf("invalid merge request iid %q", args[1]))
	}
	return domain.MergeRequestKey{ProjectID: args[0], IID: iid}, nil
}

func newMergeRequestShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <project> <iid>",
		Short: "Fetch a merge request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseMergeRequestKey(args)
			if err != nil {
				return err
			}
			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return withApp(cmd.Context(), rootOpts, func(a *app.App) error {
				mr, err := a.MergeRequests().Refresh(cmd.Context(), key)
				return out.Result(mr, err, func(w io.Writer) { writeMergeRequest(w, mr) })
			})
		},
	}
}

func newMergeRequestDivergenceCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "divergence <project> <iid>",
		Short: "Show how the source branch diverges from the target",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseMergeRequestKey(args)
			if err != nil {
				return err
			}
			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return withApp(cmd.Context(), rootOpts, func(a *app.App) error {
				d, err := a.MergeRequests().Divergence(cmd.Context(), key)
				return out.Result(d, err, func(w io.Writer) { writeDivergence(w, d) })
			})
		},
	}
}

func newMergeRequestAcceptCommand(rootOpts *RootOptions) *cobra.Command {
	var opts domain.AcceptOptions

	cmd := &cobra.Command{
		Use:   "accept <project> <iid>",
		Short: "Merge an opened merge request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseMergeRequestKey(args)
			if err != nil {
				return err
			}
			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return withApp(cmd.Context(), rootOpts, func(a *app.App) error {
				res, err := a.MergeRequests().Accept(cmd.Context(), key, opts)
				return out.Result(res, err, func(w io.Writer) {
					writeMergeRequest(w, res.MergeRequest)
					fmt.Fprintf(w, "merged %d commit(s), squashed=%t, source branch deleted=%t\n",
						res.MergedCommitCount, res.Squashed, res.SourceBranchDeleted)
				})
			})
		},
	}

	cmd.Flags().BoolVar(&opts.Squash, "squash", false, "squash commits into one")
	cmd.Flags().BoolVar(&opts.RemoveSourceBranch, "remove-source-branch", false, "delete the source branch after merging")

	return cmd
}

func newMergeRequestStateCommand(rootOpts *RootOptions, verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <project> <iid>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseMergeRequestKey(args)
			if err != nil {
				return err
			}
			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return withApp(cmd.Context(), rootOpts, func(a *app.App) error {
				var mr domain.MergeRequest
				var err error
				if verb == "close" {
					mr, err = a.MergeRequests().Close(cmd.Context(), key)
				} else {
					mr, err = a.MergeRequests().Reopen(cmd.Context(), key)
				}
				return out.Result(mr, err, func(w io.Writer) { writeMergeRequest(w, mr) })
			})
		},
	}
}

func newMergeRequestEditCommand(rootOpts *RootOptions) *cobra.Command {
	var title, description string

	cmd := &cobra.Command{
		Use:   "edit <project> <iid>",
		Short: "Change the title or description of an opened merge request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseMergeRequestKey(args)
			if err != nil {
				return err
			}

			var fields domain.MergeRequestFields
			if cmd.Flags().Changed("title") {
				fields.Title = &title
			}
			if cmd.Flags().Changed("description") {
				fields.Description = &description
			}
			if fields.IsEmpty() {
				return NewExitError(ExitCommandError, "nothing to edit: pass --title or --description")
			}

			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return withApp(cmd.Context(), rootOpts, func(a *app.App) error {
				mr, err := a.MergeRequests().Edit(cmd.Context(), key, fields)
				return out.Result(mr, err, func(w io.Writer) { writeMergeRequest(w, mr) })
			})
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&description, "description", "", "new description")

	return cmd
}
