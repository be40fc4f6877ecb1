package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/surveysync/internal/offline"
	"github.com/pitabwire/surveysync/internal/remote"
	"github.com/pitabwire/surveysync/model"
)

// withApp loads configuration, wires the app and runs fn. Metrics go to a
// private registry since one-shot commands are never scraped.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return withExitCode(1, err)
	}
	defer logger.Sync()

	a, err := newApp(ctx, cfg, logger, prometheus.NewRegistry())
	if err != nil {
		return withExitCode(1, err)
	}
	defer a.Close()
	return fn(ctx, a)
}

func newReplayCommand(rootOpts *rootOptions) *cobra.Command {
	var batch bool
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay the offline write queue once",
		Long: `Send every queued write to the survey service in order. Writes that fail
stay queued. Exits 3 when entries remain.

With --batch, queued drafts go out in a single batch save and completed
submissions are replayed one by one.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				if !a.checkConnectivity(ctx) {
					return withExitCode(3, model.NewConnectivityError())
				}
				var report offline.Report
				var err error
				if batch {
					report, err = a.queue.ReplayBatch(ctx, a.client)
				} else {
					report, err = a.queue.ReplayAll(ctx, a.client)
				}
				if err != nil {
					return withExitCode(1, err)
				}
				if err := rootOpts.output(cmd.OutOrStdout(), report, func(w io.Writer) {
					fmt.Fprintf(w, "processed: %d\nfailed:    %d\nremaining: %d\n",
						report.Processed, report.Failed, report.Remaining)
				}); err != nil {
					return err
				}
				if report.Remaining > 0 {
					return withExitCode(3, nil)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&batch, "batch", false, "send queued drafts in one batch save")
	return cmd
}

func newStatusCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <client-id> <survey-type>",
		Short: "Show the completion status of a survey",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				rec, err := a.client.Status(ctx, args[0], args[1])
				if err != nil {
					return withExitCode(1, err)
				}
				pending, err := a.queue.Pending(ctx)
				if err != nil {
					return withExitCode(1, err)
				}
				queued := 0
				for _, w := range pending {
					if w.QueueKey() == model.QueueKey(args[0], args[1]) {
						queued++
					}
				}
				out := struct {
					model.StatusRecord
					QueuedWrites int `json:"queued_writes"`
				}{rec, queued}
				return rootOpts.output(cmd.OutOrStdout(), out, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintf(tw, "client:\t%s\n", rec.ClientID)
					fmt.Fprintf(tw, "survey type:\t%s\n", rec.SurveyType)
					fmt.Fprintf(tw, "completed:\t%t\n", rec.Completed)
					if rec.CompletedAt != nil {
						fmt.Fprintf(tw, "completed at:\t%s\n", rec.CompletedAt.Format("2006-01-02 15:04:05 MST"))
					}
					if rec.Progress != nil {
						fmt.Fprintf(tw, "progress:\t%d/%d (%d%%)\n", rec.Progress.Answered, rec.Progress.Total, rec.Progress.Percentage)
					}
					fmt.Fprintf(tw, "version:\t%d\n", rec.Version)
					fmt.Fprintf(tw, "queued writes:\t%d\n", queued)
					tw.Flush()
				})
			})
		},
	}
}

type exportOptions struct {
	Format string
	Output string
}

func newExportCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &exportOptions{}
	cmd := &cobra.Command{
		Use:   "export <client-id> <survey-type>",
		Short: "Download a response export",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				exp, err := a.client.Export(ctx, args[0], args[1], opts.Format)
				if err != nil {
					return withExitCode(1, err)
				}
				if opts.Output == "" || opts.Output == "-" {
					_, err = cmd.OutOrStdout().Write(exp.Data)
					return err
				}
				if err := os.WriteFile(opts.Output, exp.Data, 0o644); err != nil {
					return withExitCode(1, fmt.Errorf("writing export: %w", err))
				}
				a.logger.Info("export written",
					zap.String("path", opts.Output),
					zap.String("content_type", exp.ContentType),
					zap.Int("bytes", len(exp.Data)),
				)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Format, "export-format", "pdf", "export format requested from the service")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file (stdout when empty)")
	return cmd
}

type uploadOptions struct {
	QuestionID  string
	ContentType string
}

// uploadFile sends path as the answer to a file question.
func uploadFile(ctx context.Context, a *app, clientID, surveyType string, opts uploadOptions, path string) (model.FileRef, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.FileRef{}, fmt.Errorf("opening upload: %w", err)
	}
	defer f.Close()
	return a.client.Upload(ctx, remote.Upload{
		ClientID:    clientID,
		SurveyType:  surveyType,
		QuestionID:  opts.QuestionID,
		Filename:    filepath.Base(path),
		ContentType: opts.ContentType,
		Content:     f,
	})
}
