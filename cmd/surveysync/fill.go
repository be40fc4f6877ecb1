package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pitabwire/surveysync/internal/survey"
	"github.com/pitabwire/surveysync/model"
)

type fillOptions struct {
	AnswersFile  string
	Files        map[string]string
	FileType     string
	Submit       bool
	DiscardDraft bool
}

// fillResult is the outcome printed by the fill command.
type fillResult struct {
	State    model.SurveyState  `json:"state"`
	Progress model.Progress     `json:"progress"`
	Version  int                `json:"version"`
	Errors   []model.FieldError `json:"errors,omitempty"`
	Skipped  []string           `json:"skipped,omitempty"`
}

func newFillCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &fillOptions{}
	cmd := &cobra.Command{
		Use:   "fill <client-id> <survey-type>",
		Short: "Answer a survey from a file, then submit or save and exit",
		Long: `Open the survey for a client, apply the answers in a YAML or JSON file keyed by
question id, and either submit or save and exit.

Exit codes:
  0 - submitted or saved
  1 - command error
  2 - configuration error
  3 - the write was queued offline and will sync later
  4 - validation failed`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			answers, err := readAnswers(opts.AnswersFile)
			if err != nil {
				return withExitCode(2, err)
			}
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				return runFill(ctx, cmd.OutOrStdout(), rootOpts, opts, a, args[0], args[1], answers)
			})
		},
	}
	cmd.Flags().StringVarP(&opts.AnswersFile, "answers", "a", "", "YAML or JSON file of question id to answer")
	cmd.Flags().StringToStringVar(&opts.Files, "file", nil, "upload a file answer as question_id=path (repeatable)")
	cmd.Flags().StringVar(&opts.FileType, "file-type", "", "content type of uploaded files")
	cmd.Flags().BoolVar(&opts.Submit, "submit", true, "submit the survey; when false, save and exit")
	cmd.Flags().BoolVar(&opts.DiscardDraft, "discard-draft", false, "discard a pending local draft instead of resuming it")
	return cmd
}

func readAnswers(path string) (map[string]any, error) {
	if path == "" {
		return map[string]any{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading answers: %w", err)
	}
	answers := map[string]any{}
	if err := yaml.Unmarshal(data, &answers); err != nil {
		return nil, fmt.Errorf("parsing answers %s: %w", path, err)
	}
	return answers, nil
}

func runFill(ctx context.Context, out io.Writer, rootOpts *rootOptions, opts *fillOptions, a *app, clientID, surveyType string, answers map[string]any) error {
	a.checkConnectivity(ctx)

	engine := a.newEngine()
	defer engine.Close()

	if err := engine.Open(ctx, surveyType, clientID); err != nil {
		return withExitCode(1, err)
	}
	if engine.State().DraftAvailable {
		var err error
		if opts.DiscardDraft {
			err = engine.DiscardDraft(ctx)
		} else {
			err = engine.ResumeDraft()
		}
		if err != nil {
			return withExitCode(1, err)
		}
	}

	result := fillResult{}
	if engine.State().ViewMode == model.ViewCompleted {
		a.logger.Info("survey already completed",
			zap.String("client_id", clientID),
			zap.String("survey_type", surveyType),
		)
		return printFill(out, rootOpts, engine, result)
	}

	def := engine.Definition()
	for _, q := range def.Questions {
		v, ok := answers[q.ID]
		if !ok {
			continue
		}
		if err := engine.SetResponse(ctx, q.ID, v); err != nil {
			return withExitCode(1, fmt.Errorf("answer %s: %w", q.ID, err))
		}
		delete(answers, q.ID)
	}
	for id := range answers {
		result.Skipped = append(result.Skipped, id)
	}
	sort.Strings(result.Skipped)

	for id, path := range opts.Files {
		ref, err := uploadFile(ctx, a, clientID, surveyType, uploadOptions{QuestionID: id, ContentType: opts.FileType}, path)
		if err != nil {
			return withExitCode(1, fmt.Errorf("upload %s: %w", id, err))
		}
		if err := engine.SetResponse(ctx, id, ref.Value()); err != nil {
			return withExitCode(1, fmt.Errorf("answer %s: %w", id, err))
		}
	}

	var err error
	if opts.Submit {
		err = engine.Submit(ctx)
	} else {
		err = engine.SaveAndExit(ctx)
	}

	var env *model.ErrorEnvelope
	switch {
	case err == nil:
		return printFill(out, rootOpts, engine, result)
	case model.IsCode(err, model.ErrQueuedOffline):
		if perr := printFill(out, rootOpts, engine, result); perr != nil {
			return perr
		}
		return withExitCode(3, errors.New(survey.OfflineSubmitNotice))
	case model.IsCode(err, model.ErrValidationError) && errors.As(err, &env):
		result.Errors = env.Details
		if perr := printFill(out, rootOpts, engine, result); perr != nil {
			return perr
		}
		return withExitCode(4, err)
	default:
		return withExitCode(1, err)
	}
}

func printFill(out io.Writer, rootOpts *rootOptions, engine *survey.Engine, result fillResult) error {
	result.State = engine.State()
	result.Progress = engine.Progress()
	result.Version = engine.Version()
	return rootOpts.output(out, result, func(w io.Writer) {
		fmt.Fprintf(w, "survey:   %s (%s)\n", result.State.SurveyType, result.State.ClientID)
		fmt.Fprintf(w, "mode:     %s\n", result.State.ViewMode)
		fmt.Fprintf(w, "progress: %d/%d (%d%%)\n", result.Progress.Answered, result.Progress.Total, result.Progress.Percentage)
		fmt.Fprintf(w, "version:  %d\n", result.Version)
		if result.State.Notice != "" {
			fmt.Fprintf(w, "notice:   %s\n", result.State.Notice)
		}
		for _, fe := range result.Errors {
			fmt.Fprintf(w, "  %s: %s\n", fe.Field, fe.Message)
		}
		for _, id := range result.Skipped {
			fmt.Fprintf(w, "skipped unknown question %q\n", id)
		}
	})
}
