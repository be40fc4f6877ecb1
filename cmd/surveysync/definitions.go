package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pitabwire/surveysync/internal/definition"
)

func newDefinitionsCommand(rootOpts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "definitions",
		Short: "Work with local survey definition files",
	}
	cmd.AddCommand(newDefinitionsValidateCommand(rootOpts))
	return cmd
}

type validationReport struct {
	Definitions []definitionRow `json:"definitions"`
	Errors      []string        `json:"errors"`
	Valid       bool            `json:"valid"`
}

type definitionRow struct {
	SurveyType string `json:"survey_type"`
	Sections   int    `json:"sections"`
	Questions  int    `json:"questions"`
	Checksum   string `json:"checksum"`
	SourceFile string `json:"source_file"`
}

func newDefinitionsValidateCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [directory...]",
		Short: "Load and validate survey definitions",
		Long: `Load every *.yaml and *.yml file under the given directories (or the configured
definition directories) and check them structurally and referentially.

Exit codes:
  0 - all definitions are valid
  1 - validation failed
  2 - command error`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs := args
			if len(dirs) == 0 {
				cfg, err := rootOpts.loadConfig()
				if err != nil {
					return err
				}
				dirs = cfg.Definitions.Directories
			}
			if len(dirs) == 0 {
				return withExitCode(2, fmt.Errorf("no definition directories given or configured"))
			}

			defs, err := definition.NewLoader().LoadAll(dirs)
			if err != nil {
				return withExitCode(2, err)
			}
			report := validationReport{Errors: []string{}, Valid: true}
			for _, d := range defs {
				report.Definitions = append(report.Definitions, definitionRow{
					SurveyType: d.SurveyType,
					Sections:   len(d.Sections),
					Questions:  len(d.Questions),
					Checksum:   d.Checksum,
					SourceFile: d.SourceFile,
				})
			}
			for _, ve := range definition.NewValidator().Validate(defs) {
				report.Errors = append(report.Errors, ve.Error())
				report.Valid = false
			}

			if err := rootOpts.output(cmd.OutOrStdout(), report, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SURVEY TYPE\tSECTIONS\tQUESTIONS\tSOURCE")
				for _, r := range report.Definitions {
					fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", r.SurveyType, r.Sections, r.Questions, r.SourceFile)
				}
				tw.Flush()
				for _, e := range report.Errors {
					fmt.Fprintf(w, "error: %s\n", e)
				}
				if report.Valid {
					fmt.Fprintf(w, "%d definition(s) valid\n", len(report.Definitions))
				}
			}); err != nil {
				return err
			}
			if !report.Valid {
				return withExitCode(1, fmt.Errorf("%d validation error(s)", len(report.Errors)))
			}
			return nil
		},
	}
}
