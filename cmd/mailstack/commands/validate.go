package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/mailstack/pkg/config"
	"github.com/openfroyo/mailstack/pkg/policy"
)

// validateReport is the --json output of validate.
type validateReport struct {
	Valid       bool                    `json:"valid"`
	Environment string                  `json:"environment,omitempty"`
	Files       []string                `json:"files,omitempty"`
	Nodes       int                     `json:"nodes"`
	Errors      config.ValidationErrors `json:"errors,omitempty"`
	Policy      *policy.Result          `json:"policy,omitempty"`
}

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate the deployment",
		Long: `Validate a deployment without connecting to the server.

This command checks:
  - CUE syntax and schema conformance
  - Field constraints and rules that span sections
  - The variables script
  - The operation graph against built-in and configured policies`,
		Example: `  # Validate mailstack.cue in the current directory
  mailstack validate

  # Validate a deployment directory
  mailstack validate ./deploy`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path := configPath
			if len(args) > 0 {
				path = args[0]
			}

			report := validateReport{}
			d, err := loadDeployment(ctx, path)
			if err != nil {
				var verrs config.ValidationErrors
				if !errors.As(err, &verrs) {
					return err
				}
				report.Errors = verrs
				return printValidation(report)
			}
			report.Environment = d.cfg.Environment
			report.Files = d.cfg.SourceFiles

			sg, err := d.build(ctx)
			if err != nil {
				return err
			}
			report.Nodes = sg.Len()

			result, err := d.checkPolicies(ctx, sg)
			if err != nil {
				return fmt.Errorf("failed to evaluate policies: %w", err)
			}
			report.Policy = result
			report.Valid = result.Allowed

			return printValidation(report)
		},
	}

	return cmd
}

func printValidation(report validateReport) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return fmt.Errorf("failed to encode report: %w", err)
		}
	} else {
		for _, e := range report.Errors {
			fmt.Println(e.String())
		}
		if report.Policy != nil {
			for _, v := range report.Policy.Violations {
				fmt.Println(v.String())
			}
			for _, w := range report.Policy.Warnings {
				fmt.Println(w.String())
			}
		}
		if report.Valid {
			fmt.Printf("%s: valid, %d nodes\n", report.Environment, report.Nodes)
		}
	}

	if !report.Valid {
		log.Debug().Int("errors", len(report.Errors)).Msg("Validation failed")
		return fmt.Errorf("deployment is invalid")
	}
	return nil
}
