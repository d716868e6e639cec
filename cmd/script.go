package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tbleier/capgate/internal/observability"
	"github.com/tbleier/capgate/internal/report"
	"github.com/tbleier/capgate/internal/scriptenv"
	"github.com/tbleier/capgate/internal/widget"
)

func newScriptCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "script",
		Short: "Emit the canonical browser activation script.",
		Long: `Script prints the activation script with the configured widget contract
baked in, ready to serve as a static asset. --check lints the script
instead of printing it.`,
		RunE: runScript,
	}
	cmd.Flags().Bool("check", false, "lint the script instead of printing it")
	cmd.Flags().StringP("output", "o", "", "output path (default stdout)")
	return cmd
}

func runScript(cmd *cobra.Command, _ []string) error {
	logger := observability.GetLogger()

	src, err := widget.ScriptWithOptions(widget.OptionsFromConfig(appConfig.Widget))
	if err != nil {
		return err
	}

	if check, _ := cmd.Flags().GetBool("check"); check {
		result, err := scriptenv.LintScript(cmd.Context(), []byte(src), logger)
		if err != nil {
			return err
		}
		if !result.Ok() {
			for _, e := range result.SyntaxErrors {
				logger.Error("Script syntax error.", zap.String("error", e))
			}
			return result.Err()
		}
		fmt.Fprintln(cmd.OutOrStdout(), "script ok")
		return nil
	}

	output, _ := cmd.Flags().GetString("output")
	w, err := report.Open(output)
	if err != nil {
		return err
	}
	defer w.Close()
	_, err = io.WriteString(w, src)
	return err
}
