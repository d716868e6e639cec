package cmd

import (
	"fmt"

	"github.com/hpcloud/tail"
	"github.com/spf13/cobra"
)

func newLogsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the service log file.",
		Long: `Logs reads the structured log file configured under logger.log_file.
--follow keeps the file open and streams new lines as they are written,
surviving rotation.`,
		RunE: runLogs,
	}
	cmd.Flags().BoolP("follow", "f", false, "stream new log lines as they arrive")
	return cmd
}

func runLogs(cmd *cobra.Command, _ []string) error {
	path := appConfig.Logger.LogFile
	if path == "" {
		return fmt.Errorf("logger.log_file is not configured")
	}

	follow, _ := cmd.Flags().GetBool("follow")
	t, err := tail.TailFile(path, tail.Config{
		Follow:    follow,
		ReOpen:    follow,
		MustExist: true,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to tail log file: %w", err)
	}
	defer func() {
		t.Stop()
		t.Cleanup()
	}()

	ctx := cmd.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				return t.Err()
			}
			if line.Err != nil {
				return line.Err
			}
			fmt.Fprintln(cmd.OutOrStdout(), line.Text)
		}
	}
}
