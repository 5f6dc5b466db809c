// Command trustgate runs the trust-gated job orchestrator.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "trustgate",
		Short:         "Trust-gated autonomous job orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "project config file (default .trustgate/config.json)")
	root.PersistentFlags().String("log-level", "info", "log level: debug, info, warn or error")

	root.AddCommand(newServeCmd(), newClassifyCmd(), newConfigCmd())
	return root
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid --log-level %q: %w", s, err)
	}
	return level, nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// configPaths resolves the global and project config locations. An explicit
// --config replaces the project path.
func configPaths(cmd *cobra.Command) (string, string, error) {
	global, err := configGlobalPath()
	if err != nil {
		return "", "", err
	}
	project, err := cmd.Flags().GetString("config")
	if err != nil {
		return "", "", err
	}
	if project == "" {
		project = configProjectPath()
	}
	return global, project, nil
}
