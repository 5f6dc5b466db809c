package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/trustgate/internal/config"
	"github.com/aristath/trustgate/internal/scheduler"
	"github.com/aristath/trustgate/internal/trust"
)

func newClassifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify KIND",
		Short: "Evaluate the trust policy for an action without running it",
		Example: `  trustgate classify system_command --param command="rm -rf build"
  trustgate classify api_call --param url=https://example.com --allow network`,
		Args: cobra.ExactArgs(1),
		RunE: runClassify,
	}
	cmd.Flags().StringToString("param", nil, "task parameter as key=value (repeatable)")
	cmd.Flags().StringSlice("allow", nil, "sandbox capabilities to grant: ui, network, process, app")
	return cmd
}

func runClassify(cmd *cobra.Command, args []string) error {
	globalPath, projectPath, err := configPaths(cmd)
	if err != nil {
		return err
	}
	cfg, err := config.Load(globalPath, projectPath)
	if err != nil {
		return err
	}

	kind, err := scheduler.ParseKind(args[0])
	if err != nil {
		return err
	}
	params, _ := cmd.Flags().GetStringToString("param")
	if err := scheduler.ValidateParams(kind, params); err != nil {
		return err
	}
	allow, _ := cmd.Flags().GetStringSlice("allow")
	sandbox, err := parseSandbox(allow)
	if err != nil {
		return err
	}

	task := &scheduler.Task{Kind: kind, Params: params, Sandbox: sandbox}
	verdict := trust.NewPolicy(cfg.Policy).Classify(trust.ActionFor(task), sandbox)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(verdict)
}

func parseSandbox(caps []string) (scheduler.Sandbox, error) {
	var s scheduler.Sandbox
	for _, c := range caps {
		switch trust.Capability(strings.ToLower(strings.TrimSpace(c))) {
		case trust.CapUI:
			s.AllowUI = true
		case trust.CapNetwork:
			s.AllowNetwork = true
		case trust.CapProcess:
			s.AllowProcess = true
		case trust.CapApp:
			s.AllowApp = true
		default:
			return s, fmt.Errorf("%w: unknown capability %q", scheduler.ErrValidation, c)
		}
	}
	return s, nil
}
