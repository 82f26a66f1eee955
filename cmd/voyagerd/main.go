package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	xerrors "ChainVoyager/internal/errors"
	"ChainVoyager/internal/sandbox/runner"
)

// main 是 voyagerd 的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if xerrors.HasCode(err, xerrors.CodeMissingLookupTable) {
			os.Exit(3)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var jsonOutput bool

	newApp := func(ctx context.Context) (*app, error) {
		return newApplication(ctx, configPath)
	}

	cmd := &cobra.Command{
		Use:           "voyagerd",
		Short:         "Explore blockchain protocols with sandboxed, reward-attributed skills",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default $VOYAGER_CONFIG or configs/voyager.yaml)")
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output JSON")

	cmd.AddCommand(newRunCmd(newApp, &jsonOutput))
	cmd.AddCommand(newExecCmd(newApp, &jsonOutput))
	cmd.AddCommand(newSkillsCmd(newApp, &jsonOutput))
	cmd.AddCommand(newLabelCmd(newApp, &jsonOutput))
	cmd.AddCommand(newWatchCmd(newApp))
	cmd.AddCommand(newSandboxRunCmd())
	return cmd
}

// newSandboxRunCmd is the child side of the sandbox. It must not touch
// configuration or logging.
func newSandboxRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:                "sandbox-run",
		Hidden:             true,
		DisableFlagParsing: true,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runner.Main(args))
		},
	}
}

func printResult(cmd *cobra.Command, jsonOutput bool, v any, text string) error {
	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	if text != "" {
		_, err := fmt.Fprintln(out, text)
		return err
	}
	return nil
}
