package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jkaninda/ngome/internal/executor"
)

var (
	installDryRun bool
	removeDryRun  bool
	promoteDryRun bool
)

var installCmd = &cobra.Command{
	Use:   "install <environment> <package>",
	Short: "Install a package inside the sandbox",
	Args:  cobra.ExactArgs(2),
	RunE:  runInstall,
}

var removeCmd = &cobra.Command{
	Use:   "remove <environment> <package>",
	Short: "Remove a package from the sandbox",
	Args:  cobra.ExactArgs(2),
	RunE:  runRemove,
}

var promoteCmd = &cobra.Command{
	Use:   "promote <environment>",
	Short: "Replay the sandbox's tracked installs on the host system",
	Long: `Promote installs every package tracked by the environment on the
host system, elevated and outside any sandbox. Run with --dry-run first
to see what would happen.`,
	Args: cobra.ExactArgs(1),
	RunE: runPromote,
}

func init() {
	installCmd.Flags().BoolVar(&installDryRun, "dry-run", false, "show the command without executing it")
	removeCmd.Flags().BoolVar(&removeDryRun, "dry-run", false, "show the command without executing it")
	promoteCmd.Flags().BoolVar(&promoteDryRun, "dry-run", false, "show what would be installed without touching the host")
}

func runInstall(_ *cobra.Command, args []string) error {
	return withShared(func(ctx context.Context, sc *SharedComponents) error {
		res, err := sc.Manager.InstallPackage(ctx, args[0], args[1], installDryRun)
		if err != nil {
			return err
		}
		printExecution(res, installDryRun)
		if !installDryRun && res.Success() {
			fmt.Printf("Installed %q in environment %q\n", args[1], args[0])
		}
		return exitOnFailure(res, installDryRun)
	})
}

func runRemove(_ *cobra.Command, args []string) error {
	return withShared(func(ctx context.Context, sc *SharedComponents) error {
		res, err := sc.Manager.RemovePackage(ctx, args[0], args[1], removeDryRun)
		if err != nil {
			return err
		}
		printExecution(res, removeDryRun)
		if !removeDryRun && res.Success() {
			fmt.Printf("Removed %q from environment %q\n", args[1], args[0])
		}
		return exitOnFailure(res, removeDryRun)
	})
}

func runPromote(_ *cobra.Command, args []string) error {
	return withShared(func(ctx context.Context, sc *SharedComponents) error {
		result, err := sc.Manager.PromoteToSystem(ctx, args[0], promoteDryRun)
		if err != nil {
			return err
		}

		fmt.Println(result.Message)
		if len(result.Promoted) > 0 && !result.DryRun {
			fmt.Printf("Promoted: %s\n", strings.Join(result.Promoted, ", "))
		}
		for _, e := range result.Errors {
			fmt.Printf("  error: %s\n", e)
		}
		if !result.Success {
			return fmt.Errorf("promotion of %q did not complete", args[0])
		}
		return nil
	})
}

// printExecution shows the command outcome on stdout.
func printExecution(res *executor.ExecutionResult, dryRun bool) {
	if dryRun {
		fmt.Println(res.Preview)
		return
	}
	if out := strings.TrimSpace(res.Stdout); out != "" {
		fmt.Println(out)
	}
	if errOut := strings.TrimSpace(res.Stderr); errOut != "" {
		fmt.Println(errOut)
	}
}

// exitOnFailure converts a failed execution into a command error.
func exitOnFailure(res *executor.ExecutionResult, dryRun bool) error {
	if dryRun || res.Success() {
		return nil
	}
	return fmt.Errorf("command exited with code %d", res.ExitCode)
}
