package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jkaninda/ngome/internal/environment"
)

var (
	createNetwork  bool
	createCPU      int
	createMemoryMB int
	createDiskMB   int
)

var createCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new sandbox environment",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreate,
}

var destroyCmd = &cobra.Command{
	Use:   "destroy <name>",
	Short: "Destroy a sandbox environment and everything in it",
	Args:  cobra.ExactArgs(1),
	RunE:  runDestroy,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sandbox environments",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var statusCmd = &cobra.Command{
	Use:   "status <name>",
	Short: "Show environment details and recent test results",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	createCmd.Flags().BoolVar(&createNetwork, "network", false, "allow network access inside the sandbox")
	createCmd.Flags().IntVar(&createCPU, "cpu", 0, "CPU core limit (0 = configured default)")
	createCmd.Flags().IntVar(&createMemoryMB, "memory-mb", 0, "memory limit in MB (0 = configured default)")
	createCmd.Flags().IntVar(&createDiskMB, "disk-mb", 0, "disk limit in MB (0 = configured default)")
}

// withShared loads config, builds the shared components, runs fn, and
// tears everything down.
func withShared(fn func(ctx context.Context, sc *SharedComponents) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, newLogger(slog.LevelWarn))
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	return fn(context.Background(), sc)
}

func runCreate(_ *cobra.Command, args []string) error {
	return withShared(func(ctx context.Context, sc *SharedComponents) error {
		env, err := sc.Manager.Create(ctx, environment.CreateOptions{
			Name:           args[0],
			NetworkEnabled: createNetwork,
			CPULimit:       createCPU,
			MemoryLimitMB:  createMemoryMB,
			DiskLimitMB:    createDiskMB,
		})
		if err != nil {
			return err
		}

		fmt.Printf("Created environment %q\n", env.Name)
		fmt.Printf("  root:    %s\n", env.RootPath)
		fmt.Printf("  network: %v\n", env.NetworkEnabled)
		fmt.Printf("  limits:  %d cores, %d MB memory, %d MB disk\n",
			env.CPULimit, env.MemoryLimitMB, env.DiskLimitMB)
		return nil
	})
}

func runDestroy(_ *cobra.Command, args []string) error {
	return withShared(func(ctx context.Context, sc *SharedComponents) error {
		destroyed, err := sc.Manager.Destroy(ctx, args[0])
		if err != nil {
			return err
		}
		if !destroyed {
			fmt.Printf("Environment %q does not exist\n", args[0])
			return nil
		}
		fmt.Printf("Destroyed environment %q\n", args[0])
		return nil
	})
}

func runList(_ *cobra.Command, _ []string) error {
	return withShared(func(ctx context.Context, sc *SharedComponents) error {
		envs, err := sc.Manager.List(ctx)
		if err != nil {
			return err
		}
		if len(envs) == 0 {
			fmt.Println("No environments. Create one with: ngome create <name>")
			return nil
		}

		fmt.Printf("%-20s %-10s %-8s %s\n", "NAME", "STATUS", "PKGS", "CREATED")
		for _, env := range envs {
			fmt.Printf("%-20s %-10s %-8d %s\n",
				env.Name,
				env.Status,
				len(env.PackagesInstalled),
				env.CreatedAt.Local().Format("2006-01-02 15:04"),
			)
		}
		return nil
	})
}

func runStatus(_ *cobra.Command, args []string) error {
	return withShared(func(ctx context.Context, sc *SharedComponents) error {
		report, err := sc.Manager.GetStatus(ctx, args[0])
		if err != nil {
			return err
		}
		env := report.Environment

		fmt.Printf("Environment: %s\n", env.Name)
		fmt.Printf("  status:   %s\n", env.Status)
		fmt.Printf("  created:  %s\n", env.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		fmt.Printf("  root:     %s\n", env.RootPath)
		fmt.Printf("  network:  %v\n", env.NetworkEnabled)
		fmt.Printf("  limits:   %d cores, %d MB memory, %d MB disk\n",
			env.CPULimit, env.MemoryLimitMB, env.DiskLimitMB)
		fmt.Printf("  disk use: %s\n", formatBytes(report.DiskUsageBytes))
		isolation := "available"
		if !report.IsolationAvailable {
			isolation = "unavailable (commands run direct)"
		}
		fmt.Printf("  isolation: %s\n", isolation)

		if len(env.PackagesInstalled) == 0 {
			fmt.Println("  packages: none")
		} else {
			fmt.Printf("  packages: %s\n", strings.Join(env.PackagesInstalled, ", "))
		}

		if len(report.RecentTests) > 0 {
			fmt.Println("\nRecent tests:")
			for _, rec := range report.RecentTests {
				mark := "PASS"
				if !rec.Passed {
					mark = "FAIL"
				}
				target := rec.TestName
				if rec.PackageName != "" {
					target = fmt.Sprintf("%s (%s)", rec.TestName, rec.PackageName)
				}
				fmt.Printf("  [%s] %-40s %s\n", mark, target, rec.RunAt.Local().Format("2006-01-02 15:04"))
			}
		}
		return nil
	})
}

// formatBytes renders a byte count with a binary unit suffix.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
