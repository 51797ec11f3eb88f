// Ngome — sandboxed package installation and testing.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"

	"github.com/jkaninda/ngome/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "ngome",
	Short: "Ngome — try packages in an isolated sandbox before touching your system.",
	Long: `Ngome creates isolated sandbox environments where packages are installed,
exercised by an automated test battery, and either promoted to the host
system or thrown away. Nothing reaches the host until you promote it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file")
	rootCmd.AddCommand(
		createCmd, destroyCmd, listCmd, statusCmd,
		installCmd, removeCmd, promoteCmd,
		testCmd,
		serveCmd,
		versionCmd,
	)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
