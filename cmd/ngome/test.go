package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jkaninda/ngome/internal/tester"
)

var (
	testPackage string
	testQuick   bool
)

var testCmd = &cobra.Command{
	Use:   "test <environment>",
	Short: "Run the automated test battery against an environment",
	Long: `Test runs four checks per tracked package (functional, dependencies,
performance, integrity) plus one environment-wide conflict check, all
inside the sandbox. Results are persisted and shown by "ngome status".`,
	Args: cobra.ExactArgs(1),
	RunE: runTest,
}

func init() {
	testCmd.Flags().StringVarP(&testPackage, "package", "p", "", "test a single package instead of the whole tracked set")
	testCmd.Flags().BoolVar(&testQuick, "quick", false, "functional check only (requires --package)")
}

func runTest(_ *cobra.Command, args []string) error {
	if testQuick && testPackage == "" {
		return fmt.Errorf("--quick requires --package")
	}

	return withShared(func(ctx context.Context, sc *SharedComponents) error {
		var (
			suite *tester.SuiteResult
			err   error
		)
		if testQuick {
			suite, err = sc.Runner.RunQuick(ctx, args[0], testPackage)
		} else {
			suite, err = sc.Runner.RunAll(ctx, args[0], testPackage)
		}
		if err != nil {
			return err
		}

		for _, r := range suite.Results {
			mark := "PASS"
			if !r.Passed {
				mark = "FAIL"
			}
			target := r.TestName
			if r.PackageName != "" {
				target = fmt.Sprintf("%s (%s)", r.TestName, r.PackageName)
			}
			fmt.Printf("[%s] %-45s %s\n", mark, target, r.Message)
		}

		fmt.Printf("\n%d checks: %d passed, %d failed\n", suite.Total, suite.Passed, suite.Failed)
		if !suite.AllPassed() {
			return fmt.Errorf("test battery for %q failed", args[0])
		}
		return nil
	})
}
