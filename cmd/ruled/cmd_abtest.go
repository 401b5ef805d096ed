package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"rulecore/internal/service"
	"rulecore/internal/store"
)

// abtestCmd groups the A/B testing operations
var abtestCmd = &cobra.Command{
	Use:   "abtest",
	Short: "A/B test lifecycle, assignment, and metrics",
}

var abtestCreateCmd = &cobra.Command{
	Use:   "create [test-id] [rule-id]",
	Short: "Create a draft A/B test on a rule",
	Long: `Creates a draft test comparing two versions of a rule.

Example:
  ruled abtest create checkout-exp r1 --variant-a 3 --variant-b 4 --split 0.5 --min-sample 500`,
	Args: cobra.ExactArgs(2),
	RunE: runABCreate,
}

var abtestStartCmd = &cobra.Command{
	Use:   "start [test-id]",
	Short: "Start a draft test",
	Args:  cobra.ExactArgs(1),
	RunE:  runABStart,
}

var abtestStopCmd = &cobra.Command{
	Use:   "stop [test-id]",
	Short: "Complete a test, optionally declaring a winner",
	Args:  cobra.ExactArgs(1),
	RunE:  runABStop,
}

var abtestAssignCmd = &cobra.Command{
	Use:   "assign [test-id] [assignment-key]",
	Short: "Resolve the stable variant for a key",
	Args:  cobra.ExactArgs(2),
	RunE:  runABAssign,
}

var abtestMetricsCmd = &cobra.Command{
	Use:   "metrics [test-id]",
	Short: "Show per-variant counters and statistical significance",
	Args:  cobra.ExactArgs(1),
	RunE:  runABMetrics,
}

var (
	variantA   string
	variantB   string
	splitA     float64
	minSample  int
	confidence float64
	winner     string
)

func init() {
	abtestCreateCmd.Flags().StringVar(&variantA, "variant-a", "", "Control version (required)")
	abtestCreateCmd.Flags().StringVar(&variantB, "variant-b", "", "Treatment version (required)")
	abtestCreateCmd.Flags().Float64Var(&splitA, "split", 0.5, "Traffic fraction routed to variant A")
	abtestCreateCmd.Flags().IntVar(&minSample, "min-sample", 100, "Minimum assignments per variant")
	abtestCreateCmd.Flags().Float64Var(&confidence, "confidence", 0.95, "Confidence level for significance")
	abtestCreateCmd.MarkFlagRequired("variant-a")
	abtestCreateCmd.MarkFlagRequired("variant-b")

	abtestStopCmd.Flags().StringVar(&winner, "winner", "", "Winning variant (A or B)")

	abtestCmd.AddCommand(abtestCreateCmd)
	abtestCmd.AddCommand(abtestStartCmd)
	abtestCmd.AddCommand(abtestStopCmd)
	abtestCmd.AddCommand(abtestAssignCmd)
	abtestCmd.AddCommand(abtestMetricsCmd)
}

func runABCreate(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, svc *service.Service) error {
		err := svc.CreateTest(ctx, store.ABTest{
			TestID:          args[0],
			RuleID:          args[1],
			VariantA:        variantA,
			VariantB:        variantB,
			SplitA:          splitA,
			SplitB:          1 - splitA,
			MinSampleSize:   minSample,
			ConfidenceLevel: confidence,
		})
		if err != nil {
			return err
		}
		fmt.Printf("created draft test %s on rule %s\n", args[0], args[1])
		return nil
	})
}

func runABStart(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, svc *service.Service) error {
		if err := svc.StartTest(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("test %s running\n", args[0])
		return nil
	})
}

func runABStop(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, svc *service.Service) error {
		if err := svc.StopTest(ctx, args[0], winner); err != nil {
			return err
		}
		fmt.Printf("test %s completed\n", args[0])
		return nil
	})
}

func runABAssign(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, svc *service.Service) error {
		variant, err := svc.Assign(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Println(variant)
		return nil
	})
}

func runABMetrics(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, svc *service.Service) error {
		m, err := svc.TestMetrics(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(m)
	})
}
