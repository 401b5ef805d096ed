package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"rulecore/internal/rules"
	"rulecore/internal/service"
)

// versionsCmd groups the rule version history operations
var versionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "Rule version history, rollback, and comparison",
}

var versionsListCmd = &cobra.Command{
	Use:   "list [rule-id]",
	Short: "List every version of a rule, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runVersionsList,
}

var versionsGetCmd = &cobra.Command{
	Use:   "get [rule-id] [version]",
	Short: "Show one version snapshot",
	Args:  cobra.ExactArgs(2),
	RunE:  runVersionsGet,
}

var versionsCommitCmd = &cobra.Command{
	Use:   "commit [rule-json]",
	Short: "Commit a rule change as a new version",
	Long: `Appends a version row for the rule, persists it, and installs it
into the live registry.

Example:
  ruled versions commit '{"id":"r1","attribute":"issue","condition":"greater_than","constant":30,"rule_point":20,"weight":30,"action_result":"Y"}' --reason "raise threshold" --author ops`,
	Args: cobra.ExactArgs(1),
	RunE: runVersionsCommit,
}

var versionsRollbackCmd = &cobra.Command{
	Use:   "rollback [rule-id] [version]",
	Short: "Restore an older version as the new current one",
	Args:  cobra.ExactArgs(2),
	RunE:  runVersionsRollback,
}

var versionsCompareCmd = &cobra.Command{
	Use:   "compare [rule-id] [version-a] [version-b]",
	Short: "Diff two versions field by field",
	Args:  cobra.ExactArgs(3),
	RunE:  runVersionsCompare,
}

var (
	changeReason string
	changeAuthor string
)

func init() {
	versionsCommitCmd.Flags().StringVar(&changeReason, "reason", "", "Change reason (required)")
	versionsCommitCmd.Flags().StringVar(&changeAuthor, "author", "", "Author (required)")
	versionsCommitCmd.MarkFlagRequired("reason")
	versionsCommitCmd.MarkFlagRequired("author")
	versionsRollbackCmd.Flags().StringVar(&changeReason, "reason", "", "Rollback reason")

	versionsCmd.AddCommand(versionsListCmd)
	versionsCmd.AddCommand(versionsGetCmd)
	versionsCmd.AddCommand(versionsCommitCmd)
	versionsCmd.AddCommand(versionsRollbackCmd)
	versionsCmd.AddCommand(versionsCompareCmd)
}

func withService(fn func(ctx context.Context, svc *service.Service) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	svc, err := buildService(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(ctx, svc)
}

func parseVersion(s string) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("version must be a positive integer, got %q", s)
	}
	return v, nil
}

func runVersionsList(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, svc *service.Service) error {
		list, err := svc.ListVersions(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(list)
	})
}

func runVersionsGet(cmd *cobra.Command, args []string) error {
	v, err := parseVersion(args[1])
	if err != nil {
		return err
	}
	return withService(func(ctx context.Context, svc *service.Service) error {
		row, err := svc.GetVersion(ctx, args[0], v)
		if err != nil {
			return err
		}
		return printJSON(row)
	})
}

func runVersionsCommit(cmd *cobra.Command, args []string) error {
	var rule rules.Rule
	if err := json.Unmarshal([]byte(args[0]), &rule); err != nil {
		return fmt.Errorf("rule must be a JSON object: %w", err)
	}
	return withService(func(ctx context.Context, svc *service.Service) error {
		row, err := svc.CommitVersion(ctx, rule, changeReason, changeAuthor)
		if err != nil {
			return err
		}
		return printJSON(row)
	})
}

func runVersionsRollback(cmd *cobra.Command, args []string) error {
	v, err := parseVersion(args[1])
	if err != nil {
		return err
	}
	return withService(func(ctx context.Context, svc *service.Service) error {
		row, err := svc.Rollback(ctx, args[0], v, changeReason)
		if err != nil {
			return err
		}
		return printJSON(row)
	})
}

func runVersionsCompare(cmd *cobra.Command, args []string) error {
	a, err := parseVersion(args[1])
	if err != nil {
		return err
	}
	b, err := parseVersion(args[2])
	if err != nil {
		return err
	}
	return withService(func(ctx context.Context, svc *service.Service) error {
		diff, err := svc.CompareVersions(ctx, args[0], a, b)
		if err != nil {
			return err
		}
		return printJSON(diff)
	})
}
