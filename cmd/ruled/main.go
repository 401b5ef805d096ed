package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"rulecore/internal/config"
	"rulecore/internal/logging"
	"rulecore/internal/rules"
	"rulecore/internal/service"
	"rulecore/internal/store"
)

var (
	// Global flags
	verbose    bool
	configPath string
	workspace  string
	timeout    time.Duration

	// Logger
	logger *zap.Logger
	cfg    config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "ruled",
	Short: "ruled - rule evaluation core",
	Long: `ruled hosts the rule evaluation core: a hot-reloading registry of
compiled business rules, a weighted scoring pipeline with pattern-based
action recommendations, a DMN decision-table engine with dependency
scheduling, rule versioning with rollback, and hash-based A/B testing.

Run "ruled serve" to start the long-running service, or use the one-shot
commands (eval, batch, dmn, status) against a configured backend.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize logger
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = loadConfig()
		if err != nil {
			return err
		}
		return logging.Initialize(cfg.Workspace, cfg.Logging)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Close()
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// serveCmd runs the long-lived service with the reload monitor active
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the rule service with hot-reload monitoring",
	Long: `Starts the service: loads the registry from the configured backend,
launches the background reload monitor, and streams registry change
events to the log until interrupted.`,
	RunE: runServe,
}

// evalCmd evaluates one record
var evalCmd = &cobra.Command{
	Use:   "eval [json-record]",
	Short: "Evaluate a single data record against the ruleset",
	Long: `Runs one record through the scoring pipeline and prints the result.

Example:
  ruled eval '{"issue": 35, "title": "Superman"}'
  ruled eval --dry-run '{"issue": 35}'`,
	Args: cobra.ExactArgs(1),
	RunE: runEval,
}

// batchCmd evaluates a file of records
var batchCmd = &cobra.Command{
	Use:   "batch [records.json]",
	Short: "Evaluate a JSON array of records on the worker pool",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatch,
}

// dmnCmd executes a DMN decision document
var dmnCmd = &cobra.Command{
	Use:   "dmn [file.dmn] [json-record]",
	Short: "Execute a DMN decision document against a record",
	Long: `Parses the DMN XML, schedules its decisions in dependency order,
and executes them against the record. Outputs of upstream decisions
enrich the data visible to downstream ones.`,
	Args: cobra.ExactArgs(2),
	RunE: runDMN,
}

// reloadCmd forces a registry reload
var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload the registry from the backing store",
	RunE:  runReload,
}

// validateCmd checks the backing store without installing anything
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configured rules without installing them",
	RunE:  runValidate,
}

// statusCmd shows registry health
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show registry status",
	RunE:  runStatus,
}

var (
	dryRun        bool
	rulesetID     string
	correlationID string
	maxWorkers    int
)

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "Operation timeout")

	evalCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report per-rule match diagnostics without side effects")
	evalCmd.Flags().StringVar(&rulesetID, "ruleset", "", "Ruleset ID (default ruleset when empty)")
	evalCmd.Flags().StringVar(&correlationID, "correlation-id", "", "Correlation ID (generated when empty)")

	batchCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report diagnostics without side effects")
	batchCmd.Flags().StringVar(&rulesetID, "ruleset", "", "Ruleset ID (default ruleset when empty)")
	batchCmd.Flags().IntVar(&maxWorkers, "workers", 0, "Worker pool size (0 = CPU count)")

	dmnCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Skip execution-log emission")

	// Add commands to root
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(evalCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(dmnCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionsCmd)
	rootCmd.AddCommand(abtestCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	var (
		c   config.Config
		err error
	)
	if configPath != "" {
		c, err = config.Load(configPath)
		if err != nil {
			return config.Config{}, err
		}
	} else {
		c = config.Default()
	}
	if workspace != "" {
		c.Workspace = workspace
	}
	if verbose {
		c.Logging.DebugMode = true
	}
	return c, nil
}

func buildRepository() (store.Repository, error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return store.NewMemoryRepository(), nil
	case config.BackendDatabase:
		return store.NewSQLRepository(cfg.Storage.DatabasePath)
	case config.BackendFile:
		return store.NewFileRepository(cfg.RulesConfigPath, cfg.ConditionsConfigPath)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// buildService assembles a service and installs the first registry
// generation. The caller owns svc.Close.
func buildService(ctx context.Context) (*service.Service, error) {
	repo, err := buildRepository()
	if err != nil {
		return nil, err
	}
	svc := service.New(cfg, repo, nil)
	if err := svc.Reload(ctx); err != nil {
		return nil, err
	}
	return svc, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo, err := buildRepository()
	if err != nil {
		return err
	}
	svc := service.New(cfg, repo, nil)
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Close()

	sub := svc.Subscribe()
	defer sub.Cancel()
	go func() {
		for ev := range sub.C() {
			logger.Info("registry event",
				zap.String("type", string(ev.Type)),
				zap.String("rule_id", ev.RuleID),
				zap.Uint64("version", ev.Version))
		}
	}()

	st := svc.Status()
	logger.Info("service started",
		zap.String("backend", cfg.Storage.Backend),
		zap.Uint64("registry_version", st.RegistryVersion),
		zap.Int("rules", st.RuleCount))

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("Received shutdown signal")
	return nil
}

func runEval(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var rec rules.Record
	if err := json.Unmarshal([]byte(args[0]), &rec); err != nil {
		return fmt.Errorf("record must be a JSON object: %w", err)
	}

	svc, err := buildService(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	res, err := svc.Execute(ctx, rec, service.ExecuteOptions{
		DryRun:        dryRun,
		RulesetID:     rulesetID,
		CorrelationID: correlationID,
	})
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runBatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	var records []rules.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("file must hold a JSON array of objects: %w", err)
	}

	svc, err := buildService(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	res, err := svc.ExecuteBatch(ctx, records, service.BatchOptions{
		MaxWorkers: maxWorkers,
		DryRun:     dryRun,
		RulesetID:  rulesetID,
	})
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runDMN(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var rec rules.Record
	if err := json.Unmarshal([]byte(args[1]), &rec); err != nil {
		return fmt.Errorf("record must be a JSON object: %w", err)
	}

	svc, err := buildService(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	res, err := svc.ExecuteDMNFile(ctx, args[0], rec, service.DMNOptions{DryRun: dryRun})
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runReload(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	svc, err := buildService(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()
	return printJSON(svc.Status())
}

func runValidate(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	repo, err := buildRepository()
	if err != nil {
		return err
	}
	svc := service.New(cfg, repo, nil)
	defer svc.Close()

	problems, err := svc.Validate(ctx)
	if err != nil {
		return err
	}
	if len(problems) == 0 {
		fmt.Println("ok")
		return nil
	}
	for _, p := range problems {
		fmt.Println(p)
	}
	return fmt.Errorf("%d problem(s) found", len(problems))
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	svc, err := buildService(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()
	return printJSON(svc.Status())
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
