package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/reconcile/pkg/engine"
)

// ExitError carries a non-zero process exit code out of a command.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// buildInfo is the version stamped into the binary.
type buildInfo struct {
	version   string
	commit    string
	buildDate string
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(buildInfo{version: version, commit: commit, buildDate: buildDate})
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(info buildInfo) *cobra.Command {
	o := newOptions(info)

	rootCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Import existing cloud resources into state and gate destructive deploys",
		Long: `reconcile adopts resources that already exist at the cloud provider into the
declarative state store, then analyzes the deployment plan and decides whether
it may be applied.

A run:
  - Loads the resource catalog (YAML, JSON or CUE)
  - Finds each entry at the provider by kind, name and tags
  - Imports unambiguous matches into the state store
  - Classifies the plan's changes and counts destructive ones
  - Denies destructive production changes without an authorized override`,
		Example: `  # Preview what would be imported in staging
  reconcile --environment staging --catalog catalog.yaml --dry-run

  # Import and gate a production plan produced by terraform
  reconcile --environment prod --catalog catalog.yaml \
    --plan-command "terraform show -json tfplan" --report report.json

  # Re-import resources already tracked at a different id
  reconcile --environment test --catalog catalog.yaml --force`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", info.version, info.commit, info.buildDate),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(cmd, o)
		},
	}

	o.addGlobalFlags(rootCmd)
	o.addRunFlags(rootCmd)

	rootCmd.AddCommand(newStateCommand(o))
	rootCmd.AddCommand(newGateCommand(o))
	rootCmd.AddCommand(newRunsCommand(o))
	rootCmd.AddCommand(newVersionCommand(o))

	return rootCmd
}

// options holds every flag value. Defaults come from RECONCILE_* variables.
type options struct {
	info buildInfo

	// Global
	environment   string
	verbose       bool
	jsonOutput    bool
	logFormat     string
	metricsFile   string
	traceExporter string
	traceEndpoint string

	// Provider
	provider      string
	inventoryPath string
	awsProfile    string
	awsEndpoint   string
	awsRPS        float64

	// State
	stateBackend string
	statePath    string
	stateTable   string
	createTable  bool
	owner        string

	// Plan and gate
	catalogPaths  []string
	planFile      string
	planCommand   string
	overrideToken string
	policyDirs    []string
	approvers     []string
	ticketPattern string
	maxTokenTTL   time.Duration

	// Run
	project           string
	region            string
	dryRun            bool
	force             bool
	skipRefresh       bool
	continueOnFailure bool
	concurrency       int
	callTimeout       time.Duration
	maxAttempts       int
	matchTimeout      time.Duration
	reportPath        string
}

func newOptions(info buildInfo) *options {
	return &options{info: info}
}

func (o *options) addGlobalFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringVarP(&o.environment, "environment", "e", envString("ENVIRONMENT", ""), "target environment (test, staging, prod, preview)")
	f.BoolVarP(&o.verbose, "verbose", "v", envBool("VERBOSE", false), "enable debug logging and list every entry")
	f.BoolVar(&o.jsonOutput, "json", envBool("JSON", false), "output in JSON format")
	f.StringVar(&o.logFormat, "log-format", envString("LOG_FORMAT", "console"), "log format (console, json)")
	f.StringVar(&o.metricsFile, "metrics-file", envString("METRICS_FILE", ""), "write Prometheus metrics to this textfile after the run")
	f.StringVar(&o.traceExporter, "trace-exporter", envString("TRACE_EXPORTER", "none"), "trace exporter (otlp, stdout, none)")
	f.StringVar(&o.traceEndpoint, "trace-endpoint", envString("TRACE_ENDPOINT", ""), "OTLP collector endpoint")

	f.StringVar(&o.provider, "provider", envString("PROVIDER", "aws"), "provider adapter (aws, inventory)")
	f.StringVar(&o.inventoryPath, "inventory", envString("INVENTORY", ""), "inventory file for the inventory provider")
	f.StringVar(&o.awsProfile, "aws-profile", os.Getenv("AWS_PROFILE"), "AWS shared config profile")
	f.StringVar(&o.awsEndpoint, "aws-endpoint", envString("AWS_ENDPOINT", ""), "override the AWS service endpoint")
	f.Float64Var(&o.awsRPS, "aws-requests-per-second", envFloat("AWS_REQUESTS_PER_SECOND", 0), "rate limit for tagging API calls")

	f.StringVar(&o.stateBackend, "state-backend", envString("STATE_BACKEND", "sqlite"), "state store backend (sqlite, dynamodb)")
	f.StringVar(&o.statePath, "state-path", envString("STATE_PATH", "reconcile.db"), "SQLite state database path")
	f.StringVar(&o.stateTable, "state-table", envString("STATE_TABLE", ""), "DynamoDB state table name")
	f.BoolVar(&o.createTable, "create-table", envBool("CREATE_TABLE", false), "create the DynamoDB state table when missing")
	f.StringVar(&o.owner, "owner", envString("OWNER", defaultOwner()), "lock owner recorded in the state store")

	f.StringVarP(&o.region, "region", "r", envString("REGION", ""), "cloud region")
	f.StringSliceVar(&o.catalogPaths, "catalog", envList("CATALOG", []string{"catalog.yaml"}), "catalog files or directories")
	f.StringVar(&o.planFile, "plan", envString("PLAN", ""), "plan JSON file (native or terraform show -json)")
	f.StringVar(&o.planCommand, "plan-command", envString("PLAN_COMMAND", ""), "command whose stdout is the plan JSON")
	f.StringVar(&o.overrideToken, "override-token", envString("OVERRIDE_TOKEN", ""), "override token: id:approver:ticket[:env] or a JSON file")
	f.StringSliceVar(&o.policyDirs, "policy-dir", envList("POLICY_DIR", nil), "directories of additional override policies")
	f.StringSliceVar(&o.approvers, "approver", envList("APPROVERS", nil), "allowed override approvers (empty allows any)")
	f.StringVar(&o.ticketPattern, "ticket-pattern", envString("TICKET_PATTERN", ""), "regular expression override tickets must match")
	f.DurationVar(&o.maxTokenTTL, "max-token-ttl", envDuration("MAX_TOKEN_TTL", 0), "maximum override token lifetime (0 disables the check)")
}

func (o *options) addRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&o.project, "project", "p", envString("PROJECT", ""), "project name")
	f.BoolVar(&o.dryRun, "dry-run", envBool("DRY_RUN", false), "discover without writing to the state store")
	f.BoolVar(&o.force, "force", envBool("FORCE", false), "replace tracked records whose provider id changed")
	f.BoolVar(&o.skipRefresh, "skip-refresh", envBool("SKIP_REFRESH", false), "ask the plan producer not to refresh")
	f.BoolVar(&o.continueOnFailure, "continue-on-failure", envBool("CONTINUE_ON_FAILURE", false), "exit 0 on partial failure when something was imported")
	f.IntVar(&o.concurrency, "concurrency", envInt("CONCURRENCY", engine.DefaultConcurrency), "concurrent provider queries")
	f.DurationVar(&o.callTimeout, "call-timeout", envDuration("CALL_TIMEOUT", engine.DefaultCallTimeout), "timeout for each provider or state call")
	f.IntVar(&o.maxAttempts, "max-attempts", envInt("MAX_ATTEMPTS", engine.DefaultMaxAttempts), "attempts per retried operation")
	f.DurationVar(&o.matchTimeout, "match-timeout", envDuration("MATCH_TIMEOUT", time.Second), "timeout for each selector match expression")
	f.StringVar(&o.reportPath, "report", envString("REPORT", ""), "write the JSON run report to this file")
}

const envPrefix = "RECONCILE_"

func envString(key, def string) string {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(envPrefix + key)); err == nil {
		return b
	}
	return def
}

func envInt(key string, def int) int {
	if n, err := strconv.Atoi(os.Getenv(envPrefix + key)); err == nil {
		return n
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if n, err := strconv.ParseFloat(os.Getenv(envPrefix+key), 64); err == nil {
		return n
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(envPrefix + key)); err == nil {
		return d
	}
	return def
}

func envList(key string, def []string) []string {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return def
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
