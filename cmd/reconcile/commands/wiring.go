package commands

import (
	"context"
	"fmt"
	"os"

	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/reconcile/pkg/config"
	"github.com/openfroyo/reconcile/pkg/engine"
	"github.com/openfroyo/reconcile/pkg/policy"
	awsprovider "github.com/openfroyo/reconcile/pkg/providers/aws"
	"github.com/openfroyo/reconcile/pkg/providers/inventory"
	"github.com/openfroyo/reconcile/pkg/stores"
	ddbstore "github.com/openfroyo/reconcile/pkg/stores/dynamodb"
	"github.com/openfroyo/reconcile/pkg/telemetry"
)

// newTelemetry builds logging, tracing and metrics from the global flags and
// installs the logger as the zerolog global.
func (o *options) newTelemetry(env string) (*telemetry.Telemetry, error) {
	cfg := telemetry.DefaultConfig()
	if o.logFormat == "json" {
		cfg = telemetry.CIConfig()
	}
	cfg.ServiceVersion = o.info.version
	cfg.Environment = env
	if o.verbose {
		cfg.Logging.Level = "debug"
	}
	cfg.Metrics.TextfilePath = o.metricsFile
	if o.traceExporter != "" && o.traceExporter != "none" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = o.traceExporter
		cfg.Tracing.Endpoint = o.traceEndpoint
	}

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	log.Logger = tel.Logger.Zerolog()
	return tel, nil
}

// backend is an opened state store with its optional capabilities.
type backend struct {
	state   engine.StateStore
	auditor engine.Auditor

	// history is set for backends that keep run history.
	history stores.Store

	close func() error
}

func (o *options) openBackend(ctx context.Context, logger zerolog.Logger) (*backend, error) {
	switch o.stateBackend {
	case "sqlite":
		store, err := stores.NewSQLiteStore(stores.Config{Path: o.statePath})
		if err != nil {
			return nil, err
		}
		if err := store.Init(ctx); err != nil {
			return nil, fmt.Errorf("failed to open state database %s: %w", o.statePath, err)
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to migrate state database: %w", err)
		}
		return &backend{state: store, auditor: store, history: store, close: store.Close}, nil

	case "dynamodb":
		awsCfg, err := awsprovider.LoadConfig(ctx, o.sessionConfig())
		if err != nil {
			return nil, err
		}
		store := ddbstore.New(awsdynamodb.NewFromConfig(awsCfg), ddbstore.Config{
			Table: o.stateTable,
			Tags:  map[string]string{"managed-by": "reconcile"},
		}, logger)
		if o.createTable {
			if err := store.CreateTableIfNecessary(ctx); err != nil {
				return nil, err
			}
		}
		return &backend{state: store, auditor: store, close: func() error { return nil }}, nil

	default:
		return nil, engine.NewPermanentError(fmt.Sprintf("unknown state backend %q", o.stateBackend), nil).
			WithCode(engine.ErrCodeValidation).
			WithRemediation("use --state-backend sqlite or dynamodb")
	}
}

func (o *options) newProvider(ctx context.Context, logger zerolog.Logger) (engine.ProviderQuerier, error) {
	switch o.provider {
	case "aws":
		awsCfg, err := awsprovider.LoadConfig(ctx, o.sessionConfig())
		if err != nil {
			return nil, err
		}
		return awsprovider.NewFromConfig(awsCfg, awsprovider.Options{RequestsPerSecond: o.awsRPS}, logger), nil

	case "inventory":
		if o.inventoryPath == "" {
			return nil, engine.NewPermanentError("the inventory provider needs --inventory", nil).
				WithCode(engine.ErrCodeValidation)
		}
		p, err := inventory.Load(o.inventoryPath)
		if err != nil {
			return nil, err
		}
		return p, nil

	default:
		return nil, engine.NewPermanentError(fmt.Sprintf("unknown provider %q", o.provider), nil).
			WithCode(engine.ErrCodeValidation).
			WithRemediation("use --provider aws or inventory")
	}
}

func (o *options) sessionConfig() awsprovider.SessionConfig {
	return awsprovider.SessionConfig{
		Region:   o.region,
		Profile:  o.awsProfile,
		Endpoint: o.awsEndpoint,
		AppID:    "reconcile",
	}
}

// newPlanSource returns nil when no plan was configured.
func (o *options) newPlanSource(logger zerolog.Logger) (engine.PlanSource, error) {
	switch {
	case o.planFile != "" && o.planCommand != "":
		return nil, engine.NewPermanentError("--plan and --plan-command are mutually exclusive", nil).
			WithCode(engine.ErrCodeValidation)
	case o.planFile != "":
		return &config.FilePlanSource{Path: o.planFile}, nil
	case o.planCommand != "":
		return config.NewExecPlanSource(o.planCommand, logger), nil
	}
	return nil, nil
}

func (o *options) newAuthorizer(ctx context.Context, logger zerolog.Logger) (*policy.Engine, error) {
	eng, err := policy.NewEngine(logger, policy.Settings{
		Approvers:     o.approvers,
		TicketPattern: o.ticketPattern,
		MaxTokenTTL:   o.maxTokenTTL,
	})
	if err != nil {
		return nil, err
	}
	if len(o.policyDirs) > 0 {
		if err := eng.LoadPolicies(ctx, o.policyDirs); err != nil {
			return nil, err
		}
	}
	return eng, nil
}

func (o *options) retryPolicy() engine.RetryPolicy {
	p := engine.DefaultRetryPolicy()
	if o.maxAttempts > 0 {
		p.MaxAttempts = o.maxAttempts
	}
	if o.callTimeout > 0 {
		p.CallTimeout = o.callTimeout
	}
	return p
}

// existingPaths filters paths down to those present on disk.
func existingPaths(paths []string) []string {
	var out []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			out = append(out, p)
		}
	}
	return out
}
