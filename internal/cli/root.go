// Package cli is the thin process entrypoint. It wires configuration and
// dependencies and delegates; no business logic lives here.
package cli

import (
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/spf13/cobra"

	"coldtrail/internal/archiver"
	"coldtrail/internal/ledger"
	"coldtrail/internal/partition"
	"coldtrail/internal/platform/config"
	"coldtrail/internal/platform/logger"
	"coldtrail/internal/platform/metrics"
	"coldtrail/internal/release"
	"coldtrail/internal/retention"
	"coldtrail/internal/sanitize"
	"coldtrail/internal/store/postgres"
	"coldtrail/pkg/platform/obs"
	"coldtrail/pkg/platform/retry"
)

// NewRootCommand creates the coldtrail CLI.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "coldtrail",
		Short:         "Archival and retention engine for the audit trail",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newArchiveCommand())
	cmd.AddCommand(newRetentionCommand())
	cmd.AddCommand(newIndexesCommand())
	cmd.AddCommand(newGuardsCommand())
	return cmd
}

// Execute runs the CLI and reports failure through the process logger.
func Execute() error {
	err := NewRootCommand().Execute()
	if err != nil {
		logger.New().Error("command failed", "error", err)
	}
	return err
}

// app holds the wired dependencies shared by the subcommands.
type app struct {
	cfg      config.Config
	log      *slog.Logger
	registry *prometheus.Registry
	sink     obs.Sink
	db       *sql.DB
	planner  *partition.Planner
	store    *postgres.Store
	runner   *retry.Runner
	parts    *ledger.Ledger
	releases *release.Tracker
}

func newApp() (*app, error) {
	cfg := config.FromEnv()
	log := logger.New()

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load archive timezone %q: %w", cfg.Timezone, err)
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store, err := postgres.New(db, cfg.Engine, postgres.WithTable(cfg.Table))
	if err != nil {
		db.Close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	sink := metrics.New(registry)

	runner := retry.New(retry.Policy{
		MaxAttempts: cfg.RetryMaxAttempts,
		Base:        cfg.RetryBase,
		Multiplier:  cfg.RetryMultiplier,
		JitterKey:   []byte(cfg.HashKey),
	}, retry.WithLogger(log), retry.WithSink(sink))

	releasePath := cfg.ReleaseManifestPath
	if releasePath == "" {
		releasePath = filepath.Join(cfg.ArchiveRoot, "release_manifest.json")
	}

	return &app{
		cfg:      cfg,
		log:      log,
		registry: registry,
		sink:     sink,
		db:       db,
		planner:  partition.New(loc),
		store:    store,
		runner:   runner,
		parts:    ledger.New(filepath.Join(cfg.ArchiveRoot, "audit", "partitions.json")),
		releases: release.New(releasePath),
	}, nil
}

func (a *app) newArchiver() (*archiver.Archiver, error) {
	return archiver.New(
		a.store,
		a.planner,
		sanitize.New([]byte(a.cfg.HashKey)),
		a.releases,
		a.parts,
		a.runner,
		a.cfg.ArchiveRoot,
		archiver.WithLogger(a.log),
		archiver.WithSink(a.sink),
		archiver.WithFetchSize(a.cfg.FetchSize),
		archiver.WithByteOrderMark(a.cfg.CSVByteOrderMark),
		archiver.WithTool(archiver.Tool{Name: "coldtrail", Version: a.cfg.ToolVersion}),
	)
}

func (a *app) newEnforcer() (*retention.Enforcer, error) {
	policy, err := retention.LoadPolicy(a.cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	return retention.New(
		a.parts,
		a.store,
		a.planner,
		policy,
		a.runner,
		a.cfg.ArchiveRoot,
		retention.WithLogger(a.log),
		retention.WithSink(a.sink),
	)
}

// close releases the database and pushes metrics to the gateway when one is
// configured. Batch jobs exit immediately, so push is the only exposition.
func (a *app) close(job string) {
	if gateway := a.cfg.PushgatewayURL; gateway != "" {
		if err := push.New(gateway, job).Gatherer(a.registry).Push(); err != nil {
			a.log.Warn("metrics push failed", "gateway", gateway, "error", err)
		}
	}
	a.db.Close()
}
