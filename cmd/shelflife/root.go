package main

import (
	"context"
	"fmt"
	"io"
	"shelflife/internal/config"
	"shelflife/internal/core"
	"shelflife/internal/logger"
	"shelflife/internal/reminder"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/spf13/cobra"
)

const directoryCacheTTL = 5 * time.Minute

// app carries the state shared by every subcommand for one invocation.
type app struct {
	configPath    string
	storageDriver string
	traceJSON     bool
	printMetrics  bool

	cfg      *config.Config
	log      *logger.Logger
	store    core.PersistentStore
	svc      *core.Service
	registry *prometheus.Registry
}

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "shelflife",
		Short:         "Batch and sample lifecycle engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.ErrOrStderr())
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.teardown(cmd.OutOrStdout())
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to a YAML configuration file")
	root.PersistentFlags().StringVar(&a.storageDriver, "storage", "", "storage driver override: memory|sqlite|postgres|badger")
	root.PersistentFlags().BoolVar(&a.traceJSON, "trace", false, "write operation spans as JSON lines to stderr")
	root.PersistentFlags().BoolVar(&a.printMetrics, "metrics", false, "print operation counters after the command")

	root.AddCommand(
		batchCommand(a),
		sampleCommand(a),
		windowCommand(a),
		remindersCommand(a),
		reconcileCommand(a),
		backupCommand(a),
	)
	return root
}

func (a *app) setup(stderr io.Writer) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.storageDriver != "" {
		cfg.Storage.Driver = a.storageDriver
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	a.cfg = cfg

	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	a.log = log

	policy, err := core.ParseCascadePolicy(cfg.Engine.CascadePolicy)
	if err != nil {
		return err
	}
	store, err := core.OpenPersistentStore(cfg.Storage, core.NewDefaultRulesEngine(policy))
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err)
	}
	a.store = store

	a.registry = prometheus.NewRegistry()
	metrics, err := core.NewPrometheusMetricsRecorder(a.registry)
	if err != nil {
		return err
	}
	var tracer core.Tracer = core.NewOTelTracer(nil)
	if a.traceJSON {
		tracer = core.NewJSONTracer(stderr)
	}

	directory := reminder.NewCachedDirectory(reminder.StaticDirectory{
		Contacts: cfg.Directory.Contacts,
		Groups:   cfg.Directory.Groups,
	}, directoryCacheTTL)

	a.svc = core.NewService(store,
		core.WithLogger(log),
		core.WithAuditRecorder(auditLog{log: log}),
		core.WithMetricsRecorder(metrics),
		core.WithTracer(tracer),
		core.WithNotificationWindow(cfg.Engine.NotificationWindowDays),
		core.WithCascadePolicy(policy),
		core.WithDefaultReviewerGroup(cfg.Engine.ReviewerGroup),
		core.WithBatchIDGenerator(core.SequentialBatchIDs(cfg.Engine.BatchIDPrefix, core.DefaultBatchIDWidth)),
		core.WithDirectory(directory),
	)
	return nil
}

func (a *app) teardown(out io.Writer) error {
	if a.printMetrics && a.registry != nil {
		if err := writeOperationCounts(out, a.registry); err != nil {
			return err
		}
	}
	if closer, ok := a.store.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("close store: %w", err)
		}
	}
	if a.log != nil {
		a.log.Sync()
	}
	return nil
}

// auditLog records audit entries through the structured logger.
type auditLog struct {
	log *logger.Logger
}

func (l auditLog) Record(_ context.Context, entry core.AuditEntry) {
	kv := []any{
		"operation", entry.Operation,
		"entity", entry.Entity,
		"action", entry.Action,
		"entity_id", entry.EntityID,
		"status", entry.Status,
		"duration", entry.Duration,
	}
	if entry.Error != "" {
		kv = append(kv, "error", entry.Error)
	}
	l.log.Info("audit", kv...)
}

func writeOperationCounts(out io.Writer, gatherer prometheus.Gatherer) error {
	families, err := gatherer.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	var lines []string
	for _, family := range families {
		if family.GetName() != "shelflife_operations_total" {
			continue
		}
		for _, m := range family.GetMetric() {
			lines = append(lines, fmt.Sprintf("%s %s %.0f", labelValue(m, "operation"), labelValue(m, "status"), m.GetCounter().GetValue()))
		}
	}
	sort.Strings(lines)
	for _, line := range lines {
		if _, err := fmt.Fprintln(out, line); err != nil {
			return err
		}
	}
	return nil
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func parseDate(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return nil, fmt.Errorf("parse date %q: expected YYYY-MM-DD", v)
	}
	return &t, nil
}

func formatDate(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.DateOnly)
}
