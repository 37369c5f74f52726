package core

import (
	"context"
	"shelflife/internal/infra/persistence/memory"
	"shelflife/internal/reminder"
	"shelflife/pkg/domain"
	"time"
)

// Service exposes the batch and sample lifecycle operations. Every mutation
// runs inside one store transaction so the counter, uniqueness, cascade and
// monotonicity rules are checked against the exact state that commits.
type Service struct {
	store         PersistentStore
	engine        *RulesEngine
	clock         Clock
	now           func() time.Time
	logger        Logger
	audit         AuditRecorder
	metrics       MetricsRecorder
	tracer        Tracer
	deriver       domain.StatusDeriver
	policy        CascadePolicy
	reviewerGroup string
	batchIDs      BatchIDGenerator
	directory     reminder.Directory
}

// Option configures a Service.
type Option func(*serviceOptions)

type serviceOptions struct {
	clock         Clock
	clockSet      bool
	logger        Logger
	audit         AuditRecorder
	metrics       MetricsRecorder
	tracer        Tracer
	deriver       domain.StatusDeriver
	policy        CascadePolicy
	reviewerGroup string
	batchIDs      BatchIDGenerator
	directory     reminder.Directory
}

func defaultServiceOptions() serviceOptions {
	return serviceOptions{
		clock:    ClockFunc(nil),
		logger:   noopLogger{},
		audit:    noopAuditRecorder{},
		metrics:  noopMetricsRecorder{},
		tracer:   noopTracer{},
		deriver:  domain.DefaultStatusDeriver,
		policy:   CascadeSkipRejected,
		batchIDs: SequentialBatchIDs(DefaultBatchIDPrefix, DefaultBatchIDWidth),
	}
}

// WithClock overrides the time source used for derived statuses, approval
// timestamps and audit entries.
func WithClock(clock Clock) Option {
	return func(o *serviceOptions) {
		if clock != nil {
			o.clock = clock
			o.clockSet = true
		}
	}
}

// WithLogger installs a structured logger.
func WithLogger(logger Logger) Option {
	return func(o *serviceOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithAuditRecorder installs a recorder for mutating operations.
func WithAuditRecorder(recorder AuditRecorder) Option {
	return func(o *serviceOptions) {
		if recorder != nil {
			o.audit = recorder
		}
	}
}

// WithMetricsRecorder installs an operation metrics recorder.
func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(o *serviceOptions) {
		if recorder != nil {
			o.metrics = recorder
		}
	}
}

// WithTracer installs a tracer that wraps every operation in a span.
func WithTracer(tracer Tracer) Option {
	return func(o *serviceOptions) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithNotificationWindow sets the number of days before maturation during
// which approved samples report as expiring.
func WithNotificationWindow(days int) Option {
	return func(o *serviceOptions) {
		if days > 0 {
			o.deriver = domain.StatusDeriver{WindowDays: days}
		}
	}
}

// WithCascadePolicy selects how ApproveBatch treats rejected samples. The
// rules engine of the store must be built with the same policy.
func WithCascadePolicy(policy CascadePolicy) Option {
	return func(o *serviceOptions) {
		if policy.Valid() {
			o.policy = policy
		}
	}
}

// WithDefaultReviewerGroup assigns a reviewer group to submitted samples that
// do not name one.
func WithDefaultReviewerGroup(group string) Option {
	return func(o *serviceOptions) { o.reviewerGroup = group }
}

// WithBatchIDGenerator replaces the generator used when CreateBatch is given no id.
func WithBatchIDGenerator(gen BatchIDGenerator) Option {
	return func(o *serviceOptions) {
		if gen != nil {
			o.batchIDs = gen
		}
	}
}

// WithDirectory installs the contact directory used by ReminderCandidates.
func WithDirectory(dir reminder.Directory) Option {
	return func(o *serviceOptions) { o.directory = dir }
}

// NewService constructs a service backed by the supplied store.
func NewService(store PersistentStore, opts ...Option) *Service {
	cfg := defaultServiceOptions()
	for _, opt := range opts {
		opt(&cfg)
	}
	var clock Clock
	if cfg.clockSet {
		clock = cfg.clock
	}
	return &Service{
		store:         store,
		engine:        extractRulesEngine(store),
		clock:         cfg.clock,
		now:           selectNowFunc(store, clock),
		logger:        cfg.logger,
		audit:         cfg.audit,
		metrics:       cfg.metrics,
		tracer:        cfg.tracer,
		deriver:       cfg.deriver,
		policy:        cfg.policy,
		reviewerGroup: cfg.reviewerGroup,
		batchIDs:      cfg.batchIDs,
		directory:     cfg.directory,
	}
}

// NewInMemoryService creates a service and in-memory store. A nil engine is
// replaced with the default rule set for the configured cascade policy.
func NewInMemoryService(engine *RulesEngine, opts ...Option) *Service {
	cfg := defaultServiceOptions()
	for _, opt := range opts {
		opt(&cfg)
	}
	if engine == nil {
		engine = NewDefaultRulesEngine(cfg.policy)
	}
	var storeOpts []memory.Option
	if cfg.clockSet {
		storeOpts = append(storeOpts, memory.WithNowFunc(cfg.clock.Now))
	}
	return NewService(memory.NewStore(engine, storeOpts...), opts...)
}

// Store returns the underlying storage implementation.
func (s *Service) Store() PersistentStore {
	return s.store
}

// RulesEngine returns the engine of the underlying store, if it exposes one.
func (s *Service) RulesEngine() *RulesEngine {
	return s.engine
}

// CascadePolicy reports the policy ApproveBatch applies to rejected samples.
func (s *Service) CascadePolicy() CascadePolicy {
	return s.policy
}

// Now returns the service's notion of the current time.
func (s *Service) Now() time.Time {
	return s.now()
}

type rulesEngineProvider interface {
	RulesEngine() *domain.RulesEngine
}

type nowFuncProvider interface {
	NowFunc() func() time.Time
}

func extractRulesEngine(store PersistentStore) *RulesEngine {
	if p, ok := store.(rulesEngineProvider); ok {
		return p.RulesEngine()
	}
	return nil
}

// selectNowFunc prefers an explicit clock, then the store's own time source,
// then the system clock. All results are in UTC.
func selectNowFunc(store PersistentStore, clock Clock) func() time.Time {
	if clock != nil {
		return func() time.Time { return clock.Now().UTC() }
	}
	if p, ok := store.(nowFuncProvider); ok {
		if fn := p.NowFunc(); fn != nil {
			return func() time.Time { return fn().UTC() }
		}
	}
	return func() time.Time { return time.Now().UTC() }
}

type operationMeta struct {
	entity EntityType
	action Action
}

// auditedOperations lists the mutating operations that produce audit entries.
var auditedOperations = map[string]operationMeta{
	"create_batch":       {entity: EntityBatch, action: ActionCreate},
	"approve_batch":      {entity: EntityBatch, action: ActionUpdate},
	"reconcile_counters": {entity: EntityBatch, action: ActionUpdate},
	"submit_sample":      {entity: EntitySample, action: ActionCreate},
	"update_sample":      {entity: EntitySample, action: ActionUpdate},
	"reject_sample":      {entity: EntitySample, action: ActionUpdate},
	"delete_sample":      {entity: EntitySample, action: ActionDelete},
}

// run wraps an operation with tracing, metrics, audit and logging. fn returns
// the id of the entity it touched, which may be empty.
func (s *Service) run(ctx context.Context, op string, fn func(context.Context) (string, error)) error {
	ctx, span := s.tracer.Start(ctx, op)
	started := time.Now()
	entityID, err := fn(ctx)
	elapsed := time.Since(started)
	span.End(err)
	s.metrics.Observe(ctx, op, err == nil, elapsed)
	if err != nil {
		s.recordAuditError(ctx, op, entityID, elapsed, err)
		s.logger.Error("operation failed", "operation", op, "entity_id", entityID, "duration", elapsed, "error", err)
		return err
	}
	s.recordAuditSuccess(ctx, op, entityID, elapsed)
	s.logger.Debug("operation completed", "operation", op, "entity_id", entityID, "duration", elapsed)
	return nil
}

func (s *Service) recordAuditSuccess(ctx context.Context, op, entityID string, duration time.Duration) {
	s.recordAudit(ctx, op, entityID, duration, nil)
}

func (s *Service) recordAuditError(ctx context.Context, op, entityID string, duration time.Duration, err error) {
	s.recordAudit(ctx, op, entityID, duration, err)
}

func (s *Service) recordAudit(ctx context.Context, op, entityID string, duration time.Duration, err error) {
	meta, ok := auditedOperations[op]
	if !ok {
		return
	}
	entry := AuditEntry{
		Operation: op,
		Entity:    meta.entity,
		Action:    meta.action,
		EntityID:  entityID,
		Status:    AuditStatusSuccess,
		Duration:  duration,
		Timestamp: s.now(),
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
	}
	s.audit.Record(ctx, entry)
}

// logResult reports non-blocking rule violations returned by a committed transaction.
func (s *Service) logResult(op string, res Result) {
	for _, v := range res.Violations {
		if v.Severity == SeverityBlock {
			continue
		}
		s.logger.Warn("rule violation", "operation", op, "rule", v.Rule, "severity", v.Severity, "entity", v.Entity, "entity_id", v.EntityID, "message", v.Message)
	}
}
