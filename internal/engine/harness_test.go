package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/storeops-agents/internal/audit"
	"github.com/xela07ax/storeops-agents/internal/domain"
	"github.com/xela07ax/storeops-agents/internal/policy"
	"github.com/xela07ax/storeops-agents/internal/registry"
	"github.com/xela07ax/storeops-agents/internal/repository/sqlite"
	"github.com/xela07ax/storeops-agents/internal/risk"
)

const testAction = "price.update"

type runFunc func(ctx context.Context, run *domain.Run, state *domain.TenantAgentState, p registry.ActionProposer) (string, error)

// testAgent: агент с подменяемым телом Run.
type testAgent struct {
	slug     string
	kind     domain.AgentKind
	events   []string
	disabled bool
	config   domain.Config
	canRun   func(*domain.TenantAgentState) bool
	run      runFunc

	calls atomic.Int32
}

func (a *testAgent) Slug() string                 { return a.slug }
func (a *testAgent) Name() string                 { return "Test " + a.slug }
func (a *testAgent) Description() string          { return "test agent" }
func (a *testAgent) Kind() domain.AgentKind       { return a.kind }
func (a *testAgent) DefaultConfig() domain.Config { return a.config }
func (a *testAgent) SubscribedEvents() []string   { return a.events }
func (a *testAgent) DefaultEnabled() bool         { return !a.disabled }

func (a *testAgent) CanRun(state *domain.TenantAgentState) bool {
	if a.canRun != nil {
		return a.canRun(state)
	}
	return true
}

func (a *testAgent) NextRunAt(_ *domain.TenantAgentState, from time.Time) time.Time {
	return from.Add(time.Hour)
}

func (a *testAgent) Run(ctx context.Context, run *domain.Run, state *domain.TenantAgentState, p registry.ActionProposer) (string, error) {
	a.calls.Add(1)
	if a.run == nil {
		return "nothing to do", nil
	}
	return a.run(ctx, run, state, p)
}

// proposeSKUs предлагает по действию price.update на каждый sku.
func proposeSKUs(skus ...string) runFunc {
	return func(ctx context.Context, _ *domain.Run, _ *domain.TenantAgentState, p registry.ActionProposer) (string, error) {
		for _, sku := range skus {
			if _, err := p.Propose(ctx, testAction, domain.Payload{"sku": sku, "discount_pct": 10.0}); err != nil {
				return "", err
			}
		}
		return "proposed", nil
	}
}

// testHandler записывает sku исполненных и откаченных действий.
type testHandler struct {
	actionType  string
	execErr     error
	execPanic   bool
	rollbackErr error
	delay       time.Duration

	mu         sync.Mutex
	executed   []string
	rolledBack []string
}

func newTestHandler() *testHandler { return &testHandler{actionType: testAction} }

func (h *testHandler) ActionType() string { return h.actionType }

func (h *testHandler) ValidatePayload(p domain.Payload) error {
	if p.String("sku") == "" {
		return errors.New("sku is required")
	}
	return nil
}

func (h *testHandler) Execute(_ context.Context, a *domain.Action) (string, error) {
	if h.execPanic {
		panic("connector exploded")
	}
	if h.execErr != nil {
		return "", h.execErr
	}
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.executed = append(h.executed, a.Payload.String("sku"))
	return "updated " + a.Payload.String("sku"), nil
}

func (h *testHandler) Rollback(_ context.Context, a *domain.Action) error {
	if h.rollbackErr != nil {
		return h.rollbackErr
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rolledBack = append(h.rolledBack, a.Payload.String("sku"))
	return nil
}

func (h *testHandler) Executed() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.executed...)
}

func (h *testHandler) RolledBack() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.rolledBack...)
}

type harness struct {
	store      *sqlite.Store
	reg        *registry.Registry
	killSwitch *FlagSet
	quarantine *FlagSet
	locker     *LocalLocker
	actions    *ActionExecutor
	runs       *RunExecutor
	orch       *Orchestrator
}

type harnessOpts struct {
	timeout time.Duration
	ring    *TenantRing
	auditor audit.Auditor
}

// recordingAuditor копит события журнала в памяти.
type recordingAuditor struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingAuditor) Log(e audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingAuditor) Events() []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Event(nil), r.events...)
}

func newHarness(t *testing.T, opts harnessOpts, agents []registry.Agent, handlers ...registry.ActionHandler) *harness {
	t.Helper()
	ctx := context.Background()
	logger := zap.NewNop()

	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := registry.New()
	for _, a := range agents {
		require.NoError(t, reg.RegisterAgent(a))
	}
	for _, h := range handlers {
		require.NoError(t, reg.RegisterAction(h))
	}
	require.NoError(t, reg.SyncToDatabase(ctx, store))

	h := &harness{
		store:      store,
		reg:        reg,
		killSwitch: NewKillSwitch(nil, logger),
		quarantine: NewQuarantine(nil, logger),
		locker:     NewLocalLocker(),
	}
	metrics := NewMetrics(nil)
	h.actions = NewActionExecutor(store, reg, opts.auditor, metrics, logger)
	h.runs = NewRunExecutor(store, reg, h.actions, policy.NewGate(h.quarantine, risk.NewAnalyzer(logger)), logger, RunExecutorConfig{
		Timeout:    opts.timeout,
		Locker:     h.locker,
		KillSwitch: h.killSwitch,
		Auditor:    opts.auditor,
		Metrics:    metrics,
	})
	h.orch = NewOrchestrator(store, reg, h.runs, h.actions, logger, OrchestratorConfig{
		Workers:    4,
		Ring:       opts.ring,
		KillSwitch: h.killSwitch,
		Metrics:    metrics,
	})
	return h
}

func (h *harness) setPermission(t *testing.T, tenantID, slug string, level domain.PermissionLevel) {
	t.Helper()
	_, err := h.orch.UpdateSettings(context.Background(), tenantID, slug, SettingsPatch{PermissionLevel: &level})
	require.NoError(t, err)
}

func (h *harness) runActions(t *testing.T, runID string) []domain.Action {
	t.Helper()
	actions, err := h.store.ListActionsByRun(context.Background(), runID)
	require.NoError(t, err)
	return actions
}

func (h *harness) action(t *testing.T, id string) *domain.Action {
	t.Helper()
	a, err := h.store.GetAction(context.Background(), id)
	require.NoError(t, err)
	return a
}

// seedAction кладет в базу запуск и одно действие в обход агентов.
func (h *harness) seedAction(t *testing.T, actionType string, payload domain.Payload, approval bool) *domain.Action {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	run := &domain.Run{
		ID:          uuid.NewString(),
		TenantID:    "shop-1",
		AgentSlug:   "seeded",
		Status:      domain.RunPending,
		TriggerKind: domain.TriggerManual,
		TriggerData: domain.TriggerData{},
		CreatedAt:   now,
	}
	require.NoError(t, h.store.CreateRun(ctx, run))

	a := &domain.Action{
		ID:               uuid.NewString(),
		RunID:            run.ID,
		TenantID:         run.TenantID,
		AgentSlug:        run.AgentSlug,
		ActionType:       actionType,
		Payload:          payload,
		Status:           domain.ActionPending,
		RequiresApproval: approval,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, h.store.CreateAction(ctx, a))
	return a
}
