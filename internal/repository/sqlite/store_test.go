package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/storeops-agents/internal/audit"
	"github.com/xela07ax/storeops-agents/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "storeops.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newRun(t *testing.T, s *Store, tenant, slug string) *domain.Run {
	t.Helper()
	run := &domain.Run{
		ID:          uuid.NewString(),
		TenantID:    tenant,
		AgentSlug:   slug,
		Status:      domain.RunPending,
		TriggerKind: domain.TriggerManual,
		CreatedAt:   time.Now(),
	}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

func newAction(t *testing.T, s *Store, run *domain.Run, approval bool) *domain.Action {
	t.Helper()
	now := time.Now()
	a := &domain.Action{
		ID:               uuid.NewString(),
		RunID:            run.ID,
		TenantID:         run.TenantID,
		AgentSlug:        run.AgentSlug,
		ActionType:       "price.update",
		Payload:          domain.Payload{"sku": "SKU-1", "new_price": 8.5},
		Status:           domain.ActionPending,
		RequiresApproval: approval,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, s.CreateAction(context.Background(), a))
	return a
}

func TestUpsertDefinition_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	def := &domain.AgentDefinition{
		Slug:          "markdown-scheduler",
		Name:          "Markdown",
		Kind:          domain.KindBackground,
		DefaultConfig: domain.Config{"interval_hours": 24.0},
	}

	require.NoError(t, s.UpsertDefinition(ctx, def))
	def.Name = "Markdown scheduler"
	require.NoError(t, s.UpsertDefinition(ctx, def))

	defs, err := s.ListDefinitions(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "Markdown scheduler", defs[0].Name)
	assert.Equal(t, domain.KindBackground, defs[0].Kind)
	assert.False(t, defs[0].DefaultEnabled)
	assert.Equal(t, 24.0, defs[0].DefaultConfig.Float("interval_hours", 0))
}

func TestGetOrCreateTenantState_KeepsExistingRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st, err := s.GetOrCreateTenantState(ctx, "shop-1", "markdown-scheduler", domain.StateDefaults{Enabled: true, PermissionLevel: domain.PermissionApprove})
	require.NoError(t, err)
	assert.True(t, st.Enabled)
	assert.Equal(t, domain.PermissionApprove, st.PermissionLevel)
	assert.NotNil(t, st.Config)
	assert.Nil(t, st.NextRunAt)

	st.PermissionLevel = domain.PermissionAuto
	st.Config = domain.Config{"discount_pct": 20.0}
	require.NoError(t, s.UpdateTenantSettings(ctx, st))

	// Повторный get-or-create с другими defaults не перетирает настройки
	again, err := s.GetOrCreateTenantState(ctx, "shop-1", "markdown-scheduler", domain.StateDefaults{Enabled: false, PermissionLevel: domain.PermissionBlock})
	require.NoError(t, err)
	assert.True(t, again.Enabled)
	assert.Equal(t, domain.PermissionAuto, again.PermissionLevel)
	assert.Equal(t, 20.0, again.Config.Float("discount_pct", 0))

	states, err := s.ListTenantStates(ctx, "shop-1")
	require.NoError(t, err)
	assert.Len(t, states, 1)

	err = s.UpdateTenantSettings(ctx, &domain.TenantAgentState{TenantID: "shop-2", AgentSlug: "x", PermissionLevel: domain.PermissionAuto})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListDueTenantStates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	defaults := domain.StateDefaults{Enabled: true, PermissionLevel: domain.PermissionAuto}

	for _, tenant := range []string{"due-null", "due-past", "future", "disabled", "blocked"} {
		_, err := s.GetOrCreateTenantState(ctx, tenant, "markdown-scheduler", defaults)
		require.NoError(t, err)
	}
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	require.NoError(t, s.RecordRunTimes(ctx, "due-past", "markdown-scheduler", past, &past))
	require.NoError(t, s.RecordRunTimes(ctx, "future", "markdown-scheduler", now, &future))

	for tenant, patch := range map[string]domain.TenantAgentState{
		"disabled": {Enabled: false, PermissionLevel: domain.PermissionAuto},
		"blocked":  {Enabled: true, PermissionLevel: domain.PermissionBlock},
	} {
		patch.TenantID, patch.AgentSlug = tenant, "markdown-scheduler"
		require.NoError(t, s.UpdateTenantSettings(ctx, &patch))
	}

	due, err := s.ListDueTenantStates(ctx, now)
	require.NoError(t, err)
	var tenants []string
	for _, st := range due {
		tenants = append(tenants, st.TenantID)
	}
	assert.Equal(t, []string{"due-null", "due-past"}, tenants)
}

func TestRecordRunTimes_NilNextKeepsSchedule(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.GetOrCreateTenantState(ctx, "shop-1", "markdown-scheduler", domain.StateDefaults{Enabled: true, PermissionLevel: domain.PermissionAuto})
	require.NoError(t, err)

	next := time.Now().Add(24 * time.Hour).UTC()
	require.NoError(t, s.RecordRunTimes(ctx, "shop-1", "markdown-scheduler", time.Now(), &next))
	require.NoError(t, s.RecordRunTimes(ctx, "shop-1", "markdown-scheduler", time.Now(), nil))

	st, err := s.GetOrCreateTenantState(ctx, "shop-1", "markdown-scheduler", domain.StateDefaults{})
	require.NoError(t, err)
	require.NotNil(t, st.NextRunAt)
	assert.True(t, next.Equal(*st.NextRunAt))
	assert.NotNil(t, st.LastRunAt)

	assert.ErrorIs(t, s.RecordRunTimes(ctx, "missing", "x", time.Now(), nil), domain.ErrNotFound)
}

func TestRuns_UpdateAndHistoryOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := newRun(t, s, "shop-1", "markdown-scheduler")
	second := newRun(t, s, "shop-1", "low-stock-notifier")
	newRun(t, s, "shop-2", "markdown-scheduler")

	now := time.Now()
	require.NoError(t, first.Start(now))
	require.NoError(t, s.UpdateRun(ctx, first))
	require.NoError(t, first.Complete("3 markdowns proposed", now))
	require.NoError(t, s.UpdateRun(ctx, first))

	// Терминальный запуск в базе не переписывается
	assert.ErrorIs(t, s.UpdateRun(ctx, first), domain.ErrRunFinished)

	got, err := s.GetRun(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, got.Status)
	assert.Equal(t, "3 markdowns proposed", got.Summary)
	require.NotNil(t, got.FinishedAt)

	history, err := s.ListRuns(ctx, "shop-1", "", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, second.ID, history[0].ID)
	assert.Equal(t, first.ID, history[1].ID)

	history, err = s.ListRuns(ctx, "shop-1", "markdown-scheduler", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)

	_, err = s.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTransitionAction_GuardsDoubleDecision(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := newRun(t, s, "shop-1", "markdown-scheduler")
	a := newAction(t, s, run, true)

	now := time.Now()
	approved := *a
	require.NoError(t, approved.Approve("alice", now))
	require.NoError(t, s.TransitionAction(ctx, &approved, domain.ActionPending))

	// Второй оператор работает со снимком pending
	rejected := *a
	require.NoError(t, rejected.Reject("bob", now))
	assert.ErrorIs(t, s.TransitionAction(ctx, &rejected, domain.ActionPending), domain.ErrAlreadyProcessed)

	got, err := s.GetAction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionApproved, got.Status)
	require.NotNil(t, got.ApprovedBy)
	assert.Equal(t, "alice", *got.ApprovedBy)
	assert.Nil(t, got.RejectedBy)
	assert.True(t, got.RequiresApproval)
	assert.Equal(t, "SKU-1", got.Payload.String("sku"))

	missing := *a
	missing.ID = "missing"
	assert.ErrorIs(t, s.TransitionAction(ctx, &missing, domain.ActionPending), domain.ErrNotFound)
}

func TestMarkActionRolledBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := newRun(t, s, "shop-1", "markdown-scheduler")
	a := newAction(t, s, run, false)

	assert.ErrorIs(t, s.MarkActionRolledBack(ctx, a.ID, time.Now()), domain.ErrAlreadyRolledBack)

	require.NoError(t, a.MarkExecuted("price set", time.Now()))
	require.NoError(t, s.TransitionAction(ctx, a, domain.ActionPending))

	require.NoError(t, s.MarkActionRolledBack(ctx, a.ID, time.Now()))
	assert.ErrorIs(t, s.MarkActionRolledBack(ctx, a.ID, time.Now()), domain.ErrAlreadyRolledBack)
	assert.ErrorIs(t, s.MarkActionRolledBack(ctx, "missing", time.Now()), domain.ErrNotFound)

	got, err := s.GetAction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionExecuted, got.Status)
	assert.NotNil(t, got.RolledBackAt)
}

func TestListActions_Order(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := newRun(t, s, "shop-1", "markdown-scheduler")

	a1 := newAction(t, s, run, true)
	a2 := newAction(t, s, run, true)
	a3 := newAction(t, s, run, false)
	require.NoError(t, a3.MarkExecuted("", time.Now()))
	require.NoError(t, s.TransitionAction(ctx, a3, domain.ActionPending))

	byRun, err := s.ListActionsByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, byRun, 3)
	assert.Equal(t, []string{a1.ID, a2.ID, a3.ID}, []string{byRun[0].ID, byRun[1].ID, byRun[2].ID})

	pending, err := s.ListActions(ctx, "shop-1", domain.ActionPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, a2.ID, pending[0].ID)
	assert.Equal(t, a1.ID, pending[1].ID)

	executed, err := s.ListActions(ctx, "shop-1", domain.ActionExecuted, 10)
	require.NoError(t, err)
	require.Len(t, executed, 1)
	assert.Equal(t, a3.ID, executed[0].ID)

	pending, err = s.ListActions(ctx, "shop-2", domain.ActionPending, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestClaimAction_SingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := newRun(t, s, "shop-1", "markdown-scheduler")
	a := newAction(t, s, run, false)

	require.NoError(t, s.ClaimAction(ctx, a.ID, domain.ActionPending, time.Now()))
	assert.ErrorIs(t, s.ClaimAction(ctx, a.ID, domain.ActionPending, time.Now()), domain.ErrAlreadyProcessed)
	assert.ErrorIs(t, s.ClaimAction(ctx, "missing", domain.ActionPending, time.Now()), domain.ErrNotFound)

	got, err := s.GetAction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionPending, got.Status)
	require.NotNil(t, got.ClaimedAt)

	// Решение по снимку без захвата уже не проходит
	approved := *a
	require.NoError(t, approved.Approve("alice", time.Now()))
	assert.ErrorIs(t, s.TransitionAction(ctx, &approved, domain.ActionPending), domain.ErrAlreadyProcessed)

	// Исход пишет только владелец захвата
	require.NoError(t, got.MarkExecuted("price set", time.Now()))
	require.NoError(t, s.TransitionAction(ctx, got, domain.ActionPending))

	done, err := s.GetAction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionExecuted, done.Status)
	assert.Equal(t, "price set", done.ResultMessage)
	assert.Nil(t, done.ApprovedBy)
}

func TestWriteBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	events := []audit.Event{
		{ID: uuid.NewString(), Type: audit.RunStarted, TenantID: "shop-1", AgentSlug: "markdown-scheduler", Timestamp: base},
		{ID: uuid.NewString(), Type: audit.ActionApproved, TenantID: "shop-1", Actor: "alice", Payload: map[string]any{"sku": "SKU-1"}, Timestamp: base.Add(time.Second)},
	}
	require.NoError(t, s.WriteBatch(ctx, events))
	require.NoError(t, s.WriteBatch(ctx, nil))

	got, err := s.ListAuditEvents(ctx, "shop-1", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, audit.ActionApproved, got[0].Type)
	assert.Equal(t, "alice", got[0].Actor)
	assert.Equal(t, "SKU-1", got[0].Payload["sku"])
}
