package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/storeops-agents/internal/domain"
	"github.com/xela07ax/storeops-agents/internal/registry"
)

func TestRunAgent_ApproveModeKeepsActionsPending(t *testing.T) {
	ctx := context.Background()
	agent := &testAgent{slug: "repricer", kind: domain.KindManual, run: proposeSKUs("A", "B")}
	handler := newTestHandler()
	h := newHarness(t, harnessOpts{}, []registry.Agent{agent}, handler)

	res := h.orch.RunAgent(ctx, "repricer", "shop-1", domain.TriggerManual, nil)
	require.True(t, res.Success, res.ErrorMessage)
	require.NotEmpty(t, res.RunID)
	assert.Equal(t, "proposed", res.Summary)

	actions := h.runActions(t, res.RunID)
	require.Len(t, actions, 2)
	for _, a := range actions {
		assert.Equal(t, domain.ActionPending, a.Status)
		assert.True(t, a.RequiresApproval)
		assert.Equal(t, "shop-1", a.TenantID)
		assert.Equal(t, "repricer", a.AgentSlug)
	}
	assert.Empty(t, handler.Executed())

	run, err := h.store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status)
	assert.Equal(t, domain.TriggerManual, run.TriggerKind)
	assert.NotNil(t, run.StartedAt)
	assert.NotNil(t, run.FinishedAt)
}

func TestRunAgent_AutoModeExecutesInProposalOrder(t *testing.T) {
	ctx := context.Background()
	agent := &testAgent{slug: "repricer", kind: domain.KindManual, run: proposeSKUs("C", "A", "B")}
	handler := newTestHandler()
	h := newHarness(t, harnessOpts{}, []registry.Agent{agent}, handler)
	h.setPermission(t, "shop-1", "repricer", domain.PermissionAuto)

	res := h.orch.RunAgent(ctx, "repricer", "shop-1", domain.TriggerManual, nil)
	require.True(t, res.Success, res.ErrorMessage)

	assert.Equal(t, []string{"C", "A", "B"}, handler.Executed())
	for _, a := range h.runActions(t, res.RunID) {
		assert.Equal(t, domain.ActionExecuted, a.Status)
		assert.False(t, a.RequiresApproval)
		assert.Equal(t, "updated "+a.Payload.String("sku"), a.ResultMessage)
		assert.NotNil(t, a.ExecutedAt)
	}
}

func TestRunAgent_RefusalsLeaveNoRun(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name  string
		slug  string
		setup func(t *testing.T, h *harness) func()
		want  domain.FailureKind
	}{
		{
			name: "unknown agent",
			slug: "ghost",
			want: domain.FailureNotFound,
		},
		{
			name: "kill switch",
			slug: "repricer",
			setup: func(t *testing.T, h *harness) func() {
				require.NoError(t, h.killSwitch.Set(ctx, "repricer", true))
				return nil
			},
			want: domain.FailureBlocked,
		},
		{
			name: "blocked for tenant",
			slug: "repricer",
			setup: func(t *testing.T, h *harness) func() {
				h.setPermission(t, "shop-1", "repricer", domain.PermissionBlock)
				return nil
			},
			want: domain.FailurePrecondition,
		},
		{
			name: "implementation cannot run",
			slug: "needs-key",
			want: domain.FailurePrecondition,
		},
		{
			name: "pair already locked",
			slug: "repricer",
			setup: func(t *testing.T, h *harness) func() {
				unlock, ok, err := h.locker.TryLock(ctx, "shop-1", "repricer")
				require.NoError(t, err)
				require.True(t, ok)
				return unlock
			},
			want: domain.FailureLocked,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repricer := &testAgent{slug: "repricer", kind: domain.KindManual, run: proposeSKUs("A")}
			needsKey := &testAgent{
				slug:   "needs-key",
				kind:   domain.KindManual,
				canRun: func(*domain.TenantAgentState) bool { return false },
			}
			trail := &recordingAuditor{}
			h := newHarness(t, harnessOpts{auditor: trail}, []registry.Agent{repricer, needsKey}, newTestHandler())
			if tc.setup != nil {
				if cleanup := tc.setup(t, h); cleanup != nil {
					defer cleanup()
				}
			}

			res := h.orch.RunAgent(ctx, tc.slug, "shop-1", domain.TriggerManual, nil)
			assert.False(t, res.Success)
			assert.Equal(t, tc.want, res.Kind)
			assert.Empty(t, res.RunID)
			assert.NotEmpty(t, res.ErrorMessage)

			runs, err := h.store.ListRuns(ctx, "shop-1", "", 10)
			require.NoError(t, err)
			assert.Empty(t, runs)
			assert.Empty(t, trail.Events(), "refusal before a run exists is only logged")
			assert.Zero(t, repricer.calls.Load())
			assert.Zero(t, needsKey.calls.Load())
		})
	}
}

func TestRunAgent_CanRunSeesMergedConfig(t *testing.T) {
	ctx := context.Background()
	agent := &testAgent{
		slug:   "feed-sync",
		kind:   domain.KindManual,
		config: domain.Config{"api_key": "", "region": "eu"},
		canRun: func(s *domain.TenantAgentState) bool {
			return s.Config.String("api_key", "") != "" && s.Config.String("region", "") == "eu"
		},
	}
	h := newHarness(t, harnessOpts{}, []registry.Agent{agent})

	res := h.orch.RunAgent(ctx, "feed-sync", "shop-1", domain.TriggerManual, nil)
	assert.Equal(t, domain.FailurePrecondition, res.Kind)

	_, err := h.orch.UpdateSettings(ctx, "shop-1", "feed-sync", SettingsPatch{Config: domain.Config{"api_key": "secret"}})
	require.NoError(t, err)

	res = h.orch.RunAgent(ctx, "feed-sync", "shop-1", domain.TriggerManual, nil)
	assert.True(t, res.Success, res.ErrorMessage)
}

func TestRunAgent_CanRunPanicIsRefusal(t *testing.T) {
	agent := &testAgent{
		slug:   "fragile",
		kind:   domain.KindManual,
		canRun: func(*domain.TenantAgentState) bool { panic("nil integration") },
	}
	h := newHarness(t, harnessOpts{}, []registry.Agent{agent})

	res := h.orch.RunAgent(context.Background(), "fragile", "shop-1", domain.TriggerManual, nil)
	assert.Equal(t, domain.FailurePrecondition, res.Kind)
	assert.Zero(t, agent.calls.Load())
}

func TestRunAgent_ConcurrentRunIsLocked(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{})
	release := make(chan struct{})
	agent := &testAgent{slug: "slow", kind: domain.KindManual, run: func(context.Context, *domain.Run, *domain.TenantAgentState, registry.ActionProposer) (string, error) {
		close(started)
		<-release
		return "done", nil
	}}
	h := newHarness(t, harnessOpts{}, []registry.Agent{agent})

	first := make(chan domain.RunResult, 1)
	go func() { first <- h.orch.RunAgent(ctx, "slow", "shop-1", domain.TriggerManual, nil) }()
	<-started

	second := h.orch.RunAgent(ctx, "slow", "shop-1", domain.TriggerManual, nil)
	assert.Equal(t, domain.FailureLocked, second.Kind)
	assert.Empty(t, second.RunID)

	close(release)
	res := <-first
	assert.True(t, res.Success, res.ErrorMessage)
	assert.EqualValues(t, 1, agent.calls.Load())
}

func TestRunAgent_FailuresAreContained(t *testing.T) {
	cases := []struct {
		name    string
		run     runFunc
		message string
	}{
		{
			name: "error",
			run: func(context.Context, *domain.Run, *domain.TenantAgentState, registry.ActionProposer) (string, error) {
				return "", errors.New("catalog unavailable")
			},
			message: "catalog unavailable",
		},
		{
			name: "panic",
			run: func(context.Context, *domain.Run, *domain.TenantAgentState, registry.ActionProposer) (string, error) {
				panic("index out of range")
			},
			message: "agent panic: index out of range",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			agent := &testAgent{slug: "broken", kind: domain.KindManual, run: tc.run}
			h := newHarness(t, harnessOpts{}, []registry.Agent{agent})

			res := h.orch.RunAgent(ctx, "broken", "shop-1", domain.TriggerManual, nil)
			assert.False(t, res.Success)
			assert.Equal(t, domain.FailureExecution, res.Kind)
			require.NotEmpty(t, res.RunID)
			assert.Contains(t, res.ErrorMessage, tc.message)

			run, err := h.store.GetRun(ctx, res.RunID)
			require.NoError(t, err)
			assert.Equal(t, domain.RunFailed, run.Status)
			assert.Contains(t, run.ErrorMessage, tc.message)
			assert.NotNil(t, run.FinishedAt)
		})
	}
}

func TestRunAgent_FailedRunDoesNotExecuteProposals(t *testing.T) {
	ctx := context.Background()
	agent := &testAgent{slug: "half-done", kind: domain.KindManual, run: func(ctx context.Context, _ *domain.Run, _ *domain.TenantAgentState, p registry.ActionProposer) (string, error) {
		if _, err := p.Propose(ctx, testAction, domain.Payload{"sku": "A"}); err != nil {
			return "", err
		}
		return "", errors.New("second page failed")
	}}
	handler := newTestHandler()
	h := newHarness(t, harnessOpts{}, []registry.Agent{agent}, handler)
	h.setPermission(t, "shop-1", "half-done", domain.PermissionAuto)

	res := h.orch.RunAgent(ctx, "half-done", "shop-1", domain.TriggerManual, nil)
	require.False(t, res.Success)

	actions := h.runActions(t, res.RunID)
	require.Len(t, actions, 1)
	assert.Equal(t, domain.ActionPending, actions[0].Status)
	assert.Empty(t, handler.Executed())
}

func TestRunAgent_TimeoutClosesProposer(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	late := make(chan error, 1)
	agent := &testAgent{slug: "stuck", kind: domain.KindManual, run: func(_ context.Context, _ *domain.Run, _ *domain.TenantAgentState, p registry.ActionProposer) (string, error) {
		<-release
		_, err := p.Propose(context.Background(), testAction, domain.Payload{"sku": "LATE"})
		late <- err
		return "too late", nil
	}}
	h := newHarness(t, harnessOpts{timeout: 50 * time.Millisecond}, []registry.Agent{agent}, newTestHandler())

	res := h.orch.RunAgent(ctx, "stuck", "shop-1", domain.TriggerManual, nil)
	close(release)

	assert.False(t, res.Success)
	assert.Equal(t, domain.FailureTimeout, res.Kind)
	require.NotEmpty(t, res.RunID)

	select {
	case err := <-late:
		assert.ErrorIs(t, err, ErrRunClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("abandoned agent did not finish")
	}

	run, err := h.store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Contains(t, run.ErrorMessage, "timed out")
	assert.Empty(t, h.runActions(t, res.RunID))

	// Лок отпущен, пара снова доступна
	unlock, ok, err := h.locker.TryLock(ctx, "shop-1", "stuck")
	require.NoError(t, err)
	assert.True(t, ok)
	unlock()
}

func TestRunAgent_CooperativeTimeout(t *testing.T) {
	agent := &testAgent{slug: "polite", kind: domain.KindManual, run: func(ctx context.Context, _ *domain.Run, _ *domain.TenantAgentState, _ registry.ActionProposer) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	h := newHarness(t, harnessOpts{timeout: 30 * time.Millisecond}, []registry.Agent{agent})

	res := h.orch.RunAgent(context.Background(), "polite", "shop-1", domain.TriggerManual, nil)
	assert.Equal(t, domain.FailureTimeout, res.Kind)
}

func TestRunAgent_BackgroundRecordsSchedule(t *testing.T) {
	ctx := context.Background()
	agent := &testAgent{slug: "nightly", kind: domain.KindBackground, run: func(context.Context, *domain.Run, *domain.TenantAgentState, registry.ActionProposer) (string, error) {
		time.Sleep(30 * time.Millisecond)
		return "done", nil
	}}
	h := newHarness(t, harnessOpts{}, []registry.Agent{agent})

	res := h.orch.RunAgent(ctx, "nightly", "shop-1", domain.TriggerManual, nil)
	require.True(t, res.Success, res.ErrorMessage)

	run, err := h.store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	require.NotNil(t, run.StartedAt)
	require.NotNil(t, run.FinishedAt)

	state, err := h.store.GetOrCreateTenantState(ctx, "shop-1", "nightly", domain.StateDefaults{})
	require.NoError(t, err)
	require.NotNil(t, state.LastRunAt)
	require.NotNil(t, state.NextRunAt)
	// last_run_at фиксирует момент вызова, а не завершения
	assert.WithinDuration(t, *run.StartedAt, *state.LastRunAt, time.Millisecond)
	assert.True(t, state.LastRunAt.Before(*run.FinishedAt))
	assert.WithinDuration(t, run.FinishedAt.Add(time.Hour), *state.NextRunAt, time.Second)
}

func TestRunAgent_ManualAgentHasNoNextRun(t *testing.T) {
	ctx := context.Background()
	agent := &testAgent{slug: "export", kind: domain.KindManual}
	h := newHarness(t, harnessOpts{}, []registry.Agent{agent})

	require.True(t, h.orch.RunAgent(ctx, "export", "shop-1", domain.TriggerManual, nil).Success)

	state, err := h.store.GetOrCreateTenantState(ctx, "shop-1", "export", domain.StateDefaults{})
	require.NoError(t, err)
	assert.NotNil(t, state.LastRunAt)
	assert.Nil(t, state.NextRunAt)
}

func TestRunAgent_QuarantineForcesApproval(t *testing.T) {
	ctx := context.Background()
	agent := &testAgent{slug: "repricer", kind: domain.KindManual, run: proposeSKUs("A")}
	handler := newTestHandler()
	h := newHarness(t, harnessOpts{}, []registry.Agent{agent}, handler)
	h.setPermission(t, "shop-1", "repricer", domain.PermissionAuto)
	require.NoError(t, h.quarantine.Set(ctx, "repricer", true))

	res := h.orch.RunAgent(ctx, "repricer", "shop-1", domain.TriggerManual, nil)
	require.True(t, res.Success, res.ErrorMessage)
	actions := h.runActions(t, res.RunID)
	require.Len(t, actions, 1)
	assert.True(t, actions[0].RequiresApproval)
	assert.Equal(t, domain.ActionPending, actions[0].Status)
	assert.Empty(t, handler.Executed())

	require.NoError(t, h.quarantine.Set(ctx, "repricer", false))
	res = h.orch.RunAgent(ctx, "repricer", "shop-1", domain.TriggerManual, nil)
	require.True(t, res.Success, res.ErrorMessage)
	assert.Equal(t, []string{"A"}, handler.Executed())
}

func TestRunAgent_ApprovalRulesEscalateRiskyActions(t *testing.T) {
	ctx := context.Background()
	agent := &testAgent{slug: "clearance", kind: domain.KindManual, run: func(ctx context.Context, _ *domain.Run, _ *domain.TenantAgentState, p registry.ActionProposer) (string, error) {
		for _, d := range []struct {
			sku string
			pct float64
		}{{"SMALL", 10}, {"DEEP", 55}} {
			if _, err := p.Propose(ctx, testAction, domain.Payload{"sku": d.sku, "discount_pct": d.pct}); err != nil {
				return "", err
			}
		}
		return "ok", nil
	}}
	handler := newTestHandler()
	h := newHarness(t, harnessOpts{}, []registry.Agent{agent}, handler)

	auto := domain.PermissionAuto
	_, err := h.orch.UpdateSettings(ctx, "shop-1", "clearance", SettingsPatch{
		PermissionLevel: &auto,
		Config: domain.Config{domain.ApprovalRulesKey: []any{
			map[string]any{"action_type": testAction, "field": "discount_pct", "threshold": 30},
		}},
	})
	require.NoError(t, err)

	res := h.orch.RunAgent(ctx, "clearance", "shop-1", domain.TriggerManual, nil)
	require.True(t, res.Success, res.ErrorMessage)

	actions := h.runActions(t, res.RunID)
	require.Len(t, actions, 2)
	assert.Equal(t, domain.ActionExecuted, actions[0].Status)
	assert.False(t, actions[0].RequiresApproval)
	assert.Equal(t, domain.ActionPending, actions[1].Status)
	assert.True(t, actions[1].RequiresApproval)
	assert.Equal(t, []string{"SMALL"}, handler.Executed())
}

func TestRunAgent_BadProposalsFailIndividually(t *testing.T) {
	ctx := context.Background()
	agent := &testAgent{slug: "mixed", kind: domain.KindManual, run: func(ctx context.Context, _ *domain.Run, _ *domain.TenantAgentState, p registry.ActionProposer) (string, error) {
		proposals := []struct {
			actionType string
			payload    domain.Payload
		}{
			{"ghost.action", domain.Payload{"sku": "X"}},
			{testAction, domain.Payload{"price": 1.0}},
			{testAction, domain.Payload{"sku": "GOOD"}},
		}
		for _, pr := range proposals {
			if _, err := p.Propose(ctx, pr.actionType, pr.payload); err != nil {
				return "", err
			}
		}
		return "mixed bag", nil
	}}
	handler := newTestHandler()
	h := newHarness(t, harnessOpts{}, []registry.Agent{agent}, handler)
	h.setPermission(t, "shop-1", "mixed", domain.PermissionAuto)

	res := h.orch.RunAgent(ctx, "mixed", "shop-1", domain.TriggerManual, nil)
	require.True(t, res.Success, res.ErrorMessage)

	actions := h.runActions(t, res.RunID)
	require.Len(t, actions, 3)
	assert.Equal(t, domain.ActionFailed, actions[0].Status)
	assert.Contains(t, actions[0].ErrorMessage, "no handler")
	assert.Equal(t, domain.ActionFailed, actions[1].Status)
	assert.Contains(t, actions[1].ErrorMessage, "invalid payload")
	assert.Equal(t, domain.ActionExecuted, actions[2].Status)
	assert.Equal(t, []string{"GOOD"}, handler.Executed())
}
