package engine_test

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"agentrelay/internal/config"
	"agentrelay/internal/directory"
	"agentrelay/internal/domain"
	"agentrelay/internal/engine"
	"agentrelay/internal/planner"
	"agentrelay/internal/wallet"
)

// stubPlanner returns a fixed plan or error without any network call.
type stubPlanner struct {
	plan *domain.ProjectPlan
	err  error
}

func (s stubPlanner) Generate(ctx context.Context, req planner.Request) (*domain.ProjectPlan, error) {
	if s.err != nil {
		return nil, s.err
	}
	plan := s.plan.Clone()
	plan.CompanyName = req.CompanyName
	plan.ClientWallet = req.ClientWallet
	plan.TotalBudget = req.Budget
	plan.RemainingBudget = req.Budget
	return plan, nil
}

type testEnv struct {
	Engine *engine.Engine
	Store  *directory.MemoryStore
	Ctx    context.Context
}

func newTestEnv(t *testing.T, gen planner.Generator) testEnv {
	t.Helper()
	store := directory.NewMemoryStore()
	cfg := config.Default()
	cfg.Engine.SettleDelayMS = 0
	cfg.Engine.NoMatchDelayMS = 0
	eng := engine.New(store, gen, wallet.NewSimulated(), cfg, nil)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.Sleep = func(ctx context.Context, d time.Duration) {}
	return testEnv{Engine: eng, Store: store, Ctx: context.Background()}
}

func seedProvider(t *testing.T, env testEnv, name string, category domain.Category) domain.ServiceProvider {
	t.Helper()
	p, err := env.Store.Add(env.Ctx, domain.ServiceProvider{
		Name:     name,
		Wallet:   "0x" + strings.ToLower(name),
		Category: category,
	})
	if err != nil {
		t.Fatalf("seed provider: %v", err)
	}
	return p
}

func twoTaskPlan() *domain.ProjectPlan {
	return &domain.ProjectPlan{
		ProjectName:     "Launch Campaign",
		TotalBudget:     100,
		EstimatedMargin: 15,
		RemainingBudget: 100,
		Tasks: []domain.SubTask{
			{ID: "t1", Name: "Technical Audit", AgentType: "Technical Audit", CostMNEE: 40, Status: domain.StatusPending},
			{ID: "t2", Name: "Design Mockups", AgentType: "Design Mockups", CostMNEE: 45, Status: domain.StatusPending},
		},
	}
}

func TestPipelineAssignsByCategorySubstring(t *testing.T) {
	env := newTestEnv(t, stubPlanner{plan: twoTaskPlan()})
	tech := seedProvider(t, env, "NexusTech", domain.CategoryTech)

	plan, err := env.Engine.RunPipeline(env.Ctx, engine.RunOptions{Brief: "launch", Budget: 100})
	if err != nil {
		t.Fatalf("RunPipeline: %v", err)
	}

	// "Technical Audit" contains "tech": assigned and processing.
	if got := plan.Task("t1"); got.Status != domain.StatusProcessing || got.AssignedProviderID != tech.ID {
		t.Errorf("t1 = %s/%s, want processing assigned to %s", got.Status, got.AssignedProviderID, tech.ID)
	}
	// No Design provider: manual review.
	if got := plan.Task("t2"); got.Status != domain.StatusReviewPending || got.AssignedProviderID != "" {
		t.Errorf("t2 = %s/%s, want review_pending unassigned", got.Status, got.AssignedProviderID)
	}
}

func TestPipelineRequiresBrief(t *testing.T) {
	env := newTestEnv(t, stubPlanner{plan: twoTaskPlan()})
	if _, err := env.Engine.RunPipeline(env.Ctx, engine.RunOptions{Brief: "  "}); err == nil {
		t.Fatal("RunPipeline with empty brief succeeded")
	}
	if env.Engine.Plan() != nil {
		t.Error("plan published despite missing brief")
	}
	log := env.Engine.Log.Snapshot()
	if len(log) != 1 || log[0].Type != domain.LogError {
		t.Errorf("log = %+v, want single error entry", log)
	}
}

func TestPipelineGenerationFailureLeavesNoPlan(t *testing.T) {
	env := newTestEnv(t, stubPlanner{err: &planner.GenerationError{Reason: "reply is not valid JSON"}})
	if _, err := env.Engine.RunPipeline(env.Ctx, engine.RunOptions{Brief: "launch"}); err == nil {
		t.Fatal("RunPipeline succeeded, want generation error")
	}
	if env.Engine.Plan() != nil {
		t.Error("plan published despite generation failure")
	}
	var errorEntries int
	for _, entry := range env.Engine.Log.Snapshot() {
		if entry.Type == domain.LogError {
			errorEntries++
		}
	}
	if errorEntries != 1 {
		t.Errorf("error log entries = %d, want exactly 1", errorEntries)
	}
}

func TestApproveDecrementsBudgetOnce(t *testing.T) {
	env := newTestEnv(t, stubPlanner{plan: twoTaskPlan()})
	seedProvider(t, env, "NexusTech", domain.CategoryTech)
	seedProvider(t, env, "AuraCreative", domain.CategoryDesign)

	if _, err := env.Engine.RunPipeline(env.Ctx, engine.RunOptions{Brief: "launch", Budget: 100}); err != nil {
		t.Fatalf("RunPipeline: %v", err)
	}

	// Both assigned; submit deliverables then approve in reverse order.
	for _, id := range []string{"t1", "t2"} {
		if _, err := env.Engine.SubmitDeliverable(env.Ctx, id, domain.FileMetadata{Type: "Final Delivery", Extension: "pdf"}); err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
	}
	for _, id := range []string{"t2", "t1"} {
		task, err := env.Engine.Approve(env.Ctx, id)
		if err != nil {
			t.Fatalf("approve %s: %v", id, err)
		}
		if task.Status != domain.StatusCompleted {
			t.Errorf("%s status = %s, want completed", id, task.Status)
		}
		if !regexp.MustCompile(`^0x[0-9a-f]{64}$`).MatchString(task.TxHash) {
			t.Errorf("%s txHash = %q", id, task.TxHash)
		}
	}

	plan := env.Engine.Plan()
	if plan.RemainingBudget != 15 {
		t.Errorf("remainingBudget = %v, want 100 - 40 - 45 = 15", plan.RemainingBudget)
	}

	// Re-approving a completed task is a no-op.
	first := plan.Task("t1").TxHash
	again, err := env.Engine.Approve(env.Ctx, "t1")
	if err != nil {
		t.Fatalf("re-approve: %v", err)
	}
	if again.TxHash != first {
		t.Errorf("txHash changed on re-approve: %s != %s", again.TxHash, first)
	}
	if got := env.Engine.Plan().RemainingBudget; got != 15 {
		t.Errorf("remainingBudget after re-approve = %v, want 15", got)
	}
}

// brokenStore makes directory listing fail so resolution cannot move tasks
// out of pending.
type brokenStore struct {
	*directory.MemoryStore
}

func (b brokenStore) List(ctx context.Context) ([]domain.ServiceProvider, error) {
	return nil, errors.New("directory offline")
}

func TestNoDirectPendingToCompleted(t *testing.T) {
	env := newTestEnv(t, stubPlanner{plan: twoTaskPlan()})
	env.Engine.Directory = brokenStore{env.Store}

	if _, err := env.Engine.RunPipeline(env.Ctx, engine.RunOptions{Brief: "launch", Budget: 100}); err != nil {
		t.Fatalf("RunPipeline: %v", err)
	}
	got := env.Engine.Plan().Task("t1")
	if got.Status != domain.StatusPending {
		t.Fatalf("t1 = %s, want still pending with directory offline", got.Status)
	}
	if _, err := env.Engine.Approve(env.Ctx, "t1"); err == nil {
		t.Error("approve of pending task succeeded, want transition error")
	}
	if budget := env.Engine.Plan().RemainingBudget; budget != 100 {
		t.Errorf("remainingBudget = %v, want untouched 100", budget)
	}
}

// hookStore runs a one-shot callback on a directory call, so a competing
// pipeline run can be started in the middle of another operation.
type hookStore struct {
	*directory.MemoryStore
	onList func()
	onGet  func()
}

func (h *hookStore) List(ctx context.Context) ([]domain.ServiceProvider, error) {
	if h.onList != nil {
		fn := h.onList
		h.onList = nil
		fn()
	}
	return h.MemoryStore.List(ctx)
}

func (h *hookStore) Get(ctx context.Context, id string) (domain.ServiceProvider, error) {
	if h.onGet != nil {
		fn := h.onGet
		h.onGet = nil
		fn()
	}
	return h.MemoryStore.Get(ctx, id)
}

func TestApproveDroppedWhenRunSuperseded(t *testing.T) {
	env := newTestEnv(t, stubPlanner{plan: twoTaskPlan()})
	seedProvider(t, env, "NexusTech", domain.CategoryTech)
	hooked := &hookStore{MemoryStore: env.Store}
	env.Engine.Directory = hooked

	if _, err := env.Engine.RunPipeline(env.Ctx, engine.RunOptions{Brief: "launch", Budget: 100}); err != nil {
		t.Fatalf("RunPipeline: %v", err)
	}

	// A second run replaces the plan while the approve is between its status
	// check and its commit.
	hooked.onGet = func() {
		if _, err := env.Engine.RunPipeline(env.Ctx, engine.RunOptions{Brief: "relaunch", Budget: 100}); err != nil {
			t.Fatalf("competing run: %v", err)
		}
	}
	if _, err := env.Engine.Approve(env.Ctx, "t1"); err == nil || !strings.Contains(err.Error(), "superseded") {
		t.Fatalf("approve err = %v, want run superseded", err)
	}

	plan := env.Engine.Plan()
	task := plan.Task("t1")
	if task.Status == domain.StatusCompleted || task.TxHash != "" {
		t.Errorf("t1 = %s tx=%q, stale approve must not complete the new plan's task", task.Status, task.TxHash)
	}
	if plan.RemainingBudget != 100 {
		t.Errorf("remainingBudget = %v, want untouched 100", plan.RemainingBudget)
	}
}

func TestPipelineSupersededReturnsError(t *testing.T) {
	env := newTestEnv(t, stubPlanner{plan: twoTaskPlan()})
	seedProvider(t, env, "NexusTech", domain.CategoryTech)
	hooked := &hookStore{MemoryStore: env.Store}
	env.Engine.Directory = hooked

	var second *domain.ProjectPlan
	hooked.onList = func() {
		p, err := env.Engine.RunPipeline(env.Ctx, engine.RunOptions{Brief: "relaunch", Budget: 100})
		if err != nil {
			t.Fatalf("competing run: %v", err)
		}
		second = p
	}

	plan, err := env.Engine.RunPipeline(env.Ctx, engine.RunOptions{Brief: "launch", Budget: 100})
	if err == nil || !strings.Contains(err.Error(), "superseded") {
		t.Fatalf("superseded run returned err = %v, want run superseded", err)
	}
	if plan != nil {
		t.Errorf("superseded run returned a plan: %+v", plan)
	}
	if second == nil || env.Engine.Plan() == nil {
		t.Fatal("competing run did not publish a plan")
	}
}

func TestRejectWithEmptyDirectoryReturnsToReview(t *testing.T) {
	env := newTestEnv(t, stubPlanner{plan: twoTaskPlan()})
	if _, err := env.Engine.RunPipeline(env.Ctx, engine.RunOptions{Brief: "launch", Budget: 100}); err != nil {
		t.Fatalf("RunPipeline: %v", err)
	}
	// No providers: both tasks settled into review_pending.
	task, err := env.Engine.Reject(env.Ctx, "t1")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if task.Status != domain.StatusReviewPending {
		t.Fatalf("t1 = %s, want review_pending after reassignment with empty directory", task.Status)
	}
	if task.RevisionCount != 1 {
		t.Errorf("revisionCount = %d, want 1", task.RevisionCount)
	}
}

func TestRejectReassignsToNewProvider(t *testing.T) {
	env := newTestEnv(t, stubPlanner{plan: twoTaskPlan()})
	tech := seedProvider(t, env, "NexusTech", domain.CategoryTech)

	if _, err := env.Engine.RunPipeline(env.Ctx, engine.RunOptions{Brief: "launch", Budget: 100}); err != nil {
		t.Fatalf("RunPipeline: %v", err)
	}
	if _, err := env.Engine.SubmitDeliverable(env.Ctx, "t1", domain.FileMetadata{Type: "Audit", Extension: "pdf"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	task, err := env.Engine.Reject(env.Ctx, "t1")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if task.Status != domain.StatusProcessing || task.AssignedProviderID != tech.ID {
		t.Errorf("after reject = %s/%s, want processing back with %s", task.Status, task.AssignedProviderID, tech.ID)
	}
	if task.RevisionCount != 1 {
		t.Errorf("revisionCount = %d, want 1", task.RevisionCount)
	}
}

func TestFailIsTerminal(t *testing.T) {
	env := newTestEnv(t, stubPlanner{plan: twoTaskPlan()})
	seedProvider(t, env, "NexusTech", domain.CategoryTech)
	if _, err := env.Engine.RunPipeline(env.Ctx, engine.RunOptions{Brief: "launch", Budget: 100}); err != nil {
		t.Fatalf("RunPipeline: %v", err)
	}

	task, err := env.Engine.Fail(env.Ctx, "t1", "provider unreachable")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if task.Status != domain.StatusFailed {
		t.Errorf("status = %s, want failed", task.Status)
	}
	if _, err := env.Engine.SubmitDeliverable(env.Ctx, "t1", domain.FileMetadata{}); err == nil {
		t.Error("submit after failure succeeded, want transition error")
	}
	budget := env.Engine.Plan().RemainingBudget
	if budget != 100 {
		t.Errorf("remainingBudget = %v, failed task must not settle", budget)
	}
}

func TestTaskOpsWithoutPlan(t *testing.T) {
	env := newTestEnv(t, stubPlanner{plan: twoTaskPlan()})
	if _, err := env.Engine.Approve(env.Ctx, "t1"); !errors.Is(err, engine.ErrNoPlan) {
		t.Errorf("approve err = %v, want ErrNoPlan", err)
	}
	if _, err := env.Engine.Reject(env.Ctx, "t1"); !errors.Is(err, engine.ErrNoPlan) {
		t.Errorf("reject err = %v, want ErrNoPlan", err)
	}
}

func TestUnknownTask(t *testing.T) {
	env := newTestEnv(t, stubPlanner{plan: twoTaskPlan()})
	if _, err := env.Engine.RunPipeline(env.Ctx, engine.RunOptions{Brief: "launch"}); err != nil {
		t.Fatalf("RunPipeline: %v", err)
	}
	if _, err := env.Engine.Approve(env.Ctx, "nope"); !errors.Is(err, engine.ErrTaskNotFound) {
		t.Errorf("approve err = %v, want ErrTaskNotFound", err)
	}
}

func TestExecutionLogCapAndOrder(t *testing.T) {
	log := engine.NewExecutionLog(func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) })
	for i := 0; i < 60; i++ {
		log.Append(fmt.Sprintf("entry %d", i), domain.LogInfo)
	}
	entries := log.Snapshot()
	if len(entries) != 50 {
		t.Fatalf("len = %d, want capped at 50", len(entries))
	}
	if entries[0].Message != "entry 59" {
		t.Errorf("head = %q, want newest first", entries[0].Message)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Seq >= entries[i-1].Seq {
			t.Fatalf("order broken at %d: %d >= %d", i, entries[i].Seq, entries[i-1].Seq)
		}
	}

	after := log.After(55)
	if len(after) != 5 {
		t.Fatalf("After(55) = %d entries, want 5", len(after))
	}
	if after[0].Seq != 56 || after[4].Seq != 60 {
		t.Errorf("After order = %d..%d, want 56..60 oldest first", after[0].Seq, after[4].Seq)
	}
}

func TestConnectWalletFallsBackToSimulation(t *testing.T) {
	env := newTestEnv(t, stubPlanner{plan: twoTaskPlan()})
	env.Engine.Wallet = nil

	acct, err := env.Engine.ConnectWallet(env.Ctx)
	if err != nil {
		t.Fatalf("ConnectWallet: %v", err)
	}
	if acct.Address == "" || acct.Balance < 1000 {
		t.Errorf("fallback account = %+v", acct)
	}
	found := false
	for _, entry := range env.Engine.Log.Snapshot() {
		if entry.Type == domain.LogWarning {
			found = true
		}
	}
	if !found {
		t.Error("fallback connect did not log a warning")
	}
}
