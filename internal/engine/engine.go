// Package engine drives the orchestration pipeline: plan generation,
// provider assignment, the per-task lifecycle and settlement.
package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"agentrelay/internal/config"
	"agentrelay/internal/directory"
	"agentrelay/internal/domain"
	"agentrelay/internal/planner"
	"agentrelay/internal/wallet"
)

// ErrNoPlan is returned by task operations before any pipeline run has
// published a plan.
var ErrNoPlan = errors.New("no active project plan")

// ErrTaskNotFound marks an unknown task id within the active plan.
var ErrTaskNotFound = errors.New("task not found in active plan")

type Engine struct {
	Directory directory.Store
	Planner   planner.Generator
	Wallet    wallet.Provider
	Config    *config.Config
	Log       *ExecutionLog
	Logger    *zap.Logger
	Now       func() time.Time
	Sleep     func(ctx context.Context, d time.Duration)

	mu     sync.Mutex
	plan   *domain.ProjectPlan
	runSeq uint64

	walletMu sync.Mutex
	account  *wallet.Account
	fallback *wallet.Simulated
}

func New(store directory.Store, gen planner.Generator, w wallet.Provider, cfg *config.Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		Directory: store,
		Planner:   gen,
		Wallet:    w,
		Config:    cfg,
		Logger:    logger,
		Now:       time.Now,
		Sleep:     sleepCtx,
		fallback:  wallet.NewSimulated(),
	}
	e.Log = NewExecutionLog(e.now)
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) sleep(ctx context.Context, ms int) {
	if ms <= 0 || e.Sleep == nil {
		return
	}
	e.Sleep(ctx, time.Duration(ms)*time.Millisecond)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// RunOptions are the parameters of one orchestration run. Empty CompanyName
// and ClientWallet fall back to configured defaults and a generated wallet.
type RunOptions struct {
	Brief        string
	Budget       float64
	CompanyName  string
	ClientWallet string
}

// RunPipeline generates a plan from the brief and resolves every sub-task
// sequentially in generation order. Generation failure aborts the run with
// no plan published; a later run supersedes an in-flight one, whose results
// are then discarded.
func (e *Engine) RunPipeline(ctx context.Context, opts RunOptions) (*domain.ProjectPlan, error) {
	if strings.TrimSpace(opts.Brief) == "" {
		e.Log.Append("Brief required.", domain.LogError)
		return nil, errors.New("brief is required")
	}
	if opts.Budget <= 0 {
		opts.Budget = e.Config.Defaults.Budget
	}
	if opts.CompanyName == "" {
		opts.CompanyName = e.Config.Defaults.CompanyName
	}
	if opts.ClientWallet == "" {
		opts.ClientWallet = "0x" + randomHexString(20)
	}

	e.mu.Lock()
	e.runSeq++
	runID := e.runSeq
	e.plan = nil
	e.mu.Unlock()

	e.Log.Append("Contacting autonomous relay...", domain.LogInfo)
	e.Logger.Info("pipeline run started",
		zap.Uint64("run", runID),
		zap.Float64("budget", opts.Budget))

	plan, err := e.Planner.Generate(ctx, planner.Request{
		Brief:        opts.Brief,
		Budget:       opts.Budget,
		CompanyName:  opts.CompanyName,
		ClientWallet: opts.ClientWallet,
	})
	if err != nil {
		e.Log.Append(fmt.Sprintf("Relay error: %v", err), domain.LogError)
		e.Logger.Warn("plan generation failed", zap.Uint64("run", runID), zap.Error(err))
		return nil, err
	}

	e.mu.Lock()
	if runID != e.runSeq {
		e.mu.Unlock()
		e.Logger.Info("stale run discarded", zap.Uint64("run", runID))
		return nil, fmt.Errorf("run superseded before plan publication")
	}
	e.plan = plan
	e.mu.Unlock()

	e.Log.Append(fmt.Sprintf("Workflow optimized. Pipeline margin: %.2f MNEE.", plan.EstimatedMargin), domain.LogSuccess)

	for _, task := range plan.Tasks {
		// Resolution failures are task-scoped and never abort the run.
		if err := e.resolveTask(ctx, runID, task.ID, false); err != nil {
			e.Logger.Warn("task resolution failed",
				zap.Uint64("run", runID),
				zap.String("task", task.ID),
				zap.Error(err))
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if runID != e.runSeq {
		e.Logger.Info("stale run discarded", zap.Uint64("run", runID))
		return nil, fmt.Errorf("run superseded")
	}
	return e.plan.Clone(), nil
}

// resolveTask runs the assignment resolver for one sub-task and applies the
// outcome, unless the run has been superseded in the meantime.
func (e *Engine) resolveTask(ctx context.Context, runID uint64, taskID string, reassigned bool) error {
	if reassigned {
		e.Log.Append("Searching directory for new specialized partner...", domain.LogInfo)
	}
	e.sleep(ctx, e.Config.Engine.SettleDelayMS)

	providers, err := e.Directory.List(ctx)
	if err != nil {
		return fmt.Errorf("list providers: %w", err)
	}

	e.mu.Lock()
	task, err := e.currentTask(runID, taskID)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	matched, ok := ResolveProvider(*task, providers)
	if ok {
		if err := ensureTaskTransition(task.Status, domain.StatusProcessing); err != nil {
			e.mu.Unlock()
			return err
		}
		task.Status = domain.StatusProcessing
		task.AssignedProviderID = matched.ID
		name := task.Name
		e.mu.Unlock()
		e.Log.Append(fmt.Sprintf("%s assigned to partner: %s", name, matched.Name), domain.LogInfo)
		return nil
	}
	e.mu.Unlock()

	// No provider covers this category; settle into manual review.
	e.sleep(ctx, e.Config.Engine.NoMatchDelayMS)

	e.mu.Lock()
	task, err = e.currentTask(runID, taskID)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if err := ensureTaskTransition(task.Status, domain.StatusReviewPending); err != nil {
		e.mu.Unlock()
		return err
	}
	task.Status = domain.StatusReviewPending
	name := task.Name
	e.mu.Unlock()
	e.Log.Append(fmt.Sprintf("No partner match for %s; queued for manual review.", name), domain.LogWarning)
	return nil
}

// currentTask returns the live sub-task pointer, failing when the run has
// been superseded, no plan exists, or the id is unknown. Caller holds mu.
func (e *Engine) currentTask(runID uint64, taskID string) (*domain.SubTask, error) {
	if runID != 0 && runID != e.runSeq {
		return nil, fmt.Errorf("run superseded")
	}
	if e.plan == nil {
		return nil, ErrNoPlan
	}
	task := e.plan.Task(taskID)
	if task == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return task, nil
}

// Approve settles a sub-task: releases the payment, records the transaction
// hash and decrements the remaining budget, exactly once. Approving a task
// that is already terminal is a no-op.
func (e *Engine) Approve(ctx context.Context, taskID string) (domain.SubTask, error) {
	e.mu.Lock()
	task, err := e.currentTask(0, taskID)
	if err != nil {
		e.mu.Unlock()
		return domain.SubTask{}, err
	}
	if task.Status.Terminal() {
		snapshot := *task
		e.mu.Unlock()
		return snapshot, nil
	}
	if err := ensureTaskTransition(task.Status, domain.StatusCompleted); err != nil {
		e.mu.Unlock()
		return domain.SubTask{}, err
	}
	runID := e.runSeq
	name, cost, providerID := task.Name, task.CostMNEE, task.AssignedProviderID
	clientWallet := e.plan.ClientWallet
	e.mu.Unlock()

	e.Log.Append(fmt.Sprintf("Approving work for %s...", name), domain.LogInfo)

	destination := ""
	if providerID != "" {
		if p, err := e.Directory.Get(ctx, providerID); err == nil {
			destination = p.Wallet
		}
	}
	txHash := e.settle(ctx, clientWallet, destination, cost)

	// The settle window ran unlocked; the plan may have been replaced or the
	// task moved in the meantime. Recommit only against the same run and a
	// still-approvable status.
	e.mu.Lock()
	task, err = e.currentTask(runID, taskID)
	if err != nil {
		e.mu.Unlock()
		return domain.SubTask{}, err
	}
	if task.Status.Terminal() {
		// Settled concurrently; keep the first outcome.
		snapshot := *task
		e.mu.Unlock()
		return snapshot, nil
	}
	if err := ensureTaskTransition(task.Status, domain.StatusCompleted); err != nil {
		e.mu.Unlock()
		return domain.SubTask{}, err
	}
	task.Status = domain.StatusCompleted
	task.TxHash = txHash
	e.plan.RemainingBudget = domain.RoundMNEE(e.plan.RemainingBudget - task.CostMNEE)
	snapshot := *task
	e.mu.Unlock()

	e.Log.Append(fmt.Sprintf("Payment of %.2f MNEE released to provider.", cost), domain.LogSuccess)
	e.Log.Append(fmt.Sprintf("Settlement tx: %s", txHash), domain.LogBlockchain)
	return snapshot, nil
}

// settle moves the funds through the wallet provider, falling back to a
// simulated transfer when the provider is read-only or unreachable.
func (e *Engine) settle(ctx context.Context, from, to string, amount float64) string {
	if e.Wallet != nil && to != "" {
		txHash, err := e.Wallet.Transfer(ctx, from, to, amount)
		if err == nil {
			return txHash
		}
		if !errors.Is(err, wallet.ErrTransferUnsupported) {
			e.Log.Append("Settlement provider unavailable; simulated transfer recorded.", domain.LogWarning)
			e.Logger.Warn("wallet transfer failed", zap.Error(err))
		}
	}
	return wallet.MockTxHash()
}

// Reject sends a reviewed sub-task back through assignment and bumps its
// revision count. There is no cap on revisions.
func (e *Engine) Reject(ctx context.Context, taskID string) (domain.SubTask, error) {
	e.mu.Lock()
	task, err := e.currentTask(0, taskID)
	if err != nil {
		e.mu.Unlock()
		return domain.SubTask{}, err
	}
	if err := ensureTaskTransition(task.Status, domain.StatusReassigning); err != nil {
		e.mu.Unlock()
		return domain.SubTask{}, err
	}
	task.Status = domain.StatusReassigning
	task.AssignedProviderID = ""
	task.RevisionCount++
	runID := e.runSeq
	name, revision := task.Name, task.RevisionCount
	e.mu.Unlock()

	e.Log.Append(fmt.Sprintf("Revision %d requested for %s.", revision, name), domain.LogInfo)
	if err := e.resolveTask(ctx, runID, taskID, true); err != nil {
		return domain.SubTask{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	task, err = e.currentTask(runID, taskID)
	if err != nil {
		return domain.SubTask{}, err
	}
	return *task, nil
}

// SubmitDeliverable attaches the deliverable descriptor and moves the
// sub-task into review.
func (e *Engine) SubmitDeliverable(ctx context.Context, taskID string, meta domain.FileMetadata) (domain.SubTask, error) {
	e.mu.Lock()
	task, err := e.currentTask(0, taskID)
	if err != nil {
		e.mu.Unlock()
		return domain.SubTask{}, err
	}
	if err := ensureTaskTransition(task.Status, domain.StatusReviewPending); err != nil {
		e.mu.Unlock()
		return domain.SubTask{}, err
	}
	task.Status = domain.StatusReviewPending
	task.FileMetadata = &meta
	snapshot := *task
	e.mu.Unlock()

	e.Log.Append(fmt.Sprintf("Deliverable received for %s (%s.%s).", snapshot.Name, meta.Type, meta.Extension), domain.LogInfo)
	return snapshot, nil
}

// Fail marks an in-flight sub-task as unrecoverable.
func (e *Engine) Fail(ctx context.Context, taskID, reason string) (domain.SubTask, error) {
	e.mu.Lock()
	task, err := e.currentTask(0, taskID)
	if err != nil {
		e.mu.Unlock()
		return domain.SubTask{}, err
	}
	if err := ensureTaskTransition(task.Status, domain.StatusFailed); err != nil {
		e.mu.Unlock()
		return domain.SubTask{}, err
	}
	task.Status = domain.StatusFailed
	snapshot := *task
	e.mu.Unlock()

	msg := fmt.Sprintf("%s failed", snapshot.Name)
	if reason != "" {
		msg += ": " + reason
	}
	e.Log.Append(msg, domain.LogError)
	return snapshot, nil
}

// Plan returns a deep copy of the active plan, or nil before any run.
func (e *Engine) Plan() *domain.ProjectPlan {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.plan.Clone()
}

// ConnectWallet connects the configured wallet provider, falling back to a
// simulated account when connectivity fails. Connectivity problems are never
// surfaced as hard failures.
func (e *Engine) ConnectWallet(ctx context.Context) (wallet.Account, error) {
	e.walletMu.Lock()
	defer e.walletMu.Unlock()
	if e.account != nil {
		return *e.account, nil
	}
	if e.Wallet != nil {
		acct, err := e.Wallet.Connect(ctx)
		if err == nil {
			e.account = &acct
			e.Log.Append(fmt.Sprintf("Relay wallet active: %s...", shortAddress(acct.Address)), domain.LogSuccess)
			return acct, nil
		}
		e.Logger.Warn("wallet connect failed", zap.Error(err))
	}
	e.Log.Append("Connection simulation started.", domain.LogWarning)
	acct, err := e.fallback.Connect(ctx)
	if err != nil {
		return wallet.Account{}, err
	}
	e.account = &acct
	return acct, nil
}

func shortAddress(addr string) string {
	if len(addr) <= 6 {
		return addr
	}
	return addr[:6]
}

func randomHexString(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
