// Package manager implements the queue manager state machine: the
// component that owns environment lifecycle (spawning/shutting down the
// worker), drives queue execution one item at a time, and reconciles the
// manager's published state with events flowing back from the worker
// supervisor. It is the only component that issues commands to the worker
// and the only reader of the worker's event stream.
package manager

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/ksunden/bluesky-queueserver/internal/apierr"
	"github.com/ksunden/bluesky-queueserver/internal/common"
	"github.com/ksunden/bluesky-queueserver/internal/models"
	"github.com/ksunden/bluesky-queueserver/internal/planqueue"
)

// State is one of the seven states of the manager's state machine.
type State string

const (
	StateInitializing   State = "initializing"
	StateIdle           State = "idle"
	StateCreatingEnv    State = "creating_environment"
	StateExecutingQueue State = "executing_queue"
	StatePaused         State = "paused"
	StateClosingEnv     State = "closing_environment"
	StateStopping       State = "stopping"
)

// RunCatalog is the optional external run-metadata sink; the manager invokes
// it with the UIDs of every run a finished item produced. A nil RunCatalog
// disables recording entirely.
type RunCatalog interface {
	RecordRuns(ctx context.Context, itemUID string, runUIDs []string) error
}

// Worker is the subset of worker.Supervisor the manager depends on; an
// interface so tests can drive the state machine without a real process.
type Worker interface {
	Spawn(ctx context.Context) error
	Shutdown() error
	Execute(item models.Item) error
	Pause(option models.PauseOption) error
	Resume() error
	Stop() error
	Abort() error
	Halt() error
	Kill() error
	QueryRuns(filter models.RunListFilter) []models.RunEntry
	RunListTag() string
	Events() <-chan models.WorkerEvent
}

// Status is the published document returned by ping and status.
type Status struct {
	Msg                   string            `json:"msg"`
	ManagerState          State             `json:"manager_state"`
	ItemsInQueue          int               `json:"items_in_queue"`
	ItemsInHistory        int               `json:"items_in_history"`
	RunningItemUID        string            `json:"running_item_uid,omitempty"`
	WorkerEnvironmentOpen bool              `json:"worker_environment_exists"`
	PlanQueueUID          string            `json:"plan_queue_uid"`
	PlanHistoryUID        string            `json:"plan_history_uid"`
	RunListUID            string            `json:"run_list_uid"`
	QueueStopPending      bool              `json:"queue_stop_pending"`
}

// Manager is the queue manager state machine.
type Manager struct {
	queue  *planqueue.Service
	worker Worker
	logger *common.Logger

	mu                sync.Mutex
	state             State
	environmentExists bool
	queueStopPending  bool
	forceIdleOnFinish bool

	cancel context.CancelFunc
	wg     sync.WaitGroup

	killFunc func()
	catalog  RunCatalog
}

// New creates a Manager in the initializing state.
func New(queue *planqueue.Service, w Worker, logger *common.Logger) *Manager {
	return &Manager{
		queue:    queue,
		worker:   w,
		logger:   logger,
		state:    StateInitializing,
		killFunc: func() { panic("manager_kill fault injection") },
	}
}

// Start completes the initializing->idle transition and launches the
// background goroutine that consumes worker events for the lifetime of the
// manager.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.state = StateIdle
	m.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.safeGo("worker-event-loop", func() { m.eventLoop(loopCtx) })

	m.logger.Info().Msg("queue manager started")
	return nil
}

// Close stops the background event loop and waits for it to exit. It does
// not touch manager_state; callers that want the stopping/stopped FSM
// transition should call ManagerStop first.
func (m *Manager) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Manager) safeGo(name string, fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("recovered from panic in queue manager goroutine")
			}
		}()
		fn()
	}()
}

func (m *Manager) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.worker.Events():
			if !ok {
				return
			}
			m.handleWorkerEvent(context.Background(), ev)
		}
	}
}

func (m *Manager) handleWorkerEvent(ctx context.Context, ev models.WorkerEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.Kind {
	case models.WorkerEventReady:
		if m.state == StateCreatingEnv {
			m.environmentExists = true
			m.state = StateIdle
		}
	case models.WorkerEventExited:
		if m.state == StateClosingEnv {
			m.environmentExists = false
			m.state = StateIdle
		} else {
			m.environmentExists = false
		}
	case models.WorkerEventPlanStarted:
		// informational only; the running item is already recorded by the
		// plan queue service.
	case models.WorkerEventPlanPaused:
		if m.state == StateExecutingQueue {
			m.state = StatePaused
		}
	case models.WorkerEventPlanCompleted:
		m.finishRunningItemLocked(ctx, false, ev.ExitStatus, ev.RunUIDs)
	case models.WorkerEventPlanStopped:
		m.finishRunningItemLocked(ctx, true, ev.ExitStatus, ev.RunUIDs)
	case models.WorkerEventPlanErrored:
		m.finishRunningItemLocked(ctx, false, ev.ExitStatus, ev.RunUIDs)
	case models.WorkerEventRunListChanged:
		// surfaced to clients purely through GetStatus(); nothing to do here.
	}
}

// finishRunningItemLocked records the outcome of the just-finished running
// item and either resumes queue execution or settles into idle. Callers
// that explicitly interrupted the running or paused plan (ReStop/ReAbort/ReHalt) set
// forceIdleOnFinish so this always lands in idle rather than auto-advancing.
func (m *Manager) finishRunningItemLocked(ctx context.Context, requeue bool, exitStatus models.ExitStatus, runUIDs []string) {
	var itemUID string
	if running := m.queue.GetRunningItemInfo(); running != nil {
		itemUID = running.ItemUID
	}

	var err error
	if requeue {
		_, err = m.queue.SetProcessedItemAsStopped(ctx, exitStatus, runUIDs)
	} else {
		_, err = m.queue.SetProcessedItemAsCompleted(ctx, exitStatus, runUIDs)
	}
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to record finished queue item")
	}

	if m.catalog != nil && itemUID != "" && len(runUIDs) > 0 {
		catalog := m.catalog
		m.safeGo("run-catalog-record", func() {
			if err := catalog.RecordRuns(context.Background(), itemUID, runUIDs); err != nil {
				m.logger.Warn().Err(err).Msg("failed to record completed runs in run catalog")
			}
		})
	}

	if m.forceIdleOnFinish {
		m.forceIdleOnFinish = false
		m.state = StateIdle
		return
	}
	m.advanceQueueLocked(ctx)
}

// advanceQueueLocked starts the next queue item. A pending queue_stop
// request or an empty queue settles into idle. A queue_stop instruction at
// the front of the queue is removed (without a history entry) and also
// settles into idle; only that one instruction is consumed per call.
// Callers must hold mu.
func (m *Manager) advanceQueueLocked(ctx context.Context) {
	if m.queueStopPending {
		m.queueStopPending = false
		m.state = StateIdle
		return
	}

	items, _ := m.queue.GetQueue()
	if len(items) == 0 {
		m.state = StateIdle
		return
	}

	front := items[0]
	if front.IsQueueStop() {
		if _, _, err := m.queue.PopItemFromQueue(ctx, planqueue.ByPos(planqueue.PosFront())); err != nil {
			m.logger.Error().Err(err).Msg("failed to consume queue_stop instruction")
		}
		m.state = StateIdle
		return
	}

	item, found, err := m.queue.SetNextItemAsRunning(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to promote next queue item to running")
		m.state = StateIdle
		return
	}
	if !found {
		m.state = StateIdle
		return
	}
	if err := m.worker.Execute(item); err != nil {
		m.logger.Error().Err(err).Msg("failed to hand item to worker")
	}
	m.state = StateExecutingQueue
}

// EnvironmentOpen spawns the worker process.
func (m *Manager) EnvironmentOpen(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.environmentExists {
		return apierr.State("environment already open")
	}
	if m.state != StateIdle {
		return apierr.State("cannot open environment from state %s", m.state)
	}

	if err := m.worker.Spawn(ctx); err != nil {
		return err
	}
	m.state = StateCreatingEnv
	return nil
}

// EnvironmentClose shuts the worker process down.
func (m *Manager) EnvironmentClose() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.environmentExists {
		return apierr.State("no environment is open")
	}
	if m.state != StateIdle {
		return apierr.State("cannot close environment while executing")
	}

	if err := m.worker.Shutdown(); err != nil {
		return err
	}
	m.state = StateClosingEnv
	return nil
}

// QueueStart begins (or resumes) processing the queue one item at a time.
func (m *Manager) QueueStart(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.environmentExists {
		return apierr.State("no environment is open")
	}
	if m.state != StateIdle {
		return apierr.State("cannot start queue from state %s", m.state)
	}

	m.advanceQueueLocked(ctx)
	return nil
}

// QueueStop requests the currently executing session halt after the
// running plan finishes instead of auto-advancing to the next item.
func (m *Manager) QueueStop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateExecutingQueue {
		return apierr.State("queue is not executing")
	}
	m.queueStopPending = true
	return nil
}

// QueueStopCancel clears a pending queue_stop request.
func (m *Manager) QueueStopCancel() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateExecutingQueue {
		return apierr.State("queue is not executing")
	}
	m.queueStopPending = false
	return nil
}

// RePause requests the worker pause the running plan.
func (m *Manager) RePause(option models.PauseOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateExecutingQueue {
		return apierr.State("cannot pause: queue is not executing")
	}
	return m.worker.Pause(option)
}

// ReResume resumes a paused plan.
func (m *Manager) ReResume() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StatePaused {
		return apierr.State("cannot resume: queue is not paused")
	}
	if err := m.worker.Resume(); err != nil {
		return err
	}
	m.state = StateExecutingQueue
	return nil
}

func (m *Manager) interruptRunningLocked(send func() error) error {
	if m.state != StateExecutingQueue && m.state != StatePaused {
		return apierr.State("no plan is currently executing")
	}
	m.forceIdleOnFinish = true
	if m.state == StatePaused {
		m.state = StateExecutingQueue
	}
	return send()
}

// ReStop cleanly terminates the running plan; the manager requeues it.
func (m *Manager) ReStop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interruptRunningLocked(m.worker.Stop)
}

// ReAbort terminates the running plan without requeue.
func (m *Manager) ReAbort() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interruptRunningLocked(m.worker.Abort)
}

// ReHalt terminates the running plan without requeue, more forcefully than ReAbort.
func (m *Manager) ReHalt() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interruptRunningLocked(m.worker.Halt)
}

// ReRuns returns the filtered live run list from the worker supervisor.
func (m *Manager) ReRuns(filter models.RunListFilter) []models.RunEntry {
	return m.worker.QueryRuns(filter)
}

// ManagerStop requests the manager transition to stopping. safe_on (the
// default) refuses while a plan is executing; safe_off proceeds regardless.
func (m *Manager) ManagerStop(option models.ManagerStopOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	busy := m.state == StateExecutingQueue || m.state == StatePaused
	if busy && option != models.ManagerStopSafeOff {
		return apierr.State("refusing to stop: worker is executing a plan")
	}
	m.state = StateStopping
	return nil
}

// ManagerKill is a test-only fault-injection hook that terminates the
// process without cleanup. An external supervisor is expected to restart
// it; recovery happens via Service.Start's queue-clean pass.
func (m *Manager) ManagerKill() {
	m.killFunc()
}

// SetKillFunc overrides the function ManagerKill invokes; production code
// leaves the default (which panics the process), tests substitute a probe.
func (m *Manager) SetKillFunc(fn func()) {
	m.killFunc = fn
}

// SetRunCatalog attaches the optional external run-metadata sink. Passing
// nil disables recording.
func (m *Manager) SetRunCatalog(catalog RunCatalog) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.catalog = catalog
}

// GetStatus returns the published status document.
func (m *Manager) GetStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, queueTag := m.queue.GetQueue()
	_, historyTag := m.queue.GetHistory()
	runningUID := ""
	if running := m.queue.GetRunningItemInfo(); running != nil {
		runningUID = running.ItemUID
	}

	return Status{
		Msg:                   "queue server is running",
		ManagerState:          m.state,
		ItemsInQueue:          m.queue.GetQueueSize(),
		ItemsInHistory:        m.queue.GetHistorySize(),
		RunningItemUID:        runningUID,
		WorkerEnvironmentOpen: m.environmentExists,
		PlanQueueUID:          queueTag,
		PlanHistoryUID:        historyTag,
		RunListUID:            m.worker.RunListTag(),
		QueueStopPending:      m.queueStopPending,
	}
}

// State returns the current manager state (test/diagnostic accessor).
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
