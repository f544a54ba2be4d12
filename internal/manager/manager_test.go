package manager_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ksunden/bluesky-queueserver/internal/apierr"
	"github.com/ksunden/bluesky-queueserver/internal/common"
	"github.com/ksunden/bluesky-queueserver/internal/manager"
	"github.com/ksunden/bluesky-queueserver/internal/models"
	"github.com/ksunden/bluesky-queueserver/internal/planqueue"
	"github.com/ksunden/bluesky-queueserver/internal/storage/kvstore"
	"github.com/stretchr/testify/require"
)

// fakeWorker is a minimal manager.Worker that resolves Execute/Stop/Abort/Halt
// synchronously by pushing the configured lifecycle event, so tests can drive
// the state machine without a real worker process.
type fakeWorker struct {
	events chan models.WorkerEvent

	mu           sync.Mutex
	executed     []models.Item
	stopCalls    int
	abortCalls   int
	haltCalls    int
	pauseCalls   int
	resumeCalls  int
	autoComplete models.ExitStatus
}

func newFakeWorker(autoComplete models.ExitStatus) *fakeWorker {
	return &fakeWorker{events: make(chan models.WorkerEvent, 256), autoComplete: autoComplete}
}

func (f *fakeWorker) Spawn(ctx context.Context) error {
	f.events <- models.WorkerEvent{Kind: models.WorkerEventReady}
	return nil
}
func (f *fakeWorker) Shutdown() error {
	f.events <- models.WorkerEvent{Kind: models.WorkerEventExited}
	return nil
}
func (f *fakeWorker) Execute(item models.Item) error {
	f.mu.Lock()
	f.executed = append(f.executed, item)
	f.mu.Unlock()
	if f.autoComplete != "" {
		f.events <- models.WorkerEvent{Kind: models.WorkerEventPlanCompleted, ExitStatus: f.autoComplete, RunUIDs: []string{"r"}}
	}
	return nil
}
func (f *fakeWorker) Pause(models.PauseOption) error {
	f.mu.Lock()
	f.pauseCalls++
	f.mu.Unlock()
	f.events <- models.WorkerEvent{Kind: models.WorkerEventPlanPaused}
	return nil
}
func (f *fakeWorker) Resume() error {
	f.mu.Lock()
	f.resumeCalls++
	f.mu.Unlock()
	return nil
}
func (f *fakeWorker) Stop() error {
	f.mu.Lock()
	f.stopCalls++
	f.mu.Unlock()
	f.events <- models.WorkerEvent{Kind: models.WorkerEventPlanStopped, ExitStatus: models.ExitStatusStopped, RunUIDs: []string{"r"}}
	return nil
}
func (f *fakeWorker) Abort() error {
	f.mu.Lock()
	f.abortCalls++
	f.mu.Unlock()
	f.events <- models.WorkerEvent{Kind: models.WorkerEventPlanCompleted, ExitStatus: models.ExitStatusAborted}
	return nil
}
func (f *fakeWorker) Halt() error {
	f.mu.Lock()
	f.haltCalls++
	f.mu.Unlock()
	f.events <- models.WorkerEvent{Kind: models.WorkerEventPlanCompleted, ExitStatus: models.ExitStatusHalted}
	return nil
}
func (f *fakeWorker) Kill() error                                        { return nil }
func (f *fakeWorker) QueryRuns(models.RunListFilter) []models.RunEntry   { return nil }
func (f *fakeWorker) RunListTag() string                                 { return "run-tag" }
func (f *fakeWorker) Events() <-chan models.WorkerEvent                  { return f.events }

func newManager(t *testing.T, autoComplete models.ExitStatus) (*manager.Manager, *planqueue.Service, *fakeWorker) {
	t.Helper()
	queue := planqueue.New(kvstore.NewMemory(), common.NewSilentLogger())
	require.NoError(t, queue.Start(context.Background()))
	fw := newFakeWorker(autoComplete)
	mgr := manager.New(queue, fw, common.NewSilentLogger())
	require.NoError(t, mgr.Start(context.Background()))
	t.Cleanup(mgr.Close)
	return mgr, queue, fw
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond)
}

// Scenario 6: a queue of [stop, plan1, stop, plan2] is drained by three
// queue_start calls, each one auto-advancing through instructions and
// completed plans until it must stop.
func TestManager_QueueStopInstructionScenario(t *testing.T) {
	ctx := context.Background()
	mgr, queue, _ := newManager(t, models.ExitStatusCompleted)

	require.NoError(t, mgr.EnvironmentOpen(ctx))
	eventually(t, func() bool { return mgr.GetStatus().WorkerEnvironmentOpen })

	queue.AddItemToQueue(ctx, models.Item{ItemType: models.ItemTypeInstruction, Name: models.InstructionQueueStop}, planqueue.AddOptions{})
	queue.AddItemToQueue(ctx, models.Item{ItemType: models.ItemTypePlan, Name: "plan1"}, planqueue.AddOptions{})
	queue.AddItemToQueue(ctx, models.Item{ItemType: models.ItemTypeInstruction, Name: models.InstructionQueueStop}, planqueue.AddOptions{})
	queue.AddItemToQueue(ctx, models.Item{ItemType: models.ItemTypePlan, Name: "plan2"}, planqueue.AddOptions{})

	require.NoError(t, mgr.QueueStart(ctx))
	eventually(t, func() bool { return mgr.State() == manager.StateIdle })
	require.Equal(t, 3, queue.GetQueueSize())
	require.Equal(t, 0, queue.GetHistorySize())

	require.NoError(t, mgr.QueueStart(ctx))
	eventually(t, func() bool { return mgr.State() == manager.StateIdle && queue.GetQueueSize() == 1 })
	require.Equal(t, 1, queue.GetHistorySize())

	require.NoError(t, mgr.QueueStart(ctx))
	eventually(t, func() bool { return mgr.State() == manager.StateIdle && queue.GetQueueSize() == 0 })
	require.Equal(t, 2, queue.GetHistorySize())
}

func TestManager_EnvironmentRefusalRules(t *testing.T) {
	ctx := context.Background()
	mgr, _, _ := newManager(t, "")

	require.NoError(t, mgr.EnvironmentOpen(ctx))
	eventually(t, func() bool { return mgr.GetStatus().WorkerEnvironmentOpen })

	err := mgr.EnvironmentOpen(ctx)
	require.Error(t, err)
	require.Equal(t, apierr.KindState, apierr.KindOf(err))

	err = mgr.QueueStart(ctx)
	require.NoError(t, err) // environment is open and queue is (legitimately) empty: no-op idle

	require.NoError(t, mgr.EnvironmentClose())
	eventually(t, func() bool { return !mgr.GetStatus().WorkerEnvironmentOpen })

	err = mgr.EnvironmentClose()
	require.Error(t, err)
	require.Equal(t, apierr.KindState, apierr.KindOf(err))
}

func TestManager_PauseAbort(t *testing.T) {
	ctx := context.Background()
	mgr, queue, fw := newManager(t, "") // no auto-complete: plan stays running until we act

	require.NoError(t, mgr.EnvironmentOpen(ctx))
	eventually(t, func() bool { return mgr.GetStatus().WorkerEnvironmentOpen })

	queue.AddItemToQueue(ctx, models.Item{ItemType: models.ItemTypePlan, Name: "long-scan"}, planqueue.AddOptions{})
	require.NoError(t, mgr.QueueStart(ctx))
	eventually(t, func() bool { return mgr.State() == manager.StateExecutingQueue })

	require.NoError(t, mgr.RePause(models.PauseDeferred))
	eventually(t, func() bool { return mgr.State() == manager.StatePaused })

	err := mgr.RePause(models.PauseDeferred)
	require.Error(t, err)

	require.NoError(t, mgr.ReAbort())
	eventually(t, func() bool { return mgr.State() == manager.StateIdle })
	require.Equal(t, 1, fw.abortCalls)
	require.Equal(t, 1, queue.GetHistorySize())
	require.Equal(t, 0, queue.GetQueueSize())
}

func TestManager_ReStopRequeues(t *testing.T) {
	ctx := context.Background()
	mgr, queue, fw := newManager(t, "")

	require.NoError(t, mgr.EnvironmentOpen(ctx))
	eventually(t, func() bool { return mgr.GetStatus().WorkerEnvironmentOpen })

	queue.AddItemToQueue(ctx, models.Item{ItemType: models.ItemTypePlan, Name: "scan"}, planqueue.AddOptions{})
	require.NoError(t, mgr.QueueStart(ctx))
	eventually(t, func() bool { return mgr.State() == manager.StateExecutingQueue })

	require.NoError(t, mgr.ReStop())
	eventually(t, func() bool { return mgr.State() == manager.StateIdle })
	require.Equal(t, 1, fw.stopCalls)
	require.Equal(t, 1, queue.GetHistorySize())
	require.Equal(t, 1, queue.GetQueueSize())
}

func TestManager_ManagerStopSafety(t *testing.T) {
	ctx := context.Background()
	mgr, queue, _ := newManager(t, "")

	require.NoError(t, mgr.EnvironmentOpen(ctx))
	eventually(t, func() bool { return mgr.GetStatus().WorkerEnvironmentOpen })
	queue.AddItemToQueue(ctx, models.Item{ItemType: models.ItemTypePlan, Name: "scan"}, planqueue.AddOptions{})
	require.NoError(t, mgr.QueueStart(ctx))
	eventually(t, func() bool { return mgr.State() == manager.StateExecutingQueue })

	err := mgr.ManagerStop(models.ManagerStopSafeOn)
	require.Error(t, err)

	require.NoError(t, mgr.ManagerStop(models.ManagerStopSafeOff))
	require.Equal(t, manager.StateStopping, mgr.State())
}

type fakeRunCatalog struct {
	mu       sync.Mutex
	itemUID  string
	runUIDs  []string
	recorded int
}

func (c *fakeRunCatalog) RecordRuns(ctx context.Context, itemUID string, runUIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.itemUID = itemUID
	c.runUIDs = append([]string(nil), runUIDs...)
	c.recorded++
	return nil
}

func TestManager_RecordsCompletedRunsToCatalog(t *testing.T) {
	ctx := context.Background()
	mgr, queue, _ := newManager(t, models.ExitStatusCompleted)

	catalog := &fakeRunCatalog{}
	mgr.SetRunCatalog(catalog)

	require.NoError(t, mgr.EnvironmentOpen(ctx))
	eventually(t, func() bool { return mgr.GetStatus().WorkerEnvironmentOpen })

	item, _, err := queue.AddItemToQueue(ctx, models.Item{ItemType: models.ItemTypePlan, Name: "scan"}, planqueue.AddOptions{})
	require.NoError(t, err)

	require.NoError(t, mgr.QueueStart(ctx))
	eventually(t, func() bool { return mgr.State() == manager.StateIdle })

	catalog.mu.Lock()
	defer catalog.mu.Unlock()
	require.Equal(t, 1, catalog.recorded)
	require.Equal(t, item.ItemUID, catalog.itemUID)
	require.Equal(t, []string{"r"}, catalog.runUIDs)
}
