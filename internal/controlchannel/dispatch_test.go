package controlchannel_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ksunden/bluesky-queueserver/internal/common"
	"github.com/ksunden/bluesky-queueserver/internal/controlchannel"
	"github.com/ksunden/bluesky-queueserver/internal/manager"
	"github.com/ksunden/bluesky-queueserver/internal/models"
	"github.com/ksunden/bluesky-queueserver/internal/planqueue"
	"github.com/ksunden/bluesky-queueserver/internal/storage/kvstore"
	"github.com/stretchr/testify/require"
)

// fakeWorker is a minimal manager.Worker, mirroring the one in the manager
// package's own tests, sized to what the control-channel tests need.
type fakeWorker struct {
	events chan models.WorkerEvent
	mu     sync.Mutex
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{events: make(chan models.WorkerEvent, 256)}
}

func (f *fakeWorker) Spawn(ctx context.Context) error {
	f.events <- models.WorkerEvent{Kind: models.WorkerEventReady}
	return nil
}
func (f *fakeWorker) Shutdown() error {
	f.events <- models.WorkerEvent{Kind: models.WorkerEventExited}
	return nil
}
func (f *fakeWorker) Execute(models.Item) error { return nil }
func (f *fakeWorker) Pause(models.PauseOption) error {
	f.events <- models.WorkerEvent{Kind: models.WorkerEventPlanPaused}
	return nil
}
func (f *fakeWorker) Resume() error { return nil }
func (f *fakeWorker) Stop() error   { return nil }
func (f *fakeWorker) Abort() error  { return nil }
func (f *fakeWorker) Halt() error   { return nil }
func (f *fakeWorker) Kill() error   { return nil }
func (f *fakeWorker) QueryRuns(models.RunListFilter) []models.RunEntry {
	return []models.RunEntry{{UID: "run-1", IsOpen: false, ExitStatus: models.ExitStatusCompleted}}
}
func (f *fakeWorker) RunListTag() string                { return "run-tag-1" }
func (f *fakeWorker) Events() <-chan models.WorkerEvent { return f.events }

// fakeAllowed is a minimal AllowedProvider that allows everything by default.
type fakeAllowed struct {
	denyPlan string
}

func (f *fakeAllowed) AllowedPlans(userGroup string) (map[string]bool, error) {
	return map[string]bool{"scan_plan": true}, nil
}
func (f *fakeAllowed) AllowedDevices(userGroup string) (map[string]bool, error) {
	return map[string]bool{"detector": true}, nil
}
func (f *fakeAllowed) Validate(item models.Item) error {
	if item.Name == f.denyPlan {
		return &apiErrStub{msg: "plan not allowed"}
	}
	return nil
}
func (f *fakeAllowed) PermissionsReload() error { return nil }

type apiErrStub struct{ msg string }

func (e *apiErrStub) Error() string { return e.msg }

func newTestDispatcher(t *testing.T) (*controlchannel.Dispatcher, *planqueue.Service, *manager.Manager) {
	t.Helper()
	logger := common.NewSilentLogger()
	queue := planqueue.New(kvstore.NewMemory(), logger)
	require.NoError(t, queue.Start(context.Background()))
	worker := newFakeWorker()
	mgr := manager.New(queue, worker, logger)
	require.NoError(t, mgr.Start(context.Background()))
	t.Cleanup(mgr.Close)

	d := controlchannel.NewDispatcher(mgr, queue, &fakeAllowed{}, logger)
	return d, queue, mgr
}

func mustEnvelope(t *testing.T, method string, params any) controlchannel.Envelope {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		require.NoError(t, err)
		raw = b
	}
	return controlchannel.Envelope{Method: method, Params: raw}
}

func decodeResponse(t *testing.T, payload []byte, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(payload, v))
}

func TestDispatcher_Ping(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	payload, err := d.Dispatch(context.Background(), mustEnvelope(t, controlchannel.MethodPing, nil))
	require.NoError(t, err)

	var resp struct {
		Success bool   `json:"success"`
		Msg     string `json:"msg"`
	}
	decodeResponse(t, payload, &resp)
	require.True(t, resp.Success)
	require.Equal(t, "pong", resp.Msg)
}

func TestDispatcher_QueueItemAddAndGet(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	addParams := map[string]any{
		"item":       map[string]any{"item_type": "plan", "name": "scan_plan"},
		"user":       "alice",
		"user_group": "primary",
	}
	payload, err := d.Dispatch(ctx, mustEnvelope(t, controlchannel.MethodQueueItemAdd, addParams))
	require.NoError(t, err)

	var addResp struct {
		Success bool        `json:"success"`
		Msg     string      `json:"msg"`
		QSize   int         `json:"qsize"`
		Item    models.Item `json:"item"`
	}
	decodeResponse(t, payload, &addResp)
	require.True(t, addResp.Success)
	require.Equal(t, 1, addResp.QSize)
	require.NotEmpty(t, addResp.Item.ItemUID)

	getParams := map[string]any{"uid": addResp.Item.ItemUID}
	payload, err = d.Dispatch(ctx, mustEnvelope(t, controlchannel.MethodQueueItemGet, getParams))
	require.NoError(t, err)

	var getResp struct {
		Success bool        `json:"success"`
		Item    models.Item `json:"item"`
	}
	decodeResponse(t, payload, &getResp)
	require.True(t, getResp.Success)
	require.Equal(t, "scan_plan", getResp.Item.Name)
}

func TestDispatcher_QueueItemAddRejectsDisallowedPlan(t *testing.T) {
	logger := common.NewSilentLogger()
	queue := planqueue.New(kvstore.NewMemory(), logger)
	require.NoError(t, queue.Start(context.Background()))
	worker := newFakeWorker()
	mgr := manager.New(queue, worker, logger)
	require.NoError(t, mgr.Start(context.Background()))
	t.Cleanup(mgr.Close)

	d := controlchannel.NewDispatcher(mgr, queue, &fakeAllowed{denyPlan: "forbidden_plan"}, logger)

	addParams := map[string]any{
		"item":       map[string]any{"item_type": "plan", "name": "forbidden_plan"},
		"user":       "alice",
		"user_group": "primary",
	}
	payload, err := d.Dispatch(context.Background(), mustEnvelope(t, controlchannel.MethodQueueItemAdd, addParams))
	require.NoError(t, err)

	var resp struct {
		Success bool   `json:"success"`
		Msg     string `json:"msg"`
	}
	decodeResponse(t, payload, &resp)
	require.False(t, resp.Success)
	require.Equal(t, 0, queue.GetQueueSize())
}

func TestDispatcher_QueueItemMoveAndRemove(t *testing.T) {
	d, queue, _ := newTestDispatcher(t)
	ctx := context.Background()

	item1, _, err := queue.AddItemToQueue(ctx, models.Item{ItemType: models.ItemTypePlan, Name: "plan_a"}, planqueue.AddOptions{})
	require.NoError(t, err)
	item2, _, err := queue.AddItemToQueue(ctx, models.Item{ItemType: models.ItemTypePlan, Name: "plan_b"}, planqueue.AddOptions{})
	require.NoError(t, err)

	moveParams := map[string]any{"uid": item2.ItemUID, "pos_dest": "front"}
	payload, err := d.Dispatch(ctx, mustEnvelope(t, controlchannel.MethodQueueItemMove, moveParams))
	require.NoError(t, err)

	var moveResp struct {
		Success bool   `json:"success"`
		QSize   int    `json:"qsize"`
	}
	decodeResponse(t, payload, &moveResp)
	require.True(t, moveResp.Success)

	items, _ := queue.GetQueue()
	require.Equal(t, item2.ItemUID, items[0].ItemUID)
	require.Equal(t, item1.ItemUID, items[1].ItemUID)

	removeParams := map[string]any{"uid": item1.ItemUID}
	payload, err = d.Dispatch(ctx, mustEnvelope(t, controlchannel.MethodQueueItemRemove, removeParams))
	require.NoError(t, err)

	var removeResp struct {
		Success bool `json:"success"`
		QSize   int  `json:"qsize"`
	}
	decodeResponse(t, payload, &removeResp)
	require.True(t, removeResp.Success)
	require.Equal(t, 1, removeResp.QSize)
}

func TestDispatcher_PlansAllowed(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	payload, err := d.Dispatch(context.Background(), mustEnvelope(t, controlchannel.MethodPlansAllowed, map[string]any{"user_group": "primary"}))
	require.NoError(t, err)

	var resp struct {
		Success      bool            `json:"success"`
		PlansAllowed map[string]bool `json:"plans_allowed"`
	}
	decodeResponse(t, payload, &resp)
	require.True(t, resp.Success)
	require.True(t, resp.PlansAllowed["scan_plan"])
}

func TestDispatcher_EnvironmentOpenAndStatus(t *testing.T) {
	d, _, mgr := newTestDispatcher(t)
	ctx := context.Background()

	payload, err := d.Dispatch(ctx, mustEnvelope(t, controlchannel.MethodEnvironmentOpen, nil))
	require.NoError(t, err)
	var resp struct {
		Success bool `json:"success"`
	}
	decodeResponse(t, payload, &resp)
	require.True(t, resp.Success)

	require.Eventually(t, func() bool { return mgr.GetStatus().WorkerEnvironmentOpen }, 2*time.Second, time.Millisecond)
}

func TestDispatcher_ReRunsReturnsWorkerRunList(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	payload, err := d.Dispatch(context.Background(), mustEnvelope(t, controlchannel.MethodReRuns, nil))
	require.NoError(t, err)

	var resp struct {
		Success    bool              `json:"success"`
		RunList    []models.RunEntry `json:"run_list"`
		RunListUID string            `json:"run_list_uid"`
	}
	decodeResponse(t, payload, &resp)
	require.True(t, resp.Success)
	require.Len(t, resp.RunList, 1)
	require.Equal(t, "run-tag-1", resp.RunListUID)
}

func TestDispatcher_UnrecognizedMethod(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	payload, err := d.Dispatch(context.Background(), mustEnvelope(t, "not_a_real_method", nil))
	require.NoError(t, err)

	var resp struct {
		Success bool   `json:"success"`
		Msg     string `json:"msg"`
	}
	decodeResponse(t, payload, &resp)
	require.False(t, resp.Success)
}
