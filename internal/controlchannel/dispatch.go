package controlchannel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ksunden/bluesky-queueserver/internal/apierr"
	"github.com/ksunden/bluesky-queueserver/internal/common"
	"github.com/ksunden/bluesky-queueserver/internal/manager"
	"github.com/ksunden/bluesky-queueserver/internal/models"
	"github.com/ksunden/bluesky-queueserver/internal/planqueue"
)

// AllowedProvider is the subset of allowed.FileProvider the control channel
// depends on; an interface so tests can substitute a fake without loading a
// TOML file from disk.
type AllowedProvider interface {
	AllowedPlans(userGroup string) (map[string]bool, error)
	AllowedDevices(userGroup string) (map[string]bool, error)
	Validate(item models.Item) error
	PermissionsReload() error
}

// Dispatcher routes a decoded Envelope to the queue manager, plan queue
// service, and allowed-items provider, and builds the method-specific
// response. It holds no mutable state of its own; every mutation happens in
// the components it wraps. The optional run-metadata catalog is wired
// directly into the manager (see manager.SetRunCatalog), not here.
type Dispatcher struct {
	mgr     *manager.Manager
	queue   *planqueue.Service
	allowed AllowedProvider
	logger  *common.Logger
}

// NewDispatcher builds a Dispatcher.
func NewDispatcher(mgr *manager.Manager, queue *planqueue.Service, allowed AllowedProvider, logger *common.Logger) *Dispatcher {
	return &Dispatcher{mgr: mgr, queue: queue, allowed: allowed, logger: logger}
}

// Dispatch handles one decoded request and returns its JSON-encoded
// response. It never mutates state for a method it does not recognize or
// whose params fail to parse: those return {success:false, msg}.
func (d *Dispatcher) Dispatch(ctx context.Context, env Envelope) ([]byte, error) {
	switch env.Method {
	case MethodPing:
		return marshal(d.statusResponse("pong"))
	case MethodStatus:
		return marshal(d.statusResponse("queue server is running"))
	case MethodQueueGet:
		return marshal(d.queueGet())
	case MethodQueueItemAdd:
		return marshal(d.queueItemAdd(ctx, env.Params))
	case MethodQueueItemAddBatch:
		return marshal(d.queueItemAddBatch(ctx, env.Params))
	case MethodQueueItemUpdate:
		return marshal(d.queueItemUpdate(ctx, env.Params))
	case MethodQueueItemGet:
		return marshal(d.queueItemGet(env.Params))
	case MethodQueueItemRemove:
		return marshal(d.queueItemRemove(ctx, env.Params))
	case MethodQueueItemMove:
		return marshal(d.queueItemMove(ctx, env.Params))
	case MethodQueueClear:
		return marshal(d.queueClear(ctx))
	case MethodQueueStart:
		return marshal(d.simpleManagerCall(d.mgr.QueueStart(ctx), "queue started"))
	case MethodQueueStop:
		return marshal(d.simpleManagerCall(d.mgr.QueueStop(), "queue_stop pending"))
	case MethodQueueStopCancel:
		return marshal(d.simpleManagerCall(d.mgr.QueueStopCancel(), "queue_stop cancelled"))
	case MethodRePause:
		return marshal(d.rePause(env.Params))
	case MethodReResume:
		return marshal(d.simpleManagerCall(d.mgr.ReResume(), "resumed"))
	case MethodReStop:
		return marshal(d.simpleManagerCall(d.mgr.ReStop(), "stop requested"))
	case MethodReAbort:
		return marshal(d.simpleManagerCall(d.mgr.ReAbort(), "abort requested"))
	case MethodReHalt:
		return marshal(d.simpleManagerCall(d.mgr.ReHalt(), "halt requested"))
	case MethodReRuns:
		return marshal(d.reRuns(env.Params))
	case MethodHistoryGet:
		return marshal(d.historyGet())
	case MethodHistoryClear:
		return marshal(d.historyClear(ctx))
	case MethodEnvironmentOpen:
		return marshal(d.simpleManagerCall(d.mgr.EnvironmentOpen(ctx), "environment opening"))
	case MethodEnvironmentClose:
		return marshal(d.simpleManagerCall(d.mgr.EnvironmentClose(), "environment closing"))
	case MethodPlansAllowed:
		return marshal(d.plansAllowed(env.Params))
	case MethodDevicesAllowed:
		return marshal(d.devicesAllowed(env.Params))
	case MethodPermissionsReload:
		return marshal(d.permissionsReload())
	case MethodManagerStop:
		return marshal(d.managerStop(env.Params))
	case MethodManagerKill:
		// Fault-injection hook: there is no reply, and the caller observes a
		// timeout rather than {success:false}.
		d.logger.Warn().Msg("manager_kill invoked over control channel")
		go d.mgr.ManagerKill()
		return nil, errNoReply
	default:
		return marshal(struct {
			baseResponse
		}{fail(fmt.Sprintf("unrecognized method %q", env.Method))})
	}
}

// errNoReply signals the connection loop to skip writing a response frame,
// simulating the manager_kill "no reply, client times out" contract.
var errNoReply = fmt.Errorf("no reply: fault injection in progress")

func marshal(v any) ([]byte, error) { return json.Marshal(v) }

// simpleManagerCall turns a manager method's plain error return into the
// {success, msg} shape shared by most control-channel methods.
func (d *Dispatcher) simpleManagerCall(err error, okMsg string) baseResponse {
	if err != nil {
		return fail(err.Error())
	}
	return ok(okMsg)
}

type statusResult struct {
	baseResponse
	manager.Status
	ProtocolVersion string `json:"protocol_version"`
}

func (d *Dispatcher) statusResponse(msg string) statusResult {
	st := d.mgr.GetStatus()
	st.Msg = msg
	return statusResult{baseResponse: ok(msg), Status: st, ProtocolVersion: common.GetProtocolVersion()}
}

type queueGetResult struct {
	baseResponse
	Items        []models.Item `json:"items"`
	RunningItem  *models.Item  `json:"running_item,omitempty"`
	PlanQueueUID string        `json:"plan_queue_uid"`
}

func (d *Dispatcher) queueGet() queueGetResult {
	items, running, tag := d.queue.GetQueueFull()
	return queueGetResult{baseResponse: ok(""), Items: items, RunningItem: running, PlanQueueUID: tag}
}

type historyGetResult struct {
	baseResponse
	Items          []models.Item `json:"items"`
	PlanHistoryUID string        `json:"plan_history_uid"`
}

func (d *Dispatcher) historyGet() historyGetResult {
	items, tag := d.queue.GetHistory()
	return historyGetResult{baseResponse: ok(""), Items: items, PlanHistoryUID: tag}
}

func (d *Dispatcher) historyClear(ctx context.Context) baseResponse {
	if err := d.queue.ClearHistory(ctx); err != nil {
		return fail(err.Error())
	}
	return ok("history cleared")
}

func (d *Dispatcher) queueClear(ctx context.Context) baseResponse {
	if err := d.queue.ClearQueue(ctx); err != nil {
		return fail(err.Error())
	}
	return ok("queue cleared")
}

// itemResult is the shared shape of add/update/get/remove/move responses.
type itemResult struct {
	baseResponse
	QSize int         `json:"qsize,omitempty"`
	Item  models.Item `json:"item"`
}

type addItemParams struct {
	Item      models.Item     `json:"item"`
	User      string          `json:"user"`
	UserGroup string          `json:"user_group"`
	Pos       json.RawMessage `json:"pos,omitempty"`
	BeforeUID string          `json:"before_uid,omitempty"`
	AfterUID  string          `json:"after_uid,omitempty"`
}

func (d *Dispatcher) queueItemAdd(ctx context.Context, raw json.RawMessage) itemResult {
	var p addItemParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return itemResult{baseResponse: fail("malformed queue_item_add params: " + err.Error())}
	}
	if p.User == "" || p.UserGroup == "" {
		return itemResult{baseResponse: fail("user and user_group are required")}
	}

	at, err := parseInsertAt(p.Pos, p.BeforeUID, p.AfterUID)
	if err != nil {
		return itemResult{baseResponse: fail(err.Error())}
	}

	item := p.Item
	item.User = p.User
	item.UserGroup = p.UserGroup
	if d.allowed != nil {
		if err := d.allowed.Validate(item); err != nil {
			return itemResult{baseResponse: fail(err.Error())}
		}
	}

	stored, qsize, err := d.queue.AddItemToQueue(ctx, item, planqueue.AddOptions{At: at})
	if err != nil {
		return itemResult{baseResponse: fail(err.Error())}
	}
	return itemResult{baseResponse: ok("item added"), QSize: qsize, Item: stored}
}

type addBatchParams struct {
	Items     []models.Item `json:"items"`
	User      string        `json:"user"`
	UserGroup string        `json:"user_group"`
}

type batchEntry struct {
	Success bool   `json:"success"`
	Msg     string `json:"msg"`
}

type addBatchResult struct {
	baseResponse
	QSize   int           `json:"qsize"`
	Items   []models.Item `json:"items"`
	Results []batchEntry  `json:"results"`
}

func (d *Dispatcher) queueItemAddBatch(ctx context.Context, raw json.RawMessage) addBatchResult {
	var p addBatchParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return addBatchResult{baseResponse: fail("malformed queue_item_add_batch params: " + err.Error())}
	}

	items := make([]models.Item, len(p.Items))
	for i, it := range p.Items {
		it.User = p.User
		it.UserGroup = p.UserGroup
		if d.allowed != nil {
			if err := d.allowed.Validate(it); err != nil {
				return addBatchResult{baseResponse: fail(fmt.Sprintf("item %d: %s", i, err.Error()))}
			}
		}
		items[i] = it
	}

	stored, results, qsize, err := d.queue.AddItemToQueueBatch(ctx, items)
	out := make([]batchEntry, len(results))
	for i, r := range results {
		out[i] = batchEntry{Success: r.Success, Msg: r.Msg}
	}
	if err != nil {
		return addBatchResult{baseResponse: fail(err.Error()), QSize: qsize, Results: out}
	}
	return addBatchResult{baseResponse: ok("batch added"), QSize: qsize, Items: stored, Results: out}
}

type updateItemParams struct {
	Item      models.Item `json:"item"`
	User      string      `json:"user"`
	UserGroup string      `json:"user_group"`
	Replace   bool        `json:"replace"`
}

func (d *Dispatcher) queueItemUpdate(ctx context.Context, raw json.RawMessage) itemResult {
	var p updateItemParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return itemResult{baseResponse: fail("malformed queue_item_update params: " + err.Error())}
	}
	if p.Item.ItemUID == "" {
		return itemResult{baseResponse: fail("item_uid is required for queue_item_update")}
	}

	item := p.Item
	if p.User != "" {
		item.User = p.User
	}
	if p.UserGroup != "" {
		item.UserGroup = p.UserGroup
	}
	if d.allowed != nil {
		if err := d.allowed.Validate(item); err != nil {
			return itemResult{baseResponse: fail(err.Error())}
		}
	}

	oldUID := item.ItemUID
	if p.Replace {
		item = d.queue.SetNewItemUID(item)
	}

	stored, qsize, err := d.queue.ReplaceItem(ctx, item, oldUID)
	if err != nil {
		return itemResult{baseResponse: fail(err.Error())}
	}
	return itemResult{baseResponse: ok("item updated"), QSize: qsize, Item: stored}
}

type locatorParams struct {
	Pos json.RawMessage `json:"pos,omitempty"`
	UID string          `json:"uid,omitempty"`
}

func (p locatorParams) locator() (planqueue.Locator, error) {
	if p.UID != "" && len(p.Pos) > 0 {
		return planqueue.Locator{}, apierr.Ambiguity("ambiguous parameters: both pos and uid given")
	}
	if p.UID != "" {
		return planqueue.ByUID(p.UID), nil
	}
	ref, err := parsePosRef(p.Pos)
	if err != nil {
		return planqueue.Locator{}, err
	}
	if ref == nil {
		return planqueue.Locator{}, apierr.Reference("pos or uid must be specified")
	}
	return planqueue.ByPos(ref), nil
}

func (d *Dispatcher) queueItemGet(raw json.RawMessage) itemResult {
	var p locatorParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return itemResult{baseResponse: fail("malformed queue_item_get params: " + err.Error())}
	}
	loc, err := p.locator()
	if err != nil {
		return itemResult{baseResponse: fail(err.Error())}
	}
	item, err := d.queue.GetItem(loc)
	if err != nil {
		return itemResult{baseResponse: fail(err.Error())}
	}
	return itemResult{baseResponse: ok(""), Item: item}
}

func (d *Dispatcher) queueItemRemove(ctx context.Context, raw json.RawMessage) itemResult {
	var p locatorParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return itemResult{baseResponse: fail("malformed queue_item_remove params: " + err.Error())}
	}
	loc, err := p.locator()
	if err != nil {
		return itemResult{baseResponse: fail(err.Error())}
	}
	item, qsize, err := d.queue.PopItemFromQueue(ctx, loc)
	if err != nil {
		return itemResult{baseResponse: fail(err.Error())}
	}
	return itemResult{baseResponse: ok("item removed"), QSize: qsize, Item: item}
}

type moveItemParams struct {
	Pos       json.RawMessage `json:"pos,omitempty"`
	UID       string          `json:"uid,omitempty"`
	PosDest   json.RawMessage `json:"pos_dest,omitempty"`
	BeforeUID string          `json:"before_uid,omitempty"`
	AfterUID  string          `json:"after_uid,omitempty"`
}

func (d *Dispatcher) queueItemMove(ctx context.Context, raw json.RawMessage) itemResult {
	var p moveItemParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return itemResult{baseResponse: fail("malformed queue_item_move params: " + err.Error())}
	}

	src, err := (locatorParams{Pos: p.Pos, UID: p.UID}).locator()
	if err != nil {
		return itemResult{baseResponse: fail(err.Error())}
	}
	dest, err := parseInsertAt(p.PosDest, p.BeforeUID, p.AfterUID)
	if err != nil {
		return itemResult{baseResponse: fail(err.Error())}
	}

	item, qsize, err := d.queue.MoveItem(ctx, src, dest)
	if err != nil {
		return itemResult{baseResponse: fail(err.Error())}
	}
	return itemResult{baseResponse: ok("item moved"), QSize: qsize, Item: item}
}

type pauseParams struct {
	Option models.PauseOption `json:"option"`
}

func (d *Dispatcher) rePause(raw json.RawMessage) baseResponse {
	var p pauseParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return fail("malformed re_pause params: " + err.Error())
		}
	}
	if p.Option == "" {
		p.Option = models.PauseDeferred
	}
	if err := d.mgr.RePause(p.Option); err != nil {
		return fail(err.Error())
	}
	return ok("pause requested")
}

type runsParams struct {
	Option models.RunListFilter `json:"option"`
}

type runsResult struct {
	baseResponse
	RunList    []models.RunEntry `json:"run_list"`
	RunListUID string            `json:"run_list_uid"`
}

func (d *Dispatcher) reRuns(raw json.RawMessage) runsResult {
	var p runsParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return runsResult{baseResponse: fail("malformed re_runs params: " + err.Error())}
		}
	}
	if p.Option == "" {
		p.Option = models.RunListAll
	}
	runs := d.mgr.ReRuns(p.Option)
	st := d.mgr.GetStatus()
	return runsResult{baseResponse: ok(""), RunList: runs, RunListUID: st.RunListUID}
}

type groupParams struct {
	UserGroup string `json:"user_group"`
}

type allowedResult struct {
	baseResponse
	PlansAllowed   map[string]bool `json:"plans_allowed,omitempty"`
	DevicesAllowed map[string]bool `json:"devices_allowed,omitempty"`
}

func (d *Dispatcher) plansAllowed(raw json.RawMessage) allowedResult {
	var p groupParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return allowedResult{baseResponse: fail("malformed plans_allowed params: " + err.Error())}
	}
	if d.allowed == nil {
		return allowedResult{baseResponse: fail("no allowed-items provider configured")}
	}
	plans, err := d.allowed.AllowedPlans(p.UserGroup)
	if err != nil {
		return allowedResult{baseResponse: fail(err.Error())}
	}
	return allowedResult{baseResponse: ok(""), PlansAllowed: plans}
}

func (d *Dispatcher) devicesAllowed(raw json.RawMessage) allowedResult {
	var p groupParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return allowedResult{baseResponse: fail("malformed devices_allowed params: " + err.Error())}
	}
	if d.allowed == nil {
		return allowedResult{baseResponse: fail("no allowed-items provider configured")}
	}
	devices, err := d.allowed.AllowedDevices(p.UserGroup)
	if err != nil {
		return allowedResult{baseResponse: fail(err.Error())}
	}
	return allowedResult{baseResponse: ok(""), DevicesAllowed: devices}
}

func (d *Dispatcher) permissionsReload() baseResponse {
	if d.allowed == nil {
		return fail("no allowed-items provider configured")
	}
	if err := d.allowed.PermissionsReload(); err != nil {
		return fail(err.Error())
	}
	return ok("permissions reloaded")
}

type managerStopParams struct {
	Option models.ManagerStopOption `json:"option"`
}

func (d *Dispatcher) managerStop(raw json.RawMessage) baseResponse {
	var p managerStopParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return fail("malformed manager_stop params: " + err.Error())
		}
	}
	if p.Option == "" {
		p.Option = models.ManagerStopSafeOn
	}
	if err := d.mgr.ManagerStop(p.Option); err != nil {
		return fail(err.Error())
	}
	return ok("manager stopping")
}
