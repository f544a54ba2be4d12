// Package planqueue implements the plan queue service: the sole owner of
// the queue, history, running-item slot, UID index, and revision tags.
// Every exported method takes the service's mutex before touching any of
// that state, so a caller never observes a partial mutation and a no-op
// call never bumps a revision tag.
package planqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/ksunden/bluesky-queueserver/internal/apierr"
	"github.com/ksunden/bluesky-queueserver/internal/common"
	"github.com/ksunden/bluesky-queueserver/internal/models"
	"github.com/ksunden/bluesky-queueserver/internal/storage/kvstore"
)

const (
	listQueue   = "plan_queue"
	listHistory = "plan_history"
	keyRunning  = "running_item"
)

// Service owns the plan queue, history, running-item slot, and their
// revision tags. It is the only component permitted to touch the backing
// store directly; every other package goes through its methods.
type Service struct {
	store  kvstore.Store
	logger *common.Logger

	mu sync.Mutex

	queue   []models.Item
	history []models.Item
	running *models.Item

	uidIndex map[string]bool

	queueTag   string
	historyTag string
}

// New creates a Service bound to store. Call Start before using it.
func New(store kvstore.Store, logger *common.Logger) *Service {
	return &Service{
		store:      store,
		logger:     logger,
		uidIndex:   make(map[string]bool),
		queueTag:   uuid.NewString(),
		historyTag: uuid.NewString(),
	}
}

// Start loads the durable queue, history, and running-item slot, performing
// the queue-clean pass the spec requires: entries lacking an item_uid are
// dropped from the queue, and a running-slot payload lacking a valid
// item_uid is discarded entirely.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	queueStrs, err := s.store.ListAll(ctx, listQueue)
	if err != nil {
		return fmt.Errorf("failed to load plan queue: %w", err)
	}
	historyStrs, err := s.store.ListAll(ctx, listHistory)
	if err != nil {
		return fmt.Errorf("failed to load plan history: %w", err)
	}
	runningStr, err := s.store.Get(ctx, keyRunning)
	if err != nil {
		return fmt.Errorf("failed to load running item: %w", err)
	}

	var queue []models.Item
	dropped := 0
	for _, raw := range queueStrs {
		var it models.Item
		if err := json.Unmarshal([]byte(raw), &it); err != nil {
			dropped++
			continue
		}
		if it.ItemUID == "" {
			dropped++
			continue
		}
		queue = append(queue, it)
	}
	if dropped > 0 {
		s.logger.Warn().Int("dropped", dropped).Msg("queue-clean: dropped malformed queue entries on startup")
	}

	var history []models.Item
	for _, raw := range historyStrs {
		var it models.Item
		if err := json.Unmarshal([]byte(raw), &it); err == nil {
			history = append(history, it)
		}
	}

	var running *models.Item
	if runningStr != "" {
		var it models.Item
		if err := json.Unmarshal([]byte(runningStr), &it); err == nil && it.ItemUID != "" {
			running = &it
		} else {
			s.logger.Warn().Msg("queue-clean: discarded running-slot payload with no item_uid")
		}
	}

	s.queue = queue
	s.history = history
	s.running = running
	s.rebuildUIDIndex()

	if err := s.persistQueue(ctx); err != nil {
		return err
	}
	if err := s.persistRunning(ctx); err != nil {
		return err
	}
	return nil
}

func (s *Service) rebuildUIDIndex() {
	s.uidIndex = make(map[string]bool, len(s.queue)+1)
	for _, it := range s.queue {
		s.uidIndex[it.ItemUID] = true
	}
	if s.running != nil {
		s.uidIndex[s.running.ItemUID] = true
	}
}

func (s *Service) persistQueue(ctx context.Context) error {
	strs := make([]string, len(s.queue))
	for i, it := range s.queue {
		b, err := json.Marshal(it)
		if err != nil {
			return fmt.Errorf("failed to encode queue item: %w", err)
		}
		strs[i] = string(b)
	}
	if err := s.store.ListReplace(ctx, listQueue, strs); err != nil {
		return fmt.Errorf("failed to persist plan queue: %w", err)
	}
	return nil
}

func (s *Service) persistHistory(ctx context.Context) error {
	strs := make([]string, len(s.history))
	for i, it := range s.history {
		b, err := json.Marshal(it)
		if err != nil {
			return fmt.Errorf("failed to encode history item: %w", err)
		}
		strs[i] = string(b)
	}
	if err := s.store.ListReplace(ctx, listHistory, strs); err != nil {
		return fmt.Errorf("failed to persist plan history: %w", err)
	}
	return nil
}

func (s *Service) persistRunning(ctx context.Context) error {
	if s.running == nil {
		return s.store.Delete(ctx, keyRunning)
	}
	b, err := json.Marshal(s.running)
	if err != nil {
		return fmt.Errorf("failed to encode running item: %w", err)
	}
	return s.store.Set(ctx, keyRunning, string(b))
}

func cloneItems(items []models.Item) []models.Item {
	out := make([]models.Item, len(items))
	for i, it := range items {
		out[i] = it.Clone()
	}
	return out
}

// GetQueue returns a snapshot of the queue and its current revision tag.
func (s *Service) GetQueue() ([]models.Item, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneItems(s.queue), s.queueTag
}

// GetQueueFull returns a snapshot of the queue plus the running item (nil if
// none) and the current queue revision tag.
func (s *Service) GetQueueFull() ([]models.Item, *models.Item, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var running *models.Item
	if s.running != nil {
		cp := s.running.Clone()
		running = &cp
	}
	return cloneItems(s.queue), running, s.queueTag
}

// GetQueueSize returns the number of items waiting in the queue.
func (s *Service) GetQueueSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// GetHistory returns a snapshot of the history and its current revision tag.
func (s *Service) GetHistory() ([]models.Item, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneItems(s.history), s.historyTag
}

// GetHistorySize returns the number of entries recorded in history.
func (s *Service) GetHistorySize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// IsItemRunning reports whether the running slot is occupied.
func (s *Service) IsItemRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running != nil
}

// GetRunningItemInfo returns the running item, or nil if none.
func (s *Service) GetRunningItemInfo() *models.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running == nil {
		return nil
	}
	cp := s.running.Clone()
	return &cp
}

// NewItemUID mints a fresh item UID.
func (s *Service) NewItemUID() string { return uuid.NewString() }

// SetNewItemUID returns a copy of item with a freshly minted UID.
func (s *Service) SetNewItemUID(item models.Item) models.Item {
	cp := item.Clone()
	cp.ItemUID = uuid.NewString()
	return cp
}

// AddOptions configures add_item_to_queue. Exactly one of At's fields may be
// set; IgnoreUIDs excludes UIDs from the collision check, so an item whose
// UID is listed there may be inserted even though that UID is already in use.
type AddOptions struct {
	At         InsertAt
	IgnoreUIDs map[string]bool
}

// AddItemToQueue inserts item at the requested location and returns the
// stored copy (with a UID assigned if none was given) plus the new queue size.
func (s *Service) AddItemToQueue(ctx context.Context, item models.Item, opts AddOptions) (models.Item, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(ctx, item, opts)
}

func (s *Service) addLocked(ctx context.Context, item models.Item, opts AddOptions) (models.Item, int, error) {
	if err := opts.At.validate(); err != nil {
		return models.Item{}, len(s.queue), err
	}

	stored := item.Clone()
	if stored.ItemUID == "" {
		stored.ItemUID = uuid.NewString()
	} else if s.uidIndex[stored.ItemUID] && !opts.IgnoreUIDs[stored.ItemUID] {
		return models.Item{}, len(s.queue), apierr.Uniqueness("item_uid %q is already in the queue", stored.ItemUID)
	}

	idx, err := s.resolveDestinationIndex(s.queue, opts.At)
	if err != nil {
		return models.Item{}, len(s.queue), err
	}

	newQueue := make([]models.Item, 0, len(s.queue)+1)
	newQueue = append(newQueue, s.queue[:idx]...)
	newQueue = append(newQueue, stored)
	newQueue = append(newQueue, s.queue[idx:]...)
	s.queue = newQueue
	s.uidIndex[stored.ItemUID] = true
	s.queueTag = uuid.NewString()

	if err := s.persistQueue(ctx); err != nil {
		return models.Item{}, len(s.queue), err
	}
	return stored.Clone(), len(s.queue), nil
}

// resolveDestinationIndex resolves an InsertAt against base, applying the
// running-item special cases: before_uid equal to the running UID fails,
// after_uid equal to the running UID means "front of the queue".
func (s *Service) resolveDestinationIndex(base []models.Item, at InsertAt) (int, error) {
	runningUID := ""
	if s.running != nil {
		runningUID = s.running.ItemUID
	}

	switch {
	case at.BeforeUID != "":
		if at.BeforeUID == runningUID {
			return 0, apierr.State("cannot insert before a currently running plan")
		}
		for i, it := range base {
			if it.ItemUID == at.BeforeUID {
				return i, nil
			}
		}
		return 0, apierr.Reference("before_uid %q not found in queue", at.BeforeUID)
	case at.AfterUID != "":
		if at.AfterUID == runningUID {
			return 0, nil
		}
		for i, it := range base {
			if it.ItemUID == at.AfterUID {
				return i + 1, nil
			}
		}
		return 0, apierr.Reference("after_uid %q not found in queue", at.AfterUID)
	case at.Pos != nil:
		return resolveInsertIndex(len(base), at.Pos), nil
	default:
		return len(base), nil
	}
}

// BatchResult reports the per-item outcome of an AddItemToQueueBatch call.
type BatchResult struct {
	Success bool
	Msg     string
}

// AddItemToQueueBatch validates and inserts every item, all-or-nothing: if
// any item fails validation, the queue is left completely unchanged.
func (s *Service) AddItemToQueueBatch(ctx context.Context, items []models.Item) ([]models.Item, []BatchResult, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]BatchResult, len(items))
	seen := make(map[string]bool, len(items))
	stored := make([]models.Item, len(items))
	ok := true

	for i, item := range items {
		cp := item.Clone()
		if cp.ItemUID == "" {
			cp.ItemUID = uuid.NewString()
		} else if s.uidIndex[cp.ItemUID] || seen[cp.ItemUID] {
			results[i] = BatchResult{Success: false, Msg: fmt.Sprintf("item_uid %q is already in the queue", cp.ItemUID)}
			ok = false
			continue
		}
		seen[cp.ItemUID] = true
		stored[i] = cp
		results[i] = BatchResult{Success: true}
	}

	if !ok {
		return nil, results, len(s.queue), apierr.Validation("batch insert rejected: one or more items failed validation")
	}

	newQueue := make([]models.Item, 0, len(s.queue)+len(stored))
	newQueue = append(newQueue, s.queue...)
	newQueue = append(newQueue, stored...)
	s.queue = newQueue
	for _, it := range stored {
		s.uidIndex[it.ItemUID] = true
	}
	s.queueTag = uuid.NewString()

	if err := s.persistQueue(ctx); err != nil {
		return nil, results, len(s.queue), err
	}
	return cloneItems(stored), results, len(s.queue), nil
}

// ReplaceItem replaces the queue item identified by itemUID with newItem.
func (s *Service) ReplaceItem(ctx context.Context, newItem models.Item, itemUID string) (models.Item, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running != nil && s.running.ItemUID == itemUID {
		return models.Item{}, len(s.queue), apierr.State("cannot replace a currently running plan")
	}
	idx := s.indexOf(itemUID)
	if idx < 0 {
		return models.Item{}, len(s.queue), apierr.Reference("item_uid %q not found in queue", itemUID)
	}

	cp := newItem.Clone()
	if cp.ItemUID == "" {
		cp.ItemUID = itemUID
	}
	if cp.ItemUID != itemUID && s.uidIndex[cp.ItemUID] {
		return models.Item{}, len(s.queue), apierr.Uniqueness("item_uid %q is already in the queue", cp.ItemUID)
	}

	delete(s.uidIndex, itemUID)
	s.queue[idx] = cp
	s.uidIndex[cp.ItemUID] = true
	s.queueTag = uuid.NewString()

	if err := s.persistQueue(ctx); err != nil {
		return models.Item{}, len(s.queue), err
	}
	return cp.Clone(), len(s.queue), nil
}

// MoveDest is the destination half of a move_item call: exactly one of
// Pos/BeforeUID/AfterUID, mirroring InsertAt's three insertion forms.
type MoveDest = InsertAt

// MoveItem relocates the item identified by src to the location dest
// describes. A move whose resulting order matches the starting order
// succeeds without bumping the queue tag.
func (s *Service) MoveItem(ctx context.Context, src Locator, dest MoveDest) (models.Item, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := src.validate(); err != nil {
		return models.Item{}, len(s.queue), err
	}
	if err := dest.validate(); err != nil {
		return models.Item{}, len(s.queue), err
	}
	if dest.count() == 0 {
		return models.Item{}, len(s.queue), apierr.Reference("move destination not specified")
	}

	if src.UID != "" && (dest.BeforeUID == src.UID || dest.AfterUID == src.UID) {
		idx := s.indexOf(src.UID)
		if idx < 0 {
			return models.Item{}, len(s.queue), apierr.Reference("uid %q not found in queue", src.UID)
		}
		return s.queue[idx].Clone(), len(s.queue), nil
	}

	srcIdx, item, err := s.resolveSource(src)
	if err != nil {
		return models.Item{}, len(s.queue), err
	}

	reduced := make([]models.Item, 0, len(s.queue)-1)
	reduced = append(reduced, s.queue[:srcIdx]...)
	reduced = append(reduced, s.queue[srcIdx+1:]...)

	destIdx, err := s.resolveDestinationIndex(reduced, dest)
	if err != nil {
		return models.Item{}, len(s.queue), err
	}

	newQueue := make([]models.Item, 0, len(s.queue))
	newQueue = append(newQueue, reduced[:destIdx]...)
	newQueue = append(newQueue, item)
	newQueue = append(newQueue, reduced[destIdx:]...)

	if sameOrder(s.queue, newQueue) {
		return item.Clone(), len(s.queue), nil
	}

	s.queue = newQueue
	s.queueTag = uuid.NewString()
	if err := s.persistQueue(ctx); err != nil {
		return models.Item{}, len(s.queue), err
	}
	return item.Clone(), len(s.queue), nil
}

func sameOrder(a, b []models.Item) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ItemUID != b[i].ItemUID {
			return false
		}
	}
	return true
}

// resolveSource resolves a move/pop/get Locator against the current queue,
// rejecting a reference to the running item.
func (s *Service) resolveSource(loc Locator) (int, models.Item, error) {
	if err := loc.validate(); err != nil {
		return 0, models.Item{}, err
	}
	if loc.UID != "" {
		if s.running != nil && s.running.ItemUID == loc.UID {
			return 0, models.Item{}, apierr.State("item is currently running")
		}
		idx := s.indexOf(loc.UID)
		if idx < 0 {
			return 0, models.Item{}, apierr.Reference("uid %q not found in queue", loc.UID)
		}
		return idx, s.queue[idx], nil
	}
	idx, err := resolveReadIndex(len(s.queue), loc.Pos)
	if err != nil {
		return 0, models.Item{}, err
	}
	return idx, s.queue[idx], nil
}

func (s *Service) indexOf(uid string) int {
	for i, it := range s.queue {
		if it.ItemUID == uid {
			return i
		}
	}
	return -1
}

// PopItemFromQueue removes and returns the item identified by loc.
func (s *Service) PopItemFromQueue(ctx context.Context, loc Locator) (models.Item, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, item, err := s.resolveSource(loc)
	if err != nil {
		return models.Item{}, len(s.queue), err
	}

	s.queue = append(s.queue[:idx:idx], s.queue[idx+1:]...)
	delete(s.uidIndex, item.ItemUID)
	s.queueTag = uuid.NewString()

	if err := s.persistQueue(ctx); err != nil {
		return models.Item{}, len(s.queue), err
	}
	return item.Clone(), len(s.queue), nil
}

// GetItem returns the item identified by loc without removing it.
func (s *Service) GetItem(loc Locator) (models.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, item, err := s.resolveSource(loc)
	if err != nil {
		return models.Item{}, err
	}
	return item.Clone(), nil
}

// ClearQueue empties the queue, leaving the running slot and history untouched.
func (s *Service) ClearQueue(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	for _, it := range s.queue {
		delete(s.uidIndex, it.ItemUID)
	}
	s.queue = nil
	s.queueTag = uuid.NewString()
	return s.persistQueue(ctx)
}

// SetNextItemAsRunning pops the front of the queue into the running slot. If
// an item is already running, it returns (zero, false, nil) with no state
// change; if the queue is empty, likewise.
func (s *Service) SetNextItemAsRunning(ctx context.Context) (models.Item, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running != nil || len(s.queue) == 0 {
		return models.Item{}, false, nil
	}

	item := s.queue[0]
	s.queue = append(s.queue[:0:0], s.queue[1:]...)
	cp := item.Clone()
	s.running = &cp
	s.queueTag = uuid.NewString()

	if err := s.persistQueue(ctx); err != nil {
		return models.Item{}, false, err
	}
	if err := s.persistRunning(ctx); err != nil {
		return models.Item{}, false, err
	}
	return item.Clone(), true, nil
}

func (s *Service) finishRunning(ctx context.Context, exitStatus models.ExitStatus, runUIDs []string, requeue bool) (models.Item, error) {
	if s.running == nil {
		return models.Item{}, nil
	}

	finished := s.running.Clone()
	finished.Result = &models.Result{ExitStatus: exitStatus, RunUIDs: append([]string(nil), runUIDs...)}
	s.history = append(s.history, finished)
	s.historyTag = uuid.NewString()

	s.running = nil
	delete(s.uidIndex, finished.ItemUID)

	if err := s.persistHistory(ctx); err != nil {
		return models.Item{}, err
	}

	if requeue {
		requeued := finished.Clone()
		requeued.Result = nil
		s.queue = append([]models.Item{requeued}, s.queue...)
		s.uidIndex[requeued.ItemUID] = true
		s.queueTag = uuid.NewString()
		if err := s.persistQueue(ctx); err != nil {
			return models.Item{}, err
		}
	}

	if err := s.persistRunning(ctx); err != nil {
		return models.Item{}, err
	}
	return finished.Clone(), nil
}

// SetProcessedItemAsCompleted moves the running item to history. It is a
// no-op if nothing is running.
func (s *Service) SetProcessedItemAsCompleted(ctx context.Context, exitStatus models.ExitStatus, runUIDs []string) (models.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishRunning(ctx, exitStatus, runUIDs, false)
}

// SetProcessedItemAsStopped moves the running item to history and also
// re-inserts a fresh copy of it at the front of the queue.
func (s *Service) SetProcessedItemAsStopped(ctx context.Context, exitStatus models.ExitStatus, runUIDs []string) (models.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishRunning(ctx, exitStatus, runUIDs, true)
}

// ClearHistory empties the history.
func (s *Service) ClearHistory(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) == 0 {
		return nil
	}
	s.history = nil
	s.historyTag = uuid.NewString()
	return s.persistHistory(ctx)
}

// DeletePoolEntries is a test-only hook that wipes all durable state: queue,
// history, running slot, and the in-memory UID index.
func (s *Service) DeletePoolEntries(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = nil
	s.history = nil
	s.running = nil
	s.uidIndex = make(map[string]bool)
	s.queueTag = uuid.NewString()
	s.historyTag = uuid.NewString()
	if err := s.persistQueue(ctx); err != nil {
		return err
	}
	if err := s.persistHistory(ctx); err != nil {
		return err
	}
	return s.persistRunning(ctx)
}
