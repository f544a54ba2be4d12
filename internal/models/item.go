// Package models defines the wire and storage types shared across the queue
// server: queue items, worker lifecycle events, and run records.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ItemType discriminates the two kinds of queue entries.
type ItemType string

const (
	// ItemTypePlan is an executable scientific-measurement plan.
	ItemTypePlan ItemType = "plan"
	// ItemTypeInstruction is a queue-control item (currently only queue_stop).
	ItemTypeInstruction ItemType = "instruction"
)

// InstructionQueueStop halts queue execution after the preceding plan completes.
const InstructionQueueStop = "queue_stop"

// ExitStatus is a closed set of labels describing how a processed item terminated.
type ExitStatus string

const (
	ExitStatusCompleted ExitStatus = "completed"
	ExitStatusStopped   ExitStatus = "stopped"
	ExitStatusAborted   ExitStatus = "aborted"
	ExitStatusHalted    ExitStatus = "halted"
	ExitStatusFailed    ExitStatus = "failed"
)

// Result holds the outcome of a processed item, present only on history entries.
type Result struct {
	ExitStatus ExitStatus `json:"exit_status"`
	RunUIDs    []string   `json:"run_uids"`
}

// Item is a single queue or history entry: a plan or an instruction.
type Item struct {
	ItemType  ItemType               `json:"item_type"`
	ItemUID   string                 `json:"item_uid,omitempty"`
	Name      string                 `json:"name"`
	Args      []any                  `json:"args,omitempty"`
	Kwargs    map[string]any         `json:"kwargs,omitempty"`
	User      string                 `json:"user,omitempty"`
	UserGroup string                 `json:"user_group,omitempty"`
	Meta      map[string]any         `json:"meta,omitempty"`
	Result    *Result                `json:"result,omitempty"`
}

// itemWire mirrors Item for JSON decoding, except meta is left raw so
// UnmarshalJSON can accept either a single mapping or an ordered sequence of
// mappings (shallow-merged left-wins-on-conflict) before settling into Meta.
type itemWire struct {
	ItemType  ItemType        `json:"item_type"`
	ItemUID   string          `json:"item_uid,omitempty"`
	Name      string          `json:"name"`
	Args      []any           `json:"args,omitempty"`
	Kwargs    map[string]any  `json:"kwargs,omitempty"`
	User      string          `json:"user,omitempty"`
	UserGroup string          `json:"user_group,omitempty"`
	Meta      json.RawMessage `json:"meta,omitempty"`
	Result    *Result         `json:"result,omitempty"`
}

// UnmarshalJSON accepts meta as either a single mapping or an ordered
// sequence of mappings, shallow-merging the latter left-wins-on-conflict.
func (it *Item) UnmarshalJSON(data []byte) error {
	var wire itemWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	*it = Item{
		ItemType:  wire.ItemType,
		ItemUID:   wire.ItemUID,
		Name:      wire.Name,
		Args:      wire.Args,
		Kwargs:    wire.Kwargs,
		User:      wire.User,
		UserGroup: wire.UserGroup,
		Result:    wire.Result,
	}

	if len(wire.Meta) == 0 {
		return nil
	}

	var asMap map[string]any
	if err := json.Unmarshal(wire.Meta, &asMap); err == nil {
		it.Meta = asMap
		return nil
	}

	var asList []map[string]any
	if err := json.Unmarshal(wire.Meta, &asList); err != nil {
		return fmt.Errorf("meta must be a mapping or a sequence of mappings: %w", err)
	}
	it.Meta = MergeMeta(asList...)
	return nil
}

// Clone returns a deep-enough copy of the item safe to mutate independently
// (the queue service never hands out references into its own storage).
func (it Item) Clone() Item {
	cp := it
	if it.Args != nil {
		cp.Args = append([]any(nil), it.Args...)
	}
	if it.Kwargs != nil {
		cp.Kwargs = make(map[string]any, len(it.Kwargs))
		for k, v := range it.Kwargs {
			cp.Kwargs[k] = v
		}
	}
	if it.Meta != nil {
		cp.Meta = make(map[string]any, len(it.Meta))
		for k, v := range it.Meta {
			cp.Meta[k] = v
		}
	}
	if it.Result != nil {
		r := *it.Result
		r.RunUIDs = append([]string(nil), it.Result.RunUIDs...)
		cp.Result = &r
	}
	return cp
}

// IsQueueStop reports whether the item is the queue_stop instruction.
func (it Item) IsQueueStop() bool {
	return it.ItemType == ItemTypeInstruction && it.Name == InstructionQueueStop
}

// MergeMeta shallow-merges a sequence of meta mappings, left-wins-on-conflict,
// per the item insert contract.
func MergeMeta(metas ...map[string]any) map[string]any {
	if len(metas) == 0 {
		return nil
	}
	merged := make(map[string]any)
	for i := len(metas) - 1; i >= 0; i-- {
		for k, v := range metas[i] {
			merged[k] = v
		}
	}
	if len(merged) == 0 {
		return nil
	}
	return merged
}

// RunEntry records the open/close lifecycle of a single measurement run
// surfaced by the worker.
type RunEntry struct {
	UID        string     `json:"uid"`
	IsOpen     bool       `json:"is_open"`
	ExitStatus ExitStatus `json:"exit_status,omitempty"`
	OpenedAt   time.Time  `json:"opened_at,omitempty"`
	ClosedAt   time.Time  `json:"closed_at,omitempty"`
}
