package controlchannel

import (
	"encoding/json"
	"fmt"

	"github.com/ksunden/bluesky-queueserver/internal/apierr"
	"github.com/ksunden/bluesky-queueserver/internal/planqueue"
)

// parsePosRef decodes a "pos" wire field, which is either the string "front"
// or "back", or a signed integer index. An empty/absent raw value yields a
// nil PosRef (meaning "not specified").
func parsePosRef(raw json.RawMessage) (*planqueue.PosRef, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		switch asString {
		case "front":
			return planqueue.PosFront(), nil
		case "back":
			return planqueue.PosBack(), nil
		default:
			return nil, apierr.Validation("pos must be %q, %q, or an integer index", "front", "back")
		}
	}

	var asInt int
	if err := json.Unmarshal(raw, &asInt); err == nil {
		return planqueue.Pos(asInt), nil
	}

	return nil, fmt.Errorf("pos must be a string or integer")
}

// parseInsertAt builds an InsertAt from the three wire-level destination
// fields, rejecting any combination of more than one.
func parseInsertAt(posRaw json.RawMessage, beforeUID, afterUID string) (planqueue.InsertAt, error) {
	pos, err := parsePosRef(posRaw)
	if err != nil {
		return planqueue.InsertAt{}, err
	}
	at := planqueue.InsertAt{Pos: pos, BeforeUID: beforeUID, AfterUID: afterUID}
	n := 0
	if at.Pos != nil {
		n++
	}
	if at.BeforeUID != "" {
		n++
	}
	if at.AfterUID != "" {
		n++
	}
	if n > 1 {
		return planqueue.InsertAt{}, apierr.Ambiguity("ambiguous parameters: specify only one of pos, before_uid, after_uid")
	}
	return at, nil
}
