package planqueue

import "github.com/ksunden/bluesky-queueserver/internal/apierr"

// PosRef is a position reference: either a raw (possibly negative) index, or
// one of the symbolic positions "front"/"back".
type PosRef struct {
	Index *int
	Front bool
	Back  bool
}

// Pos builds a PosRef from a raw index.
func Pos(i int) *PosRef { return &PosRef{Index: &i} }

// PosFront and PosBack build the symbolic position references.
func PosFront() *PosRef { return &PosRef{Front: true} }
func PosBack() *PosRef  { return &PosRef{Back: true} }

// Locator identifies a single queue entry by position or by UID. Exactly one
// of Pos/UID must be set; callers build it via ByPos or ByUID.
type Locator struct {
	Pos *PosRef
	UID string
}

// ByPos and ByUID build Locators for the two resolution forms.
func ByPos(p *PosRef) Locator { return Locator{Pos: p} }
func ByUID(uid string) Locator { return Locator{UID: uid} }

func (l Locator) count() int {
	n := 0
	if l.Pos != nil {
		n++
	}
	if l.UID != "" {
		n++
	}
	return n
}

func (l Locator) validate() error {
	switch l.count() {
	case 0:
		return apierr.Reference("source or destination not specified")
	case 1:
		return nil
	default:
		return apierr.Ambiguity("ambiguous parameters: both position and uid given")
	}
}

// InsertAt identifies where a new item should be inserted: an absolute
// position (clamped to the queue bounds) or relative to an existing UID.
// Exactly one of Pos/BeforeUID/AfterUID must be set; the zero value means
// "use the default" (back of the queue).
type InsertAt struct {
	Pos       *PosRef
	BeforeUID string
	AfterUID  string
}

func (a InsertAt) count() int {
	n := 0
	if a.Pos != nil {
		n++
	}
	if a.BeforeUID != "" {
		n++
	}
	if a.AfterUID != "" {
		n++
	}
	return n
}

func (a InsertAt) validate() error {
	if a.count() > 1 {
		return apierr.Ambiguity("ambiguous parameters: specify only one of pos, before_uid, after_uid")
	}
	return nil
}

// resolveReadIndex resolves a PosRef against a queue of the given size for a
// read/remove operation: out-of-range positions are an error.
func resolveReadIndex(qsize int, p *PosRef) (int, error) {
	switch {
	case p.Front:
		if qsize == 0 {
			return 0, apierr.Reference("queue is empty")
		}
		return 0, nil
	case p.Back:
		if qsize == 0 {
			return 0, apierr.Reference("queue is empty")
		}
		return qsize - 1, nil
	case p.Index != nil:
		idx := *p.Index
		if idx < 0 {
			idx += qsize
		}
		if idx < 0 || idx >= qsize {
			return 0, apierr.Reference("position out of range")
		}
		return idx, nil
	default:
		return 0, apierr.Reference("position not specified")
	}
}

// resolveInsertIndex resolves a PosRef against a queue of the given size for
// an insert operation: out-of-range positions clamp to the nearest endpoint.
func resolveInsertIndex(qsize int, p *PosRef) int {
	switch {
	case p.Front:
		return 0
	case p.Back:
		return qsize
	case p.Index != nil:
		idx := *p.Index
		if idx < 0 {
			idx += qsize
		}
		if idx < 0 {
			return 0
		}
		if idx > qsize {
			return qsize
		}
		return idx
	default:
		return qsize
	}
}
