package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const DefaultTailLimit = 512

// Document is the mergeable state of one collaborative document. Merge
// is commutative and idempotent: applying the same operation set in any
// order, any number of times, converges to identical content.
//
// Document is not safe for concurrent use; the owning hub serializes
// all access.
type Document struct {
	documentID string
	version    uint64

	elements []*Element       // sorted by (pos, id)
	byID     map[OpID]*Element
	seen     map[OpID]struct{}

	// Ops whose target has not arrived yet. Retried after every
	// successful apply so arrival order never matters.
	pending []Op

	// Recently applied ops, tagged with the version they produced.
	// Serves incremental catch-up; bounded, oldest dropped first.
	tail      []taggedOp
	tailLimit int
}

type taggedOp struct {
	Version uint64 `json:"version"`
	Op      Op     `json:"op"`
}

// MergeResult reports the outcome of applying one update.
type MergeResult struct {
	Applied  []OpID // ops new to this document
	Known    []OpID // ops already applied (idempotent retransmission)
	Deferred []OpID // ops waiting for their target to arrive
	Version  uint64
}

func NewDocument(documentID string, tailLimit int) *Document {
	if tailLimit <= 0 {
		tailLimit = DefaultTailLimit
	}
	return &Document{
		documentID: documentID,
		byID:       make(map[OpID]*Element),
		seen:       make(map[OpID]struct{}),
		tailLimit:  tailLimit,
	}
}

func (d *Document) DocumentID() string { return d.documentID }
func (d *Document) Version() uint64    { return d.version }

// Apply merges a remote update. Malformed updates are rejected with
// ErrInvalidUpdate before any op is applied.
func (d *Document) Apply(u *Update) (*MergeResult, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}

	res := &MergeResult{}
	var fresh []Op
	for _, op := range u.Ops {
		if _, ok := d.seen[op.ID]; ok {
			res.Known = append(res.Known, op.ID)
			continue
		}
		d.seen[op.ID] = struct{}{}
		fresh = append(fresh, op)
	}

	d.integrate(fresh, res)
	res.Version = d.version
	return res, nil
}

// integrate applies ops, retrying deferred ones until no progress is
// made. Inserts always apply; deletes and mark writes wait for their
// target element.
func (d *Document) integrate(ops []Op, res *MergeResult) {
	queue := append(ops, d.pending...)
	d.pending = nil

	for {
		var deferred []Op
		progress := false
		for _, op := range queue {
			if d.applyOne(op) {
				progress = true
				res.Applied = append(res.Applied, op.ID)
			} else {
				deferred = append(deferred, op)
			}
		}
		if !progress || len(deferred) == 0 {
			d.pending = deferred
			break
		}
		queue = deferred
	}

	for _, op := range d.pending {
		res.Deferred = append(res.Deferred, op.ID)
	}
}

func (d *Document) applyOne(op Op) bool {
	switch op.Type {
	case OpInsert:
		el := cloneElement(op.Element)
		d.insertSorted(el)
		d.byID[el.ID] = el
	case OpDelete:
		el, ok := d.byID[op.Target]
		if !ok {
			return false
		}
		el.Deleted = true
	case OpSetMark, OpClearMark:
		el, ok := d.byID[op.Target]
		if !ok {
			return false
		}
		// Only the greatest writer id wins, so concurrent mark writes
		// commute.
		if prev, set := el.MarkClocks[op.Mark]; !set || op.ID.Compare(prev) > 0 {
			if el.MarkClocks == nil {
				el.MarkClocks = make(map[string]OpID)
			}
			el.MarkClocks[op.Mark] = op.ID
			if op.Type == OpSetMark {
				if el.Marks == nil {
					el.Marks = make(map[string]string)
				}
				el.Marks[op.Mark] = op.MarkValue
			} else {
				delete(el.Marks, op.Mark)
			}
		}
	}
	d.version++
	d.appendTail(op)
	return true
}

func (d *Document) appendTail(op Op) {
	d.tail = append(d.tail, taggedOp{Version: d.version, Op: op})
	if len(d.tail) > d.tailLimit {
		d.tail = d.tail[len(d.tail)-d.tailLimit:]
	}
}

func (d *Document) insertSorted(el *Element) {
	idx := sort.Search(len(d.elements), func(i int) bool {
		return elementLess(el, d.elements[i])
	})
	d.elements = append(d.elements, nil)
	copy(d.elements[idx+1:], d.elements[idx:])
	d.elements[idx] = el
}

func elementLess(a, b *Element) bool {
	if c := ComparePositions(a.Pos, b.Pos); c != 0 {
		return c < 0
	}
	return a.ID.Compare(b.ID) < 0
}

// DiffSince returns the ops needed to advance a replica at the given
// version to the current state. The second result is false when the
// retained tail no longer reaches that far back; callers fall back to
// a full snapshot.
func (d *Document) DiffSince(version uint64) (*Update, bool) {
	if version >= d.version {
		return &Update{}, true
	}
	if len(d.tail) == 0 || d.tail[0].Version > version+1 {
		return nil, false
	}
	u := &Update{}
	for _, t := range d.tail {
		if t.Version > version {
			u.Ops = append(u.Ops, t.Op)
		}
	}
	return u, true
}

// Text materializes the visible text content, skipping tombstones and
// non-text elements. Used for tests and the internal state endpoint.
func (d *Document) Text() string {
	var b strings.Builder
	for _, el := range d.elements {
		if el.Deleted || el.Kind != KindText {
			continue
		}
		b.WriteString(el.Value)
	}
	return b.String()
}

type snapshotDoc struct {
	DocumentID string     `json:"document_id"`
	Version    uint64     `json:"version"`
	Elements   []*Element `json:"elements"`
	Seen       []OpID     `json:"seen"`
	Pending    []Op       `json:"pending,omitempty"`
}

// Snapshot serializes the full document state. The result round-trips
// through Restore.
func (d *Document) Snapshot() ([]byte, error) {
	s := snapshotDoc{
		DocumentID: d.documentID,
		Version:    d.version,
		Elements:   d.elements,
		Seen:       make([]OpID, 0, len(d.seen)),
		Pending:    d.pending,
	}
	for id := range d.seen {
		s.Seen = append(s.Seen, id)
	}
	sort.Slice(s.Seen, func(i, j int) bool { return s.Seen[i].Compare(s.Seen[j]) < 0 })

	data, err := json.Marshal(&s)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize document %s: %w", d.documentID, err)
	}
	return data, nil
}

// Restore rebuilds a document from a snapshot produced by Snapshot.
func Restore(data []byte, tailLimit int) (*Document, error) {
	var s snapshotDoc
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to restore document: %w", err)
	}

	d := NewDocument(s.DocumentID, tailLimit)
	d.version = s.Version
	d.elements = s.Elements
	sort.SliceStable(d.elements, func(i, j int) bool {
		return elementLess(d.elements[i], d.elements[j])
	})
	for _, el := range d.elements {
		d.byID[el.ID] = el
	}
	for _, id := range s.Seen {
		d.seen[id] = struct{}{}
	}
	d.pending = s.Pending
	return d, nil
}

func cloneElement(el *Element) *Element {
	out := *el
	out.Pos = append(Position(nil), el.Pos...)
	if el.Marks != nil {
		out.Marks = make(map[string]string, len(el.Marks))
		for k, v := range el.Marks {
			out.Marks[k] = v
		}
	}
	if el.MarkClocks != nil {
		out.MarkClocks = make(map[string]OpID, len(el.MarkClocks))
		for k, v := range el.MarkClocks {
			out.MarkClocks[k] = v
		}
	}
	return &out
}
