package crdt

import (
	"errors"
	"fmt"
)

// ErrInvalidUpdate is returned for malformed updates. The document is
// never partially mutated when Apply fails with this error.
var ErrInvalidUpdate = errors.New("invalid update")

// OpID is the logical clock of one operation: the replica that produced
// it plus that replica's monotonic counter. The pair totally orders
// concurrent operations across replicas.
type OpID struct {
	Actor   string `json:"actor"`
	Counter uint64 `json:"counter"`
}

func (id OpID) IsZero() bool {
	return id.Actor == "" && id.Counter == 0
}

// Compare orders ids by actor first, then counter. This is the
// deterministic tie-break for elements at equal positions: every
// replica that has seen the same operation set sorts them identically.
func (id OpID) Compare(other OpID) int {
	if id.Actor != other.Actor {
		if id.Actor < other.Actor {
			return -1
		}
		return 1
	}
	switch {
	case id.Counter < other.Counter:
		return -1
	case id.Counter > other.Counter:
		return 1
	}
	return 0
}

func (id OpID) String() string {
	return fmt.Sprintf("%s:%d", id.Actor, id.Counter)
}

// Position is a dense order path. Elements sort lexicographically by
// position; a path sorts before any of its extensions.
type Position []uint32

const maxDigit = 1 << 16

// ComparePositions returns -1, 0 or 1 for a < b, a == b, a > b.
func ComparePositions(a, b Position) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// AllocatePosition returns a fresh position strictly between left and
// right. Nil bounds stand for the start and end of the document.
func AllocatePosition(left, right Position) Position {
	var out Position
	boundedByRight := true
	for i := 0; ; i++ {
		l := uint32(0)
		if i < len(left) {
			l = left[i]
		}
		r := uint32(maxDigit)
		if boundedByRight && i < len(right) {
			r = right[i]
		}
		if r > l+1 {
			return append(out, l+(r-l)/2)
		}
		out = append(out, l)
		if r > l {
			// Descending below left's digit, which already sorts
			// before right at this depth.
			boundedByRight = false
		}
	}
}

// ElementKind is the closed set of rich-text content variants.
type ElementKind string

const (
	KindText      ElementKind = "text"
	KindBlock     ElementKind = "block"
	KindTableCell ElementKind = "table_cell"
	KindImage     ElementKind = "image"
)

func (k ElementKind) Valid() bool {
	switch k {
	case KindText, KindBlock, KindTableCell, KindImage:
		return true
	}
	return false
}

// Element is one entry in the document sequence: a text run, a block
// boundary, a table cell or an image reference. Deleted elements stay
// as tombstones so concurrent operations addressing them still merge.
type Element struct {
	ID      OpID              `json:"id"`
	Pos     Position          `json:"pos"`
	Kind    ElementKind       `json:"kind"`
	Value   string            `json:"value,omitempty"`
	Marks   map[string]string `json:"marks,omitempty"`
	Deleted bool              `json:"deleted,omitempty"`

	// MarkClocks records, per mark name, the id of the last operation
	// that set or cleared it. Mark writes only win over smaller ids,
	// which keeps formatting merges commutative.
	MarkClocks map[string]OpID `json:"mark_clocks,omitempty"`
}

type OpType string

const (
	OpInsert    OpType = "insert"
	OpDelete    OpType = "delete"
	OpSetMark   OpType = "set_mark"
	OpClearMark OpType = "clear_mark"
)

// Op is a single mergeable operation.
type Op struct {
	Type      OpType   `json:"type"`
	ID        OpID     `json:"id"`
	Element   *Element `json:"element,omitempty"` // insert payload
	Target    OpID     `json:"target,omitempty"`  // delete / mark target
	Mark      string   `json:"mark,omitempty"`
	MarkValue string   `json:"mark_value,omitempty"`
}

// Update is a batch of operations travelling together, typically one
// client edit.
type Update struct {
	Ops []Op `json:"ops"`
}

func (op *Op) validate() error {
	if op.ID.Actor == "" || op.ID.Counter == 0 {
		return fmt.Errorf("missing or corrupt op id %q", op.ID)
	}
	switch op.Type {
	case OpInsert:
		if op.Element == nil {
			return fmt.Errorf("insert %s without element", op.ID)
		}
		if op.Element.ID != op.ID {
			return fmt.Errorf("insert %s element id mismatch %s", op.ID, op.Element.ID)
		}
		if len(op.Element.Pos) == 0 {
			return fmt.Errorf("insert %s without position", op.ID)
		}
		if !op.Element.Kind.Valid() {
			return fmt.Errorf("insert %s with unknown kind %q", op.ID, op.Element.Kind)
		}
	case OpDelete:
		if op.Target.IsZero() {
			return fmt.Errorf("delete %s without target", op.ID)
		}
	case OpSetMark, OpClearMark:
		if op.Target.IsZero() {
			return fmt.Errorf("%s %s without target", op.Type, op.ID)
		}
		if op.Mark == "" {
			return fmt.Errorf("%s %s without mark name", op.Type, op.ID)
		}
	default:
		return fmt.Errorf("unknown op type %q", op.Type)
	}
	return nil
}

// Validate checks every op in the update. Used before any mutation so
// a bad batch never partially applies.
func (u *Update) Validate() error {
	if u == nil || len(u.Ops) == 0 {
		return fmt.Errorf("%w: empty update", ErrInvalidUpdate)
	}
	batch := make(map[OpID]struct{}, len(u.Ops))
	for i := range u.Ops {
		op := &u.Ops[i]
		if err := op.validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
		}
		if _, dup := batch[op.ID]; dup {
			return fmt.Errorf("%w: duplicate op id %s in batch", ErrInvalidUpdate, op.ID)
		}
		batch[op.ID] = struct{}{}
	}
	return nil
}
