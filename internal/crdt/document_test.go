package crdt

import (
	"bytes"
	"errors"
	"testing"
)

func insertOp(actor string, counter uint64, pos Position, value string) Op {
	id := OpID{Actor: actor, Counter: counter}
	return Op{
		Type: OpInsert,
		ID:   id,
		Element: &Element{
			ID:    id,
			Pos:   pos,
			Kind:  KindText,
			Value: value,
		},
	}
}

func deleteOp(actor string, counter uint64, target OpID) Op {
	return Op{
		Type:   OpDelete,
		ID:     OpID{Actor: actor, Counter: counter},
		Target: target,
	}
}

func markOp(actor string, counter uint64, target OpID, mark, value string) Op {
	return Op{
		Type:      OpSetMark,
		ID:        OpID{Actor: actor, Counter: counter},
		Target:    target,
		Mark:      mark,
		MarkValue: value,
	}
}

func permutations(ops []Op) [][]Op {
	if len(ops) <= 1 {
		return [][]Op{append([]Op(nil), ops...)}
	}
	var out [][]Op
	for i := range ops {
		rest := make([]Op, 0, len(ops)-1)
		rest = append(rest, ops[:i]...)
		rest = append(rest, ops[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]Op{ops[i]}, p...))
		}
	}
	return out
}

func TestConvergenceUnderPermutation(t *testing.T) {
	head := AllocatePosition(nil, nil)
	a1 := insertOp("alice", 1, head, "Hello")
	b1 := insertOp("bob", 1, head, "World")
	a2 := markOp("alice", 2, b1.ID, "bold", "true")
	b2 := deleteOp("bob", 2, a1.ID)

	ops := []Op{a1, b1, a2, b2}

	var want []byte
	for i, perm := range permutations(ops) {
		doc := NewDocument("doc-1", 0)
		for _, op := range perm {
			if _, err := doc.Apply(&Update{Ops: []Op{op}}); err != nil {
				t.Fatalf("permutation %d: Apply() error = %v", i, err)
			}
		}

		if got := doc.Text(); got != "World" {
			t.Fatalf("permutation %d: Text() = %q, want %q", i, got, "World")
		}
		if doc.Version() != uint64(len(ops)) {
			t.Fatalf("permutation %d: Version() = %d, want %d", i, doc.Version(), len(ops))
		}

		snap, err := doc.Snapshot()
		if err != nil {
			t.Fatalf("permutation %d: Snapshot() error = %v", i, err)
		}
		if want == nil {
			want = snap
		} else if !bytes.Equal(snap, want) {
			t.Errorf("permutation %d: snapshot diverged from first permutation", i)
		}
	}
}

func TestApplyIdempotence(t *testing.T) {
	doc := NewDocument("doc-1", 0)
	u := &Update{Ops: []Op{insertOp("alice", 1, AllocatePosition(nil, nil), "Hi")}}

	first, err := doc.Apply(u)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if len(first.Applied) != 1 {
		t.Fatalf("first Apply() applied = %d, want 1", len(first.Applied))
	}

	second, err := doc.Apply(u)
	if err != nil {
		t.Fatalf("second Apply() error = %v", err)
	}
	if len(second.Applied) != 0 || len(second.Known) != 1 {
		t.Errorf("second Apply() applied = %d known = %d, want 0 and 1",
			len(second.Applied), len(second.Known))
	}
	if doc.Version() != 1 {
		t.Errorf("Version() = %d after retransmission, want 1", doc.Version())
	}
	if doc.Text() != "Hi" {
		t.Errorf("Text() = %q, want %q", doc.Text(), "Hi")
	}
}

func TestConcurrentSamePositionInsertTieBreak(t *testing.T) {
	// Both actors insert a run at the head of an empty document. The
	// (actor, counter) tie-break must give every replica the same
	// order regardless of arrival order.
	head := AllocatePosition(nil, nil)
	a := insertOp("alice", 1, head, "Hello")
	b := insertOp("bob", 1, head, "World")

	docAB := NewDocument("doc-1", 0)
	docBA := NewDocument("doc-1", 0)

	for _, op := range []Op{a, b} {
		if _, err := docAB.Apply(&Update{Ops: []Op{op}}); err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
	}
	for _, op := range []Op{b, a} {
		if _, err := docBA.Apply(&Update{Ops: []Op{op}}); err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
	}

	if docAB.Text() != docBA.Text() {
		t.Fatalf("replicas diverged: %q vs %q", docAB.Text(), docBA.Text())
	}
	if docAB.Text() != "HelloWorld" {
		t.Errorf("Text() = %q, want %q", docAB.Text(), "HelloWorld")
	}
}

func TestApplyRejectsMalformedUpdate(t *testing.T) {
	valid := insertOp("alice", 1, AllocatePosition(nil, nil), "ok")

	tests := []struct {
		name string
		ops  []Op
	}{
		{
			name: "empty update",
			ops:  nil,
		},
		{
			name: "zero counter",
			ops:  []Op{insertOp("alice", 0, AllocatePosition(nil, nil), "x")},
		},
		{
			name: "missing actor",
			ops:  []Op{insertOp("", 1, AllocatePosition(nil, nil), "x")},
		},
		{
			name: "insert without element",
			ops:  []Op{{Type: OpInsert, ID: OpID{Actor: "alice", Counter: 2}}},
		},
		{
			name: "insert without position",
			ops:  []Op{insertOp("alice", 2, nil, "x")},
		},
		{
			name: "unknown kind",
			ops: []Op{{
				Type: OpInsert,
				ID:   OpID{Actor: "alice", Counter: 2},
				Element: &Element{
					ID:   OpID{Actor: "alice", Counter: 2},
					Pos:  AllocatePosition(nil, nil),
					Kind: "hologram",
				},
			}},
		},
		{
			name: "delete without target",
			ops:  []Op{{Type: OpDelete, ID: OpID{Actor: "alice", Counter: 2}}},
		},
		{
			name: "duplicate id in batch",
			ops: []Op{
				insertOp("alice", 2, AllocatePosition(nil, nil), "x"),
				insertOp("alice", 2, AllocatePosition(nil, nil), "y"),
			},
		},
		{
			name: "valid op mixed with invalid is fully rejected",
			ops: []Op{
				insertOp("carol", 7, AllocatePosition(nil, nil), "z"),
				{Type: OpDelete, ID: OpID{Actor: "carol", Counter: 8}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := NewDocument("doc-1", 0)
			if _, err := doc.Apply(&Update{Ops: []Op{valid}}); err != nil {
				t.Fatalf("seed Apply() error = %v", err)
			}
			before := doc.Version()

			_, err := doc.Apply(&Update{Ops: tt.ops})
			if !errors.Is(err, ErrInvalidUpdate) {
				t.Fatalf("Apply() error = %v, want ErrInvalidUpdate", err)
			}
			if doc.Version() != before {
				t.Errorf("Version() = %d after rejected update, want %d", doc.Version(), before)
			}
			if doc.Text() != "ok" {
				t.Errorf("Text() = %q after rejected update, want %q", doc.Text(), "ok")
			}
		})
	}
}

func TestDiffSince(t *testing.T) {
	doc := NewDocument("doc-1", 4)

	var left Position
	var ids []OpID
	for i := uint64(1); i <= 8; i++ {
		pos := AllocatePosition(left, nil)
		left = pos
		op := insertOp("alice", i, pos, "x")
		ids = append(ids, op.ID)
		if _, err := doc.Apply(&Update{Ops: []Op{op}}); err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
	}

	if u, ok := doc.DiffSince(doc.Version()); !ok || len(u.Ops) != 0 {
		t.Errorf("DiffSince(current) = %v ops, ok=%v; want empty, true", u, ok)
	}

	u, ok := doc.DiffSince(6)
	if !ok {
		t.Fatal("DiffSince(6) within tail returned ok=false")
	}
	if len(u.Ops) != 2 {
		t.Fatalf("DiffSince(6) returned %d ops, want 2", len(u.Ops))
	}
	if u.Ops[0].ID != ids[6] || u.Ops[1].ID != ids[7] {
		t.Errorf("DiffSince(6) returned wrong ops: %v, %v", u.Ops[0].ID, u.Ops[1].ID)
	}

	// The gap exceeds the retained tail: snapshot fallback.
	if _, ok := doc.DiffSince(1); ok {
		t.Error("DiffSince(1) beyond tail returned ok=true, want snapshot fallback")
	}
}

func TestDiffSinceCatchesUpReplica(t *testing.T) {
	authoritative := NewDocument("doc-1", 0)
	replica := NewDocument("doc-1", 0)

	head := AllocatePosition(nil, nil)
	shared := insertOp("alice", 1, head, "base")
	for _, d := range []*Document{authoritative, replica} {
		if _, err := d.Apply(&Update{Ops: []Op{shared}}); err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
	}
	lag := replica.Version()

	next := insertOp("alice", 2, AllocatePosition(head, nil), " more")
	if _, err := authoritative.Apply(&Update{Ops: []Op{next}}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	diff, ok := authoritative.DiffSince(lag)
	if !ok {
		t.Fatal("DiffSince() returned ok=false within tail")
	}
	if _, err := replica.Apply(diff); err != nil {
		t.Fatalf("replica Apply(diff) error = %v", err)
	}
	if replica.Text() != authoritative.Text() {
		t.Errorf("replica = %q, authoritative = %q", replica.Text(), authoritative.Text())
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	doc := NewDocument("doc-1", 0)

	head := AllocatePosition(nil, nil)
	a1 := insertOp("alice", 1, head, "Hello")
	b1 := insertOp("bob", 1, AllocatePosition(head, nil), "World")
	ops := []Op{a1, b1, markOp("alice", 2, a1.ID, "bold", "true"), deleteOp("bob", 2, b1.ID)}
	if _, err := doc.Apply(&Update{Ops: ops}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	data, err := doc.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	restored, err := Restore(data, 0)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	if restored.DocumentID() != "doc-1" {
		t.Errorf("DocumentID() = %q, want doc-1", restored.DocumentID())
	}
	if restored.Version() != doc.Version() {
		t.Errorf("Version() = %d, want %d", restored.Version(), doc.Version())
	}
	if restored.Text() != "Hello" {
		t.Errorf("Text() = %q, want %q", restored.Text(), "Hello")
	}

	// Idempotence survives the round trip.
	res, err := restored.Apply(&Update{Ops: []Op{a1}})
	if err != nil {
		t.Fatalf("Apply() on restored error = %v", err)
	}
	if len(res.Applied) != 0 || len(res.Known) != 1 {
		t.Errorf("restored Apply() applied = %d known = %d, want 0 and 1",
			len(res.Applied), len(res.Known))
	}
}

func TestConcurrentMarkWritesConverge(t *testing.T) {
	head := AllocatePosition(nil, nil)
	ins := insertOp("alice", 1, head, "text")
	m1 := markOp("alice", 2, ins.ID, "color", "red")
	m2 := markOp("bob", 2, ins.ID, "color", "blue")

	apply := func(order []Op) *Document {
		doc := NewDocument("doc-1", 0)
		for _, op := range order {
			if _, err := doc.Apply(&Update{Ops: []Op{op}}); err != nil {
				t.Fatalf("Apply() error = %v", err)
			}
		}
		return doc
	}

	d1 := apply([]Op{ins, m1, m2})
	d2 := apply([]Op{ins, m2, m1})

	s1, _ := d1.Snapshot()
	s2, _ := d2.Snapshot()
	if !bytes.Equal(s1, s2) {
		t.Error("mark writes did not converge across orders")
	}
}

func TestDeferredDeleteAppliesWhenInsertArrives(t *testing.T) {
	doc := NewDocument("doc-1", 0)

	head := AllocatePosition(nil, nil)
	ins := insertOp("alice", 1, head, "gone")
	del := deleteOp("bob", 1, ins.ID)

	res, err := doc.Apply(&Update{Ops: []Op{del}})
	if err != nil {
		t.Fatalf("Apply(delete-first) error = %v", err)
	}
	if len(res.Deferred) != 1 {
		t.Fatalf("Apply(delete-first) deferred = %d, want 1", len(res.Deferred))
	}

	if _, err := doc.Apply(&Update{Ops: []Op{ins}}); err != nil {
		t.Fatalf("Apply(insert) error = %v", err)
	}
	if doc.Text() != "" {
		t.Errorf("Text() = %q, want empty after deferred delete applied", doc.Text())
	}
}

func TestAllocatePosition(t *testing.T) {
	head := AllocatePosition(nil, nil)
	if len(head) == 0 {
		t.Fatal("AllocatePosition(nil, nil) returned empty position")
	}

	after := AllocatePosition(head, nil)
	if ComparePositions(head, after) >= 0 {
		t.Errorf("position %v not after %v", after, head)
	}

	between := AllocatePosition(head, after)
	if ComparePositions(head, between) >= 0 || ComparePositions(between, after) >= 0 {
		t.Errorf("position %v not strictly between %v and %v", between, head, after)
	}

	// Adjacent digits force a descent to a deeper level.
	tight := AllocatePosition(Position{5}, Position{6})
	if ComparePositions(Position{5}, tight) >= 0 || ComparePositions(tight, Position{6}) >= 0 {
		t.Errorf("position %v not strictly between [5] and [6]", tight)
	}
}
