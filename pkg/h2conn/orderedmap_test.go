package h2conn

import "testing"

func TestOrderedMapPreservesInsertionOrder(t *testing.T) {
	m := newOrderedMap[int, string]()
	m.insert(3, "three")
	m.insert(1, "one")
	m.insert(2, "two")

	got := m.keys()
	want := []int{3, 1, 2}
	if len(got) != len(want) {
		t.Fatalf("keys = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("keys = %v, want %v", got, want)
		}
	}
}

func TestOrderedMapReinsertDoesNotMove(t *testing.T) {
	m := newOrderedMap[int, string]()
	m.insert(1, "a")
	m.insert(2, "b")

	inserted := m.insert(1, "a-updated")
	if inserted {
		t.Fatal("re-inserting an existing key should report false")
	}

	v, ok := m.get(1)
	if !ok || v != "a-updated" {
		t.Fatalf("get(1) = %q, %v; want a-updated, true", v, ok)
	}

	keys := m.keys()
	if keys[0] != 1 || keys[1] != 2 {
		t.Fatalf("order changed after re-insert: %v", keys)
	}
}

func TestOrderedMapDelete(t *testing.T) {
	m := newOrderedMap[int, string]()
	m.insert(1, "a")
	m.insert(2, "b")
	m.insert(3, "c")

	m.delete(2)

	if m.len() != 2 {
		t.Fatalf("len() = %d, want 2", m.len())
	}
	if _, ok := m.get(2); ok {
		t.Fatal("deleted key still present")
	}
	values := m.values()
	if len(values) != 2 || values[0] != "a" || values[1] != "c" {
		t.Fatalf("values() = %v, want [a c]", values)
	}

	// Deleting an already-absent key is a no-op.
	m.delete(2)
	if m.len() != 2 {
		t.Fatalf("len() after redundant delete = %d, want 2", m.len())
	}
}
