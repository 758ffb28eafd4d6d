package link

import "testing"

func TestHistoryPushAndLast(t *testing.T) {
	h := NewHistory(3)
	if _, ok := h.Last(); ok {
		t.Fatal("Last() on empty history reported a value")
	}

	h.Push(1)
	h.Push(2)
	if v, ok := h.Last(); !ok || v != 2 {
		t.Errorf("Last() = %v,%v, want 2,true", v, ok)
	}
	if h.Len() != 2 {
		t.Errorf("Len() = %d, want 2", h.Len())
	}
}

func TestHistoryEvictsOldest(t *testing.T) {
	h := NewHistory(3)
	for _, v := range []float32{1, 2, 3, 4, 5} {
		h.Push(v)
	}
	if h.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", h.Len())
	}
	got := h.Snapshot()
	want := []float32{3, 4, 5}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Snapshot()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestHistoryDefaultCapacity(t *testing.T) {
	h := NewHistory(0)
	if h.Cap() != DefaultHistorySize {
		t.Errorf("Cap() = %d, want %d", h.Cap(), DefaultHistorySize)
	}
	for i := 0; i < DefaultHistorySize+10; i++ {
		h.Push(float32(i))
	}
	if h.Len() != DefaultHistorySize {
		t.Errorf("Len() = %d, want %d", h.Len(), DefaultHistorySize)
	}
	if first := h.Snapshot()[0]; first != 10 {
		t.Errorf("oldest retained = %v, want 10", first)
	}
}
