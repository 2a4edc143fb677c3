package linearizer

import "testing"

func TestProducerLinearizerOrdering(t *testing.T) {
	values := make([]uint64, 10)
	l := Init(values)

	values[2] = 3
	if !l.Push(2) {
		t.Fatalf("push(2) should succeed")
	}
	values[4] = 1
	if !l.Push(4) {
		t.Fatalf("push(4) should succeed")
	}
	values[6] = 2
	if !l.Push(6) {
		t.Fatalf("push(6) should succeed")
	}

	want := []int{4, 6, 2}
	for _, w := range want {
		got, ok := l.Pop()
		if !ok {
			t.Fatalf("Pop() returned false, want index %d", w)
		}
		if got != w {
			t.Fatalf("Pop() = %d, want %d", got, w)
		}
	}
	if _, ok := l.Pop(); ok {
		t.Fatalf("Pop() on an all-free set should return false")
	}
}

func TestRepushAfterPop(t *testing.T) {
	values := make([]uint64, 4)
	l := Init(values)
	values[2] = 3
	if !l.Push(2) {
		t.Fatalf("push(2) should succeed")
	}
	got, ok := l.Pop()
	if !ok || got != 2 {
		t.Fatalf("Pop() = (%d, %v), want (2, true)", got, ok)
	}
	if !l.Push(2) {
		t.Fatalf("re-push of slot 2 after pop should succeed")
	}
	if l.Push(2) {
		t.Fatalf("pushing an already-occupied slot must fail")
	}
}

func TestPushOutOfRangeOrOccupied(t *testing.T) {
	l := Init(make([]uint64, 2))
	if l.Push(5) {
		t.Fatalf("push out of range should fail")
	}
	if !l.Push(0) {
		t.Fatalf("first push(0) should succeed")
	}
	if l.Push(0) {
		t.Fatalf("second push(0) without a pop should fail")
	}
}

func TestPopMonotonicAfterRandomPushes(t *testing.T) {
	const sz = 64
	values := make([]uint64, sz)
	l := Init(values)
	x := uint64(123456789)
	for i := 0; i < sz; i++ {
		x ^= x << 13
		x ^= x >> 7
		x ^= x << 17
		values[i] = x % 1000
		l.Push(i)
	}
	var prev uint64
	first := true
	count := 0
	for {
		idx, ok := l.Pop()
		if !ok {
			break
		}
		v := values[idx]
		if !first && v < prev {
			t.Fatalf("pop sequence not monotonic: prev=%d got=%d", prev, v)
		}
		prev = v
		first = false
		count++
	}
	if count != sz {
		t.Fatalf("popped %d values, want %d", count, sz)
	}
}

func TestFreeResetsLinearizer(t *testing.T) {
	l := Init(make([]uint64, 4))
	l.Push(0)
	l.Free()
	if l.values != nil || l.perm != nil || l.free != nil {
		t.Fatalf("Free should release owned storage")
	}
}
