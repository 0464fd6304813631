package vrange

import (
	"florence/kernel/addr"
	"testing"
)

type fakeSource uint64

func (f fakeSource) Uint64() uint64 { return uint64(f) }

func TestGetReturnsAlignedAddressWithinRange(t *testing.T) {
	r := New(addr.Size(4096))
	r.Add(addr.Virt(0x1000_0000), addr.Size(16*4096))

	for _, pick := range []uint64{0, 3, 9} {
		v, ok := r.Get(4096, fakeSource(pick))
		if !ok {
			t.Fatalf("pick %d: expected a hit", pick)
		}
		if v%4096 != 0 {
			t.Fatalf("pick %d: expected alignment, got %#x", pick, v)
		}
		r.Add(addr.Virt(0x1000_0000), addr.Size(16*4096)) // reset for next iteration
		r.ranges = r.ranges[:1]
	}
}

func TestGetFailsWhenNothingLargeEnough(t *testing.T) {
	r := New(addr.Size(4096))
	r.Add(addr.Virt(0x2000_0000), addr.Size(4096))

	if _, ok := r.Get(addr.Size(8192), fakeSource(0)); ok {
		t.Fatal("expected no range to satisfy an oversized request")
	}
}

func TestGetSplitsAndReinserts(t *testing.T) {
	r := New(addr.Size(4096))
	r.Add(addr.Virt(0), addr.Size(10*4096))

	v, ok := r.Get(addr.Size(4096), fakeSource(3))
	if !ok {
		t.Fatal("expected a hit")
	}
	if v != addr.Virt(3*4096) {
		t.Fatalf("expected the 4th slot to be picked, got base %#x", v)
	}

	var total addr.Size
	for _, rg := range r.ranges {
		total += rg.Size
	}
	if total != 9*4096 {
		t.Fatalf("expected 9 remaining pages tracked across split ranges, got %d", total/4096)
	}
}

func TestAddEvictsSmallestAtCapacity(t *testing.T) {
	r := New(addr.Size(4096))
	for i := 0; i < capacity; i++ {
		r.Add(addr.Virt(uintptr(i+1)*4096), addr.Size(4096))
	}
	r.Add(addr.Virt(0x9000_0000), addr.Size(2*4096))

	if len(r.ranges) != capacity {
		t.Fatalf("expected capacity to be held at %d, got %d", capacity, len(r.ranges))
	}
	found := false
	for _, rg := range r.ranges {
		if rg.Size == 2*4096 {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the larger incoming range to have evicted a smaller one")
	}
}
