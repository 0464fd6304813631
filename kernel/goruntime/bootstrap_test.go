package goruntime

import (
	"florence/kernel"
	"florence/kernel/addr"
	"florence/kernel/mm/vmm"
	"florence/kernel/mm/vmm/vrange"
	"reflect"
	"testing"
	"unsafe"
)

// fakeFreelist hands out a fixed sequence of frames and records how many
// times Get was called; it satisfies vmm.Freelist for tests that do not
// need real physical memory.
type fakeFreelist struct {
	next   addr.Phys
	getErr *kernel.Error
}

func (f *fakeFreelist) Get(_ addr.Level) (addr.Phys, *kernel.Error) {
	if f.getErr != nil {
		return 0, f.getErr
	}
	f.next += addr.Phys(addr.LevelPT.PageSize())
	return f.next, nil
}

func (f *fakeFreelist) Return(_ addr.Phys, _ addr.Level) *kernel.Error { return nil }

func TestSysReserve(t *testing.T) {
	defer func() { reserveRegionFn = vmm.ReserveRegion }()
	var reserved bool

	t.Run("success", func(t *testing.T) {
		specs := []struct {
			reqSize       uintptr
			expRegionSize addr.Size
		}{
			// exact multiple of page size
			{100 << 12, 100 << 12},
			// size should be rounded up to nearest page size
			{2*(1<<12) - 1, 2 * (1 << 12)},
		}

		for specIndex, spec := range specs {
			reserveRegionFn = func(rsvSize addr.Size, _ vrange.RandSource) (addr.Virt, *kernel.Error) {
				if rsvSize != spec.expRegionSize {
					t.Errorf("[spec %d] expected reservation size to be %d; got %d", specIndex, spec.expRegionSize, rsvSize)
				}
				return 0xbadf00d, nil
			}

			ptr := sysReserve(nil, spec.reqSize, &reserved)
			if uintptr(ptr) == 0 {
				t.Errorf("[spec %d] sysReserve returned 0", specIndex)
				continue
			}
		}
	})

	t.Run("fail", func(t *testing.T) {
		defer func() {
			if err := recover(); err == nil {
				t.Fatal("expected sysReserve to panic")
			}
		}()

		reserveRegionFn = func(_ addr.Size, _ vrange.RandSource) (addr.Virt, *kernel.Error) {
			return 0, &kernel.Error{Module: "test", Message: "consumed available address space"}
		}

		sysReserve(nil, uintptr(0xf00), &reserved)
	})
}

func TestSysMap(t *testing.T) {
	defer func() { mapPhysFn = vmm.MapPhys }()

	t.Run("success", func(t *testing.T) {
		specs := []struct {
			reqAddr         uintptr
			reqSize         uintptr
			expMapCallCount int
		}{
			{100 << 12, 4 << 12, 4},
			{(100 << 12) + 1, 4 << 12, 4},
			{1 << 12, (4 << 12) + 1, 5},
		}

		for specIndex, spec := range specs {
			var sysStat uint64
			mapCallCount := 0
			freelist = &fakeFreelist{}
			mapPhysFn = func(req vmm.MapRequest) *kernel.Error {
				if !req.Perm.Writeable || !req.Perm.Readable {
					t.Errorf("[spec %d] expected mapping to be readable/writeable", specIndex)
				}
				mapCallCount++
				return nil
			}

			sysMap(unsafe.Pointer(spec.reqAddr), spec.reqSize, true, &sysStat)

			if mapCallCount != spec.expMapCallCount {
				t.Errorf("[spec %d] expected MapPhys call count to be %d; got %d", specIndex, spec.expMapCallCount, mapCallCount)
			}
		}
	})

	t.Run("frame allocation fails", func(t *testing.T) {
		freelist = &fakeFreelist{getErr: &kernel.Error{Module: "test", Message: "out of memory"}}
		var sysStat uint64
		if got := sysMap(unsafe.Pointer(uintptr(0xbadf00d)), 1<<12, true, &sysStat); got != unsafe.Pointer(uintptr(0)) {
			t.Fatalf("expected sysMap to return 0x0 if the freelist is exhausted; got 0x%x", uintptr(got))
		}
	})

	t.Run("map fails", func(t *testing.T) {
		freelist = &fakeFreelist{}
		mapPhysFn = func(_ vmm.MapRequest) *kernel.Error {
			return &kernel.Error{Module: "test", Message: "map failed"}
		}

		var sysStat uint64
		if got := sysMap(unsafe.Pointer(uintptr(0xbadf00d)), 1, true, &sysStat); got != unsafe.Pointer(uintptr(0)) {
			t.Fatalf("expected sysMap to return 0x0 if MapPhys returns an error; got 0x%x", uintptr(got))
		}
	})

	t.Run("panic if not reserved", func(t *testing.T) {
		defer func() {
			if err := recover(); err == nil {
				t.Fatal("expected sysMap to panic")
			}
		}()

		sysMap(nil, 0, false, nil)
	})
}

func TestSysAlloc(t *testing.T) {
	defer func() {
		reserveRegionFn = vmm.ReserveRegion
		mapPhysFn = vmm.MapPhys
	}()

	t.Run("success", func(t *testing.T) {
		expRegionStartAddr := addr.Virt(10 << 12)
		reserveRegionFn = func(_ addr.Size, _ vrange.RandSource) (addr.Virt, *kernel.Error) {
			return expRegionStartAddr, nil
		}
		freelist = &fakeFreelist{}
		mapPhysFn = func(_ vmm.MapRequest) *kernel.Error { return nil }

		if got := sysAlloc(4<<12, new(uint64)); uintptr(got) != uintptr(expRegionStartAddr) {
			t.Errorf("expected sysAlloc to return address 0x%x; got 0x%x", expRegionStartAddr, uintptr(got))
		}
	})

	t.Run("reserveRegion fails", func(t *testing.T) {
		reserveRegionFn = func(_ addr.Size, _ vrange.RandSource) (addr.Virt, *kernel.Error) {
			return 0, &kernel.Error{Module: "test", Message: "consumed available address space"}
		}

		if got := sysAlloc(1, new(uint64)); got != unsafe.Pointer(uintptr(0)) {
			t.Fatalf("expected sysAlloc to return 0x0 if ReserveRegion returns an error; got 0x%x", uintptr(got))
		}
	})

	t.Run("map fails", func(t *testing.T) {
		expRegionStartAddr := addr.Virt(10 << 12)
		reserveRegionFn = func(_ addr.Size, _ vrange.RandSource) (addr.Virt, *kernel.Error) {
			return expRegionStartAddr, nil
		}
		freelist = &fakeFreelist{}
		mapPhysFn = func(_ vmm.MapRequest) *kernel.Error {
			return &kernel.Error{Module: "test", Message: "map failed"}
		}

		if got := sysAlloc(1, new(uint64)); got != unsafe.Pointer(uintptr(0)) {
			t.Fatalf("expected sysAlloc to return 0x0 if MapPhys returns an error; got 0x%x", uintptr(got))
		}
	})
}

func TestGetRandomData(t *testing.T) {
	sample1 := make([]byte, 128)
	sample2 := make([]byte, 128)

	getRandomData(sample1)
	getRandomData(sample2)

	if reflect.DeepEqual(sample1, sample2) {
		t.Fatal("expected getRandomData to return different values for each invocation")
	}
}

func TestInit(t *testing.T) {
	defer func() {
		mallocInitFn = mallocInit
		algInitFn = algInit
		modulesInitFn = modulesInit
		typeLinksInitFn = typeLinksInit
		itabsInitFn = itabsInit
	}()

	mallocInitFn = func() {}
	algInitFn = func() {}
	modulesInitFn = func() {}
	typeLinksInitFn = func() {}
	itabsInitFn = func() {}
	if err := Init(); err != nil {
		t.Fatal(err)
	}
}
