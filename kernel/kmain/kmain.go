// Package kmain wires the boot pipeline's stages into the single sequence
// the rt0 entry point calls into: walk the firmware memory map, seed the
// physical freelist, pick a KASLR base, build the first paging root, load
// the kernel (via the legacy loader or, when handed an already-parsed ELF
// module, the Stivale-compatible path), publish the handoff record and
// start the rest of the kernel.
package kmain

import (
	"florence/boot"
	"florence/device/acpi"
	"florence/device/apic"
	"florence/device/pci"
	"florence/device/video/console"
	"florence/kernel"
	"florence/kernel/addr"
	"florence/kernel/goruntime"
	"florence/kernel/hal"
	"florence/kernel/hal/multiboot"
	"florence/kernel/handoff"
	"florence/kernel/irq"
	"florence/kernel/kfmt"
	"florence/kernel/mm/kalloc"
	"florence/kernel/mm/vmm"
	"florence/kernel/mm/vmm/vrange"
	"florence/kernel/sched"
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// kaslrRandSource, diskReader and elfModule are the out-of-scope hardware
// collaborators boot.Stage4/Stage6/Stage7 need: a real entropy source, a
// disk driver and an ELF loader respectively. rt0 (or, for the
// Stivale-compatible path, whatever handed us an already-mapped kernel
// image) installs the ones it has before calling Kmain. A nil diskReader
// or elfModule means that stage's codepath is skipped; kaslrRandSource is
// used unconditionally, by Stage4SelectKASLRBase and by kalloc.
var (
	kaslrRandSource vrange.RandSource
	diskReader      boot.DiskReader
	elfModule       boot.ElfModule
)

// SetEntropySource installs the KASLR entropy source.
func SetEntropySource(src vrange.RandSource) { kaslrRandSource = src }

// SetDiskReader installs the disk reader used by the legacy loader path.
func SetDiskReader(d boot.DiskReader) { diskReader = d }

// SetElfModule installs an already-parsed kernel ELF image, selecting the
// Stivale-compatible boot path over the legacy loader.
func SetElfModule(m boot.ElfModule) { elfModule = m }

type multibootReader struct{}

func (multibootReader) VisitMemRegions(visit func(base addr.Phys, size addr.Size, usable bool) bool) {
	multiboot.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
		return visit(addr.Phys(entry.PhysAddress), addr.Size(entry.Length), entry.Type == multiboot.MemAvailable)
	})
}

// Kmain is the only Go symbol visible from the rt0 initialization code: it
// is invoked after rt0 sets up the GDT and a minimal g0 goroutine stack.
// The rt0 code passes the physical addresses of the multiboot info payload
// and of the bootloader's own loaded image.
//
//go:noinline
func Kmain(multibootInfoPtr uintptr, bootloaderStart, bootloaderEnd uintptr) {
	boot.Stage1RealMode()
	multiboot.SetInfoPtr(multibootInfoPtr)
	kfmt.SetOutputSink(boot.NewEarlyConsole(0xB8000, 0x0F))

	kfmt.Printf("florence: walking firmware memory map\n")
	regions := boot.Stage2WalkMemoryMap(multibootReader{})

	freelist := boot.Stage3SeedFreelist(regions, addr.Phys(bootloaderEnd))

	pmvb := boot.Stage4SelectKASLRBase(kaslrRandSource)
	kfmt.Printf("florence: physical memory window at %#x\n", uint64(pmvb))

	root, err := boot.Stage5BuildPagingRoot(pmvb, regions, freelist)
	if err != nil {
		kernel.Panic(err)
	}

	ranges := vrange.New(addr.LevelPD.PageSize())
	ranges.Add(pmvb.Offset(int64(boot.HighestPhysAddr)), addr.Size(1)<<40)

	if err = vmm.Init(root, ranges); err != nil {
		kernel.Panic(err)
	}
	kalloc.Init(freelist, ranges, root, kaslrRandSource)

	rec := &handoff.Record{
		Freelist:        freelist,
		PhysMemVirtBase: pmvb,
		PhysMemTopVirt:  pmvb.Offset(int64(boot.HighestPhysAddr)),
	}

	switch {
	case elfModule != nil:
		entry, err := boot.Stage7LoadKernelELF(elfModule, root, freelist, pmvb)
		if err != nil {
			kernel.Panic(err)
		}
		rec.Protocol = handoff.ProtocolStivale
		rec.ELFImage = &handoff.ElfImageDescriptor{Entry: entry}

	case diskReader != nil:
		entry, err := boot.Stage6LoadKernelLoader(diskReader, root, freelist, pmvb, 0)
		if err != nil {
			kernel.Panic(err)
		}
		rec.Protocol = handoff.ProtocolFlorence
		rec.ELFImage = &handoff.ElfImageDescriptor{Entry: entry}

	default:
		kfmt.Printf("florence: no kernel image source configured; continuing with the running image\n")
	}

	handoff.Publish(rec)

	acpi.SetFreelist(freelist)
	apic.SetFreelist(freelist)
	pci.SetFreelist(freelist)
	console.SetFreelist(freelist)

	hal.InitTerminal()
	hal.DetectHardware()

	if err = goruntime.Init(); err != nil {
		kernel.Panic(err)
	}

	irq.Init()
	sched.Init()

	kernel.Panic(errKmainReturned)
}
