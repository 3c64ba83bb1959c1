// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package pcisysfs

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// DMA is a DMAAllocator backed by anonymous, locked (non-swappable)
// mmap'd memory, with physical addresses resolved through Vtophys. It
// keeps no hugepage reservation and is unsuitable for sustained
// production I/O at scale, but is a faithful minimal implementation of
// the interface nvmepcie's controller and queue pairs depend on.
type DMA struct {
	mu      sync.Mutex
	regions map[uintptr][]byte // aligned buffer start -> full mmap'd region
}

func NewDMA() *DMA {
	return &DMA{regions: map[uintptr][]byte{}}
}

// ZallocAligned mmaps size+align bytes, hand-aligns a size-byte window
// within it, locks the whole mapping, and returns the aligned window.
// The full mapping is retained internally so Free can munmap it by its
// original bounds rather than the (possibly page-misaligned) sub-slice
// handed back to the caller.
func (d *DMA) ZallocAligned(size, align int) ([]byte, uint64, error) {
	total := size + align
	mem, err := unix.Mmap(-1, 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, 0, errors.Wrap(err, "mmap dma buffer")
	}

	if err := unix.Mlock(mem); err != nil {
		unix.Munmap(mem)
		return nil, 0, errors.Wrap(err, "mlock dma buffer")
	}

	base := uintptr(unsafe.Pointer(&mem[0]))
	aligned := (base + uintptr(align) - 1) &^ (uintptr(align) - 1)
	off := aligned - base
	buf := mem[off : off+uintptr(size)]

	phys, ok := Vtophys(buf)
	if !ok {
		unix.Munlock(mem)
		unix.Munmap(mem)
		return nil, 0, ErrVtophysUnavailable
	}

	d.mu.Lock()
	d.regions[uintptr(unsafe.Pointer(&buf[0]))] = mem
	d.mu.Unlock()

	return buf, phys, nil
}

func (d *DMA) Free(mem []byte) {
	if len(mem) == 0 {
		return
	}

	key := uintptr(unsafe.Pointer(&mem[0]))
	d.mu.Lock()
	full, ok := d.regions[key]
	delete(d.regions, key)
	d.mu.Unlock()

	if !ok {
		return
	}
	unix.Munlock(full)
	unix.Munmap(full)
}
