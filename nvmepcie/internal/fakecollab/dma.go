// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package fakecollab

import (
	"fmt"
	"unsafe"
)

// DMA is a bump-allocating DMAAllocator over a single fixed backing
// array, with a matching Vtophys that recognizes any slice taken from
// that array (or from a Device BAR sharing the same backing, for CMB
// scenarios wired up via SetBAR on the same buffer).
type DMA struct {
	backing  []byte
	physBase uint64
	cursor   int
}

// NewDMA allocates a size-byte backing store whose first byte is
// presented to translated callers as physBase.
func NewDMA(size int, physBase uint64) *DMA {
	return &DMA{backing: make([]byte, size), physBase: physBase}
}

func (d *DMA) ZallocAligned(size, align int) ([]byte, uint64, error) {
	aligned := (d.cursor + align - 1) &^ (align - 1)
	if aligned+size > len(d.backing) {
		return nil, 0, fmt.Errorf("fakecollab: dma backing store exhausted (want %d, have %d)", size, len(d.backing)-aligned)
	}
	d.cursor = aligned + size
	mem := d.backing[aligned : aligned+size]
	for i := range mem {
		mem[i] = 0
	}
	return mem, d.physBase + uint64(aligned), nil
}

func (d *DMA) Free(mem []byte) {}

// Vtophys translates any slice whose backing array is d.backing into its
// fake physical address, by comparing the slice's data pointer against
// the backing array's bounds — the same trick a real IOMMU driver would
// do with a page-table walk, minus the page table.
func (d *DMA) Vtophys(buf []byte) (uint64, bool) {
	if len(buf) == 0 || len(d.backing) == 0 {
		return 0, false
	}
	base := uintptr(unsafe.Pointer(&d.backing[0]))
	ptr := uintptr(unsafe.Pointer(&buf[0]))
	if ptr < base || ptr >= base+uintptr(len(d.backing)) {
		return 0, false
	}
	return d.physBase + uint64(ptr-base), true
}

// Backing exposes the raw backing store, for tests that want to inject
// device-side writes (e.g. completion queue entries) directly.
func (d *DMA) Backing() []byte { return d.backing }
