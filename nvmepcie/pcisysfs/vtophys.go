// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package pcisysfs

import (
	"encoding/binary"
	"os"
	"unsafe"
)

const pagemapEntrySize = 8

// pagePresentBit and pfnMask decode a /proc/self/pagemap entry per
// Documentation/admin-guide/mm/pagemap.rst: bit 63 is "page present",
// bits 0-54 are the page frame number when present.
const (
	pagePresentBit = uint64(1) << 63
	pfnMask        = uint64(1)<<55 - 1
)

// Vtophys resolves buf's first byte to its physical address via
// /proc/self/pagemap, the userspace-DMA technique every hugepage-based
// NVMe driver without a full IOMMU binding relies on: the virtual page's
// page-frame-number is looked up and recombined with the in-page offset.
// It satisfies nvmepcie.Vtophys.
func Vtophys(buf []byte) (uint64, bool) {
	if len(buf) == 0 {
		return 0, false
	}

	pageSize := uintptr(os.Getpagesize())
	addr := uintptr(unsafe.Pointer(&buf[0]))
	page := addr / pageSize
	pageOff := addr % pageSize

	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return 0, false
	}
	defer f.Close()

	var entry [pagemapEntrySize]byte
	if _, err := f.ReadAt(entry[:], int64(page)*pagemapEntrySize); err != nil {
		return 0, false
	}

	val := binary.LittleEndian.Uint64(entry[:])
	if val&pagePresentBit == 0 {
		return 0, false
	}

	pfn := val & pfnMask
	return pfn*uint64(pageSize) + uint64(pageOff), true
}
