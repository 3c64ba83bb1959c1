// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// External collaborator interfaces (spec.md §6), plus nil-safe helpers
// for the optional Logger and Metrics sinks.

package nvmepcie

import "github.com/dswarbrick/nvme-pcie/nvmepcie/nvme"

// PCIDevice is the PCI enumeration / BAR mapping / config-space
// collaborator. It is out of scope for this package (spec.md §1); the
// pcisysfs package supplies a Linux implementation, and
// internal/fakecollab supplies an in-process test double.
type PCIDevice interface {
	// MapBAR maps the given BAR and returns a host-addressable view over
	// it (shared by register access and, for a CMB-capable BAR, direct
	// memory access), the BAR's device-visible physical address, and its
	// size in bytes.
	MapBAR(bar int) (mem []byte, phys uint64, size uint64, err error)
	UnmapBAR(bar int, mem []byte) error
	CfgRead32(offset uint32) (uint32, error)
	CfgWrite32(offset uint32, value uint32) error
	VendorID() uint16
	DeviceID() uint16
	SubvendorID() uint16
	SubdeviceID() uint16
	Domain() uint16
	Bus() uint8
	Dev() uint8
	Func() uint8
}

// DMAAllocator is the DMA-capable memory allocator collaborator. Returned
// virtual addresses are valid Go-managed memory (a []byte the caller may
// index); Phys is the matching device-visible physical/IOVA address.
type DMAAllocator interface {
	// ZallocAligned returns size bytes of zeroed, DMA-capable memory
	// aligned to align (a power of two), and the matching device
	// physical address of its first byte.
	ZallocAligned(size, align int) (mem []byte, phys uint64, err error)
	Free(mem []byte)
}

// Vtophys translates a virtual address (the first byte of buf) to its
// device-visible physical address. It returns ok=false on translation
// failure (spec.md's VTOPHYS_ERROR).
type Vtophys func(buf []byte) (phys uint64, ok bool)

// PCIAddress is the bus/device/function tuple recorded at controller
// construction.
type PCIAddress struct {
	Domain uint16
	Bus    uint8
	Dev    uint8
	Func   uint8
}

// RequestPool is the generic request allocation collaborator
// (allocate_request_null / free_request in spec.md §6).
type RequestPool interface {
	AllocateNull(cb CommandCompleteFn, cbArg any) *Request
	Free(req *Request)
}

// CommandCompleteFn is a request's completion callback.
type CommandCompleteFn func(cbArg any, cpl *nvme.Completion)

// Logger is the minimal logging surface the core calls into for
// print-on-error paths (complete_tracker's print_on_error, disable/fail's
// diagnostic messages). Satisfied by *charmbracelet/log.Logger; a nil
// Logger silently drops these messages, matching the teacher's library
// packages (smart, scsi, nvme) which never log at all.
type Logger interface {
	Errorf(format string, args ...any)
	Warnf(format string, args ...any)
}

func logErrorf(l Logger, format string, args ...any) {
	if l != nil {
		l.Errorf(format, args...)
	}
}

func logWarnf(l Logger, format string, args ...any) {
	if l != nil {
		l.Warnf(format, args...)
	}
}

// Metrics is the optional instrumentation surface a QueuePair reports
// into. A nil Metrics (the zero value of QueuePair.metrics) silently drops
// every call, matching Logger's nil-safe pattern — the core never requires
// a metrics sink, it only offers one a caller can plug in (nvmemetrics
// supplies a Prometheus-backed implementation).
type Metrics interface {
	CommandSubmitted(qpairID uint16, isAdmin bool)
	CommandCompleted(qpairID uint16, isAdmin bool, isError bool)
	CommandRetried(qpairID uint16, isAdmin bool)
	DoorbellWritten(qpairID uint16, isAdmin bool, isSQ bool)
	OutstandingAborted(qpairID uint16, isAdmin bool)
}

func metricsSubmitted(m Metrics, qpairID uint16, isAdmin bool) {
	if m != nil {
		m.CommandSubmitted(qpairID, isAdmin)
	}
}

func metricsCompleted(m Metrics, qpairID uint16, isAdmin bool, isError bool) {
	if m != nil {
		m.CommandCompleted(qpairID, isAdmin, isError)
	}
}

func metricsRetried(m Metrics, qpairID uint16, isAdmin bool) {
	if m != nil {
		m.CommandRetried(qpairID, isAdmin)
	}
}

func metricsDoorbell(m Metrics, qpairID uint16, isAdmin bool, isSQ bool) {
	if m != nil {
		m.DoorbellWritten(qpairID, isAdmin, isSQ)
	}
}

func metricsAborted(m Metrics, qpairID uint16, isAdmin bool) {
	if m != nil {
		m.OutstandingAborted(qpairID, isAdmin)
	}
}
