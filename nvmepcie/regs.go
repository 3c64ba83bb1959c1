// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Typed accessors over the NVMe controller's MMIO register file (BAR0),
// plus doorbell addressing.

package nvmepcie

import (
	"sync/atomic"
	"unsafe"
)

// readVolatile4/writeVolatile4/readVolatile8/writeVolatile8 perform
// single-instruction, non-tearing loads/stores at offset within mem. They
// back every register and doorbell access in this package, and the load
// of each completion entry's CID/status dword (peekCompletion); SQ
// entries, the rest of each CQ entry, and tracker PRP/SGL lists are
// accessed with plain copies. atomic is used in place of a portable
// wmb/rmb intrinsic (the standard library has none): on every
// architecture Go supports, an atomic store/load compiles to the native
// ordered MOV/STLR/etc., giving the single-instruction volatile access
// spec.md §4.1 requires without resorting to cgo or assembly.
func readVolatile4(mem []byte, offset uint32) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&mem[offset])))
}

func writeVolatile4(mem []byte, offset uint32, value uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&mem[offset])), value)
}

func readVolatile8(mem []byte, offset uint32) uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&mem[offset])))
}

func writeVolatile8(mem []byte, offset uint32, value uint64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&mem[offset])), value)
}

// RegisterWindow is a typed volatile view over the controller's mapped
// register file. The caller (pcisysfs for real hardware, fakecollab for
// tests) supplies the backing mapping; RegisterWindow never owns the
// mapping's lifetime.
type RegisterWindow struct {
	mem []byte
}

// NewRegisterWindow wraps an already-mapped register file.
func NewRegisterWindow(mem []byte) *RegisterWindow {
	return &RegisterWindow{mem: mem}
}

// Size is the mapped register file's size in bytes.
func (r *RegisterWindow) Size() uint32 { return uint32(len(r.mem)) }

// GetReg4/SetReg4/GetReg8/SetReg8 assume offset has already been
// validated by the caller (offset+width <= Size()); no bounds error is
// returned, matching spec.md §4.1's "callers have pre-validated the
// ranges".
func (r *RegisterWindow) GetReg4(offset uint32) uint32      { return readVolatile4(r.mem, offset) }
func (r *RegisterWindow) SetReg4(offset uint32, v uint32)   { writeVolatile4(r.mem, offset, v) }
func (r *RegisterWindow) GetReg8(offset uint32) uint64      { return readVolatile8(r.mem, offset) }
func (r *RegisterWindow) SetReg8(offset uint32, v uint64)   { writeVolatile8(r.mem, offset, v) }

// NVMe controller register offsets needed by the core (the full register
// file belongs to the out-of-scope controller bring-up code).
const (
	RegCAP    = 0x00 // Controller Capabilities, 8 bytes
	RegCMBLOC = 0x38 // Controller Memory Buffer Location, 4 bytes
	RegCMBSZ  = 0x3c // Controller Memory Buffer Size, 4 bytes
)

// CapRegister is the 64-bit Controller Capabilities register.
type CapRegister uint64

// DoorbellStrideU32 returns the doorbell stride in units of 4-byte
// doorbell slots: 2^dstrd. The actual byte stride is 2^(dstrd+2);
// dropping the +2 gives the "multiples of 4" stride the doorbell index
// math below uses.
func (c CapRegister) DoorbellStrideU32() uint32 {
	dstrd := (uint64(c) >> 32) & 0xf
	return 1 << dstrd
}

// ReadCap reads and decodes the CAP register.
func (r *RegisterWindow) ReadCap() CapRegister {
	return CapRegister(r.GetReg8(RegCAP))
}

// SQDoorbellOffset returns the MMIO offset of the submission-queue tail
// doorbell for qid, per spec.md §3: index 2*qid, stride-scaled, starting
// at the fixed doorbell base offset.
func SQDoorbellOffset(qid uint16, strideU32 uint32) uint32 {
	return registerDoorbellOffset + (2*uint32(qid))*strideU32*4
}

// CQDoorbellOffset returns the MMIO offset of the completion-queue head
// doorbell for qid: index 2*qid+1.
func CQDoorbellOffset(qid uint16, strideU32 uint32) uint32 {
	return registerDoorbellOffset + (2*uint32(qid)+1)*strideU32*4
}

// WriteSQDoorbell issues the write-barrier-then-MMIO-store sequence
// required before the device may observe a new SQ tail.
func (r *RegisterWindow) WriteSQDoorbell(offset uint32, tail uint32) {
	// The preceding SQ entry is written with a plain copy (copyCommand).
	// Ordering against it comes from this doorbell write itself being an
	// atomic store, which the Go runtime implements with release (or
	// stronger) ordering on every supported architecture; no separate
	// fence instruction is issued.
	r.SetReg4(offset, tail)
}

// WriteCQDoorbell issues the CQ head doorbell write. No barrier is
// required here: the CQ head doorbell only tells the device which
// entries it may reuse, it is not ordered against any host DMA write.
func (r *RegisterWindow) WriteCQDoorbell(offset uint32, head uint32) {
	r.SetReg4(offset, head)
}
