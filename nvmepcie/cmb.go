// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Controller Memory Buffer discovery, mapping, and bump allocation
// (spec.md §4.2).

package nvmepcie

// CMBSZRegister is the 32-bit Controller Memory Buffer Size register.
type CMBSZRegister uint32

func (c CMBSZRegister) SZ() uint64  { return uint64((c >> 12) & 0xfffff) }
func (c CMBSZRegister) SZU() uint64 { return uint64((c >> 8) & 0xf) }
func (c CMBSZRegister) SQS() bool   { return c&0x1 != 0 }

// CMBLOCRegister is the 32-bit Controller Memory Buffer Location register.
type CMBLOCRegister uint32

func (c CMBLOCRegister) BIR() uint32  { return uint32(c & 0x7) }
func (c CMBLOCRegister) OFST() uint64 { return uint64((c >> 12) & 0xfffff) }

// CMBContext describes the optional on-controller memory buffer used to
// host submission queues. A zero-value CMBContext (Enabled == false) is a
// valid "no CMB" state. Offsets handed out by Alloc and taken by Bytes /
// PhysAddr are relative to the CMB window, not to the BAR it lives in;
// windowOffset/physBase fold the window's BAR-relative placement back in.
type CMBContext struct {
	bar          int
	mem          []byte // host view of the mapped BAR backing the CMB
	physBase     uint64 // physical address of the mapped BAR, BAR-relative offset 0
	windowOffset uint64 // BAR-relative offset where the CMB window starts
	size         uint64 // CMB window size in bytes
	offset       uint64 // bump cursor, window-relative, starts at 0
	sqSupported  bool
	Enabled      bool
}

// discoverCMB reads CMBSZ/CMBLOC and, if a usable CMB is advertised, maps
// its BAR and returns an enabled CMBContext. On any disqualifying
// condition it returns a disabled context and the forced-false use-CMB-SQs
// decision, exactly as nvme_pcie_ctrlr_map_cmb does.
func discoverCMB(dev PCIDevice, regs *RegisterWindow, useCMBSQs bool) (*CMBContext, bool) {
	cmbsz := CMBSZRegister(regs.GetReg4(RegCMBSZ))
	cmbloc := CMBLOCRegister(regs.GetReg4(RegCMBLOC))

	if cmbsz.SZ() == 0 {
		return &CMBContext{}, false
	}

	bir := cmbloc.BIR()
	// Values 0, 2, 3, 4, 5 are valid for BAR; 1 is the high dword of a
	// 64-bit BAR0/1 pair and anything above 5 doesn't exist.
	if bir == 1 || bir > 5 {
		return &CMBContext{}, false
	}

	unitSize := uint64(1) << (12 + 4*cmbsz.SZU())
	size := unitSize * cmbsz.SZ()
	offset := unitSize * cmbloc.OFST()

	mem, phys, barSize, err := dev.MapBAR(int(bir))
	if err != nil || mem == nil {
		return &CMBContext{}, false
	}

	if offset > barSize || size > barSize-offset {
		return &CMBContext{}, false
	}

	ctx := &CMBContext{
		bar:          int(bir),
		mem:          mem,
		physBase:     phys,
		windowOffset: offset,
		size:         size,
		sqSupported:  cmbsz.SQS(),
		Enabled:      true,
	}

	return ctx, useCMBSQs && ctx.sqSupported
}

// Size reports the CMB window's total size in bytes (0 when disabled).
func (c *CMBContext) Size() uint64 { return c.size }

// Alloc rounds the bump cursor up to alignment (a power of two) and
// advances it by length; it never returns a region crossing the CMB
// window end and performs no deallocation (CMB regions are freed en
// masse when the controller is destroyed).
func (c *CMBContext) Alloc(length, alignment uint64) (uint64, error) {
	if alignment == 0 || alignment&(alignment-1) != 0 {
		return 0, ErrBadAlignment
	}

	rounded := (c.offset + alignment - 1) &^ (alignment - 1)
	if rounded+length > c.size {
		return 0, ErrCMBOutOfSpace
	}

	c.offset = rounded + length
	return rounded, nil
}

// Bytes returns the host-addressable slice for a previously allocated CMB
// region of the given length at a window-relative offset.
func (c *CMBContext) Bytes(offset, length uint64) []byte {
	base := c.windowOffset + offset
	return c.mem[base : base+length]
}

// PhysAddr returns the device physical address for a window-relative
// offset previously returned by Alloc.
func (c *CMBContext) PhysAddr(offset uint64) uint64 {
	return c.physBase + c.windowOffset + offset
}

// Unmap tears down the CMB mapping. Idempotent.
func (c *CMBContext) Unmap(dev PCIDevice) error {
	if !c.Enabled {
		return nil
	}
	c.Enabled = false
	return dev.UnmapBAR(c.bar, c.mem)
}
