// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// PRP and SGL data-pointer construction (spec.md §4.3). Each builder
// mutates req.Cmd.DPTR and, for scattered payloads wider than the two
// inline PRP/SGL1 slots, the tracker's embedded scratch window.

package nvmepcie

import (
	"encoding/binary"

	"github.com/dswarbrick/nvme-pcie/nvmepcie/nvme"
)

func (qp *QueuePair) failBadVtophys(tr *tracker) error {
	qp.manualCompleteTracker(tr, nvme.SCTGeneric, nvme.SCInvalidField, true, true)
	return ErrVtophysFailed
}

func (qp *QueuePair) failTooManySGEs(tr *tracker) error {
	qp.manualCompleteTracker(tr, nvme.SCTGeneric, nvme.SCInvalidField, true, true)
	return ErrTooManySGEs
}

func (qp *QueuePair) failBadAlignment(tr *tracker) error {
	qp.manualCompleteTracker(tr, nvme.SCTGeneric, nvme.SCInvalidField, true, true)
	return ErrBadAlignment
}

// setMetadataPointer translates an optional separate metadata buffer and
// writes its physical address to MPTR. PSDT's metadata arm never needs
// adjusting here: PRP mode (PSDT 00) already treats MPTR as a plain
// pointer, and buildHWSGLRequest's PSDTSGLMptrContiguous does the same for
// SGL mode — both just need the address filled in.
func (qp *QueuePair) setMetadataPointer(req *Request, tr *tracker) error {
	if len(req.Payload.Metadata) == 0 {
		return nil
	}
	phys, ok := qp.ctrlr.vtophys(req.Payload.Metadata)
	if !ok {
		return qp.failBadVtophys(tr)
	}
	req.Cmd.MPTR = phys
	return nil
}

// buildContigRequest translates a single physically-contiguous buffer
// into PRP1/PRP2, spilling into the tracker's PRP list when the buffer
// spans more than two pages. Grounded on
// nvme_pcie_qpair_build_contig_request.
func (qp *QueuePair) buildContigRequest(req *Request, tr *tracker) error {
	if err := qp.setMetadataPointer(req, tr); err != nil {
		return err
	}

	buf := req.Payload.Contig[req.Payload.Offset : req.Payload.Offset+req.Payload.Size]

	phys1, ok := qp.ctrlr.vtophys(buf)
	if !ok {
		return qp.failBadVtophys(tr)
	}
	req.Cmd.DPTR.SetPRP(phys1, 0)

	remaining := req.Payload.Size
	firstPageBytes := PageSize - uint32(phys1%PageSize)
	if firstPageBytes > remaining {
		firstPageBytes = remaining
	}
	remaining -= firstPageBytes

	if remaining == 0 {
		return nil
	}

	if remaining <= PageSize {
		phys2, ok := qp.ctrlr.vtophys(buf[firstPageBytes:])
		if !ok {
			return qp.failBadVtophys(tr)
		}
		req.Cmd.DPTR.SetPRP(phys1, phys2)
		return nil
	}

	nPages := (remaining + PageSize - 1) / PageSize
	if nPages > MaxPRPListEntries {
		return qp.failTooManySGEs(tr)
	}

	off := firstPageBytes
	for i := uint32(0); i < nPages; i++ {
		pagePhys, ok := qp.ctrlr.vtophys(buf[off:])
		if !ok {
			return qp.failBadVtophys(tr)
		}
		binary.LittleEndian.PutUint64(tr.list[i*8:i*8+8], pagePhys)
		off += PageSize
	}

	req.Cmd.DPTR.SetPRP(phys1, tr.listPhys)
	return nil
}

// buildHWSGLRequest walks a scattered payload via its reset/next-SGE
// callbacks and builds a device-native SGL: a single inline descriptor
// when the payload collapses to one segment, otherwise a last-segment
// list in the tracker's scratch window. A DPTR data-pointer slot can only
// ever hold one descriptor, so even the two-segment case is routed
// through the list branch rather than attempting to inline a second
// descriptor anywhere — there is nowhere in the command to put it.
// Grounded on nvme_pcie_qpair_build_hw_sgl_request.
func (qp *QueuePair) buildHWSGLRequest(req *Request, tr *tracker) error {
	req.Cmd.SetPsdt(nvme.PSDTSGLMptrContiguous)

	if err := qp.setMetadataPointer(req, tr); err != nil {
		return err
	}

	payload := req.Payload
	payload.ResetSGL(payload.Offset)

	var descs [MaxSGLDescriptors]nvme.SGLDescriptor
	remaining := payload.Size
	nseg := 0

	for remaining > 0 {
		if nseg >= MaxSGLDescriptors {
			return qp.failTooManySGEs(tr)
		}
		phys, length, ok := payload.NextSGE()
		if !ok {
			return qp.failBadVtophys(tr)
		}
		if length > remaining {
			length = remaining
		}
		remaining -= length

		descs[nseg] = nvme.SGLDescriptor{
			Address: phys,
			Length:  length,
			Type:    nvme.SGLTypeDataBlock,
			Subtype: nvme.SGLSubtypeAddress,
		}
		nseg++
	}

	if nseg == 1 {
		req.Cmd.DPTR.SetSGL(descs[0])
		return nil
	}

	for i := 0; i < nseg; i++ {
		b := descs[i].Encode()
		copy(tr.list[i*16:i*16+16], b[:])
	}

	req.Cmd.DPTR.SetSGL(nvme.SGLDescriptor{
		Address: tr.listPhys,
		Length:  uint32(nseg) * 16,
		Type:    nvme.SGLTypeLastSegment,
		Subtype: nvme.SGLSubtypeAddress,
	})
	return nil
}

// buildPRPSGLRequest walks a scattered payload the same way
// buildHWSGLRequest does, but emits a PRP list instead of SGL
// descriptors, for controllers that advertise no native SGL support.
// Each scatter-gather element is stepped through page by page so that
// every PRP list entry names exactly one page, which is the only
// granularity a PRP list entry can express. Grounded on
// nvme_pcie_qpair_build_prps_sgl_request.
func (qp *QueuePair) buildPRPSGLRequest(req *Request, tr *tracker) error {
	if err := qp.setMetadataPointer(req, tr); err != nil {
		return err
	}

	payload := req.Payload
	payload.ResetSGL(payload.Offset)

	remaining := payload.Size
	nPRP := 0
	var prp1 uint64
	havePRP1 := false

	for remaining > 0 {
		phys, length, ok := payload.NextSGE()
		if !ok {
			return qp.failBadVtophys(tr)
		}
		if length > remaining {
			length = remaining
		}

		// Every PRP-list entry's physical address must be 4-byte
		// aligned, and any segment that isn't the last one in the
		// transfer must end on a page boundary — otherwise it can't be
		// stepped through page by page below without losing bytes.
		if phys&0x3 != 0 {
			return qp.failBadAlignment(tr)
		}
		if length != remaining && (phys+uint64(length))&(PageSize-1) != 0 {
			return qp.failBadAlignment(tr)
		}

		remaining -= length

		if !havePRP1 {
			prp1 = phys
			havePRP1 = true
			firstPageBytes := PageSize - uint32(phys%PageSize)
			if firstPageBytes >= length {
				continue
			}
			phys += uint64(firstPageBytes)
			length -= firstPageBytes
		}

		for length > 0 {
			if nPRP >= MaxPRPListEntries {
				return qp.failTooManySGEs(tr)
			}
			binary.LittleEndian.PutUint64(tr.list[nPRP*8:nPRP*8+8], phys)
			nPRP++
			step := uint32(PageSize)
			if step > length {
				step = length
			}
			phys += uint64(step)
			length -= step
		}
	}

	switch nPRP {
	case 0:
		req.Cmd.DPTR.SetPRP(prp1, 0)
	case 1:
		prp2 := binary.LittleEndian.Uint64(tr.list[0:8])
		req.Cmd.DPTR.SetPRP(prp1, prp2)
	default:
		req.Cmd.DPTR.SetPRP(prp1, tr.listPhys)
	}

	return nil
}
