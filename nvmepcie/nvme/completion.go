// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// NVMe completion queue entry layout, 16 bytes per the NVMe base
// specification. The phase bit lives in bit 0 of the status halfword,
// per spec.md's "phase bit in status[0]".

package nvme

import "encoding/binary"

// CompletionSize is the fixed width of an NVMe CQE.
const CompletionSize = 16

// Completion is the 16-byte NVMe completion queue entry.
type Completion struct {
	DW0    uint32 // command-specific result
	DW1    uint32 // reserved
	SQHead uint16
	SQID   uint16
	CID    uint16
	Status uint16
}

// Phase returns the completion's phase tag (bit 0 of Status).
func (c *Completion) Phase() uint8 { return uint8(c.Status & 0x1) }

// StatusCode returns the status code (bits 1-8 of Status).
func (c *Completion) StatusCode() uint8 { return uint8((c.Status >> 1) & 0xff) }

// StatusCodeType returns the status code type (bits 9-11 of Status).
func (c *Completion) StatusCodeType() uint8 { return uint8((c.Status >> 9) & 0x7) }

// DoNotRetry returns the DNR bit (bit 15 of Status).
func (c *Completion) DoNotRetry() bool { return c.Status&(1<<15) != 0 }

// SetStatus packs sct/sc/dnr/phase into the Status halfword, leaving CRD
// and More clear. Used when the core manufactures a synthetic completion
// (manual-complete paths).
func (c *Completion) SetStatus(sct, sc uint8, dnr bool, phase uint8) {
	status := uint16(phase&0x1) | uint16(sc)<<1 | uint16(sct&0x7)<<9
	if dnr {
		status |= 1 << 15
	}
	c.Status = status
}

// Encode serializes the completion into its 16-byte wire form.
func (c *Completion) Encode() [CompletionSize]byte {
	var b [CompletionSize]byte
	binary.LittleEndian.PutUint32(b[0:4], c.DW0)
	binary.LittleEndian.PutUint32(b[4:8], c.DW1)
	binary.LittleEndian.PutUint16(b[8:10], c.SQHead)
	binary.LittleEndian.PutUint16(b[10:12], c.SQID)
	binary.LittleEndian.PutUint16(b[12:14], c.CID)
	binary.LittleEndian.PutUint16(b[14:16], c.Status)
	return b
}

// Decode populates c from a 16-byte wire-format completion.
func (c *Completion) Decode(b [CompletionSize]byte) {
	c.DW0 = binary.LittleEndian.Uint32(b[0:4])
	c.DW1 = binary.LittleEndian.Uint32(b[4:8])
	c.SQHead = binary.LittleEndian.Uint16(b[8:10])
	c.SQID = binary.LittleEndian.Uint16(b[10:12])
	c.CID = binary.LittleEndian.Uint16(b[12:14])
	c.Status = binary.LittleEndian.Uint16(b[14:16])
}
