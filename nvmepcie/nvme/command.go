// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// NVMe submission queue entry (command) layout, 64 bytes per the NVMe base
// specification.

package nvme

import "encoding/binary"

// CommandSize is the fixed width of an NVMe SQE.
const CommandSize = 64

// Command is the 64-byte NVMe submission queue entry.
type Command struct {
	Opc   uint8
	Flags uint8
	CID   uint16
	NSID  uint32
	CDW2  uint32
	CDW3  uint32
	MPTR  uint64
	DPTR  DataPointer
	CDW10 uint32
	CDW11 uint32
	CDW12 uint32
	CDW13 uint32
	CDW14 uint32
	CDW15 uint32
}

// Psdt returns the PSDT field packed into Flags' top two bits (DW0 bits
// 14-15 map onto the flags byte in this struct's logical layout).
func (c *Command) Psdt() uint8 { return c.Flags >> 6 }

// SetPsdt sets the PSDT field.
func (c *Command) SetPsdt(psdt uint8) {
	c.Flags = (c.Flags & 0x3f) | (psdt << 6)
}

// Encode serializes the command into its 64-byte wire form.
func (c *Command) Encode() [CommandSize]byte {
	var b [CommandSize]byte
	b[0] = c.Opc
	b[1] = c.Flags
	binary.LittleEndian.PutUint16(b[2:4], c.CID)
	binary.LittleEndian.PutUint32(b[4:8], c.NSID)
	binary.LittleEndian.PutUint32(b[8:12], c.CDW2)
	binary.LittleEndian.PutUint32(b[12:16], c.CDW3)
	binary.LittleEndian.PutUint64(b[16:24], c.MPTR)
	copy(b[24:40], c.DPTR[:])
	binary.LittleEndian.PutUint32(b[40:44], c.CDW10)
	binary.LittleEndian.PutUint32(b[44:48], c.CDW11)
	binary.LittleEndian.PutUint32(b[48:52], c.CDW12)
	binary.LittleEndian.PutUint32(b[52:56], c.CDW13)
	binary.LittleEndian.PutUint32(b[56:60], c.CDW14)
	binary.LittleEndian.PutUint32(b[60:64], c.CDW15)
	return b
}

// Decode populates c from a 64-byte wire-format command.
func (c *Command) Decode(b [CommandSize]byte) {
	c.Opc = b[0]
	c.Flags = b[1]
	c.CID = binary.LittleEndian.Uint16(b[2:4])
	c.NSID = binary.LittleEndian.Uint32(b[4:8])
	c.CDW2 = binary.LittleEndian.Uint32(b[8:12])
	c.CDW3 = binary.LittleEndian.Uint32(b[12:16])
	c.MPTR = binary.LittleEndian.Uint64(b[16:24])
	copy(c.DPTR[:], b[24:40])
	c.CDW10 = binary.LittleEndian.Uint32(b[40:44])
	c.CDW11 = binary.LittleEndian.Uint32(b[44:48])
	c.CDW12 = binary.LittleEndian.Uint32(b[48:52])
	c.CDW13 = binary.LittleEndian.Uint32(b[52:56])
	c.CDW14 = binary.LittleEndian.Uint32(b[56:60])
	c.CDW15 = binary.LittleEndian.Uint32(b[60:64])
}
