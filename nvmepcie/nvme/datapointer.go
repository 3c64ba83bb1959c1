// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package nvme

import "encoding/binary"

// DataPointer is the 16-byte union at DW6-9 of an NVMe command: either a
// PRP pair (prp1/prp2) or a single SGL descriptor. The raw byte layout is
// kept instead of a Go union (which the language doesn't have) so that
// Encode/Decode round-trip the exact wire bytes the controller expects.
type DataPointer [16]byte

// SetPRP sets DPTR to a PRP pair. prp2 is zero when the payload fits in a
// single page, or the second page / the PRP list's bus address otherwise.
func (d *DataPointer) SetPRP(prp1, prp2 uint64) {
	binary.LittleEndian.PutUint64(d[0:8], prp1)
	binary.LittleEndian.PutUint64(d[8:16], prp2)
}

// PRP1 returns the first PRP entry.
func (d *DataPointer) PRP1() uint64 { return binary.LittleEndian.Uint64(d[0:8]) }

// PRP2 returns the second PRP entry (zero, a second page, or a PRP list
// bus address, per NVMe base spec figure 14).
func (d *DataPointer) PRP2() uint64 { return binary.LittleEndian.Uint64(d[8:16]) }

// SGLDescriptor is a single 16-byte unkeyed SGL data block / segment /
// last-segment descriptor.
type SGLDescriptor struct {
	Address uint64
	Length  uint32
	Subtype uint8 // low nibble of the type byte
	Type    uint8 // high nibble of the type byte
}

// Encode serializes d into its 16-byte wire representation.
func (d SGLDescriptor) Encode() [16]byte {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[0:8], d.Address)
	binary.LittleEndian.PutUint32(b[8:12], d.Length)
	// b[12:15] reserved
	b[15] = (d.Type << 4) | (d.Subtype & 0xf)
	return b
}

// SetSGL writes a single SGL descriptor into DPTR's sgl1 slot.
func (d *DataPointer) SetSGL(desc SGLDescriptor) {
	b := desc.Encode()
	copy(d[:], b[:])
}

// SGL1 decodes DPTR as an SGL descriptor.
func (d *DataPointer) SGL1() SGLDescriptor {
	return SGLDescriptor{
		Address: binary.LittleEndian.Uint64(d[0:8]),
		Length:  binary.LittleEndian.Uint32(d[8:12]),
		Subtype: d[15] & 0xf,
		Type:    d[15] >> 4,
	}
}
