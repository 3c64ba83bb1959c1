// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package nvmepcie

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapRegisterDoorbellStride(t *testing.T) {
	mem := make([]byte, 0x40)
	// dstrd = 0 -> stride 1
	binary.LittleEndian.PutUint64(mem[RegCAP:RegCAP+8], 0)
	r := NewRegisterWindow(mem)
	assert.EqualValues(t, 1, r.ReadCap().DoorbellStrideU32())

	// dstrd = 2 -> stride 4, packed at bits 32-35
	binary.LittleEndian.PutUint64(mem[RegCAP:RegCAP+8], uint64(2)<<32)
	assert.EqualValues(t, 4, r.ReadCap().DoorbellStrideU32())
}

func TestDoorbellOffsets(t *testing.T) {
	assert.EqualValues(t, registerDoorbellOffset, SQDoorbellOffset(0, 1))
	assert.EqualValues(t, registerDoorbellOffset+4, CQDoorbellOffset(0, 1))
	assert.EqualValues(t, registerDoorbellOffset+8, SQDoorbellOffset(1, 1))
	assert.EqualValues(t, registerDoorbellOffset+12, CQDoorbellOffset(1, 1))

	// stride 4 (dstrd=2) scales every slot by 4x.
	assert.EqualValues(t, registerDoorbellOffset+32, SQDoorbellOffset(1, 4))
}

func TestRegisterWindowRoundTrip(t *testing.T) {
	mem := make([]byte, 0x2000)
	r := NewRegisterWindow(mem)

	r.SetReg4(0x10, 0xdeadbeef)
	assert.EqualValues(t, 0xdeadbeef, r.GetReg4(0x10))

	r.SetReg8(0x20, 0x0102030405060708)
	assert.EqualValues(t, 0x0102030405060708, r.GetReg8(0x20))

	assert.EqualValues(t, len(mem), r.Size())
}
