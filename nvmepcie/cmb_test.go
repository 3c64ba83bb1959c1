// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package nvmepcie

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dswarbrick/nvme-pcie/nvmepcie/internal/fakecollab"
)

func cmbRegs(szu, sz, bir uint32, ofst uint64) []byte {
	mem := make([]byte, 0x1000)
	r := NewRegisterWindow(mem)
	cmbsz := (sz << 12) | (szu << 8)
	r.SetReg4(RegCMBSZ, cmbsz)
	r.SetReg4(RegCMBLOC, bir|uint32(ofst<<12))
	return mem
}

func TestDiscoverCMBDisabledWhenSizeZero(t *testing.T) {
	dev := fakecollab.NewDevice()
	regs := NewRegisterWindow(cmbRegs(0, 0, 2, 0))

	ctx, useSQs := discoverCMB(dev, regs, true)

	assert.False(t, ctx.Enabled)
	assert.False(t, useSQs)
}

func TestDiscoverCMBDisabledOnBadBIR(t *testing.T) {
	dev := fakecollab.NewDevice()
	regs := NewRegisterWindow(cmbRegs(0, 1, 1, 0)) // bir=1 is the forbidden high-dword value

	ctx, useSQs := discoverCMB(dev, regs, true)

	assert.False(t, ctx.Enabled)
	assert.False(t, useSQs)
}

func TestDiscoverCMBEnabledAndBoundedByBAR(t *testing.T) {
	dev := fakecollab.NewDevice()
	bar := make([]byte, 64*1024)
	dev.SetBAR(2, bar, 0x9000_0000)

	// szu=0 -> unit 4096; sz=4 -> 16 KiB CMB, offset unit 0.
	regs := NewRegisterWindow(cmbRegs(0, 4, 2, 0))

	ctx, useSQs := discoverCMB(dev, regs, true)

	require.True(t, ctx.Enabled)
	assert.False(t, useSQs) // fixture's CMBSZ has the SQS bit unset
}

func TestDiscoverCMBRejectsWindowLargerThanBAR(t *testing.T) {
	dev := fakecollab.NewDevice()
	bar := make([]byte, 4096) // far smaller than the advertised CMB
	dev.SetBAR(2, bar, 0x9000_0000)

	regs := NewRegisterWindow(cmbRegs(0, 16, 2, 0)) // 64 KiB CMB claimed

	ctx, _ := discoverCMB(dev, regs, true)

	assert.False(t, ctx.Enabled)
}

func TestCMBAllocBumpAndBounds(t *testing.T) {
	dev := fakecollab.NewDevice()
	bar := make([]byte, 64*1024)
	dev.SetBAR(2, bar, 0x9000_0000)
	regs := NewRegisterWindow(cmbRegs(0, 4, 2, 0)) // 16 KiB window

	ctx, _ := discoverCMB(dev, regs, false)
	require.True(t, ctx.Enabled)

	off1, err := ctx.Alloc(100, 64)
	require.NoError(t, err)
	assert.EqualValues(t, 0, off1)

	off2, err := ctx.Alloc(64, 64)
	require.NoError(t, err)
	assert.EqualValues(t, 128, off2) // 100 rounded up to 64-alignment is 128

	_, err = ctx.Alloc(1<<20, 64)
	assert.ErrorIs(t, err, ErrCMBOutOfSpace)

	_, err = ctx.Alloc(8, 3) // not a power of two
	assert.ErrorIs(t, err, ErrBadAlignment)
}

func TestCMBPhysAddrAndBytesFoldInWindowOffset(t *testing.T) {
	dev := fakecollab.NewDevice()
	bar := make([]byte, 64*1024)
	dev.SetBAR(2, bar, 0x9000_0000)
	// offset unit 4096, ofst=1 -> window starts 4096 bytes into the BAR.
	regs := NewRegisterWindow(cmbRegs(0, 4, 2, 1))

	ctx, _ := discoverCMB(dev, regs, false)
	require.True(t, ctx.Enabled)

	off, err := ctx.Alloc(16, 16)
	require.NoError(t, err)

	assert.EqualValues(t, 0x9000_0000+4096+off, ctx.PhysAddr(off))

	b := ctx.Bytes(off, 16)
	b[0] = 0x42
	assert.Equal(t, byte(0x42), bar[4096+off])
}

// TestCMBAllocNeverCrossesWindowEnd is a randomized property test: no
// sequence of allocations against a fixed-size window ever returns a
// region whose end exceeds the window size, that is misaligned, or that
// overlaps an earlier allocation.
func TestCMBAllocNeverCrossesWindowEnd(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for trial := 0; trial < 50; trial++ {
		ctx := &CMBContext{size: uint64(1+rng.Intn(1<<20)), Enabled: true}
		var prevEnd uint64

		for i := 0; i < 200; i++ {
			align := uint64(1) << uint(rng.Intn(8))
			length := uint64(rng.Intn(4096) + 1)

			off, err := ctx.Alloc(length, align)
			if err != nil {
				assert.ErrorIs(t, err, ErrCMBOutOfSpace)
				continue
			}
			assert.LessOrEqual(t, off+length, ctx.size)
			assert.EqualValues(t, 0, off%align)
			assert.GreaterOrEqual(t, off, prevEnd)
			prevEnd = off + length
		}
	}
}
