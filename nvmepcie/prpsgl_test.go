// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package nvmepcie

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dswarbrick/nvme-pcie/nvmepcie/internal/fakecollab"
	"github.com/dswarbrick/nvme-pcie/nvmepcie/nvme"
)

func newTestQpair(dma *fakecollab.DMA) (*QueuePair, *tracker) {
	ctrlr := &Controller{vtophys: dma.Vtophys, sglSupported: true}
	qp := &QueuePair{ctrlr: ctrlr, reqPool: fakecollab.NewPool()}
	tr := &tracker{list: make([]byte, PageSize)}
	return qp, tr
}

type sge struct {
	phys   uint64
	length uint32
}

func sgeWalker(segs []sge) (ResetSGLFunc, NextSGEFunc) {
	idx := 0
	reset := func(offset uint32) { idx = 0 }
	next := func() (uint64, uint32, bool) {
		if idx >= len(segs) {
			return 0, 0, false
		}
		s := segs[idx]
		idx++
		return s.phys, s.length, true
	}
	return reset, next
}

func TestBuildContigRequestSinglePage(t *testing.T) {
	dma := fakecollab.NewDMA(1<<20, 0x1000_0000)
	qp, tr := newTestQpair(dma)

	mem, phys, err := dma.ZallocAligned(PageSize, PageSize)
	require.NoError(t, err)

	req := &Request{Payload: Payload{Kind: PayloadContig, Contig: mem, Size: PageSize}}
	require.NoError(t, qp.buildContigRequest(req, tr))

	assert.Equal(t, phys, req.Cmd.DPTR.PRP1())
	assert.EqualValues(t, 0, req.Cmd.DPTR.PRP2())
}

func TestBuildContigRequestExactlyTwoPages(t *testing.T) {
	dma := fakecollab.NewDMA(1<<20, 0x1000_0000)
	qp, tr := newTestQpair(dma)

	mem, phys, err := dma.ZallocAligned(2*PageSize, PageSize)
	require.NoError(t, err)

	req := &Request{Payload: Payload{Kind: PayloadContig, Contig: mem, Size: 2 * PageSize}}
	require.NoError(t, qp.buildContigRequest(req, tr))

	assert.Equal(t, phys, req.Cmd.DPTR.PRP1())
	assert.Equal(t, phys+PageSize, req.Cmd.DPTR.PRP2())
}

func TestBuildContigRequestUnalignedCrossesPage(t *testing.T) {
	dma := fakecollab.NewDMA(1<<20, 0x1000_0000)
	qp, tr := newTestQpair(dma)

	mem, phys, err := dma.ZallocAligned(2*PageSize, PageSize)
	require.NoError(t, err)

	const offset = PageSize - 6
	req := &Request{Payload: Payload{Kind: PayloadContig, Contig: mem, Offset: offset, Size: 20}}
	require.NoError(t, qp.buildContigRequest(req, tr))

	assert.Equal(t, phys+offset, req.Cmd.DPTR.PRP1())
	assert.Equal(t, phys+PageSize, req.Cmd.DPTR.PRP2())
}

func TestBuildContigRequestMultiPageUsesPRPList(t *testing.T) {
	dma := fakecollab.NewDMA(1<<20, 0x1000_0000)
	qp, tr := newTestQpair(dma)

	size := 3 * PageSize
	mem, phys, err := dma.ZallocAligned(size, PageSize)
	require.NoError(t, err)

	req := &Request{Payload: Payload{Kind: PayloadContig, Contig: mem, Size: uint32(size)}}
	require.NoError(t, qp.buildContigRequest(req, tr))

	assert.Equal(t, phys, req.Cmd.DPTR.PRP1())
	assert.Equal(t, tr.listPhys, req.Cmd.DPTR.PRP2())
	assert.Equal(t, phys+PageSize, binary.LittleEndian.Uint64(tr.list[0:8]))
	assert.Equal(t, phys+2*PageSize, binary.LittleEndian.Uint64(tr.list[8:16]))
}

func TestBuildContigRequestBadVtophysCompletesRequest(t *testing.T) {
	dma := fakecollab.NewDMA(1<<20, 0x1000_0000)
	qp, tr := newTestQpair(dma)
	tr.active = true

	var gotCpl *nvme.Completion
	req := &Request{
		Payload:    Payload{Kind: PayloadContig, Contig: make([]byte, 64), Size: 64}, // not from dma's backing store
		CompleteFn: func(_ any, cpl *nvme.Completion) { gotCpl = cpl },
	}
	tr.req = req

	err := qp.buildContigRequest(req, tr)
	assert.ErrorIs(t, err, ErrVtophysFailed)
	require.NotNil(t, gotCpl)
	assert.True(t, gotCpl.IsError())
	assert.False(t, tr.active)
}

func TestBuildHWSGLRequestSingleSegmentInlines(t *testing.T) {
	dma := fakecollab.NewDMA(1<<20, 0x1000_0000)
	qp, tr := newTestQpair(dma)

	reset, next := sgeWalker([]sge{{phys: 0x2000, length: 512}})
	req := &Request{Payload: Payload{Kind: PayloadSGL, ResetSGL: reset, NextSGE: next, Size: 512}}

	require.NoError(t, qp.buildHWSGLRequest(req, tr))

	desc := req.Cmd.DPTR.SGL1()
	assert.EqualValues(t, 0x2000, desc.Address)
	assert.EqualValues(t, 512, desc.Length)
	assert.EqualValues(t, nvme.SGLTypeDataBlock, desc.Type)
}

func TestBuildHWSGLRequestMultiSegmentUsesLastSegmentList(t *testing.T) {
	dma := fakecollab.NewDMA(1<<20, 0x1000_0000)
	qp, tr := newTestQpair(dma)

	segs := []sge{{phys: 0x1000, length: 4096}, {phys: 0x9000, length: 4096}}
	reset, next := sgeWalker(segs)
	req := &Request{Payload: Payload{Kind: PayloadSGL, ResetSGL: reset, NextSGE: next, Size: 8192}}

	require.NoError(t, qp.buildHWSGLRequest(req, tr))

	desc := req.Cmd.DPTR.SGL1()
	assert.Equal(t, tr.listPhys, desc.Address)
	assert.EqualValues(t, nvme.SGLTypeLastSegment, desc.Type)
	assert.EqualValues(t, 2*16, desc.Length)
}

func TestBuildHWSGLRequestTooManySegments(t *testing.T) {
	dma := fakecollab.NewDMA(1<<20, 0x1000_0000)
	qp, tr := newTestQpair(dma)
	tr.active = true

	segs := make([]sge, MaxSGLDescriptors+1)
	for i := range segs {
		segs[i] = sge{phys: uint64(i) * 512, length: 512}
	}
	reset, next := sgeWalker(segs)
	req := &Request{Payload: Payload{Kind: PayloadSGL, ResetSGL: reset, NextSGE: next, Size: uint32(len(segs)) * 512}}
	tr.req = req

	err := qp.buildHWSGLRequest(req, tr)
	assert.ErrorIs(t, err, ErrTooManySGEs)
}

func TestBuildPRPSGLRequestStepsEachSegmentByPage(t *testing.T) {
	dma := fakecollab.NewDMA(1<<20, 0x1000_0000)
	qp, tr := newTestQpair(dma)

	segs := []sge{{phys: 0x10000, length: PageSize}, {phys: 0x20000, length: PageSize}}
	reset, next := sgeWalker(segs)
	req := &Request{Payload: Payload{Kind: PayloadSGL, ResetSGL: reset, NextSGE: next, Size: 2 * PageSize}}

	require.NoError(t, qp.buildPRPSGLRequest(req, tr))

	assert.EqualValues(t, 0x10000, req.Cmd.DPTR.PRP1())
	assert.EqualValues(t, 0x20000, req.Cmd.DPTR.PRP2())
}

// TestBuildPRPSGLRequestSingleSegmentSpansTwoPages covers the other half
// of the total_nseg==2 edge case: a single scattered segment that itself
// straddles a page boundary, as opposed to
// TestBuildPRPSGLRequestStepsEachSegmentByPage's two separate full-page
// segments.
func TestBuildPRPSGLRequestSingleSegmentSpansTwoPages(t *testing.T) {
	dma := fakecollab.NewDMA(1<<20, 0x1000_0000)
	qp, tr := newTestQpair(dma)

	const phys = 0x11800
	reset, next := sgeWalker([]sge{{phys: phys, length: PageSize}})
	req := &Request{Payload: Payload{Kind: PayloadSGL, ResetSGL: reset, NextSGE: next, Size: PageSize}}

	require.NoError(t, qp.buildPRPSGLRequest(req, tr))

	assert.EqualValues(t, phys, req.Cmd.DPTR.PRP1())
	assert.EqualValues(t, 0x12000, req.Cmd.DPTR.PRP2())
}

func TestBuildPRPSGLRequestMisalignedSegmentFails(t *testing.T) {
	dma := fakecollab.NewDMA(1<<20, 0x1000_0000)
	qp, tr := newTestQpair(dma)
	tr.active = true

	segs := []sge{{phys: 0x10000, length: PageSize}, {phys: 0x20001, length: PageSize}}
	reset, next := sgeWalker(segs)
	req := &Request{Payload: Payload{Kind: PayloadSGL, ResetSGL: reset, NextSGE: next, Size: 2 * PageSize}}
	tr.req = req

	err := qp.buildPRPSGLRequest(req, tr)
	assert.ErrorIs(t, err, ErrBadAlignment)
}

func TestBuildPRPSGLRequestNonFinalSegmentNotPageAlignedFails(t *testing.T) {
	dma := fakecollab.NewDMA(1<<20, 0x1000_0000)
	qp, tr := newTestQpair(dma)
	tr.active = true

	segs := []sge{{phys: 0x10000, length: 100}, {phys: 0x20000, length: PageSize}}
	reset, next := sgeWalker(segs)
	req := &Request{Payload: Payload{Kind: PayloadSGL, ResetSGL: reset, NextSGE: next, Size: 100 + PageSize}}
	tr.req = req

	err := qp.buildPRPSGLRequest(req, tr)
	assert.ErrorIs(t, err, ErrBadAlignment)
}

func TestBuildContigRequestSetsMetadataPointer(t *testing.T) {
	dma := fakecollab.NewDMA(1<<20, 0x1000_0000)
	qp, tr := newTestQpair(dma)

	mem, phys, err := dma.ZallocAligned(PageSize, PageSize)
	require.NoError(t, err)
	meta, metaPhys, err := dma.ZallocAligned(64, 8)
	require.NoError(t, err)

	req := &Request{Payload: Payload{Kind: PayloadContig, Contig: mem, Size: PageSize, Metadata: meta}}
	require.NoError(t, qp.buildContigRequest(req, tr))

	assert.Equal(t, phys, req.Cmd.DPTR.PRP1())
	assert.Equal(t, metaPhys, req.Cmd.MPTR)
}

func TestBuildHWSGLRequestSetsMetadataPointer(t *testing.T) {
	dma := fakecollab.NewDMA(1<<20, 0x1000_0000)
	qp, tr := newTestQpair(dma)

	meta, metaPhys, err := dma.ZallocAligned(64, 8)
	require.NoError(t, err)

	reset, next := sgeWalker([]sge{{phys: 0x2000, length: 512}})
	req := &Request{Payload: Payload{Kind: PayloadSGL, ResetSGL: reset, NextSGE: next, Size: 512, Metadata: meta}}

	require.NoError(t, qp.buildHWSGLRequest(req, tr))

	assert.Equal(t, metaPhys, req.Cmd.MPTR)
	assert.EqualValues(t, nvme.PSDTSGLMptrContiguous, req.Cmd.Psdt())
}

func TestBuildPRPSGLRequestSinglePageNoList(t *testing.T) {
	dma := fakecollab.NewDMA(1<<20, 0x1000_0000)
	qp, tr := newTestQpair(dma)

	reset, next := sgeWalker([]sge{{phys: 0x3000, length: 256}})
	req := &Request{Payload: Payload{Kind: PayloadSGL, ResetSGL: reset, NextSGE: next, Size: 256}}

	require.NoError(t, qp.buildPRPSGLRequest(req, tr))

	assert.EqualValues(t, 0x3000, req.Cmd.DPTR.PRP1())
	assert.EqualValues(t, 0, req.Cmd.DPTR.PRP2())
}
