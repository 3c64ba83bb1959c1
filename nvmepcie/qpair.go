// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Queue pair engine: submission/completion ring management, tracker
// lifecycle, retry, abort, and reset semantics (spec.md §4.4).

package nvmepcie

import (
	"github.com/pkg/errors"

	"github.com/dswarbrick/nvme-pcie/nvmepcie/nvme"
)

// QueuePair owns one submission queue, one completion queue, and the
// tracker pool backing them. A QueuePair is owned by exactly one
// goroutine at a time (spec.md §5); there is no internal locking.
type QueuePair struct {
	ID         uint16
	Priority   uint8
	NumEntries uint32

	ctrlr  *Controller
	isAdmin bool

	sq       []byte
	sqPhys   uint64
	sqInCMB  bool
	cq       []byte
	cqPhys   uint64

	sqTail uint32
	cqHead uint32
	phase  uint8

	sqDoorbellOffset uint32
	cqDoorbellOffset uint32

	trackers       []tracker
	trackerListMem []byte

	freeTr        []uint16
	outstandingTr []uint16
	queuedReq     []*Request

	enabled    bool
	retryCount int
	logger     Logger
	metrics    Metrics
	reqPool    RequestPool
}

// SetMetrics attaches an instrumentation sink; nil (the default) disables
// all metrics calls. Grounded on nvmemetrics' Prometheus-backed Metrics
// implementation.
func (qp *QueuePair) SetMetrics(m Metrics) { qp.metrics = m }

// DebugRings exposes the raw submission/completion queue memory and
// doorbell offsets for out-of-package tooling that simulates firmware
// without real hardware (cmd/pciebench). Not meant for production
// callers — everything it returns is otherwise reachable only through
// SubmitRequest/ProcessCompletions.
func (qp *QueuePair) DebugRings() (sq, cq []byte, sqDoorbellOffset, cqDoorbellOffset uint32) {
	return qp.sq, qp.cq, qp.sqDoorbellOffset, qp.cqDoorbellOffset
}

// newQueuePair allocates the SQ, CQ, and tracker pool for qid and resets
// the ring indices. qid 0 is the admin queue pair. Grounded on
// nvme_pcie_qpair_construct.
func newQueuePair(ctrlr *Controller, id uint16, priority uint8, numEntries uint32, isAdmin bool) (*QueuePair, error) {
	numTrackers := DefaultIOTrackers
	if isAdmin {
		numTrackers = DefaultAdminTrackers
	}
	// A ring of numEntries can only ever hold numEntries-1 outstanding
	// entries — head==tail means empty — so the tracker pool (admin or
	// I/O) must never exceed that, or sq_tail can wrap back onto sq_head.
	if int(numEntries)-1 < numTrackers {
		numTrackers = int(numEntries) - 1
	}
	if numTrackers <= 0 {
		return nil, errors.Errorf("qpair %d: queue of %d entries leaves no room for trackers", id, numEntries)
	}

	qp := &QueuePair{
		ID:         id,
		Priority:   priority,
		NumEntries: numEntries,
		ctrlr:      ctrlr,
		isAdmin:    isAdmin,
		retryCount: ctrlr.opts.RetryCount,
		logger:     ctrlr.logger,
		reqPool:    ctrlr.reqPool,
	}

	sqBytes := uint64(numEntries) * nvme.CommandSize

	if id != AdminQueueID && ctrlr.useCMBSQs && ctrlr.cmb.Enabled {
		if off, err := ctrlr.cmb.Alloc(sqBytes, PageSize); err == nil {
			qp.sq = ctrlr.cmb.Bytes(off, sqBytes)
			qp.sqPhys = ctrlr.cmb.PhysAddr(off)
			qp.sqInCMB = true
		}
	}
	if !qp.sqInCMB {
		mem, phys, err := ctrlr.dma.ZallocAligned(int(sqBytes), PageSize)
		if err != nil {
			return nil, errors.Wrapf(err, "qpair %d: alloc sq", id)
		}
		qp.sq = mem
		qp.sqPhys = phys
	}

	cqBytes := int(numEntries) * nvme.CompletionSize
	cqMem, cqPhys, err := ctrlr.dma.ZallocAligned(cqBytes, PageSize)
	if err != nil {
		qp.freeRings()
		return nil, errors.Wrapf(err, "qpair %d: alloc cq", id)
	}
	qp.cq = cqMem
	qp.cqPhys = cqPhys

	qp.sqDoorbellOffset = SQDoorbellOffset(id, ctrlr.doorbellStrideU32)
	qp.cqDoorbellOffset = CQDoorbellOffset(id, ctrlr.doorbellStrideU32)

	listTotal := numTrackers * trackerListBytes
	listMem, listPhys, err := ctrlr.dma.ZallocAligned(listTotal, trackerListBytes)
	if err != nil {
		qp.freeRings()
		return nil, errors.Wrapf(err, "qpair %d: alloc trackers", id)
	}
	qp.trackerListMem = listMem

	qp.trackers = make([]tracker, numTrackers)
	qp.freeTr = make([]uint16, 0, numTrackers)
	for i := 0; i < numTrackers; i++ {
		t := &qp.trackers[i]
		t.cid = uint16(i)
		t.list = listMem[i*trackerListBytes : (i+1)*trackerListBytes]
		t.listPhys = listPhys + uint64(i*trackerListBytes)
		qp.freeTr = append(qp.freeTr, t.cid)
	}

	qp.reset()

	return qp, nil
}

func (qp *QueuePair) freeRings() {
	if qp.sq != nil && !qp.sqInCMB {
		qp.ctrlr.dma.Free(qp.sq)
	}
	if qp.cq != nil {
		qp.ctrlr.dma.Free(qp.cq)
	}
}

// reset sets sq_tail = cq_head = 0, phase = 1, and zeros both rings
// (spec.md §4.4.2).
func (qp *QueuePair) reset() {
	qp.sqTail = 0
	qp.cqHead = 0
	qp.phase = 1
	for i := range qp.sq {
		qp.sq[i] = 0
	}
	for i := range qp.cq {
		qp.cq[i] = 0
	}
}

// checkEnabled auto-enables a disabled-but-not-resetting qpair, exactly
// as nvme_pcie_qpair_check_enabled does, then reports its enabled state.
func (qp *QueuePair) checkEnabled() bool {
	if !qp.enabled && !qp.ctrlr.IsResetting() {
		qp.Enable()
	}
	return qp.enabled
}

// SubmitRequest pops a free tracker, builds the PRP/SGL data pointer for
// req's payload, and submits it. When no tracker is free (or the qpair is
// disabled), req is queued and SubmitRequest returns success — the caller
// must tolerate arbitrary submit-to-doorbell latency (spec.md §5).
func (qp *QueuePair) SubmitRequest(req *Request) error {
	qp.checkEnabled()

	if len(qp.freeTr) == 0 || !qp.enabled {
		qp.queuedReq = append(qp.queuedReq, req)
		return nil
	}

	cid := qp.freeTr[len(qp.freeTr)-1]
	qp.freeTr = qp.freeTr[:len(qp.freeTr)-1]
	qp.outstandingTr = append(qp.outstandingTr, cid)

	tr := &qp.trackers[cid]
	tr.req = req
	tr.active = true
	req.Cmd.CID = tr.cid

	var err error
	switch {
	case req.Payload.Size == 0:
		// Null payload: PRP/SGL fields stay zero.
	case req.Payload.Kind == PayloadContig:
		err = qp.buildContigRequest(req, tr)
	case req.Payload.Kind == PayloadSGL && qp.ctrlr.sglSupported:
		err = qp.buildHWSGLRequest(req, tr)
	case req.Payload.Kind == PayloadSGL:
		err = qp.buildPRPSGLRequest(req, tr)
	default:
		qp.manualCompleteTracker(tr, nvme.SCTGeneric, nvme.SCInvalidField, true, true)
		err = errors.New("unsupported payload kind")
	}
	if err != nil {
		return err
	}

	qp.submitTracker(tr)
	metricsSubmitted(qp.metrics, qp.ID, qp.isAdmin)
	return nil
}

// submitTracker copies the command into the SQ and rings the doorbell.
// Re-entered by completeTracker on transient-error retry, reusing the
// tracker's already-built PRP/SGL state.
func (qp *QueuePair) submitTracker(tr *tracker) {
	cmd := tr.req.Cmd.Encode()
	copyCommand(qp.sq, qp.sqTail, cmd)

	qp.sqTail++
	if qp.sqTail == qp.NumEntries {
		qp.sqTail = 0
	}

	qp.ctrlr.regs.WriteSQDoorbell(qp.sqDoorbellOffset, qp.sqTail)
	metricsDoorbell(qp.metrics, qp.ID, qp.isAdmin, true)
}

// copyCommand writes cmd into sq's slot-th 64-byte slot. spec.md §4.4.3
// notes that an aligned wide-store sequence is preferred on platforms
// that have one (the original's AVX/SSE2 nvme_pcie_copy_command); Go has
// no portable equivalent, so this is the plain-copy fallback branch the
// original also falls back to on platforms without those instruction
// sets. Correctness depends on the doorbell write's ordering, not on the
// width of this copy.
func copyCommand(sq []byte, slot uint32, cmd [nvme.CommandSize]byte) {
	off := int(slot) * nvme.CommandSize
	copy(sq[off:off+nvme.CommandSize], cmd[:])
}

// peekCompletion returns the raw bytes of the completion at cq_head and
// its phase bit, reading the CID+status dword with a single atomic load
// so the phase check can never observe a torn status field. Once the
// phase matches the expected value, the NVMe completion-queue ordering
// guarantee (spec.md §5) means the rest of the entry is already valid,
// so the remaining bytes are read with a plain copy.
func (qp *QueuePair) peekCompletion() (raw [nvme.CompletionSize]byte, phase uint8, match bool) {
	off := qp.cqHead * nvme.CompletionSize
	// dw3's low 16 bits are CID, high 16 bits are Status; the phase tag
	// is bit 0 of Status, i.e. bit 16 of this dword.
	dw3 := readVolatile4(qp.cq, off+12)
	phase = uint8((dw3 >> 16) & 0x1)
	if phase != qp.phase {
		return raw, phase, false
	}
	copy(raw[:], qp.cq[off:off+nvme.CompletionSize])
	return raw, phase, true
}

// ProcessCompletions polls the CQ for entries whose phase matches the
// qpair's expected phase, retiring each tracker it finds, and returns the
// number of completions consumed (spec.md §4.4.4).
func (qp *QueuePair) ProcessCompletions(maxCompletions uint32) int {
	if !qp.checkEnabled() {
		return 0
	}

	if maxCompletions == 0 || maxCompletions > qp.NumEntries-1 {
		maxCompletions = qp.NumEntries - 1
	}

	var num uint32
	for {
		raw, _, match := qp.peekCompletion()
		if !match {
			break
		}

		var cpl nvme.Completion
		cpl.Decode(raw)

		tr := &qp.trackers[cpl.CID]
		if tr.active {
			qp.completeTracker(tr, &cpl, true)
		} else {
			logErrorf(qp.logger, "qpair %d: completion cid=%d does not map to an active tracker", qp.ID, cpl.CID)
		}

		qp.cqHead++
		if qp.cqHead == qp.NumEntries {
			qp.cqHead = 0
			qp.phase ^= 1
		}

		num++
		if num == maxCompletions {
			break
		}
	}

	if num > 0 {
		qp.ctrlr.regs.WriteCQDoorbell(qp.cqDoorbellOffset, qp.cqHead)
		metricsDoorbell(qp.metrics, qp.ID, qp.isAdmin, false)
	}

	return int(num)
}

// completeTracker is the single path every completion — real or
// synthetic — flows through (spec.md §4.4.5).
func (qp *QueuePair) completeTracker(tr *tracker, cpl *nvme.Completion, printOnError bool) {
	req := tr.req
	isErr := cpl.IsError()
	retry := isErr && nvme.IsTransient(cpl) && req.Retries < qp.retryCount

	if isErr && printOnError {
		logErrorf(qp.logger, "qpair %d: cid=%d opc=%#02x failed: sct=%#x sc=%#x dnr=%v",
			qp.ID, cpl.CID, req.Cmd.Opc, cpl.StatusCodeType(), cpl.StatusCode(), cpl.DoNotRetry())
	}

	wasActive := tr.active

	if retry {
		req.Retries++
		metricsRetried(qp.metrics, qp.ID, qp.isAdmin)
		qp.submitTracker(tr)
		return
	}

	tr.reset()

	if wasActive {
		metricsCompleted(qp.metrics, qp.ID, qp.isAdmin, isErr)
	}
	if wasActive && req.CompleteFn != nil {
		req.CompleteFn(req.CbArg, cpl)
	}
	if wasActive {
		qp.reqPool.Free(req)
	}

	qp.removeOutstanding(tr.cid)
	qp.freeTr = append(qp.freeTr, tr.cid)

	if len(qp.queuedReq) > 0 && !qp.ctrlr.IsResetting() {
		next := qp.queuedReq[0]
		qp.queuedReq = qp.queuedReq[1:]
		_ = qp.SubmitRequest(next)
	}
}

// manualCompleteTracker synthesizes a completion and routes it through
// completeTracker, for the disable/enable/fail abort paths.
func (qp *QueuePair) manualCompleteTracker(tr *tracker, sct, sc uint8, dnr bool, printOnError bool) {
	var cpl nvme.Completion
	cpl.SQID = qp.ID
	cpl.CID = tr.cid
	cpl.SetStatus(sct, sc, dnr, qp.phase)
	qp.completeTracker(tr, &cpl, printOnError)
}

func (qp *QueuePair) removeOutstanding(cid uint16) {
	for i, v := range qp.outstandingTr {
		if v == cid {
			qp.outstandingTr[i] = qp.outstandingTr[len(qp.outstandingTr)-1]
			qp.outstandingTr = qp.outstandingTr[:len(qp.outstandingTr)-1]
			return
		}
	}
}

// drainOutstanding manually completes every outstanding tracker with the
// given status, always taking the first entry of outstandingTr; since
// removeOutstanding moves the last entry into the vacated slot, this is
// not submission order. Used by Enable (both admin and I/O
// variants drain unconditionally) and Fail.
func (qp *QueuePair) drainOutstanding(sct, sc uint8, dnr bool, logMsg string) {
	for len(qp.outstandingTr) > 0 {
		cid := qp.outstandingTr[0]
		tr := &qp.trackers[cid]
		if logMsg != "" {
			logErrorf(qp.logger, "qpair %d: %s cid=%d", qp.ID, logMsg, cid)
		}
		qp.manualCompleteTracker(tr, sct, sc, dnr, true)
	}
}

// abortAERs manually completes outstanding Asynchronous Event Requests
// with Aborted-SQ-Deletion, leaving every other outstanding command
// untouched. Iterates a snapshot since manualCompleteTracker mutates
// outstandingTr; this is the idiomatic-Go substitute for the original's
// LIST_FOREACH_SAFE restart-after-removal dance, and is safe because the
// snapshot only decides which cids to visit, not how outstandingTr is
// mutated.
func (qp *QueuePair) abortAERs(print bool) {
	snapshot := append([]uint16(nil), qp.outstandingTr...)
	for _, cid := range snapshot {
		tr := &qp.trackers[cid]
		if tr.req != nil && tr.req.Cmd.Opc == nvme.OpcAsyncEventRequest {
			metricsAborted(qp.metrics, qp.ID, qp.isAdmin)
			qp.manualCompleteTracker(tr, nvme.SCTGeneric, nvme.SCAbortedSQDeletion, false, print)
		}
	}
}

// Enable drains every outstanding command with Aborted-by-Request before
// accepting new submissions: for the admin qpair this is do-not-retry
// (the original caller is long gone after a reset), for an I/O qpair it
// is retryable (the caller may still be waiting) (spec.md §4.4.6).
func (qp *QueuePair) Enable() {
	qp.enabled = true
	if qp.isAdmin {
		qp.drainOutstanding(nvme.SCTGeneric, nvme.SCAbortedByRequest, true, "aborting outstanding admin command")
	} else {
		qp.drainOutstanding(nvme.SCTGeneric, nvme.SCAbortedByRequest, false, "aborting outstanding i/o")
	}
}

// Disable marks the qpair unusable for new submissions. The admin qpair
// additionally aborts any outstanding AERs (they will never complete once
// disabled); an I/O qpair's disable is otherwise a no-op, leaving other
// outstanding commands to be resolved by the reset that triggered it.
func (qp *QueuePair) Disable() {
	qp.enabled = false
	if qp.isAdmin {
		qp.abortAERs(false)
	}
}

// Fail manually completes every outstanding tracker with
// Aborted-by-Request, do-not-retry. Used when the controller is declared
// lost; this path never retries.
func (qp *QueuePair) Fail() {
	qp.drainOutstanding(nvme.SCTGeneric, nvme.SCAbortedByRequest, true, "failing outstanding i/o")
}

// Destroy aborts outstanding AERs (admin qpair only) and releases the SQ
// (unless CMB-resident), CQ, and tracker DMA memory.
func (qp *QueuePair) Destroy() {
	if qp.isAdmin {
		qp.abortAERs(false)
	}
	qp.freeRings()
	if qp.trackerListMem != nil {
		qp.ctrlr.dma.Free(qp.trackerListMem)
	}
}
