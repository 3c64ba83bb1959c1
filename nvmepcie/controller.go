// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Controller-level orchestration: bring-up, and I/O queue pair
// create/delete via the admin qpair (spec.md §4.5).

package nvmepcie

import (
	"context"

	"github.com/pkg/errors"

	"github.com/dswarbrick/nvme-pcie/nvmepcie/nvme"
)

// pciCommandRegisterOffset is the PCI configuration space offset of the
// Command register (PCI local bus spec, independent of NVMe).
const pciCommandRegisterOffset = 0x04

// pciCommandBusMasterIntxDisable sets Bus Master Enable (bit 2) and INTx
// Disable (bit 10): this transport always drives the controller with
// either MSI-X or pure polling, never legacy line interrupts.
const pciCommandBusMasterIntxDisable = 0x404

// Controller owns one NVMe controller's register window, optional CMB,
// and admin queue pair, and is the entry point for creating and deleting
// I/O queue pairs (spec.md §4.5). A Controller is not safe for concurrent
// use by more than one goroutine except where noted.
type Controller struct {
	dev     PCIDevice
	regs    *RegisterWindow
	cmb     *CMBContext
	dma     DMAAllocator
	vtophys Vtophys
	reqPool RequestPool
	logger  Logger

	opts              ControllerOptions
	doorbellStrideU32 uint32
	useCMBSQs         bool
	sglSupported      bool
	pciAddr           PCIAddress

	// AdminQ is constructed directly by NewController rather than through
	// CreateIOQpair: the admin qpair always exists before any admin
	// command — including the CREATE_IO_* commands I/O qpairs need — can
	// be issued, so it cannot be created via the same path it bootstraps.
	AdminQ *QueuePair

	resetting bool
}

// NewController maps BAR0, discovers the CMB, configures the PCI command
// register for bus-mastering/polling, reads CAP for the doorbell stride,
// and constructs the admin queue pair. sglSupported reflects the
// controller's CAP.NVSCC/identify-reported SGL support, sourced from the
// collaborator performing controller identification (out of scope here).
// Grounded on nvme_pcie_ctrlr_construct / nvme_pcie_ctrlr_enable.
func NewController(dev PCIDevice, dma DMAAllocator, vtophys Vtophys, reqPool RequestPool, sglSupported bool, opts ControllerOptions, logger Logger) (*Controller, error) {
	mem, _, _, err := dev.MapBAR(0)
	if err != nil {
		return nil, errors.Wrap(err, "map bar0")
	}
	regs := NewRegisterWindow(mem)

	cmb, useCMBSQs := discoverCMB(dev, regs, opts.UseCMBSQs)

	cmdReg, err := dev.CfgRead32(pciCommandRegisterOffset)
	if err != nil {
		return nil, errors.Wrap(err, "read pci command register")
	}
	if err := dev.CfgWrite32(pciCommandRegisterOffset, cmdReg|pciCommandBusMasterIntxDisable); err != nil {
		return nil, errors.Wrap(err, "write pci command register")
	}

	cap := regs.ReadCap()

	c := &Controller{
		dev:               dev,
		regs:              regs,
		cmb:               cmb,
		dma:               dma,
		vtophys:           vtophys,
		reqPool:           reqPool,
		logger:            logger,
		opts:              opts,
		doorbellStrideU32: cap.DoorbellStrideU32(),
		useCMBSQs:         useCMBSQs,
		sglSupported:      sglSupported,
		pciAddr: PCIAddress{
			Domain: dev.Domain(),
			Bus:    dev.Bus(),
			Dev:    dev.Dev(),
			Func:   dev.Func(),
		},
	}

	adminQ, err := newQueuePair(c, AdminQueueID, 0, opts.AdminEntries, true)
	if err != nil {
		return nil, errors.Wrap(err, "construct admin qpair")
	}
	c.AdminQ = adminQ

	return c, nil
}

// IsResetting reports whether the controller is mid-reset. QueuePair
// consults this to decide whether a disabled qpair should auto-enable
// (checkEnabled) or a freshly-freed tracker should drain the next queued
// request (completeTracker) — neither should happen while a reset is in
// flight, matching nvme_qpair_is_enabled's coupling to ctrlr->is_resetting
// in the original.
func (c *Controller) IsResetting() bool { return c.resetting }

// BeginReset/EndReset bracket a controller-level reset performed by a
// collaborator above this package (out of scope here beyond this flag).
func (c *Controller) BeginReset() { c.resetting = true }
func (c *Controller) EndReset()   { c.resetting = false }

// PCIAddress returns the bus/device/function tuple recorded at
// construction.
func (c *Controller) PCIAddress() PCIAddress { return c.pciAddr }

// CMB exposes the discovered Controller Memory Buffer context, primarily
// for callers that want to place their own DMA buffers in it; a disabled
// CMBContext (Enabled == false) is returned when no usable CMB exists.
func (c *Controller) CMB() *CMBContext { return c.cmb }

// DebugRegisters exposes the controller's register window for
// out-of-package tooling that needs to simulate firmware (cmd/pciebench),
// e.g. to poll a queue pair's doorbell register directly.
func (c *Controller) DebugRegisters() *RegisterWindow { return c.regs }

// Destroy tears down the admin qpair, the CMB mapping, and the BAR0
// register mapping, in that order.
func (c *Controller) Destroy() error {
	c.AdminQ.Destroy()
	if err := c.cmb.Unmap(c.dev); err != nil {
		return errors.Wrap(err, "unmap cmb")
	}
	if err := c.dev.UnmapBAR(0, c.regs.mem); err != nil {
		return errors.Wrap(err, "unmap bar0")
	}
	return nil
}

// adminResult is the generic-request callback argument used to turn an
// asynchronous admin completion into a synchronous wait.
type adminResult struct {
	done bool
	cpl  nvme.Completion
}

// submitAdminAndWait allocates a null request, lets build populate its
// command, submits it on the admin qpair, and busy-polls
// AdminQ.ProcessCompletions until it completes or ctx is done. A nil ctx
// behaves as context.Background — the default unbounded busy-wait the
// original always used, preserved here as the zero-value behavior; a
// caller that wants a bound passes a context with a deadline.
func (c *Controller) submitAdminAndWait(ctx context.Context, build func(cmd *nvme.Command)) (*nvme.Completion, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	res := &adminResult{}
	req := c.reqPool.AllocateNull(func(cbArg any, cpl *nvme.Completion) {
		r := cbArg.(*adminResult)
		r.done = true
		r.cpl = *cpl
	}, res)
	build(&req.Cmd)

	if err := c.AdminQ.SubmitRequest(req); err != nil {
		c.reqPool.Free(req)
		return nil, err
	}

	for !res.done {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		c.AdminQ.ProcessCompletions(0)
	}

	// req is freed by completeTracker once it retires the tracker; freeing
	// it again here would double-free it back into the pool.

	if res.cpl.IsError() {
		return &res.cpl, ErrAdminFailed
	}
	return &res.cpl, nil
}

// SubmitAdminRequest submits req directly on the admin qpair, bypassing
// the orchestrator's synchronous build/wait wrapper. Callers that need a
// synchronous round trip should use SubmitAdminAndWait instead.
func (c *Controller) SubmitAdminRequest(req *Request) error {
	return c.AdminQ.SubmitRequest(req)
}

// SubmitAdminAndWait allocates a null request from the controller's
// RequestPool, lets build populate its command, submits it on the admin
// qpair, and busy-polls until it completes or ctx is done. Exported for
// callers (cmd/nvmepcieprobe) that need to issue their own admin commands
// (e.g. IDENTIFY) beyond the CREATE_IO_*/DELETE_IO_* pairs this package
// issues internally.
func (c *Controller) SubmitAdminAndWait(ctx context.Context, build func(cmd *nvme.Command)) (*nvme.Completion, error) {
	return c.submitAdminAndWait(ctx, build)
}

// CreateIOQpair constructs an I/O queue pair's rings and trackers, then
// brings it up on the controller with CREATE_IO_CQ followed by
// CREATE_IO_SQ. A CREATE_IO_SQ failure rolls back the CQ it paired with.
// The returned qpair is enabled and ready for SubmitRequest. Grounded on
// nvme_pcie_ctrlr_create_io_qpair.
func (c *Controller) CreateIOQpair(ctx context.Context, id uint16, priority uint8, numEntries uint32) (*QueuePair, error) {
	qp, err := newQueuePair(c, id, priority, numEntries, false)
	if err != nil {
		return nil, err
	}

	_, err = c.submitAdminAndWait(ctx, func(cmd *nvme.Command) {
		cmd.Opc = nvme.OpcCreateIOCQ
		cmd.DPTR.SetPRP(qp.cqPhys, 0)
		cmd.CDW10 = (numEntries-1)<<16 | uint32(id)
		cmd.CDW11 = 0x1 // physically contiguous; bit 0x2 (interrupts enabled) left unset, this driver polls
	})
	if err != nil {
		qp.Destroy()
		return nil, errors.Wrap(err, "create io cq")
	}

	_, err = c.submitAdminAndWait(ctx, func(cmd *nvme.Command) {
		cmd.Opc = nvme.OpcCreateIOSQ
		cmd.DPTR.SetPRP(qp.sqPhys, 0)
		cmd.CDW10 = (numEntries-1)<<16 | uint32(id)
		cmd.CDW11 = uint32(id)<<16 | uint32(priority)<<1 | 0x1
	})
	if err != nil {
		if _, delErr := c.submitAdminAndWait(ctx, func(cmd *nvme.Command) {
			cmd.Opc = nvme.OpcDeleteIOCQ
			cmd.CDW10 = uint32(id)
		}); delErr != nil {
			logErrorf(c.logger, "qpair %d: rollback delete io cq after failed create io sq: %v", id, delErr)
		}
		qp.Destroy()
		return nil, errors.Wrap(err, "create io sq")
	}

	qp.Enable()
	return qp, nil
}

// DeleteIOQpair issues DELETE_IO_SQ then DELETE_IO_CQ, fails any commands
// still outstanding on qp, and releases its DMA memory. Errors from the
// delete commands are logged, not returned: the qpair is torn down either
// way, matching the original's treatment of queue pair deletion as
// best-effort once the controller has decided to discard it.
func (c *Controller) DeleteIOQpair(ctx context.Context, qp *QueuePair) error {
	if _, err := c.submitAdminAndWait(ctx, func(cmd *nvme.Command) {
		cmd.Opc = nvme.OpcDeleteIOSQ
		cmd.CDW10 = uint32(qp.ID)
	}); err != nil {
		logErrorf(c.logger, "qpair %d: delete io sq: %v", qp.ID, err)
	}

	if _, err := c.submitAdminAndWait(ctx, func(cmd *nvme.Command) {
		cmd.Opc = nvme.OpcDeleteIOCQ
		cmd.CDW10 = uint32(qp.ID)
	}); err != nil {
		logErrorf(c.logger, "qpair %d: delete io cq: %v", qp.ID, err)
	}

	qp.Fail()
	qp.Destroy()
	return nil
}
