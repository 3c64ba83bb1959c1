// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package nvmepcie

import (
	"time"

	"github.com/dswarbrick/nvme-pcie/nvmepcie/nvme"
)

// fakeHW stands in for a controller's firmware for admin-command-flow
// tests: it polls the SQ doorbell register the same way a real device
// would, decodes newly-visible commands, and writes a completion back
// with the caller-supplied verdict, without any of the production code
// under test knowing it isn't a real device.
type fakeHW struct {
	regs             *RegisterWindow
	sq, cq           []byte
	numEntries       uint32
	sqDBOff, cqDBOff uint32
	handler          func(cmd nvme.Command) (sct, sc uint8, dnr bool)

	lastSQTail uint32
	cqWriteIdx uint32
	cqPhase    uint8
	stopCh     chan struct{}
}

func newFakeHW(qp *QueuePair, handler func(cmd nvme.Command) (sct, sc uint8, dnr bool)) *fakeHW {
	return &fakeHW{
		regs:       qp.ctrlr.regs,
		sq:         qp.sq,
		cq:         qp.cq,
		numEntries: qp.NumEntries,
		sqDBOff:    qp.sqDoorbellOffset,
		cqDBOff:    qp.cqDoorbellOffset,
		handler:    handler,
		cqPhase:    1,
		stopCh:     make(chan struct{}),
	}
}

func (f *fakeHW) run() {
	go func() {
		ticker := time.NewTicker(200 * time.Microsecond)
		defer ticker.Stop()
		for {
			select {
			case <-f.stopCh:
				return
			case <-ticker.C:
			}

			tail := f.regs.GetReg4(f.sqDBOff)
			for f.lastSQTail != tail {
				var raw [nvme.CommandSize]byte
				off := f.lastSQTail * nvme.CommandSize
				copy(raw[:], f.sq[off:off+nvme.CommandSize])

				var cmd nvme.Command
				cmd.Decode(raw)

				sct, sc, dnr := f.handler(cmd)
				var cpl nvme.Completion
				cpl.CID = cmd.CID
				cpl.SetStatus(sct, sc, dnr, f.cqPhase)
				b := cpl.Encode()
				cqOff := f.cqWriteIdx * nvme.CompletionSize
				copy(f.cq[cqOff:cqOff+nvme.CompletionSize], b[:])

				f.cqWriteIdx++
				if f.cqWriteIdx == f.numEntries {
					f.cqWriteIdx = 0
					f.cqPhase ^= 1
				}

				f.lastSQTail++
				if f.lastSQTail == f.numEntries {
					f.lastSQTail = 0
				}
			}
		}
	}()
}

func (f *fakeHW) stop() { close(f.stopCh) }
