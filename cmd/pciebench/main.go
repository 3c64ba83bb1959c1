// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// pciebench drives nvmepcie's queue pair engine in a tight loop against a
// software-simulated controller, measuring submit-to-completion latency
// without needing real NVMe hardware. It is the PCIe-transport analogue
// of the library's cmd/mkdrivedb standalone tool.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"
	"unsafe"

	charmlog "github.com/charmbracelet/log"

	"github.com/dswarbrick/nvme-pcie/nvmepcie"
	"github.com/dswarbrick/nvme-pcie/nvmepcie/nvme"
)

// simDevice is a PCIDevice over plain Go memory, just enough for
// nvmepcie.NewController to map BAR0 and read CAP.
type simDevice struct {
	bar0 []byte
	cfg  [256]byte
}

func newSimDevice() *simDevice {
	d := &simDevice{bar0: make([]byte, 0x2000)}
	// CAP: doorbell stride 0 (4 bytes), no CMB.
	binary.LittleEndian.PutUint64(d.bar0[0:8], 0)
	return d
}

func (d *simDevice) MapBAR(bar int) ([]byte, uint64, uint64, error) {
	if bar != 0 {
		return nil, 0, 0, fmt.Errorf("simDevice: only bar0 is backed")
	}
	return d.bar0, 0xdead_beef_0000, uint64(len(d.bar0)), nil
}
func (d *simDevice) UnmapBAR(int, []byte) error { return nil }
func (d *simDevice) CfgRead32(offset uint32) (uint32, error) {
	return binary.LittleEndian.Uint32(d.cfg[offset : offset+4]), nil
}
func (d *simDevice) CfgWrite32(offset uint32, value uint32) error {
	binary.LittleEndian.PutUint32(d.cfg[offset:offset+4], value)
	return nil
}
func (d *simDevice) VendorID() uint16    { return 0 }
func (d *simDevice) DeviceID() uint16    { return 0 }
func (d *simDevice) SubvendorID() uint16 { return 0 }
func (d *simDevice) SubdeviceID() uint16 { return 0 }
func (d *simDevice) Domain() uint16      { return 0 }
func (d *simDevice) Bus() uint8          { return 0 }
func (d *simDevice) Dev() uint8          { return 0 }
func (d *simDevice) Func() uint8         { return 0 }

// simDMA is a bump-allocating DMAAllocator over a single backing array.
type simDMA struct {
	backing []byte
	cursor  int
}

func newSimDMA(size int) *simDMA { return &simDMA{backing: make([]byte, size)} }

func (d *simDMA) ZallocAligned(size, align int) ([]byte, uint64, error) {
	aligned := (d.cursor + align - 1) &^ (align - 1)
	if aligned+size > len(d.backing) {
		return nil, 0, fmt.Errorf("simDMA: backing store exhausted")
	}
	d.cursor = aligned + size
	return d.backing[aligned : aligned+size], uint64(aligned), nil
}
func (d *simDMA) Free([]byte) {}

func (d *simDMA) vtophys(buf []byte) (uint64, bool) {
	if len(buf) == 0 {
		return 0, false
	}
	base := uintptr(unsafe.Pointer(&d.backing[0]))
	ptr := uintptr(unsafe.Pointer(&buf[0]))
	if ptr < base || ptr >= base+uintptr(len(d.backing)) {
		return 0, false
	}
	return uint64(ptr - base), true
}

type simPool struct{}

func (simPool) AllocateNull(cb nvmepcie.CommandCompleteFn, cbArg any) *nvmepcie.Request {
	return &nvmepcie.Request{CompleteFn: cb, CbArg: cbArg}
}
func (simPool) Free(*nvmepcie.Request) {}

// simFirmware polls an I/O qpair's SQ doorbell and immediately completes
// every command as a success, as fast as the goroutine scheduler allows —
// unlike fakehw_test.go's fixed-tick poll, this tight spin loop exists
// specifically to not be the bottleneck in a latency benchmark.
type simFirmware struct {
	regs       interface{ GetReg4(uint32) uint32 }
	sq, cq     []byte
	numEntries uint32
	sqDBOff    uint32
	lastTail   uint32
	cqWriteIdx uint32
	cqPhase    uint8
	stopCh     chan struct{}
}

func runSimFirmware(regs interface{ GetReg4(uint32) uint32 }, sq, cq []byte, numEntries, sqDBOff uint32) *simFirmware {
	f := &simFirmware{regs: regs, sq: sq, cq: cq, numEntries: numEntries, sqDBOff: sqDBOff, cqPhase: 1, stopCh: make(chan struct{})}
	go func() {
		for {
			select {
			case <-f.stopCh:
				return
			default:
			}

			tail := f.regs.GetReg4(f.sqDBOff)
			for f.lastTail != tail {
				var raw [nvme.CommandSize]byte
				off := f.lastTail * nvme.CommandSize
				copy(raw[:], f.sq[off:off+nvme.CommandSize])

				var cmd nvme.Command
				cmd.Decode(raw)

				var cpl nvme.Completion
				cpl.CID = cmd.CID
				cpl.SetStatus(nvme.SCTGeneric, nvme.SCSuccess, false, f.cqPhase)
				b := cpl.Encode()
				cqOff := f.cqWriteIdx * nvme.CompletionSize
				copy(f.cq[cqOff:cqOff+nvme.CompletionSize], b[:])

				f.cqWriteIdx++
				if f.cqWriteIdx == f.numEntries {
					f.cqWriteIdx = 0
					f.cqPhase ^= 1
				}
				f.lastTail++
				if f.lastTail == f.numEntries {
					f.lastTail = 0
				}
			}
		}
	}()
	return f
}

func (f *simFirmware) stop() { close(f.stopCh) }

func main() {
	iterations := flag.Int("iterations", 10000, "number of submit/complete round trips to measure")
	entries := flag.Uint("entries", 64, "admin queue pair entry count (the benchmark drives the admin queue pair)")
	flag.Parse()

	log := charmlog.NewWithOptions(os.Stderr, charmlog.Options{ReportTimestamp: true})

	dev := newSimDevice()
	dma := newSimDMA(64 << 20)

	opts := nvmepcie.DefaultControllerOptions()
	opts.UseCMBSQs = false
	opts.AdminEntries = uint32(*entries)

	ctrlr, err := nvmepcie.NewController(dev, dma, dma.vtophys, simPool{}, false, opts, log)
	if err != nil {
		log.Fatal("construct controller", "err", err)
	}

	sq, cq, sqDBOff, _ := ctrlr.AdminQ.DebugRings()
	firmware := runSimFirmware(ctrlr.DebugRegisters(), sq, cq, ctrlr.AdminQ.NumEntries, sqDBOff)
	defer firmware.stop()

	log.Info("pciebench starting", "iterations", *iterations, "entries", *entries)

	latencies := make([]time.Duration, 0, *iterations)
	for i := 0; i < *iterations; i++ {
		start := time.Now()
		done := make(chan struct{})
		req := &nvmepcie.Request{CompleteFn: func(any, *nvme.Completion) { close(done) }}
		req.Cmd.Opc = nvme.OpcIdentify

		if err := ctrlr.SubmitAdminRequest(req); err != nil {
			log.Fatal("submit", "err", err)
		}

		for {
			select {
			case <-done:
			default:
				ctrlr.AdminQ.ProcessCompletions(0)
				continue
			}
			break
		}
		latencies = append(latencies, time.Since(start))
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	p50 := latencies[len(latencies)/2]
	p99 := latencies[len(latencies)*99/100]
	fmt.Printf("round trips: %d  p50=%s  p99=%s  max=%s\n", len(latencies), p50, p99, latencies[len(latencies)-1])
}
