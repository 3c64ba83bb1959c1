// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// nvmepcieprobe opens an NVMe controller over raw PCIe, issues an
// IDENTIFY CONTROLLER admin command and logs its completion status, then
// creates an I/O queue pair and deletes it again. It is the PCIe-transport analogue of the
// library's cmd/smartctl reference implementation.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"
	"unsafe"

	charmlog "github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sys/unix"

	"github.com/dswarbrick/nvme-pcie/nvmepcie"
	"github.com/dswarbrick/nvme-pcie/nvmepcie/nvme"
	"github.com/dswarbrick/nvme-pcie/nvmepcie/nvmemetrics"
	"github.com/dswarbrick/nvme-pcie/nvmepcie/pcisysfs"
)

const (
	_LINUX_CAPABILITY_VERSION_3 = 0x20080522

	capSysRawio = 1 << 17
	capSysAdmin = 1 << 21
)

type capHeader struct {
	version uint32
	pid     int
}

type capData struct {
	effective   uint32
	permitted   uint32
	inheritable uint32
}

type capsV3 struct {
	hdr  capHeader
	data [2]capData
}

// checkCaps warns if the process lacks the capabilities raw BAR/config
// space access requires. Grounded on cmd/smartctl's own checkCaps, which
// does the same capget() check for ioctl passthrough access.
func checkCaps(log *charmlog.Logger) {
	caps := new(capsV3)
	caps.hdr.version = _LINUX_CAPABILITY_VERSION_3

	_, _, errno := unix.RawSyscall(unix.SYS_CAPGET, uintptr(unsafe.Pointer(&caps.hdr)), uintptr(unsafe.Pointer(&caps.data)), 0)
	if errno != 0 {
		log.Warn("capget() failed", "err", errno.Error())
		return
	}

	if caps.data[0].effective&capSysRawio == 0 && caps.data[0].effective&capSysAdmin == 0 {
		log.Warn("neither cap_sys_rawio nor cap_sys_admin is in effect; BAR/config space access will probably fail")
	}
}

// nullPool is the process-wide RequestPool: a trivial heap allocator,
// adequate for a probe tool issuing a handful of commands rather than a
// sustained I/O path with a fixed-size request arena.
type nullPool struct{}

func (nullPool) AllocateNull(cb nvmepcie.CommandCompleteFn, cbArg any) *nvmepcie.Request {
	return &nvmepcie.Request{CompleteFn: cb, CbArg: cbArg}
}
func (nullPool) Free(*nvmepcie.Request) {}

func main() {
	addr := flag.String("addr", "", "PCI address of the NVMe controller, e.g. 0000:01:00.0")
	configPath := flag.String("config", "", "path to a YAML ControllerOptions file (defaults built in if empty)")
	sglSupported := flag.Bool("sgl", false, "controller supports NVMe SGLs (from a prior IDENTIFY, not probed here)")
	numIOEntries := flag.Uint("io-entries", 256, "I/O queue pair entry count")
	metricsAddr := flag.String("metrics-addr", "", "if set, serve Prometheus /metrics on this address")
	timeout := flag.Duration("admin-timeout", 5*time.Second, "timeout shared by all admin command round trips of the run")
	flag.Parse()

	log := charmlog.NewWithOptions(os.Stderr, charmlog.Options{ReportTimestamp: true})
	log.Infof("nvmepcieprobe — built with %s on %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH)

	checkCaps(log)

	if *addr == "" {
		log.Fatal("-addr is required")
	}

	opts := nvmepcie.DefaultControllerOptions()
	if *configPath != "" {
		loaded, err := nvmepcie.LoadControllerOptions(*configPath)
		if err != nil {
			log.Fatal("load controller options", "err", err)
		}
		opts = loaded
	}

	dev, err := pcisysfs.Open(*addr)
	if err != nil {
		log.Fatal("open device", "addr", *addr, "err", err)
	}
	defer dev.Close()

	dma := pcisysfs.NewDMA()

	ctrlr, err := nvmepcie.NewController(dev, dma, pcisysfs.Vtophys, nullPool{}, *sglSupported, opts, log)
	if err != nil {
		log.Fatal("construct controller", "err", err)
	}
	defer ctrlr.Destroy()

	if cmb := ctrlr.CMB(); cmb.Enabled {
		log.Info("controller memory buffer available", "size", nvmepcie.FormatBytes(cmb.Size()))
	}

	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		recorder := nvmemetrics.NewRecorder(reg)
		ctrlr.AdminQ.SetMetrics(recorder)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			log.Info("serving metrics", "addr", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Error("metrics server exited", "err", err)
			}
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	cpl, err := ctrlr.SubmitAdminAndWait(ctx, func(cmd *nvme.Command) {
		cmd.Opc = nvme.OpcIdentify
		cmd.CDW10 = 0x1 // CNS = identify controller
	})
	if err != nil {
		log.Error("identify controller", "err", err)
	} else {
		log.Info("identify controller completed", "sct", cpl.StatusCodeType(), "sc", cpl.StatusCode())
	}

	qp, err := ctrlr.CreateIOQpair(ctx, 1, 0, uint32(*numIOEntries))
	if err != nil {
		log.Fatal("create io qpair", "err", err)
	}
	log.Info("io qpair ready", "id", qp.ID, "entries", qp.NumEntries)

	if err := ctrlr.DeleteIOQpair(ctx, qp); err != nil {
		log.Error("delete io qpair", "err", err)
	}

	fmt.Println("done")
}
