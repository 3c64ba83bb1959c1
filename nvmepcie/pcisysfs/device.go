// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package pcisysfs

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Device is a PCIDevice backed by a Linux sysfs PCI device node under
// /sys/bus/pci/devices.
type Device struct {
	addr               string
	domain             uint16
	bus, dev, fn       uint8
	vendorID, deviceID uint16
	subven, subdev     uint16

	cfgFile *os.File
	mapped  map[int][]byte
}

// Open resolves addr (e.g. "0000:01:00.0") against /sys/bus/pci/devices
// and opens its config space file for CfgRead32/CfgWrite32.
func Open(addr string) (*Device, error) {
	domain, bus, dev, fn, err := parseAddress(addr)
	if err != nil {
		return nil, err
	}

	sysfsDir := filepath.Join("/sys/bus/pci/devices", addr)

	cfgFile, err := os.OpenFile(filepath.Join(sysfsDir, "config"), os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s config space", addr)
	}

	d := &Device{
		addr:   addr,
		domain: domain,
		bus:    bus,
		dev:    dev,
		fn:     fn,

		cfgFile: cfgFile,
		mapped:  map[int][]byte{},
	}

	d.vendorID = readSysfsHex16(sysfsDir, "vendor")
	d.deviceID = readSysfsHex16(sysfsDir, "device")
	d.subven = readSysfsHex16(sysfsDir, "subsystem_vendor")
	d.subdev = readSysfsHex16(sysfsDir, "subsystem_device")

	return d, nil
}

func parseAddress(addr string) (domain uint16, bus, dev, fn uint8, err error) {
	parts := strings.FieldsFunc(addr, func(r rune) bool { return r == ':' || r == '.' })
	if len(parts) != 4 {
		return 0, 0, 0, 0, fmt.Errorf("pcisysfs: malformed pci address %q", addr)
	}

	d, err := strconv.ParseUint(parts[0], 16, 16)
	if err != nil {
		return 0, 0, 0, 0, errors.Wrap(err, "parse domain")
	}
	b, err := strconv.ParseUint(parts[1], 16, 8)
	if err != nil {
		return 0, 0, 0, 0, errors.Wrap(err, "parse bus")
	}
	de, err := strconv.ParseUint(parts[2], 16, 8)
	if err != nil {
		return 0, 0, 0, 0, errors.Wrap(err, "parse device")
	}
	f, err := strconv.ParseUint(parts[3], 16, 8)
	if err != nil {
		return 0, 0, 0, 0, errors.Wrap(err, "parse function")
	}

	return uint16(d), uint8(b), uint8(de), uint8(f), nil
}

func readSysfsHex16(dir, file string) uint16 {
	data, err := os.ReadFile(filepath.Join(dir, file))
	if err != nil {
		return 0
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimSpace(string(data)), "0x"), 16, 16)
	if err != nil {
		return 0
	}
	return uint16(v)
}

// barPhysAddr reads the BAR's physical start address out of sysfs's
// textual "resource" file, which lists start/end/flags for each BAR (and
// the expansion ROM) one per line, in BAR-index order.
func barPhysAddr(sysfsDir string, bar int) (uint64, error) {
	data, err := os.ReadFile(filepath.Join(sysfsDir, "resource"))
	if err != nil {
		return 0, errors.Wrap(err, "read resource table")
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if bar >= len(lines) {
		return 0, fmt.Errorf("pcisysfs: bar %d not present in resource table", bar)
	}

	fields := strings.Fields(lines[bar])
	if len(fields) < 1 {
		return 0, fmt.Errorf("pcisysfs: malformed resource table line for bar %d", bar)
	}

	start, err := strconv.ParseUint(strings.TrimPrefix(fields[0], "0x"), 16, 64)
	if err != nil {
		return 0, errors.Wrap(err, "parse bar start address")
	}
	return start, nil
}

func (d *Device) MapBAR(bar int) ([]byte, uint64, uint64, error) {
	sysfsDir := filepath.Join("/sys/bus/pci/devices", d.addr)
	resourceFile := filepath.Join(sysfsDir, fmt.Sprintf("resource%d", bar))

	fi, err := os.Stat(resourceFile)
	if err != nil {
		return nil, 0, 0, errors.Wrapf(err, "stat %s", resourceFile)
	}
	size := uint64(fi.Size())

	f, err := os.OpenFile(resourceFile, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, 0, 0, errors.Wrapf(err, "open %s", resourceFile)
	}
	defer f.Close()

	mem, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, 0, 0, errors.Wrapf(err, "mmap %s", resourceFile)
	}

	phys, err := barPhysAddr(sysfsDir, bar)
	if err != nil {
		unix.Munmap(mem)
		return nil, 0, 0, err
	}

	d.mapped[bar] = mem
	return mem, phys, size, nil
}

func (d *Device) UnmapBAR(bar int, mem []byte) error {
	delete(d.mapped, bar)
	return unix.Munmap(mem)
}

func (d *Device) CfgRead32(offset uint32) (uint32, error) {
	var b [4]byte
	if _, err := d.cfgFile.ReadAt(b[:], int64(offset)); err != nil {
		return 0, errors.Wrap(err, "read config space")
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (d *Device) CfgWrite32(offset uint32, value uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], value)
	_, err := d.cfgFile.WriteAt(b[:], int64(offset))
	return errors.Wrap(err, "write config space")
}

func (d *Device) VendorID() uint16    { return d.vendorID }
func (d *Device) DeviceID() uint16    { return d.deviceID }
func (d *Device) SubvendorID() uint16 { return d.subven }
func (d *Device) SubdeviceID() uint16 { return d.subdev }
func (d *Device) Domain() uint16      { return d.domain }
func (d *Device) Bus() uint8          { return d.bus }
func (d *Device) Dev() uint8          { return d.dev }
func (d *Device) Func() uint8         { return d.fn }

// Close releases every BAR mapping still held and the config space file.
func (d *Device) Close() error {
	for bar, mem := range d.mapped {
		unix.Munmap(mem)
		delete(d.mapped, bar)
	}
	return d.cfgFile.Close()
}
