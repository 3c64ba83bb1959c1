// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Package fakecollab is an in-process test double for the collaborator
// interfaces nvmepcie depends on (PCIDevice, DMAAllocator, Vtophys,
// RequestPool), standing in for the real sysfs-backed implementations in
// pcisysfs. It exists only to drive deterministic unit tests.
package fakecollab

import (
	"encoding/binary"
	"fmt"
)

// Device is a PCIDevice backed by plain Go memory: BARs are pre-seeded
// slices, and config space is a 256-byte scratch array.
type Device struct {
	bars     map[int][]byte
	barPhys  map[int]uint64
	cfg      [256]byte
	vendorID uint16
	deviceID uint16
	subven   uint16
	subdev   uint16
	domain   uint16
	bus      uint8
	dev      uint8
	fn       uint8
}

// NewDevice returns an empty Device. Callers populate BARs with SetBAR
// and identity fields with SetIdentity/SetAddress before using it.
func NewDevice() *Device {
	return &Device{
		bars:    map[int][]byte{},
		barPhys: map[int]uint64{},
	}
}

// SetBAR registers mem as the backing memory for bar, visible at physical
// address phys.
func (d *Device) SetBAR(bar int, mem []byte, phys uint64) {
	d.bars[bar] = mem
	d.barPhys[bar] = phys
}

func (d *Device) SetIdentity(vendorID, deviceID, subven, subdev uint16) {
	d.vendorID, d.deviceID, d.subven, d.subdev = vendorID, deviceID, subven, subdev
}

func (d *Device) SetAddress(domain uint16, bus, dev, fn uint8) {
	d.domain, d.bus, d.dev, d.fn = domain, bus, dev, fn
}

func (d *Device) MapBAR(bar int) ([]byte, uint64, uint64, error) {
	mem, ok := d.bars[bar]
	if !ok {
		return nil, 0, 0, fmt.Errorf("fakecollab: bar %d not configured", bar)
	}
	return mem, d.barPhys[bar], uint64(len(mem)), nil
}

func (d *Device) UnmapBAR(bar int, mem []byte) error { return nil }

func (d *Device) CfgRead32(offset uint32) (uint32, error) {
	if int(offset)+4 > len(d.cfg) {
		return 0, fmt.Errorf("fakecollab: cfg read offset %#x out of range", offset)
	}
	return binary.LittleEndian.Uint32(d.cfg[offset : offset+4]), nil
}

func (d *Device) CfgWrite32(offset uint32, value uint32) error {
	if int(offset)+4 > len(d.cfg) {
		return fmt.Errorf("fakecollab: cfg write offset %#x out of range", offset)
	}
	binary.LittleEndian.PutUint32(d.cfg[offset:offset+4], value)
	return nil
}

func (d *Device) VendorID() uint16    { return d.vendorID }
func (d *Device) DeviceID() uint16    { return d.deviceID }
func (d *Device) SubvendorID() uint16 { return d.subven }
func (d *Device) SubdeviceID() uint16 { return d.subdev }
func (d *Device) Domain() uint16      { return d.domain }
func (d *Device) Bus() uint8          { return d.bus }
func (d *Device) Dev() uint8          { return d.dev }
func (d *Device) Func() uint8         { return d.fn }
