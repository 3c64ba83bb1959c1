// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Package nvmepcie implements the user-space NVMe-over-PCIe transport
// core: MMIO register access, the controller memory buffer bump
// allocator, PRP/SGL construction, the submission/completion queue pair
// engine, and controller-level I/O queue orchestration.
//
// PCI enumeration, BAR mapping, DMA allocation, virtual-to-physical
// translation and controller bring-up (CAP/CC/CSTS handshake, identify)
// are external collaborators, consumed through the interfaces in
// transport.go. See package pcisysfs for a Linux-backed implementation of
// those collaborators.
package nvmepcie
